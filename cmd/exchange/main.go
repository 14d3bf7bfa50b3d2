package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"coinx.com/internal/api"
	"coinx.com/internal/bus"
	"coinx.com/internal/engine"
	"coinx.com/internal/gateway"
	"coinx.com/internal/store"
	"coinx.com/pkg/config"
	"coinx.com/pkg/logger"
	"coinx.com/pkg/metrics"
	"coinx.com/pkg/safe"
	"coinx.com/pkg/xredis"
)

func main() {
	// 支持 Ctrl+C / kubernetes 停止信号的 context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg config.Exchange
	// 热加载只接 log_level，别的改了要重启
	if _, err := config.LoadAndWatch("exchange", &cfg, func() {
		logger.SetLevel(cfg.LogLevel)
	}); err != nil {
		log.Fatalf("load config error: %v", err)
	}

	logger.Init("exchange", cfg.LogLevel)
	defer logger.Sync()
	metrics.MustRegister()

	st, err := buildStore(&cfg)
	if err != nil {
		logger.Fatal(ctx, "init store error", zap.Error(err))
	}
	defer st.Close()

	broker, err := buildBroker(&cfg)
	if err != nil {
		logger.Fatal(ctx, "init broker error", zap.Error(err))
	}
	defer broker.Close()

	eng := engine.New(engine.Config{
		Symbols:      cfg.Engine.Symbols,
		MailboxSize:  cfg.Engine.MailboxSize,
		ApplyRetries: cfg.Engine.ApplyRetries,
	}, st, broker)
	if err := eng.Start(ctx); err != nil {
		logger.Fatal(ctx, "start engine error", zap.Error(err))
	}

	hub := gateway.NewHub(gateway.Config{
		MaxConnsPerSymbol: cfg.WS.MaxConnsPerSymbol,
		MaxTotalConns:     cfg.WS.MaxTotalConns,
		ReadLimit:         cfg.WS.ReadLimit,
	}, eng, broker)
	if err := hub.Start(); err != nil {
		logger.Fatal(ctx, "start gateway error", zap.Error(err))
	}

	srv := api.NewServer(ctx, api.ServerConfig{
		Addr:        cfg.HTTP.Addr,
		CorsOrigins: cfg.CorsOrigins,
		Debug:       cfg.Debug,
	}, api.NewHandler(eng, hub))

	safe.GoCtx(ctx, "http.server", func(ctx context.Context) {
		logger.Info(ctx, "http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "http serve error", zap.Error(err))
		}
	})

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")

	// 先停外层，再排空撮合
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(context.Background(), "http shutdown error", zap.Error(err))
	}
	hub.Shutdown()
	eng.Stop()
	logger.Info(context.Background(), "exchange exit")
}

func buildStore(cfg *config.Exchange) (store.Store, error) {
	switch cfg.Store.Backend {
	case "redis", "":
		rdb, err := xredis.New(&xredis.Config{
			Host:           cfg.Redis.Host,
			Port:           cfg.Redis.Port,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			SSL:            cfg.Redis.SSL,
			MaxConnections: cfg.Redis.MaxConnections,
			ReadTimeout:    cfg.Redis.SocketTimeout,
			DialTimeout:    cfg.Redis.SocketConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		return store.NewRedisStore(rdb, cfg.Store.TradeLogSize), nil
	case "pebble":
		return store.NewPebbleStore(cfg.Store.PebbleDir)
	case "mem":
		return store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildBroker(cfg *config.Exchange) (bus.Broker, error) {
	switch cfg.Bus.Broker {
	case "redis", "":
		rdb, err := xredis.New(&xredis.Config{
			Host:           cfg.Redis.Host,
			Port:           cfg.Redis.Port,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			SSL:            cfg.Redis.SSL,
			MaxConnections: cfg.Redis.MaxConnections,
			ReadTimeout:    cfg.Redis.SocketTimeout,
			DialTimeout:    cfg.Redis.SocketConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		return bus.NewRedisBroker(rdb), nil
	case "nats":
		return bus.NewNatsBroker(cfg.Bus.NatsURL)
	case "kafka":
		return bus.NewKafkaBroker(cfg.Bus.KafkaBrokers), nil
	case "mem":
		return bus.NewMemBroker(), nil
	default:
		return nil, fmt.Errorf("unknown bus broker %q", cfg.Bus.Broker)
	}
}
