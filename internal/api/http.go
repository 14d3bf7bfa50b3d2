package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"

	"coinx.com/pkg/middleware"
	"coinx.com/pkg/ratelimit"
)

type ServerConfig struct {
	Addr        string
	CorsOrigins []string
	Debug       bool
}

// NewServer builds the gin stack: prometheus, request id, cors,
// recover, per-client rate limit, then the exchange routes.
func NewServer(ctx context.Context, cfg ServerConfig, h *Handler) *http.Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 限流。下单比行情读贵，单独收紧
	store := ratelimit.NewStore(1000, 2000, 10*time.Minute)
	store.Override("/api/v1/orders", 100, 200)
	store.StartSweeper(ctx, time.Minute)

	r := gin.New()
	// 监控，/metrics 由 ginprom 挂出来，业务指标同一个 registry
	p := ginprom.NewPrometheus("coinx")
	p.Use(r)

	corsCfg := cors.DefaultConfig()
	if len(cfg.CorsOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.CorsOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}

	r.Use(
		middleware.ReqId(),
		cors.New(corsCfg),
		middleware.Recover(),
		middleware.RateLimit(store),
	)

	registerRoutes(r, h)

	return &http.Server{
		Addr:           cfg.Addr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}

func registerRoutes(r *gin.Engine, h *Handler) {
	r.GET("/health", h.Health)
	r.GET("/ws", h.ServeWS)

	api := r.Group("/api/v1")
	{
		orders := api.Group("/orders")
		{
			orders.POST("", h.SubmitOrder)
			orders.DELETE("/:id", h.CancelOrder)
			orders.GET("/:id", h.GetOrder)
		}
		api.GET("/users/:user_id/orders", h.GetUserOrders)

		md := api.Group("/market")
		{
			md.GET("/:symbol/orderbook", h.GetOrderBook)
			md.GET("/:symbol/trades", h.GetRecentTrades)
		}
		api.GET("/ws/stats", h.Stats)
	}
}
