package config

import (
	"log"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Exchange is the full process configuration. The matching core only
// consumes the store and bus coordinates; the rest feeds the adapters.
type Exchange struct {
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	Redis struct {
		Host                 string        `mapstructure:"host"`
		Port                 int           `mapstructure:"port"`
		DB                   int           `mapstructure:"db"`
		Password             string        `mapstructure:"password"`
		SSL                  bool          `mapstructure:"ssl"`
		MaxConnections       int           `mapstructure:"max_connections"`
		SocketTimeout        time.Duration `mapstructure:"socket_timeout"`
		SocketConnectTimeout time.Duration `mapstructure:"socket_connect_timeout"`
	} `mapstructure:"redis"`

	Store struct {
		Backend      string `mapstructure:"backend"` // redis | pebble | mem
		PebbleDir    string `mapstructure:"pebble_dir"`
		TradeLogSize int64  `mapstructure:"trade_log_size"` // per-symbol trade stream cap
	} `mapstructure:"store"`

	Bus struct {
		Broker       string   `mapstructure:"broker"` // redis | nats | kafka | mem
		NatsURL      string   `mapstructure:"nats_url"`
		KafkaBrokers []string `mapstructure:"kafka_brokers"`
	} `mapstructure:"bus"`

	Engine struct {
		Symbols      []string `mapstructure:"symbols"`
		MailboxSize  int      `mapstructure:"mailbox_size"`
		ApplyRetries int      `mapstructure:"apply_retries"`
	} `mapstructure:"engine"`

	WS struct {
		MaxConnsPerSymbol int   `mapstructure:"max_conns_per_symbol"`
		MaxTotalConns     int   `mapstructure:"max_total_conns"`
		ReadLimit         int64 `mapstructure:"read_limit"`
	} `mapstructure:"ws"`

	CorsOrigins []string `mapstructure:"cors_origins"`
	Debug       bool     `mapstructure:"debug"`
	LogLevel    string   `mapstructure:"log_level"`
}

// LoadAndWatch reads config/{service}.yaml, overlays env vars with the
// service prefix (EXCHANGE_REDIS_HOST overrides redis.host), and hot
// reloads into out on file change. onReload, if non-nil, runs after
// every successful reload.
func LoadAndWatch(service string, out interface{}, onReload func()) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix(strings.ToUpper(service))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}

	log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[%s] config file changed: %s", service, e.Name)
		if err := v.Unmarshal(out); err != nil {
			log.Printf("[%s] reload config error: %v", service, err)
			return
		}
		log.Printf("[%s] config reloaded OK", service)
		if onReload != nil {
			onReload()
		}
	})

	return v, nil
}
