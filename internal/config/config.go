package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	Instance string `envconfig:"INSTANCE" default:"checker-1"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8081"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"` // debug|info|warn|error

	// Store
	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite"` // postgres|sqlite|memory
	DBDSN    string `envconfig:"DB_DSN" default:"./data/alerts.db"`

	// Redis is optional; without it snapshots are cached per process,
	// push notifications stay in process and the trigger endpoint is not rate limited.
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	TriggerPerMin int    `envconfig:"TRIGGER_RATE_PER_MIN" default:"30"`

	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`

	KafkaBrokers string `envconfig:"KAFKA_BROKERS"`
	AlertsTopic  string `envconfig:"KAFKA_ALERTS_TOPIC" default:"alerts.triggered"`
	PricesTopic  string `envconfig:"KAFKA_PRICES_TOPIC" default:"price.updates"`

	// Providers
	AssetCatalog     string        `envconfig:"ASSET_CATALOG"` // path to YAML; embedded default when empty
	YahooURL         string        `envconfig:"YAHOO_URL" default:"https://query1.finance.yahoo.com/v8/finance/chart/"`
	CoinGeckoURL     string        `envconfig:"COINGECKO_URL" default:"https://api.coingecko.com/api/v3/simple/price"`
	CoinGeckoAPIKey  string        `envconfig:"COINGECKO_API_KEY"`
	CoinbaseStream   bool          `envconfig:"COINBASE_STREAM" default:"false"`
	CoinbaseWSURL    string        `envconfig:"COINBASE_WS_URL" default:"wss://ws-feed.exchange.coinbase.com"`
	ProviderTimeout  time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"10s"`
	CycleTimeout     time.Duration `envconfig:"CYCLE_TIMEOUT" default:"30s"`
	SnapshotTTL      time.Duration `envconfig:"SNAPSHOT_TTL" default:"60s"`
	DispatchParallel int           `envconfig:"DISPATCH_PARALLELISM" default:"8"`
	CheckInterval    time.Duration `envconfig:"CHECK_INTERVAL"` // zero disables the in-process schedule
	AlertsURL        string        `envconfig:"ALERTS_URL" default:"/alerts"`

	// SMTP; an empty host disables the email channel.
	SMTPHost     string `envconfig:"SMTP_HOST"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername string `envconfig:"SMTP_USERNAME"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"alerts@localhost"`
	// EmailDirectory maps user ids to addresses for users whose preferences
	// carry none, e.g. "u1:a@example.com,u2:b@example.com".
	EmailDirectory map[string]string `envconfig:"EMAIL_DIRECTORY"`
}

// Load reads environment variables into Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration validity.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required for driver %q", c.DBDriver)
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.CycleTimeout < c.ProviderTimeout {
		return fmt.Errorf("CYCLE_TIMEOUT (%s) must not be shorter than PROVIDER_TIMEOUT (%s)", c.CycleTimeout, c.ProviderTimeout)
	}
	if c.DispatchParallel <= 0 {
		return fmt.Errorf("DISPATCH_PARALLELISM must be positive")
	}
	if c.CheckInterval < 0 {
		return fmt.Errorf("CHECK_INTERVAL must not be negative")
	}
	return nil
}
