// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Bus      BusConfig      `mapstructure:"bus"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	DB       DBConfig       `mapstructure:"db"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// BusConfig sizes the in-memory event log.
type BusConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// GatewayConfig governs live stream subscriptions.
type GatewayConfig struct {
	GraceSeconds int `mapstructure:"grace_seconds"`
}

// SnapshotConfig bounds the event tail returned with snapshots.
type SnapshotConfig struct {
	RecentEvents int `mapstructure:"recent_events"`
}

// DBConfig controls access to the relational database. An empty driver or
// "memory" selects the in-process store.
type DBConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// CrawlerConfig governs dispatcher and crawl pipeline behavior.
type CrawlerConfig struct {
	Concurrency       int      `mapstructure:"concurrency"`
	QueueDepth        int      `mapstructure:"queue_depth"`
	UserAgent         string   `mapstructure:"user_agent"`
	RequestsPerSecond float64  `mapstructure:"requests_per_second"`
	MaxPagesPerSite   int      `mapstructure:"max_pages_per_site"`
	TimeoutSeconds    int      `mapstructure:"timeout_seconds"`
	Targets           []string `mapstructure:"targets"`
}

// StorageConfig sets the raw page archive location. An empty path disables
// archiving.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("bus.capacity", 500)
	v.SetDefault("gateway.grace_seconds", 30)
	v.SetDefault("snapshot.recent_events", 100)
	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.user_agent", "knowledge-engine/1.0")
	v.SetDefault("crawler.requests_per_second", 2)
	v.SetDefault("crawler.max_pages_per_site", 25)
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("crawler.targets", []string{
		"https://www.tecmint.com",
		"https://www.cyberciti.biz",
		"https://www.howtoforge.com",
		"https://www.linuxtechi.com",
		"https://www.serverwatch.com",
	})
	v.SetDefault("storage.path", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Bus.Capacity <= 0 {
		return fmt.Errorf("bus.capacity must be > 0")
	}
	if c.Gateway.GraceSeconds <= 0 {
		return fmt.Errorf("gateway.grace_seconds must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	switch c.DB.Driver {
	case "", "memory", "postgres":
	default:
		return fmt.Errorf("db.driver must be memory or postgres")
	}
	if c.DB.Driver == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db.driver is postgres")
	}
	return nil
}

// Grace returns the gateway grace window as a duration.
func (c Config) Grace() time.Duration {
	return time.Duration(c.Gateway.GraceSeconds) * time.Second
}

// FetchTimeout returns the per-request crawl timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}
