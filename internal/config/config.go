package config

import (
	"errors"
	"io/fs"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Geocode    GeocodeConfig    `yaml:"geocode" mapstructure:"geocode"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend. DatabaseURL wins over the
// discrete connection parameters when set.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Host        string `yaml:"host" mapstructure:"host"`
	Port        int    `yaml:"port" mapstructure:"port"`
	Database    string `yaml:"database" mapstructure:"database"`
	User        string `yaml:"user" mapstructure:"user"`
	Password    string `yaml:"password" mapstructure:"password"`
	SSLMode     string `yaml:"sslmode" mapstructure:"sslmode"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// DSN returns the connection string for the configured driver.
func (s StoreConfig) DSN() string {
	if s.DatabaseURL != "" {
		return s.DatabaseURL
	}
	if s.Driver == "sqlite" {
		return "caremap.db"
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		Path:   "/" + s.Database,
	}
	if s.User != "" {
		if s.Password != "" {
			u.User = url.UserPassword(s.User, s.Password)
		} else {
			u.User = url.User(s.User)
		}
	}
	if s.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {s.SSLMode}}.Encode()
	}
	return u.String()
}

// GeocodeConfig configures the Kakao geocoding client.
type GeocodeConfig struct {
	KakaoAPIKey string       `yaml:"kakao_api_key" mapstructure:"kakao_api_key"`
	BaseURL     string       `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int          `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	DelayMS     int          `yaml:"delay_ms" mapstructure:"delay_ms"`
	RetryLimit  int          `yaml:"retry_limit" mapstructure:"retry_limit"`
	Concurrency int          `yaml:"concurrency" mapstructure:"concurrency"`
	ReuseStored bool         `yaml:"reuse_stored" mapstructure:"reuse_stored"`
	Bounds      BoundsConfig `yaml:"bounds" mapstructure:"bounds"`
}

// Timeout returns the per-request timeout.
func (g GeocodeConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSecs) * time.Second
}

// Delay returns the wait between successive distinct lookups.
func (g GeocodeConfig) Delay() time.Duration {
	return time.Duration(g.DelayMS) * time.Millisecond
}

// BoundsConfig is the box resolved coordinates must fall in. A disabled box
// accepts any point.
type BoundsConfig struct {
	Enabled bool    `yaml:"enabled" mapstructure:"enabled"`
	MinLng  float64 `yaml:"min_lng" mapstructure:"min_lng"`
	MinLat  float64 `yaml:"min_lat" mapstructure:"min_lat"`
	MaxLng  float64 `yaml:"max_lng" mapstructure:"max_lng"`
	MaxLat  float64 `yaml:"max_lat" mapstructure:"max_lat"`
}

// SyncConfig configures synchronization passes.
type SyncConfig struct {
	DefaultSource string `yaml:"default_source" mapstructure:"default_source"`
}

// MetricsConfig configures Prometheus export.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url" mapstructure:"pushgateway_url"`
	Job            string `yaml:"job" mapstructure:"job"`
}

// MonitoringConfig configures run health alerting.
type MonitoringConfig struct {
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	RecordFailureThreshold float64 `yaml:"record_failure_threshold" mapstructure:"record_failure_threshold"`
	MinCoordinateCoverage  float64 `yaml:"min_coordinate_coverage" mapstructure:"min_coordinate_coverage"`
}

// ServerConfig configures the trigger server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	// AllowedSources lists the URL prefixes POST /sync?source= may name.
	// Empty admits only the bundled sample.
	AllowedSources []string `yaml:"allowed_sources" mapstructure:"allowed_sources"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// .env only fills variables that are not already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CAREMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.host", "localhost")
	v.SetDefault("store.port", 5432)
	v.SetDefault("store.database", "caremap")
	v.SetDefault("store.user", "postgres")
	v.SetDefault("store.password", "")
	v.SetDefault("store.sslmode", "disable")
	v.SetDefault("store.max_conns", 1)
	v.SetDefault("geocode.kakao_api_key", "")
	v.SetDefault("geocode.base_url", "https://dapi.kakao.com/v2/local/search/address.json")
	v.SetDefault("geocode.timeout_secs", 10)
	v.SetDefault("geocode.delay_ms", 100)
	v.SetDefault("geocode.retry_limit", 3)
	v.SetDefault("geocode.concurrency", 1)
	v.SetDefault("geocode.reuse_stored", true)
	v.SetDefault("geocode.bounds.enabled", true)
	v.SetDefault("geocode.bounds.min_lng", 124.0)
	v.SetDefault("geocode.bounds.min_lat", 33.0)
	v.SetDefault("geocode.bounds.max_lng", 132.0)
	v.SetDefault("geocode.bounds.max_lat", 39.0)
	v.SetDefault("sync.default_source", "sample")
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "caremap_sync")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.record_failure_threshold", 0.1)
	v.SetDefault("monitoring.min_coordinate_coverage", 90.0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.allowed_sources", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
