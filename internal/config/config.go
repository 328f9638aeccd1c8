// Package config loads televore configuration from defaults, an optional
// config.yaml, .env files and TELEVORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TELEVORE_DATABASE_DSN.
const EnvPrefix = "TELEVORE"

// ErrConfiguration wraps every load or validation failure.
var ErrConfiguration = errors.New("configuration error")

// Default values.
const (
	DefaultLogLevel          = "info"
	DefaultDatabaseDriver    = "sqlite"
	DefaultDatabaseDSN       = "televore.db"
	DefaultMaxQueryParams    = 1000
	DefaultSourceMode        = "preview"
	DefaultSourceBaseURL     = "https://t.me"
	DefaultRequestsPerSecond = 2
	DefaultPageLimit         = 0
	DefaultMaxThrottleWait   = 30 * time.Minute
	DefaultWorkers           = 1
	DefaultLookback          = 365 * 24 * time.Hour
	DefaultRunTimeout        = 2 * time.Hour
	DefaultServerAddr        = ":8080"
	DefaultRedisLockKey      = "televore:run"
	DefaultRedisLockTTL      = 3 * time.Hour
)

// Config is the complete application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Source    SourceConfig    `mapstructure:"source"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"       validate:"required,oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"           validate:"required,oneof=sqlite postgres"`
	DSN            string `mapstructure:"dsn"              validate:"required"`
	MaxQueryParams int    `mapstructure:"max_query_params" validate:"gte=2"`
}

// TelegramConfig enables the Bot API resolver when BotToken is set.
type TelegramConfig struct {
	BotToken  string `mapstructure:"bot_token"`
	BotAPIURL string `mapstructure:"bot_api_url" validate:"omitempty,url"`
}

// SourceConfig selects where messages are read from. The preview mode scrapes
// public web previews under BaseURL; the feed mode reads an RSS bridge whose
// FeedURLTemplate holds one %s for the channel name.
type SourceConfig struct {
	Mode              string `mapstructure:"mode"                validate:"required,oneof=preview feed"`
	BaseURL           string `mapstructure:"base_url"            validate:"required,url"`
	FeedURLTemplate   string `mapstructure:"feed_url_template"   validate:"required_if=Mode feed"`
	RequestsPerSecond int    `mapstructure:"requests_per_second" validate:"gte=1"`
	PageLimit         int    `mapstructure:"page_limit"          validate:"gte=0"`
}

type FetchConfig struct {
	// MaxThrottleWait caps the time one fetch may wait on throttling. 0 is unbounded.
	MaxThrottleWait time.Duration `mapstructure:"max_throttle_wait" validate:"gte=0s"`
}

type IngestConfig struct {
	// Workers is the number of entities ingested at once. 0 picks a value
	// suited to the database backend.
	Workers         int           `mapstructure:"workers"          validate:"gte=0,lte=64"`
	DefaultLookback time.Duration `mapstructure:"default_lookback" validate:"gt=0s"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"      validate:"gt=0s"`
	SeedEntities    []string      `mapstructure:"seed_entities"`
	Discovery       bool          `mapstructure:"discovery"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// SchedulerConfig triggers periodic runs from a cron expression. Empty disables it.
type SchedulerConfig struct {
	Cron string `mapstructure:"cron"`
}

// RedisConfig enables a lock shared between replicas when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"     validate:"omitempty,hostname_port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"       validate:"gte=0"`
	LockKey  string        `mapstructure:"lock_key" validate:"required"`
	LockTTL  time.Duration `mapstructure:"lock_ttl" validate:"gt=0s"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"         validate:"omitempty,url"`
	Environment string `mapstructure:"environment"`
}

var defaults = map[string]any{
	"log.level":       DefaultLogLevel,
	"log.development": false,

	"database.driver":           DefaultDatabaseDriver,
	"database.dsn":              DefaultDatabaseDSN,
	"database.max_query_params": DefaultMaxQueryParams,

	"telegram.bot_token":   "",
	"telegram.bot_api_url": "",

	"source.mode":                DefaultSourceMode,
	"source.base_url":            DefaultSourceBaseURL,
	"source.feed_url_template":   "",
	"source.requests_per_second": DefaultRequestsPerSecond,
	"source.page_limit":          DefaultPageLimit,

	"fetch.max_throttle_wait": DefaultMaxThrottleWait,

	"ingest.workers":          DefaultWorkers,
	"ingest.default_lookback": DefaultLookback,
	"ingest.run_timeout":      DefaultRunTimeout,
	"ingest.seed_entities":    []string{},
	"ingest.discovery":        true,

	"server.addr": DefaultServerAddr,

	"scheduler.cron": "",

	"redis.addr":     "",
	"redis.password": "",
	"redis.db":       0,
	"redis.lock_key": DefaultRedisLockKey,
	"redis.lock_ttl": DefaultRedisLockTTL,

	"sentry.dsn":         "",
	"sentry.environment": "",
}

// Load reads configuration. configFile may be empty, in which case an optional
// config.yaml in the working directory is used.
func Load(configFile string) (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config: %w", ErrConfiguration, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %w", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if c.Source.Mode == "feed" && strings.Count(c.Source.FeedURLTemplate, "%s") != 1 {
		return fmt.Errorf("%w: source.feed_url_template must contain exactly one %%s", ErrConfiguration)
	}
	return nil
}

// loadEnvFiles loads .env.local then .env, ignoring files that do not exist.
// Variables already set in the environment win.
func loadEnvFiles() error {
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}
