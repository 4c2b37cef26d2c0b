// Package config loads the scrapemeter binary configuration from a config
// file, a .env file and SCRAPEMETER_* environment variables
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. SCRAPEMETER_SERVER_PORT
const EnvPrefix = "SCRAPEMETER"

// Storage drivers
const (
	DriverMemory    = "memory"
	DriverSQLite    = "sqlite"
	DriverPostgres  = "postgres"
	DriverRedis     = "redis"
	DriverFirestore = "firestore"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Quota   QuotaConfig   `mapstructure:"quota"`
	Scraper ScraperConfig `mapstructure:"scraper"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	UpgradeURL      string        `mapstructure:"upgrade_url"`
	AdminToken      string        `mapstructure:"admin_token"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`

	SQLitePath string `mapstructure:"sqlite_path"`

	PostgresDSN      string `mapstructure:"postgres_dsn"`
	PostgresMaxConns int32  `mapstructure:"postgres_max_conns"`

	RedisAddr      string `mapstructure:"redis_addr"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`
	RedisKeyPrefix string `mapstructure:"redis_key_prefix"`

	FirestoreProject string `mapstructure:"firestore_project"`

	// CircuitBreaker wraps the backend in a breaker
	CircuitBreaker bool `mapstructure:"circuit_breaker"`
}

type LoggingConfig struct {
	// Backend is "zap" or "zerolog"
	Backend string `mapstructure:"backend"`
	Level   string `mapstructure:"level"`

	// Format is "json" or "console"
	Format string `mapstructure:"format"`

	// Output is a log file path, rotated by size. Empty logs to stderr only.
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type QuotaConfig struct {
	DefaultTier string `mapstructure:"default_tier"`

	// TiersFile is a TOML tier table replacing the built-in tiers
	TiersFile string `mapstructure:"tiers_file"`

	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// Revenue goals in whole dollars
	BreakEvenMRR int64 `mapstructure:"break_even_mrr"`
	TargetMRR    int64 `mapstructure:"target_mrr"`
}

type ScraperConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// Options controls where Load looks for configuration
type Options struct {
	// ConfigFile is an explicit YAML or TOML config file
	ConfigFile string

	// EnvFile is loaded into the process environment before reading overrides.
	// A missing file is ignored.
	EnvFile string
}

// Load reads configuration into v and returns the validated result.
// Precedence: environment, config file, defaults.
func Load(v *viper.Viper, opts Options) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", opts.EnvFile, err)
		}
	}

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("scrapemeter")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.scrapemeter")
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.upgrade_url", "/")
	v.SetDefault("server.admin_token", "")

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.sqlite_path", "scrapemeter.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.postgres_max_conns", 10)
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_password", "")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.redis_key_prefix", "scrapemeter:")
	v.SetDefault("storage.firestore_project", "")
	v.SetDefault("storage.circuit_breaker", true)

	v.SetDefault("logging.backend", "zap")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 10)
	v.SetDefault("logging.max_age", 30)
	v.SetDefault("logging.compress", false)

	v.SetDefault("quota.default_tier", "free")
	v.SetDefault("quota.tiers_file", "")
	v.SetDefault("quota.cache_ttl", time.Minute)
	v.SetDefault("quota.break_even_mrr", 500)
	v.SetDefault("quota.target_mrr", 3000)

	v.SetDefault("scraper.user_agent", "DataScrape Pro Bot 1.0")
	v.SetDefault("scraper.timeout", 10*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "scrapemeter")
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres driver")
		}
	case DriverRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr is required for the redis driver")
		}
	case DriverFirestore:
		if c.Storage.FirestoreProject == "" {
			return errors.New("storage.firestore_project is required for the firestore driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Logging.Backend {
	case "zap", "zerolog":
	default:
		return fmt.Errorf("unknown logging backend %q", c.Logging.Backend)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}

	if c.Quota.BreakEvenMRR < 0 || c.Quota.TargetMRR < 0 {
		return errors.New("revenue goals must not be negative")
	}
	return nil
}
