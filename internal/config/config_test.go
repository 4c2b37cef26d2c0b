package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(viper.New(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "scrapemeter.db", cfg.Storage.SQLitePath)
	assert.True(t, cfg.Storage.CircuitBreaker)
	assert.Equal(t, "zap", cfg.Logging.Backend)
	assert.Equal(t, "free", cfg.Quota.DefaultTier)
	assert.Equal(t, int64(500), cfg.Quota.BreakEvenMRR)
	assert.Equal(t, int64(3000), cfg.Quota.TargetMRR)
	assert.Equal(t, "DataScrape Pro Bot 1.0", cfg.Scraper.UserAgent)
	assert.Equal(t, 10*time.Second, cfg.Scraper.Timeout)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeFile(t, "scrapemeter.yaml", `
server:
  port: 9090
  admin_token: secret
storage:
  driver: memory
logging:
  backend: zerolog
  format: json
quota:
  cache_ttl: 5m
`)

	cfg, err := Load(viper.New(), Options{ConfigFile: path})
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Server.AdminToken)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "zerolog", cfg.Logging.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Quota.CacheTTL)
}

func TestLoad_TOMLFile(t *testing.T) {
	path := writeFile(t, "scrapemeter.toml", `
[server]
port = 7070

[storage]
driver = "redis"
redis_addr = "cache:6379"
`)

	cfg, err := Load(viper.New(), Options{ConfigFile: path})
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "cache:6379", cfg.Storage.RedisAddr)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "scrapemeter.yaml", "server:\n  port: 9090\n")
	t.Setenv("SCRAPEMETER_SERVER_PORT", "6060")
	t.Setenv("SCRAPEMETER_STORAGE_DRIVER", "memory")

	cfg, err := Load(viper.New(), Options{ConfigFile: path})
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
}

func TestLoad_EnvFile(t *testing.T) {
	t.Chdir(t.TempDir())
	envFile := writeFile(t, ".env", "SCRAPEMETER_QUOTA_DEFAULT_TIER=starter\n")
	t.Cleanup(func() { _ = os.Unsetenv("SCRAPEMETER_QUOTA_DEFAULT_TIER") })

	cfg, err := Load(viper.New(), Options{EnvFile: envFile})
	require.NoError(t, err)
	assert.Equal(t, "starter", cfg.Quota.DefaultTier)
}

func TestLoad_MissingEnvFileIgnored(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(viper.New(), Options{EnvFile: filepath.Join(t.TempDir(), "nope.env")})
	assert.NoError(t, err)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(viper.New(), Options{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:  ServerConfig{Port: 8080},
			Storage: StorageConfig{Driver: DriverMemory},
			Logging: LoggingConfig{Backend: "zap", Format: "console"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, true},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, true},
		{"sqlite without path", func(c *Config) { c.Storage.Driver = DriverSQLite }, true},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }, true},
		{"redis without addr", func(c *Config) { c.Storage.Driver = DriverRedis }, true},
		{"firestore without project", func(c *Config) { c.Storage.Driver = DriverFirestore }, true},
		{"firestore with project", func(c *Config) {
			c.Storage.Driver = DriverFirestore
			c.Storage.FirestoreProject = "demo"
		}, false},
		{"unknown backend", func(c *Config) { c.Logging.Backend = "logrus" }, true},
		{"unknown format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"negative goal", func(c *Config) { c.Quota.TargetMRR = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadTiers(t *testing.T) {
	path := writeFile(t, "tiers.toml", `
[[tiers]]
name = "hobby"
monthly_allowance = 10
monthly_price = 0

[[tiers]]
name = "team"
monthly_allowance = -1
monthly_price = 4900
features = ["Unlimited scraping"]
`)

	defs, err := LoadTiers(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "hobby", defs[0].Name)
	assert.Equal(t, int64(10), defs[0].MonthlyAllowance)
	assert.True(t, defs[1].IsUnlimited())
	assert.Equal(t, scrapemeter.Dollars(49), defs[1].MonthlyPrice)
	assert.Equal(t, []string{"Unlimited scraping"}, defs[1].Features)
}

func TestLoadTiers_Invalid(t *testing.T) {
	empty := writeFile(t, "empty.toml", "")
	_, err := LoadTiers(empty)
	assert.Error(t, err)

	dup := writeFile(t, "dup.toml", "[[tiers]]\nname = \"a\"\n[[tiers]]\nname = \"a\"\n")
	_, err = LoadTiers(dup)
	assert.Error(t, err)

	broken := writeFile(t, "broken.toml", "[[tiers]\n")
	_, err = LoadTiers(broken)
	assert.Error(t, err)

	_, err = LoadTiers(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestWriteTiers_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.toml")
	require.NoError(t, WriteTiers(path, scrapemeter.DefaultTiers()))

	defs, err := LoadTiers(path)
	require.NoError(t, err)
	assert.Equal(t, scrapemeter.DefaultTiers(), defs)
}
