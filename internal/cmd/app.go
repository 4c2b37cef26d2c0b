package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/mihaimyh/scrapemeter/internal/backend"
	"github.com/mihaimyh/scrapemeter/internal/config"
	"github.com/mihaimyh/scrapemeter/internal/logging"
	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
	promadapter "github.com/mihaimyh/scrapemeter/pkg/scrapemeter/metrics/prometheus"
)

type rootOptions struct {
	viper      *viper.Viper
	configFile string
	envFile    string
}

// app holds what every command needs: configuration, a logger, the ledger and a manager
type app struct {
	cfg      *config.Config
	logger   logging.Logger
	backend  *backend.Backend
	manager  *scrapemeter.Manager
	registry *prometheus.Registry
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.viper, config.Options{
		ConfigFile: opts.configFile,
		EnvFile:    opts.envFile,
	})
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tiers := scrapemeter.DefaultTiers()
	if cfg.Quota.TiersFile != "" {
		if tiers, err = config.LoadTiers(cfg.Quota.TiersFile); err != nil {
			_ = logger.Close()
			return nil, err
		}
	}

	b, err := backend.Open(ctx, cfg.Storage)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	var metrics scrapemeter.Metrics = &scrapemeter.NoopMetrics{}
	if cfg.Metrics.Enabled {
		metrics = promadapter.NewMetrics(registry, cfg.Metrics.Namespace)
	}

	manager, err := scrapemeter.NewManager(b.Storage, scrapemeter.Config{
		Tiers:       tiers,
		DefaultTier: cfg.Quota.DefaultTier,
		CacheConfig: &scrapemeter.CacheConfig{
			Enabled: cfg.Quota.CacheTTL > 0,
			TTL:     cfg.Quota.CacheTTL,
		},
		CircuitBreakerConfig: &scrapemeter.CircuitBreakerConfig{
			Enabled: cfg.Storage.CircuitBreaker,
		},
		Goals: scrapemeter.ReporterConfig{
			BreakEvenMRR: scrapemeter.Dollars(cfg.Quota.BreakEvenMRR),
			TargetMRR:    scrapemeter.Dollars(cfg.Quota.TargetMRR),
		},
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		_ = b.Close()
		_ = logger.Close()
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}

	logger.Debug("ledger opened", scrapemeter.Field{Key: "driver", Value: b.Driver})
	return &app{cfg: cfg, logger: logger, backend: b, manager: manager, registry: registry}, nil
}

// Close drains pending usage events, then releases the ledger and the log file
func (a *app) Close(ctx context.Context) error {
	err := a.manager.Close(ctx)
	if cerr := a.backend.Close(); err == nil {
		err = cerr
	}
	_ = a.logger.Close()
	return err
}
