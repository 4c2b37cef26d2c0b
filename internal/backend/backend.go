// Package backend opens the ledger storage selected by configuration
package backend

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/scrapemeter/internal/config"
	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
	firestorestorage "github.com/mihaimyh/scrapemeter/storage/firestore"
	"github.com/mihaimyh/scrapemeter/storage/memory"
	"github.com/mihaimyh/scrapemeter/storage/postgres"
	redisstorage "github.com/mihaimyh/scrapemeter/storage/redis"
	"github.com/mihaimyh/scrapemeter/storage/sqlite"
)

// Backend is an open ledger together with its cleanup
type Backend struct {
	Storage scrapemeter.Storage
	Driver  string

	closers []func() error
}

// Close releases connections held by the backend
func (b *Backend) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}

// Open connects to the configured driver. SQL backends create their schema.
func Open(ctx context.Context, cfg config.StorageConfig) (*Backend, error) {
	b := &Backend{Driver: cfg.Driver}

	switch cfg.Driver {
	case config.DriverMemory:
		b.Storage = memory.New()

	case config.DriverSQLite:
		s, err := sqlite.New(ctx, sqlite.Config{Path: cfg.SQLitePath})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite ledger: %w", err)
		}
		b.Storage = s
		b.closers = append(b.closers, s.Close)

	case config.DriverPostgres:
		s, err := postgres.New(ctx, postgres.Config{
			ConnectionString: cfg.PostgresDSN,
			MaxConns:         cfg.PostgresMaxConns,
			AutoMigrate:      true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres ledger: %w", err)
		}
		b.Storage = s
		b.closers = append(b.closers, func() error {
			s.Close()
			return nil
		})

	case config.DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s, err := redisstorage.New(client, redisstorage.Config{KeyPrefix: cfg.RedisKeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		b.Storage = s
		b.closers = append(b.closers, s.Close)

	case config.DriverFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		s, err := firestorestorage.New(client, firestorestorage.Config{})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		b.Storage = s
		b.closers = append(b.closers, client.Close)

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	return b, nil
}
