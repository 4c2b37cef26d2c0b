package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/scrapemeter/internal/storagetest"
	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		client  redis.UniversalClient
		config  Config
		wantErr bool
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:    "valid client with default config",
			client:  redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:  DefaultConfig(),
			wantErr: false,
		},
		{
			name:    "zero config gets defaults",
			client:  redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:  Config{},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, err := New(tt.client, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "scrapemeter:", storage.config.KeyPrefix)
			assert.Equal(t, 100, storage.config.MaxRetries)
			assert.Positive(t, storage.config.RetryBackoff)
		})
	}
}

func TestStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) scrapemeter.Storage {
		client := setupTestRedis(t)
		t.Cleanup(func() { _ = client.Close() })
		storage, err := New(client, DefaultConfig())
		require.NoError(t, err)
		return storage
	})
}

func TestStorage_KeyPrefix(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	storage, err := New(client, Config{KeyPrefix: "custom:"})
	require.NoError(t, err)

	acct := storagetest.NewAccount(scrapemeter.TierFree)
	require.NoError(t, storage.CreateAccount(ctx, acct, nil))

	exists, err := client.Exists(ctx, "custom:account:"+acct.ID, "custom:apikey:"+acct.APIKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), exists)
}

func TestStorage_UpdateAccountCanceled(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	storage, err := New(client, DefaultConfig())
	require.NoError(t, err)

	acct := storagetest.NewAccount(scrapemeter.TierFree)
	require.NoError(t, storage.CreateAccount(context.Background(), acct, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = storage.UpdateAccount(ctx, acct.ID, func(*scrapemeter.Account) (bool, error) {
		return true, nil
	})
	assert.Error(t, err)
}

func TestStorage_CountUsageSubMillisecondBounds(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()
	ctx := context.Background()

	storage, err := New(client, DefaultConfig())
	require.NoError(t, err)

	acct := storagetest.NewAccount(scrapemeter.TierFree)
	require.NoError(t, storage.CreateAccount(ctx, acct, nil))

	from := time.Date(2025, 6, 1, 12, 0, 0, 200_000, time.UTC)
	to := from.Add(time.Hour)
	for i, ts := range []time.Time{
		from,                             // excluded
		from.Add(300 * time.Microsecond), // same millisecond, included
		to,                               // included
		to.Add(100 * time.Microsecond),   // same millisecond as to, excluded
	} {
		require.NoError(t, storage.AppendUsage(ctx, &scrapemeter.UsageEvent{
			ID:           "use_" + string(rune('a'+i)),
			AccountID:    acct.ID,
			Endpoint:     "/api/scrape",
			Timestamp:    ts,
			ResponseSize: 10,
		}))
	}

	rows, err := storage.CountUsage(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].Calls)
}

func TestInWindow(t *testing.T) {
	from := time.Date(2025, 6, 1, 0, 0, 0, 500, time.UTC)
	to := from.Add(time.Millisecond)

	assert.False(t, inWindow(from, from, to))
	assert.True(t, inWindow(from.Add(time.Nanosecond), from, to))
	assert.True(t, inWindow(to, from, to))
	assert.False(t, inWindow(to.Add(time.Nanosecond), from, to))
}
