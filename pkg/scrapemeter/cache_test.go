package scrapemeter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCache_GetSet(t *testing.T) {
	cache := NewTTLCache(time.Minute, time.Minute)
	acct := &Account{ID: "acct_1", APIKey: "ds_1", Tier: TierFree}

	_, found := cache.GetAccount("ds_1")
	assert.False(t, found)

	cache.SetAccount("ds_1", acct, 0)
	got, found := cache.GetAccount("ds_1")
	require.True(t, found)
	assert.Equal(t, acct, got)

	// Returned accounts are copies
	got.Tier = TierEnterprise
	again, _ := cache.GetAccount("ds_1")
	assert.Equal(t, TierFree, again.Tier)

	// So are stored ones
	acct.Tier = TierStarter
	again, _ = cache.GetAccount("ds_1")
	assert.Equal(t, TierFree, again.Tier)

	stats := cache.Stats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestTTLCache_Expiration(t *testing.T) {
	cache := NewTTLCache(time.Minute, time.Minute)
	cache.SetAccount("ds_1", &Account{ID: "acct_1"}, 20*time.Millisecond)

	_, found := cache.GetAccount("ds_1")
	assert.True(t, found)

	time.Sleep(40 * time.Millisecond)
	_, found = cache.GetAccount("ds_1")
	assert.False(t, found)
}

func TestTTLCache_InvalidateAndClear(t *testing.T) {
	cache := NewTTLCache(0, 0)
	cache.SetAccount("ds_1", &Account{ID: "acct_1"}, 0)
	cache.SetAccount("ds_2", &Account{ID: "acct_2"}, 0)

	cache.InvalidateAccount("ds_1")
	_, found := cache.GetAccount("ds_1")
	assert.False(t, found)
	assert.Equal(t, int64(1), cache.Stats().Evictions)

	cache.Clear()
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestNoopCache(t *testing.T) {
	cache := NewNoopCache()
	cache.SetAccount("ds_1", &Account{ID: "acct_1"}, time.Minute)
	_, found := cache.GetAccount("ds_1")
	assert.False(t, found)
	assert.Equal(t, CacheStats{}, cache.Stats())
}
