// Package storagetest is a conformance suite every scrapemeter.Storage backend runs.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// Factory returns an empty storage. It is called once per subtest.
type Factory func(t *testing.T) scrapemeter.Storage

// Base is a fixed reference time, truncated so every backend round-trips it exactly
var Base = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

var seq int

// NewAccount returns an account with unique ID and API key on tier
func NewAccount(tier string) *scrapemeter.Account {
	seq++
	return &scrapemeter.Account{
		ID:        fmt.Sprintf("acct_test%06d", seq),
		APIKey:    fmt.Sprintf("ds_testkey%06d", seq),
		Tier:      tier,
		CreatedAt: Base,
		UpdatedAt: Base,
	}
}

// Run executes the suite
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory(t)) })
	t.Run("Duplicate", func(t *testing.T) { testDuplicate(t, factory(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, factory(t)) })
	t.Run("UpdateAccount", func(t *testing.T) { testUpdateAccount(t, factory(t)) })
	t.Run("UpdateAccountConcurrent", func(t *testing.T) { testUpdateAccountConcurrent(t, factory(t)) })
	t.Run("ApplyTierChange", func(t *testing.T) { testApplyTierChange(t, factory(t)) })
	t.Run("Rollups", func(t *testing.T) { testRollups(t, factory(t)) })
	t.Run("EmptyRollups", func(t *testing.T) { testEmptyRollups(t, factory(t)) })
}

func testCreateAndGet(t *testing.T, s scrapemeter.Storage) {
	ctx := context.Background()
	acct := NewAccount(scrapemeter.TierStarter)
	paid := Base
	acct.LastPaymentAt = &paid
	rev := &scrapemeter.RevenueEvent{
		ID:        scrapemeter.NewID(scrapemeter.PrefixRevenue),
		AccountID: acct.ID,
		Amount:    scrapemeter.Dollars(29),
		Tier:      scrapemeter.TierStarter,
		Timestamp: Base,
	}
	require.NoError(t, s.CreateAccount(ctx, acct, rev))

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)
	assert.Equal(t, acct.APIKey, got.APIKey)
	assert.Equal(t, scrapemeter.TierStarter, got.Tier)
	assert.Zero(t, got.RequestsUsed)
	assert.Nil(t, got.WindowResetAt)
	assert.True(t, acct.CreatedAt.Equal(got.CreatedAt))
	require.NotNil(t, got.LastPaymentAt)
	assert.True(t, Base.Equal(*got.LastPaymentAt))

	byKey, err := s.GetAccountByAPIKey(ctx, acct.APIKey)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, byKey.ID)

	rows, err := s.SumRevenue(ctx, Base.Add(-time.Hour), Base)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, scrapemeter.Dollars(29), rows[0].Total)
	assert.Equal(t, int64(1), rows[0].Payments)
}

func testDuplicate(t *testing.T, s scrapemeter.Storage) {
	ctx := context.Background()
	acct := NewAccount(scrapemeter.TierFree)
	require.NoError(t, s.CreateAccount(ctx, acct, nil))

	sameKey := NewAccount(scrapemeter.TierFree)
	sameKey.APIKey = acct.APIKey
	err := s.CreateAccount(ctx, sameKey, nil)
	assert.ErrorIs(t, err, scrapemeter.ErrDuplicateAccount)

	sameID := NewAccount(scrapemeter.TierFree)
	sameID.ID = acct.ID
	err = s.CreateAccount(ctx, sameID, nil)
	assert.ErrorIs(t, err, scrapemeter.ErrDuplicateAccount)

	rows, err := s.CountAccountsByTier(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].Accounts)
}

func testNotFound(t *testing.T, s scrapemeter.Storage) {
	ctx := context.Background()

	_, err := s.GetAccount(ctx, "acct_missing")
	assert.ErrorIs(t, err, scrapemeter.ErrAccountNotFound)

	_, err = s.GetAccountByAPIKey(ctx, "ds_missing")
	assert.ErrorIs(t, err, scrapemeter.ErrInvalidCredential)

	_, err = s.UpdateAccount(ctx, "acct_missing", func(*scrapemeter.Account) (bool, error) {
		t.Fatal("mutator must not run for a missing account")
		return false, nil
	})
	assert.ErrorIs(t, err, scrapemeter.ErrAccountNotFound)

	_, err = s.ApplyTierChange(ctx, &scrapemeter.TierChangeRequest{
		AccountID:    "acct_missing",
		NewTier:      scrapemeter.TierStarter,
		NewAllowance: 5000,
		Now:          Base,
	})
	assert.ErrorIs(t, err, scrapemeter.ErrAccountNotFound)
}

func testUpdateAccount(t *testing.T, s scrapemeter.Storage) {
	ctx := context.Background()
	acct := NewAccount(scrapemeter.TierFree)
	require.NoError(t, s.CreateAccount(ctx, acct, nil))

	reset := Base.Add(scrapemeter.DefaultWindow)
	updated, err := s.UpdateAccount(ctx, acct.ID, func(a *scrapemeter.Account) (bool, error) {
		a.RequestsUsed = 7
		a.WindowResetAt = &reset
		a.UpdatedAt = Base.Add(time.Minute)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), updated.RequestsUsed)

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.RequestsUsed)
	require.NotNil(t, got.WindowResetAt)
	assert.True(t, reset.Equal(*got.WindowResetAt))

	// write=false discards changes
	_, err = s.UpdateAccount(ctx, acct.ID, func(a *scrapemeter.Account) (bool, error) {
		a.RequestsUsed = 99
		return false, nil
	})
	require.NoError(t, err)
	got, err = s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.RequestsUsed)

	// a mutator error aborts without writing
	boom := errors.New("boom")
	_, err = s.UpdateAccount(ctx, acct.ID, func(a *scrapemeter.Account) (bool, error) {
		a.RequestsUsed = 99
		return true, boom
	})
	assert.ErrorIs(t, err, boom)
	got, err = s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.RequestsUsed)
}

func testUpdateAccountConcurrent(t *testing.T, s scrapemeter.Storage) {
	ctx := context.Background()
	acct := NewAccount(scrapemeter.TierFree)
	require.NoError(t, s.CreateAccount(ctx, acct, nil))

	const workers = 20
	const limit = 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var ok bool
			_, err := s.UpdateAccount(ctx, acct.ID, func(a *scrapemeter.Account) (bool, error) {
				ok = false
				if a.RequestsUsed >= limit {
					return false, nil
				}
				a.RequestsUsed++
				ok = true
				return true, nil
			})
			if err != nil {
				t.Errorf("UpdateAccount failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, granted)
	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), got.RequestsUsed)
}

func testApplyTierChange(t *testing.T, s scrapemeter.Storage) {
	ctx := context.Background()
	acct := NewAccount(scrapemeter.TierStarter)
	require.NoError(t, s.CreateAccount(ctx, acct, nil))

	_, err := s.UpdateAccount(ctx, acct.ID, func(a *scrapemeter.Account) (bool, error) {
		a.RequestsUsed = 300
		return true, nil
	})
	require.NoError(t, err)

	paidAt := Base.Add(time.Hour)
	updated, err := s.ApplyTierChange(ctx, &scrapemeter.TierChangeRequest{
		AccountID:    acct.ID,
		NewTier:      scrapemeter.TierFree,
		NewAllowance: 100,
		Now:          paidAt,
	})
	require.NoError(t, err)
	assert.Equal(t, scrapemeter.TierFree, updated.Tier)
	assert.Equal(t, int64(100), updated.RequestsUsed)
	assert.Nil(t, updated.LastPaymentAt)

	updated, err = s.ApplyTierChange(ctx, &scrapemeter.TierChangeRequest{
		AccountID:    acct.ID,
		NewTier:      scrapemeter.TierProfessional,
		NewAllowance: 50000,
		Revenue: &scrapemeter.RevenueEvent{
			ID:        scrapemeter.NewID(scrapemeter.PrefixRevenue),
			AccountID: acct.ID,
			Amount:    scrapemeter.Dollars(99),
			Tier:      scrapemeter.TierProfessional,
			Timestamp: paidAt,
		},
		Now: paidAt,
	})
	require.NoError(t, err)
	assert.Equal(t, scrapemeter.TierProfessional, updated.Tier)
	assert.Equal(t, int64(100), updated.RequestsUsed)
	require.NotNil(t, updated.LastPaymentAt)
	assert.True(t, paidAt.Equal(*updated.LastPaymentAt))

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, scrapemeter.TierProfessional, got.Tier)

	rows, err := s.SumRevenue(ctx, Base, paidAt)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, scrapemeter.TierProfessional, rows[0].Tier)
	assert.Equal(t, scrapemeter.Dollars(99), rows[0].Total)
}

func testRollups(t *testing.T, s scrapemeter.Storage) {
	ctx := context.Background()
	now := Base

	free := NewAccount(scrapemeter.TierFree)
	starter := NewAccount(scrapemeter.TierStarter)
	pro := NewAccount(scrapemeter.TierProfessional)
	require.NoError(t, s.CreateAccount(ctx, free, nil))
	require.NoError(t, s.CreateAccount(ctx, starter, revenue(starter, 29, now.Add(-2*24*time.Hour))))
	require.NoError(t, s.CreateAccount(ctx, pro, revenue(pro, 99, now)))

	// Outside (now-30d, now]: exactly 30 days old and in the future
	require.NoError(t, appendRevenue(ctx, s, starter, 29, now.Add(-30*24*time.Hour)))

	_, err := s.UpdateAccount(ctx, free.ID, func(a *scrapemeter.Account) (bool, error) {
		a.RequestsUsed = 5
		return true, nil
	})
	require.NoError(t, err)

	for i, ts := range []time.Time{
		now.Add(-time.Hour),
		now.Add(-23 * time.Hour),
		now,
		now.Add(-24 * time.Hour), // boundary, excluded
		now.Add(-48 * time.Hour),
	} {
		require.NoError(t, s.AppendUsage(ctx, &scrapemeter.UsageEvent{
			ID:           fmt.Sprintf("usage_test%06d_%d", seq, i),
			AccountID:    free.ID,
			Endpoint:     "/api/scrape",
			Timestamp:    ts,
			ResponseSize: 100,
		}))
	}
	require.NoError(t, s.AppendUsage(ctx, &scrapemeter.UsageEvent{
		ID:           fmt.Sprintf("usage_test%06d_pro", seq),
		AccountID:    pro.ID,
		Endpoint:     "/api/scrape",
		Timestamp:    now.Add(-time.Minute),
		ResponseSize: 400,
	}))

	accounts, err := s.CountAccountsByTier(ctx)
	require.NoError(t, err)
	byTier := map[string]scrapemeter.TierAccounts{}
	for _, row := range accounts {
		byTier[row.Tier] = row
	}
	assert.Equal(t, int64(1), byTier[scrapemeter.TierFree].Accounts)
	assert.Equal(t, int64(5), byTier[scrapemeter.TierFree].RequestsUsed)
	assert.Equal(t, int64(1), byTier[scrapemeter.TierStarter].Accounts)
	assert.Equal(t, int64(1), byTier[scrapemeter.TierProfessional].Accounts)

	rev, err := s.SumRevenue(ctx, now.Add(-30*24*time.Hour), now)
	require.NoError(t, err)
	var total scrapemeter.Money
	for _, row := range rev {
		total += row.Total
	}
	assert.Equal(t, scrapemeter.Dollars(128), total)

	usage, err := s.CountUsage(ctx, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	byUsage := map[string]scrapemeter.TierUsage{}
	for _, row := range usage {
		byUsage[row.Tier] = row
	}
	assert.Equal(t, int64(3), byUsage[scrapemeter.TierFree].Calls)
	assert.Equal(t, int64(300), byUsage[scrapemeter.TierFree].ResponseBytes)
	assert.Equal(t, int64(1), byUsage[scrapemeter.TierProfessional].Calls)
	assert.Equal(t, int64(400), byUsage[scrapemeter.TierProfessional].ResponseBytes)
}

func testEmptyRollups(t *testing.T, s scrapemeter.Storage) {
	ctx := context.Background()

	accounts, err := s.CountAccountsByTier(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	rev, err := s.SumRevenue(ctx, Base.Add(-time.Hour), Base)
	require.NoError(t, err)
	assert.Empty(t, rev)

	usage, err := s.CountUsage(ctx, Base.Add(-time.Hour), Base)
	require.NoError(t, err)
	assert.Empty(t, usage)
}

func revenue(acct *scrapemeter.Account, dollars int64, ts time.Time) *scrapemeter.RevenueEvent {
	return &scrapemeter.RevenueEvent{
		ID:        scrapemeter.NewID(scrapemeter.PrefixRevenue),
		AccountID: acct.ID,
		Amount:    scrapemeter.Dollars(dollars),
		Tier:      acct.Tier,
		Timestamp: ts,
	}
}

// appendRevenue records a renewal through ApplyTierChange, the only revenue write path besides signup
func appendRevenue(ctx context.Context, s scrapemeter.Storage, acct *scrapemeter.Account, dollars int64, ts time.Time) error {
	_, err := s.ApplyTierChange(ctx, &scrapemeter.TierChangeRequest{
		AccountID:    acct.ID,
		NewTier:      acct.Tier,
		NewAllowance: scrapemeter.Unlimited,
		Revenue:      revenue(acct, dollars, ts),
		Now:          ts,
	})
	return err
}
