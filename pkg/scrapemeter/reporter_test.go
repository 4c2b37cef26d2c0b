package scrapemeter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
	"github.com/mihaimyh/scrapemeter/storage/memory"
)

const day = 24 * time.Hour

func newReporter(t *testing.T, ledger scrapemeter.LedgerReader) *scrapemeter.Reporter {
	t.Helper()
	tiers, err := scrapemeter.NewTierTable(scrapemeter.DefaultTiers())
	require.NoError(t, err)
	return scrapemeter.NewReporter(ledger, tiers, scrapemeter.ReporterConfig{})
}

func TestReporter_MonthlyRevenueWindow(t *testing.T) {
	manager, _, clock := newTestManager(t)
	ctx := context.Background()

	clock.Set(t0.Add(-40 * day))
	signup(t, manager, scrapemeter.TierStarter)

	clock.Set(t0.Add(-2 * day))
	signup(t, manager, scrapemeter.TierStarter)
	signup(t, manager, scrapemeter.TierProfessional)
	signup(t, manager, scrapemeter.TierEnterprise)

	snap, err := manager.ComputeSnapshot(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, scrapemeter.Dollars(427), snap.MonthlyRevenue)
	assert.Equal(t, "$427.00", snap.MonthlyRevenue.String())

	// Projected MRR counts current assignments, including the old starter account
	assert.Equal(t, scrapemeter.Dollars(29+29+99+299), snap.ProjectedMRR)
	assert.Equal(t, int64(4), snap.TotalUsers)
	assert.Equal(t, int64(0), snap.UserCountsByTier[scrapemeter.TierFree])
	assert.Equal(t, int64(2), snap.UserCountsByTier[scrapemeter.TierStarter])
	assert.InDelta(t, 50.0, snap.TierShare[scrapemeter.TierStarter], 0.001)
	assert.InDelta(t, 91.2, snap.BreakEvenProgress, 0.001)
	assert.InDelta(t, 15.2, snap.TargetProgress, 0.001)
}

func TestReporter_EmptyLedger(t *testing.T) {
	reporter := newReporter(t, memory.New())

	snap, err := reporter.ComputeSnapshot(context.Background(), t0)
	require.NoError(t, err)
	assert.True(t, snap.MonthlyRevenue.IsZero())
	assert.True(t, snap.ProjectedMRR.IsZero())
	assert.Zero(t, snap.TotalUsers)
	assert.Zero(t, snap.DailyAPICalls)
	assert.Zero(t, snap.BreakEvenProgress)
	assert.Zero(t, snap.TargetProgress)
	assert.Len(t, snap.UserCountsByTier, 4)
	for tier, n := range snap.UserCountsByTier {
		assert.Zero(t, n, tier)
		assert.Zero(t, snap.TierShare[tier], tier)
	}

	rep, err := reporter.RevenueReport(context.Background(), t0)
	require.NoError(t, err)
	assert.True(t, rep.CurrentMRR.IsZero())
	assert.Equal(t, scrapemeter.StageAcquisition, rep.Stage)
	assert.Empty(t, rep.Revenue)
	assert.Empty(t, rep.Usage)
}

func TestReporter_DailyAPICalls(t *testing.T) {
	storage := memory.New()
	ctx := context.Background()
	acct := &scrapemeter.Account{ID: "acct_a", APIKey: "ds_a", Tier: scrapemeter.TierFree, CreatedAt: t0}
	require.NoError(t, storage.CreateAccount(ctx, acct, nil))

	for _, ts := range []time.Time{
		t0,                       // inclusive upper bound
		t0.Add(-time.Hour),       // inside
		t0.Add(-day),             // exclusive lower bound
		t0.Add(-day - time.Hour), // outside
		t0.Add(time.Minute),      // future
	} {
		require.NoError(t, storage.AppendUsage(ctx, &scrapemeter.UsageEvent{
			AccountID: acct.ID, Endpoint: "/api/scrape", Timestamp: ts, ResponseSize: 100,
		}))
	}

	snap, err := newReporter(t, storage).ComputeSnapshot(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.DailyAPICalls)
	assert.Equal(t, int64(1), snap.UserCountsByTier[scrapemeter.TierFree])
	assert.InDelta(t, 100.0, snap.TierShare[scrapemeter.TierFree], 0.001)
}

func TestReporter_RevenueReport(t *testing.T) {
	storage := memory.New()
	ctx := context.Background()

	create := func(id, tier string, used int64, paid ...scrapemeter.Money) {
		require.NoError(t, storage.CreateAccount(ctx, &scrapemeter.Account{
			ID: id, APIKey: "ds_" + id, Tier: tier, RequestsUsed: used, CreatedAt: t0,
		}, nil))
		for i, amount := range paid {
			_, err := storage.ApplyTierChange(ctx, &scrapemeter.TierChangeRequest{
				AccountID: id, NewTier: tier, NewAllowance: scrapemeter.Unlimited, Now: t0,
				Revenue: &scrapemeter.RevenueEvent{
					AccountID: id, Amount: amount, Tier: tier,
					Timestamp: t0.Add(-time.Duration(i+1) * day),
				},
			})
			require.NoError(t, err)
		}
	}
	create("acct_f", scrapemeter.TierFree, 40)
	create("acct_s1", scrapemeter.TierStarter, 10, scrapemeter.Dollars(29))
	create("acct_s2", scrapemeter.TierStarter, 20, scrapemeter.Dollars(29))
	create("acct_p", scrapemeter.TierProfessional, 5, scrapemeter.Dollars(99), scrapemeter.Dollars(99))

	usage := []struct {
		id   string
		ago  time.Duration
		size int64
	}{
		{"acct_f", time.Hour, 100},
		{"acct_f", 3 * day, 300},
		{"acct_s1", 6 * day, 1000},
		{"acct_s1", 8 * day, 5000}, // outside the 7 day window
	}
	for _, u := range usage {
		require.NoError(t, storage.AppendUsage(ctx, &scrapemeter.UsageEvent{
			AccountID: u.id, Endpoint: "/api/scrape", Timestamp: t0.Add(-u.ago), ResponseSize: u.size,
		}))
	}

	rep, err := newReporter(t, storage).RevenueReport(ctx, t0)
	require.NoError(t, err)

	assert.Equal(t, scrapemeter.Dollars(256), rep.CurrentMRR)
	assert.Equal(t, scrapemeter.StageConversion, rep.Stage)
	assert.InDelta(t, 51.2, rep.BreakEvenProgress, 0.001)
	assert.Equal(t, scrapemeter.Dollars(500), rep.BreakEvenMRR)
	assert.Equal(t, scrapemeter.Dollars(3000), rep.TargetMRR)

	require.Len(t, rep.Revenue, 2)
	assert.Equal(t, scrapemeter.TierRevenueLine{
		Tier: scrapemeter.TierStarter, Subscribers: 2,
		Total: scrapemeter.Dollars(58), Average: scrapemeter.Dollars(29),
	}, rep.Revenue[0])
	assert.Equal(t, scrapemeter.TierProfessional, rep.Revenue[1].Tier)
	assert.Equal(t, scrapemeter.Dollars(198), rep.Revenue[1].Total)

	require.Len(t, rep.Usage, 3)
	assert.Equal(t, scrapemeter.TierUsageLine{
		Tier: scrapemeter.TierFree, APICalls: 2, AverageResponseSize: 200, RequestsUsed: 40,
	}, rep.Usage[0])
	assert.Equal(t, scrapemeter.TierUsageLine{
		Tier: scrapemeter.TierStarter, APICalls: 1, AverageResponseSize: 1000, RequestsUsed: 30,
	}, rep.Usage[1])
	assert.Equal(t, scrapemeter.TierUsageLine{
		Tier: scrapemeter.TierProfessional, RequestsUsed: 5,
	}, rep.Usage[2])
}

func TestReporter_StagesAndCaps(t *testing.T) {
	tests := []struct {
		name     string
		payments []scrapemeter.Money
		stage    string
		target   float64
	}{
		{"acquisition", []scrapemeter.Money{scrapemeter.Dollars(99)}, scrapemeter.StageAcquisition, 3.3},
		{"conversion", []scrapemeter.Money{scrapemeter.Dollars(299), scrapemeter.Dollars(99)}, scrapemeter.StageConversion, 13.266},
		{"scale", []scrapemeter.Money{scrapemeter.Dollars(2999), scrapemeter.Dollars(2999)}, scrapemeter.StageScale, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := memory.New()
			ctx := context.Background()
			require.NoError(t, storage.CreateAccount(ctx, &scrapemeter.Account{
				ID: "acct_x", APIKey: "ds_x", Tier: scrapemeter.TierEnterprise, CreatedAt: t0,
			}, nil))
			for _, p := range tt.payments {
				_, err := storage.ApplyTierChange(ctx, &scrapemeter.TierChangeRequest{
					AccountID: "acct_x", NewTier: scrapemeter.TierEnterprise, NewAllowance: scrapemeter.Unlimited,
					Now:     t0,
					Revenue: &scrapemeter.RevenueEvent{AccountID: "acct_x", Amount: p, Tier: scrapemeter.TierEnterprise, Timestamp: t0},
				})
				require.NoError(t, err)
			}

			rep, err := newReporter(t, storage).RevenueReport(ctx, t0)
			require.NoError(t, err)
			assert.Equal(t, tt.stage, rep.Stage)
			assert.InDelta(t, tt.target, rep.TargetProgress, 0.01)
			assert.LessOrEqual(t, rep.BreakEvenProgress, 100.0)
		})
	}
}

func TestReporter_CustomGoals(t *testing.T) {
	tiers, err := scrapemeter.NewTierTable(scrapemeter.DefaultTiers())
	require.NoError(t, err)
	reporter := scrapemeter.NewReporter(memory.New(), tiers, scrapemeter.ReporterConfig{
		BreakEvenMRR: scrapemeter.Dollars(1000),
		TargetMRR:    scrapemeter.Dollars(10000),
	})

	rep, err := reporter.RevenueReport(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, scrapemeter.Dollars(1000), rep.BreakEvenMRR)
	assert.Equal(t, scrapemeter.Dollars(10000), rep.TargetMRR)
}

func TestReporter_ProjectedMRRSkipsFreeTier(t *testing.T) {
	storage := memory.New()
	ctx := context.Background()
	tiers, err := scrapemeter.NewTierTable([]scrapemeter.TierDefinition{
		{Name: scrapemeter.TierFree, MonthlyAllowance: 100, MonthlyPrice: scrapemeter.Dollars(5)},
		{Name: scrapemeter.TierStarter, MonthlyAllowance: 5000, MonthlyPrice: scrapemeter.Dollars(29)},
	})
	require.NoError(t, err)

	for i, tier := range []string{scrapemeter.TierFree, scrapemeter.TierStarter} {
		acct := &scrapemeter.Account{
			ID:        "acct_" + tier,
			APIKey:    "ds_" + tier,
			Tier:      tier,
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, storage.CreateAccount(ctx, acct, nil))
	}

	reporter := scrapemeter.NewReporter(storage, tiers, scrapemeter.ReporterConfig{})
	snap, err := reporter.ComputeSnapshot(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, scrapemeter.Dollars(29), snap.ProjectedMRR)
	assert.Equal(t, int64(1), snap.UserCountsByTier[scrapemeter.TierFree])
}
