package scrapemeter

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Reporting windows
const (
	RevenueWindow     = 30 * 24 * time.Hour
	DailyWindow       = 24 * time.Hour
	UsageReportWindow = 7 * 24 * time.Hour
)

// Growth stages reported by RevenueReport
const (
	StageAcquisition = "acquisition"
	StageConversion  = "conversion"
	StageScale       = "scale"
)

// ReporterConfig holds revenue goals used for progress figures
type ReporterConfig struct {
	// BreakEvenMRR is the recurring revenue that covers costs (default: $500)
	BreakEvenMRR Money

	// TargetMRR is the profitability goal (default: $3,000)
	TargetMRR Money

	// AcquisitionCeiling is the MRR under which the stage is "acquisition" (default: $100)
	AcquisitionCeiling Money
}

// Snapshot is a point-in-time view of the ledger
type Snapshot struct {
	GeneratedAt time.Time `json:"generated_at"`

	// MonthlyRevenue is the realized revenue in (now-30d, now]
	MonthlyRevenue Money `json:"monthly_revenue"`

	// ProjectedMRR is the sum of monthly prices over current tier assignments
	ProjectedMRR Money `json:"projected_mrr"`

	// UserCountsByTier includes every configured tier, zero counts included
	UserCountsByTier map[string]int64 `json:"user_counts_by_tier"`
	TotalUsers       int64            `json:"total_users"`

	// TierShare is each tier's percentage of TotalUsers, all zero when there are no users
	TierShare map[string]float64 `json:"tier_share"`

	// DailyAPICalls counts usage events in (now-24h, now]
	DailyAPICalls int64 `json:"daily_api_calls"`

	BreakEvenProgress float64 `json:"break_even_progress"`
	TargetProgress    float64 `json:"target_progress"`
}

// TierRevenueLine is one row of the revenue section of a RevenueReport
type TierRevenueLine struct {
	Tier        string `json:"tier"`
	Subscribers int64  `json:"subscribers"`
	Total       Money  `json:"total_revenue"`
	Average     Money  `json:"avg_revenue_per_user"`
}

// TierUsageLine is one row of the usage section of a RevenueReport
type TierUsageLine struct {
	Tier                string `json:"tier"`
	APICalls            int64  `json:"api_calls"`
	AverageResponseSize int64  `json:"avg_response_size"`
	RequestsUsed        int64  `json:"requests_used"`
}

// RevenueReport is the periodic profitability analysis
type RevenueReport struct {
	GeneratedAt       time.Time         `json:"generated_at"`
	CurrentMRR        Money             `json:"current_mrr"`
	BreakEvenMRR      Money             `json:"break_even_mrr"`
	TargetMRR         Money             `json:"target_mrr"`
	BreakEvenProgress float64           `json:"break_even_progress"`
	TargetProgress    float64           `json:"target_progress"`
	Stage             string            `json:"stage"`
	Revenue           []TierRevenueLine `json:"revenue_by_tier"`
	Usage             []TierUsageLine   `json:"usage_by_tier"`
}

// Reporter computes read-only aggregates over a LedgerReader
type Reporter struct {
	ledger LedgerReader
	tiers  *TierTable
	config ReporterConfig
}

// NewReporter creates a reporter. Zero goals take their defaults.
func NewReporter(ledger LedgerReader, tiers *TierTable, config ReporterConfig) *Reporter {
	if config.BreakEvenMRR == 0 {
		config.BreakEvenMRR = Dollars(500)
	}
	if config.TargetMRR == 0 {
		config.TargetMRR = Dollars(3000)
	}
	if config.AcquisitionCeiling == 0 {
		config.AcquisitionCeiling = Dollars(100)
	}
	return &Reporter{ledger: ledger, tiers: tiers, config: config}
}

// ComputeSnapshot aggregates the ledger as of now. The three rollups run concurrently.
func (r *Reporter) ComputeSnapshot(ctx context.Context, now time.Time) (*Snapshot, error) {
	var (
		accounts []TierAccounts
		revenue  []TierRevenue
		usage    []TierUsage
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		accounts, err = r.ledger.CountAccountsByTier(gctx)
		if err != nil {
			return fmt.Errorf("failed to count accounts: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		from, to := trailing(now, RevenueWindow)
		var err error
		revenue, err = r.ledger.SumRevenue(gctx, from, to)
		if err != nil {
			return fmt.Errorf("failed to sum revenue: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		from, to := trailing(now, DailyWindow)
		var err error
		usage, err = r.ledger.CountUsage(gctx, from, to)
		if err != nil {
			return fmt.Errorf("failed to count usage: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, unavailable(err)
	}

	s := &Snapshot{
		GeneratedAt:      now,
		UserCountsByTier: make(map[string]int64),
		TierShare:        make(map[string]float64),
	}
	for _, name := range r.tiers.Names() {
		s.UserCountsByTier[name] = 0
	}
	for _, row := range accounts {
		s.UserCountsByTier[row.Tier] += row.Accounts
		s.TotalUsers += row.Accounts
		if row.Tier == TierFree {
			continue
		}
		if def, err := r.tiers.Lookup(row.Tier); err == nil {
			s.ProjectedMRR += def.MonthlyPrice.Mul(row.Accounts)
		}
	}
	for tier, n := range s.UserCountsByTier {
		s.TierShare[tier] = percentOf(n, s.TotalUsers)
	}
	for _, row := range revenue {
		s.MonthlyRevenue += row.Total
	}
	for _, row := range usage {
		s.DailyAPICalls += row.Calls
	}
	s.BreakEvenProgress = s.ProjectedMRR.Percent(r.config.BreakEvenMRR)
	s.TargetProgress = s.ProjectedMRR.Percent(r.config.TargetMRR)

	return s, nil
}

// RevenueReport summarizes realized revenue over the trailing 30 days and
// usage over the trailing 7 days, per tier
func (r *Reporter) RevenueReport(ctx context.Context, now time.Time) (*RevenueReport, error) {
	var (
		accounts []TierAccounts
		revenue  []TierRevenue
		usage    []TierUsage
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		accounts, err = r.ledger.CountAccountsByTier(gctx)
		return err
	})
	g.Go(func() error {
		from, to := trailing(now, RevenueWindow)
		var err error
		revenue, err = r.ledger.SumRevenue(gctx, from, to)
		return err
	})
	g.Go(func() error {
		from, to := trailing(now, UsageReportWindow)
		var err error
		usage, err = r.ledger.CountUsage(gctx, from, to)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, unavailable(fmt.Errorf("failed to build revenue report: %w", err))
	}

	rep := &RevenueReport{
		GeneratedAt:  now,
		BreakEvenMRR: r.config.BreakEvenMRR,
		TargetMRR:    r.config.TargetMRR,
	}

	for _, row := range r.sortRevenue(revenue) {
		line := TierRevenueLine{Tier: row.Tier, Subscribers: row.Payments, Total: row.Total}
		if row.Payments > 0 {
			line.Average = Money(int64(row.Total) / row.Payments)
		}
		rep.Revenue = append(rep.Revenue, line)
		rep.CurrentMRR += row.Total
	}

	used := make(map[string]int64, len(accounts))
	for _, row := range accounts {
		used[row.Tier] += row.RequestsUsed
	}
	calls := make(map[string]TierUsage, len(usage))
	for _, row := range usage {
		calls[row.Tier] = row
	}
	for _, tier := range r.reportTiers(accounts, usage) {
		u := calls[tier]
		line := TierUsageLine{Tier: tier, APICalls: u.Calls, RequestsUsed: used[tier]}
		if u.Calls > 0 {
			line.AverageResponseSize = u.ResponseBytes / u.Calls
		}
		rep.Usage = append(rep.Usage, line)
	}

	rep.BreakEvenProgress = rep.CurrentMRR.Percent(r.config.BreakEvenMRR)
	rep.TargetProgress = rep.CurrentMRR.Percent(r.config.TargetMRR)
	rep.Stage = r.stage(rep.CurrentMRR)

	return rep, nil
}

func (r *Reporter) stage(mrr Money) string {
	switch {
	case mrr < r.config.AcquisitionCeiling:
		return StageAcquisition
	case mrr < r.config.BreakEvenMRR:
		return StageConversion
	default:
		return StageScale
	}
}

// sortRevenue orders rows by tier table position, unknown tiers last
func (r *Reporter) sortRevenue(rows []TierRevenue) []TierRevenue {
	byTier := make(map[string]TierRevenue, len(rows))
	for _, row := range rows {
		cur := byTier[row.Tier]
		cur.Tier = row.Tier
		cur.Payments += row.Payments
		cur.Total += row.Total
		byTier[row.Tier] = cur
	}
	out := make([]TierRevenue, 0, len(byTier))
	for _, name := range r.tiers.Names() {
		if row, ok := byTier[name]; ok {
			out = append(out, row)
			delete(byTier, name)
		}
	}
	for _, row := range rows {
		if rest, ok := byTier[row.Tier]; ok {
			out = append(out, rest)
			delete(byTier, row.Tier)
		}
	}
	return out
}

// reportTiers lists tiers that have accounts or usage, in table order
func (r *Reporter) reportTiers(accounts []TierAccounts, usage []TierUsage) []string {
	seen := make(map[string]bool)
	for _, row := range accounts {
		if row.Accounts > 0 {
			seen[row.Tier] = true
		}
	}
	for _, row := range usage {
		seen[row.Tier] = true
	}
	var out []string
	for _, name := range r.tiers.Names() {
		if seen[name] {
			out = append(out, name)
			delete(seen, name)
		}
	}
	for _, row := range accounts {
		if seen[row.Tier] {
			out = append(out, row.Tier)
			delete(seen, row.Tier)
		}
	}
	return out
}

func percentOf(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
