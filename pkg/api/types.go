package api

import "github.com/mihaimyh/scrapemeter/pkg/scrapemeter"

// SignupRequest is the body of POST /api/signup
type SignupRequest struct {
	Tier string `json:"tier"`
}

// SignupResponse is returned once, it is the only time the API key is shown
type SignupResponse struct {
	AccountID        string  `json:"account_id"`
	APIKey           string  `json:"api_key"`
	Tier             string  `json:"tier"`
	RequestsPerMonth int64   `json:"requests_per_month"` // -1 for unlimited
	MonthlyCost      float64 `json:"monthly_cost"`
}

// Plan describes one tier
type Plan struct {
	Name             string   `json:"name"`
	RequestsPerMonth int64    `json:"requests_per_month"` // -1 for unlimited
	MonthlyCost      float64  `json:"monthly_cost"`
	Features         []string `json:"features"`
}

// PlansResponse is returned by GET /api/plans
type PlansResponse struct {
	Plans []Plan `json:"plans"`
}

// UsageResponse is the allowance standing of the calling account
type UsageResponse struct {
	AccountID string `json:"account_id"`
	Tier      string `json:"tier"`
	Limit     int64  `json:"limit"`     // -1 for unlimited
	Used      int64  `json:"used"`      // counter in the current window
	Remaining int64  `json:"remaining"` // -1 for unlimited
	ResetAt   string `json:"reset_at,omitempty"`
}

// UpgradeRequest is the body of POST /api/upgrade
type UpgradeRequest struct {
	Tier string `json:"tier"`
}

// UpgradeResponse is returned after a tier change
type UpgradeResponse struct {
	AccountID        string  `json:"account_id"`
	Tier             string  `json:"tier"`
	RequestsPerMonth int64   `json:"requests_per_month"`
	MonthlyCost      float64 `json:"monthly_cost"`
	RequestsUsed     int64   `json:"requests_used"`
}

// ScrapeRequest is the body of POST /api/scrape
type ScrapeRequest struct {
	URL       string            `json:"url"`
	Selectors map[string]string `json:"selectors,omitempty"`
}

// ScrapeResponse carries the extracted data.
// RemainingRequests is a number, or "unlimited".
type ScrapeResponse struct {
	URL               string                 `json:"url"`
	Data              map[string]interface{} `json:"data"`
	Timestamp         string                 `json:"timestamp"`
	RemainingRequests interface{}            `json:"remaining_requests"`
}

// RevenueResponse is the dashboard snapshot with money in dollars
type RevenueResponse struct {
	GeneratedAt       string             `json:"generated_at"`
	MonthlyRevenue    float64            `json:"monthly_revenue"`
	ProjectedMRR      float64            `json:"projected_mrr"`
	TotalUsers        int64              `json:"total_users"`
	UserCountsByTier  map[string]int64   `json:"user_counts_by_tier"`
	TierShare         map[string]float64 `json:"tier_share"`
	DailyAPICalls     int64              `json:"daily_api_calls"`
	BreakEvenProgress float64            `json:"break_even_progress"`
	TargetProgress    float64            `json:"target_progress"`
}

func newRevenueResponse(s *scrapemeter.Snapshot) RevenueResponse {
	return RevenueResponse{
		GeneratedAt:       s.GeneratedAt.UTC().Format(timeLayout),
		MonthlyRevenue:    s.MonthlyRevenue.Float(),
		ProjectedMRR:      s.ProjectedMRR.Float(),
		TotalUsers:        s.TotalUsers,
		UserCountsByTier:  s.UserCountsByTier,
		TierShare:         s.TierShare,
		DailyAPICalls:     s.DailyAPICalls,
		BreakEvenProgress: s.BreakEvenProgress,
		TargetProgress:    s.TargetProgress,
	}
}

// RevenueLine is one tier of the revenue report
type RevenueLine struct {
	Tier              string  `json:"tier"`
	Subscribers       int64   `json:"subscribers"`
	TotalRevenue      float64 `json:"total_revenue"`
	AvgRevenuePerUser float64 `json:"avg_revenue_per_user"`
}

// UsageLine is one tier of the usage report
type UsageLine struct {
	Tier            string `json:"tier"`
	APICalls        int64  `json:"api_calls"`
	AvgResponseSize int64  `json:"avg_response_size"`
	RequestsUsed    int64  `json:"requests_used"`
}

// RevenueReportResponse is the revenue analysis with money in dollars
type RevenueReportResponse struct {
	GeneratedAt       string        `json:"generated_at"`
	CurrentMRR        float64       `json:"current_mrr"`
	BreakEvenMRR      float64       `json:"break_even_mrr"`
	TargetMRR         float64       `json:"target_mrr"`
	BreakEvenProgress float64       `json:"break_even_progress"`
	TargetProgress    float64       `json:"target_progress"`
	Stage             string        `json:"stage"`
	RevenueByTier     []RevenueLine `json:"revenue_by_tier"`
	UsageByTier       []UsageLine   `json:"usage_by_tier"`
}

func newRevenueReportResponse(r *scrapemeter.RevenueReport) RevenueReportResponse {
	resp := RevenueReportResponse{
		GeneratedAt:       r.GeneratedAt.UTC().Format(timeLayout),
		CurrentMRR:        r.CurrentMRR.Float(),
		BreakEvenMRR:      r.BreakEvenMRR.Float(),
		TargetMRR:         r.TargetMRR.Float(),
		BreakEvenProgress: r.BreakEvenProgress,
		TargetProgress:    r.TargetProgress,
		Stage:             r.Stage,
		RevenueByTier:     make([]RevenueLine, 0, len(r.Revenue)),
		UsageByTier:       make([]UsageLine, 0, len(r.Usage)),
	}
	for _, l := range r.Revenue {
		resp.RevenueByTier = append(resp.RevenueByTier, RevenueLine{
			Tier:              l.Tier,
			Subscribers:       l.Subscribers,
			TotalRevenue:      l.Total.Float(),
			AvgRevenuePerUser: l.Average.Float(),
		})
	}
	for _, l := range r.Usage {
		resp.UsageByTier = append(resp.UsageByTier, UsageLine{
			Tier:            l.Tier,
			APICalls:        l.APICalls,
			AvgResponseSize: l.AverageResponseSize,
			RequestsUsed:    l.RequestsUsed,
		})
	}
	return resp
}
