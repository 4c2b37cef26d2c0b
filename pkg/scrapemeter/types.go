package scrapemeter

import (
	"time"
)

// Unlimited is the allowance sentinel for tiers without a monthly cap
const Unlimited int64 = -1

// Built-in tier names
const (
	TierFree         = "free"
	TierStarter      = "starter"
	TierProfessional = "professional"
	TierEnterprise   = "enterprise"
)

// DefaultWindow is the length of a usage window
const DefaultWindow = 30 * 24 * time.Hour

// Account is a metered API consumer
type Account struct {
	ID           string
	APIKey       string
	Tier         string
	RequestsUsed int64

	// WindowResetAt is nil until the first gated request starts the window
	WindowResetAt *time.Time

	CreatedAt     time.Time
	LastPaymentAt *time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy of the account
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.WindowResetAt != nil {
		t := *a.WindowResetAt
		c.WindowResetAt = &t
	}
	if a.LastPaymentAt != nil {
		t := *a.LastPaymentAt
		c.LastPaymentAt = &t
	}
	return &c
}

// UsageEvent is an append-only record of one served request
type UsageEvent struct {
	ID           string
	AccountID    string
	Endpoint     string
	Timestamp    time.Time
	ResponseSize int64
}

// RevenueEvent is an append-only record of one tier assignment payment
type RevenueEvent struct {
	ID        string
	AccountID string
	Amount    Money
	Tier      string
	Timestamp time.Time
}

// Decision is the outcome of a CheckAndConsume call
type Decision struct {
	Allowed   bool
	AccountID string
	Tier      string

	// Limit is the tier allowance, Unlimited for uncapped tiers
	Limit int64

	// Used is the counter value after the call
	Used int64

	// Remaining is Limit-Used, or Unlimited
	Remaining int64

	// ResetAt is when the current window ends, nil if no window has started
	ResetAt *time.Time
}

// SignupResult is returned by Manager.Signup
type SignupResult struct {
	Account   *Account
	APIKey    string
	Tier      string
	Allowance int64
	Price     Money
}

// TierAccounts is a per-tier rollup of the account table
type TierAccounts struct {
	Tier         string
	Accounts     int64
	RequestsUsed int64
}

// TierRevenue is a per-tier rollup of revenue events inside a time range
type TierRevenue struct {
	Tier     string
	Payments int64
	Total    Money
}

// TierUsage is a per-tier rollup of usage events inside a time range.
// Tier is the account's current tier.
type TierUsage struct {
	Tier          string
	Calls         int64
	ResponseBytes int64
}

// CacheConfig holds API-key cache configuration
type CacheConfig struct {
	// Enabled determines if caching is active
	Enabled bool

	// TTL is how long an authenticated account stays cached (default: 30 seconds)
	TTL time.Duration

	// CleanupInterval is how often expired entries are purged (default: 1 minute)
	CleanupInterval time.Duration
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// RecorderConfig holds usage recorder configuration
type RecorderConfig struct {
	// QueueSize bounds the number of pending usage events (default: 1024)
	QueueSize int

	// Workers is the number of goroutines appending events (default: 2)
	Workers int

	// WriteTimeout bounds a single append (default: 5 seconds)
	WriteTimeout time.Duration
}

// Config holds manager configuration
type Config struct {
	// Tiers is the ordered tier table (default: DefaultTiers())
	Tiers []TierDefinition

	// DefaultTier is assigned on signup when no tier is requested (default: "free")
	DefaultTier string

	// Window is the usage window length (default: 30 days)
	Window time.Duration

	// TimeSource provides the current time (default: system clock)
	TimeSource TimeSource

	// CacheConfig configures the API-key cache
	CacheConfig *CacheConfig

	// CircuitBreakerConfig configures the storage circuit breaker
	CircuitBreakerConfig *CircuitBreakerConfig

	// RecorderConfig configures the usage recorder
	RecorderConfig *RecorderConfig

	// Goals sets the revenue goals used by reports
	Goals ReporterConfig

	// Metrics is used for tracking operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}
