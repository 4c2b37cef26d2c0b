package scrapemeter

import (
	"context"
	"time"
)

// AccountMutator decides how an account changes inside an atomic update.
// It receives a private copy of the stored account and returns write=true when the
// modified copy must be persisted. Returning an error aborts the update without writing.
// Backends that retry on contention may invoke it more than once, so it must not have
// side effects beyond the account it is given.
type AccountMutator func(acct *Account) (write bool, err error)

// Storage defines the interface for ledger persistence
// All methods use concrete types from this package to avoid import cycles
type Storage interface {
	// CreateAccount stores a new account and, when initial is not nil, its first
	// revenue event in one atomic step. Returns ErrDuplicateAccount on ID or key collision.
	CreateAccount(ctx context.Context, acct *Account, initial *RevenueEvent) error

	// GetAccount retrieves an account by ID
	// Returns ErrAccountNotFound if missing
	GetAccount(ctx context.Context, accountID string) (*Account, error)

	// GetAccountByAPIKey retrieves an account by its API key
	// Returns ErrInvalidCredential if no account holds the key
	GetAccountByAPIKey(ctx context.Context, apiKey string) (*Account, error)

	// UpdateAccount runs mutate against the current account state while holding
	// exclusive access to that account (row lock, transaction or compare-and-swap).
	// Returns the account as stored after the call.
	UpdateAccount(ctx context.Context, accountID string, mutate AccountMutator) (*Account, error)

	// ApplyTierChange atomically moves an account to a new tier and appends the
	// request's revenue event, if any
	ApplyTierChange(ctx context.Context, req *TierChangeRequest) (*Account, error)

	UsageAppender
	LedgerReader
}

// UsageAppender appends usage events
type UsageAppender interface {
	// AppendUsage appends an immutable usage event
	AppendUsage(ctx context.Context, ev *UsageEvent) error
}

// LedgerReader exposes the read-only rollups used for reporting.
// Time ranges are half-open: from < timestamp <= to.
type LedgerReader interface {
	// CountAccountsByTier groups all accounts by their current tier
	CountAccountsByTier(ctx context.Context) ([]TierAccounts, error)

	// SumRevenue groups revenue events by tier
	SumRevenue(ctx context.Context, from, to time.Time) ([]TierRevenue, error)

	// CountUsage groups usage events by the owning account's current tier
	CountUsage(ctx context.Context, from, to time.Time) ([]TierUsage, error)
}

// TimeSource defines an interface for getting the current time.
// Storage backends may implement it to use the storage engine's clock
// (e.g., Redis TIME) instead of the application server clock.
type TimeSource interface {
	// Now returns the current time.
	Now(ctx context.Context) (time.Time, error)
}

// SystemTimeSource reads the local clock
type SystemTimeSource struct{}

// Now implements TimeSource
func (SystemTimeSource) Now(_ context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

// TierChangeRequest represents a tier assignment
type TierChangeRequest struct {
	AccountID string
	NewTier   string

	// NewAllowance is the new tier's allowance. When it is not Unlimited,
	// RequestsUsed is clamped to it.
	NewAllowance int64

	// Revenue is appended in the same atomic step when not nil
	Revenue *RevenueEvent

	Now time.Time
}

// Apply mutates acct according to the request. Backends call it inside their atomic section.
func (r *TierChangeRequest) Apply(acct *Account) {
	acct.Tier = r.NewTier
	if r.NewAllowance != Unlimited && acct.RequestsUsed > r.NewAllowance {
		acct.RequestsUsed = r.NewAllowance
	}
	if r.Revenue != nil {
		paid := r.Revenue.Timestamp
		acct.LastPaymentAt = &paid
	}
	acct.UpdatedAt = r.Now
}
