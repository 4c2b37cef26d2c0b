package scrapemeter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	cacheTypeAPIKey = "api_key"

	// signupAttempts bounds credential regeneration after a collision
	signupAttempts = 2
)

// Manager gates metered requests against per-account allowances and keeps the
// usage and revenue ledger
type Manager struct {
	storage  Storage
	tiers    *TierTable
	config   Config
	clock    TimeSource
	cache    Cache
	lookups  singleflight.Group
	recorder *Recorder
	reporter *Reporter
	metrics  Metrics
	logger   Logger
}

// NewManager creates a new manager with the given storage and configuration.
// If config.TimeSource is nil and storage implements TimeSource, the storage clock is used.
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config = config.withDefaults()

	tiers, err := NewTierTable(config.Tiers)
	if err != nil {
		return nil, err
	}

	clock := config.TimeSource
	if clock == nil {
		if ts, ok := storage.(TimeSource); ok {
			clock = ts
		} else {
			clock = SystemTimeSource{}
		}
	}

	m := &Manager{
		tiers:   tiers,
		config:  config,
		clock:   clock,
		metrics: config.Metrics,
		logger:  config.Logger,
	}

	// usage appends bypass the breaker so telemetry failures never gate requests
	backend := storage
	if cb := config.CircuitBreakerConfig; cb != nil && cb.Enabled {
		breaker := NewDefaultCircuitBreaker(cb.FailureThreshold, cb.ResetTimeout,
			func(from, to CircuitBreakerState) {
				m.metrics.RecordCircuitBreakerStateChange(string(to))
				m.logger.Warn("storage circuit breaker state changed",
					Field{"from", string(from)},
					Field{"to", string(to)},
				)
			})
		storage = NewCircuitBreakerStorage(storage, breaker)
	}
	m.storage = storage

	if cc := config.CacheConfig; cc != nil && cc.Enabled {
		m.cache = NewTTLCache(cc.TTL, cc.CleanupInterval)
	} else {
		m.cache = NewNoopCache()
	}

	m.recorder = NewRecorder(backend, *config.RecorderConfig, m.logger, m.metrics)
	m.reporter = NewReporter(storage, tiers, config.Goals)

	return m, nil
}

// Tiers returns the tier table
func (m *Manager) Tiers() *TierTable {
	return m.tiers
}

// Reporter returns the aggregation reporter bound to the manager's storage
func (m *Manager) Reporter() *Reporter {
	return m.reporter
}

// CheckAndConsume decides whether accountID may make one more gated request
// and, if so, consumes one unit of allowance in the same atomic step.
//
// A denial returns the decision together with a *QuotaExceededError and
// persists nothing. Any storage failure denies the request with an error
// wrapping ErrStorageUnavailable.
func (m *Manager) CheckAndConsume(ctx context.Context, accountID string) (*Decision, error) {
	start := time.Now()
	defer func() {
		m.metrics.RecordCheckDuration(time.Since(start))
	}()

	now, err := m.now(ctx)
	if err != nil {
		m.metrics.RecordDecision("", false, "storage_unavailable")
		return nil, err
	}

	var decision Decision
	opStart := time.Now()
	_, err = m.storage.UpdateAccount(ctx, accountID, func(acct *Account) (bool, error) {
		def, lookupErr := m.tiers.Lookup(acct.Tier)
		if lookupErr != nil {
			return false, lookupErr
		}
		d, write := evaluate(acct, def, now, m.config.Window)
		decision = d
		return write, nil
	})
	m.metrics.RecordStorageOperation("update_account", time.Since(opStart), err)

	if err != nil {
		switch {
		case errors.Is(err, ErrAccountNotFound):
			m.metrics.RecordDecision("", false, "not_found")
			return nil, err
		case errors.Is(err, ErrInvalidTier):
			m.metrics.RecordDecision("", false, "invalid_tier")
			m.logger.Error("account is assigned to an unknown tier",
				Field{"account_id", accountID},
				Field{"error", err.Error()},
			)
			return nil, err
		default:
			m.metrics.RecordDecision("", false, "storage_unavailable")
			m.logger.Error("quota check failed closed",
				Field{"account_id", accountID},
				Field{"error", err.Error()},
			)
			return nil, unavailable(err)
		}
	}

	if !decision.Allowed {
		m.metrics.RecordDecision(decision.Tier, false, "quota_exceeded")
		m.logger.Debug("quota exceeded",
			Field{"account_id", accountID},
			Field{"tier", decision.Tier},
			Field{"limit", decision.Limit},
		)
		return &decision, &QuotaExceededError{
			AccountID: accountID,
			Tier:      decision.Tier,
			Limit:     decision.Limit,
			Used:      decision.Used,
			ResetAt:   decision.ResetAt,
		}
	}

	m.metrics.RecordDecision(decision.Tier, true, "allowed")
	return &decision, nil
}

// Status reports the allowance of accountID without consuming it.
// Allowed tells whether the next request would pass.
func (m *Manager) Status(ctx context.Context, accountID string) (*Decision, error) {
	now, err := m.now(ctx)
	if err != nil {
		return nil, err
	}
	acct, err := m.storage.GetAccount(ctx, accountID)
	if err != nil {
		return nil, classify(err)
	}
	def, err := m.tiers.Lookup(acct.Tier)
	if err != nil {
		return nil, err
	}

	used, left := remaining(acct, def, now)
	d := &Decision{
		Allowed:   left != 0,
		AccountID: acct.ID,
		Tier:      acct.Tier,
		Limit:     def.MonthlyAllowance,
		Used:      used,
		Remaining: left,
	}
	if acct.WindowResetAt != nil && now.Before(*acct.WindowResetAt) {
		d.ResetAt = copyTime(acct.WindowResetAt)
	}
	return d, nil
}

// Authenticate resolves an API key to its account. Concurrent lookups of the
// same key share one storage read.
func (m *Manager) Authenticate(ctx context.Context, apiKey string) (*Account, error) {
	if apiKey == "" {
		return nil, ErrInvalidCredential
	}

	if acct, ok := m.cache.GetAccount(apiKey); ok {
		m.metrics.RecordCacheHit(cacheTypeAPIKey)
		return acct, nil
	}
	m.metrics.RecordCacheMiss(cacheTypeAPIKey)

	v, err, _ := m.lookups.Do(apiKey, func() (interface{}, error) {
		start := time.Now()
		acct, err := m.storage.GetAccountByAPIKey(ctx, apiKey)
		m.metrics.RecordStorageOperation("get_account_by_api_key", time.Since(start), err)
		if err != nil {
			return nil, err
		}
		m.cache.SetAccount(apiKey, acct, m.cacheTTL())
		return acct, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return v.(*Account).Clone(), nil
}

// Signup provisions an account on tier, or on the default tier when tier is empty.
// Paid tiers append their first revenue event atomically with the account.
func (m *Manager) Signup(ctx context.Context, tier string) (*SignupResult, error) {
	if tier == "" {
		tier = m.config.DefaultTier
	}
	def, err := m.tiers.Lookup(tier)
	if err != nil {
		return nil, err
	}

	now, err := m.now(ctx)
	if err != nil {
		return nil, err
	}

	var (
		acct    *Account
		initial *RevenueEvent
	)
	for attempt := 1; ; attempt++ {
		acct, initial, err = m.newAccount(def, now)
		if err != nil {
			return nil, err
		}
		start := time.Now()
		err = m.storage.CreateAccount(ctx, acct, initial)
		m.metrics.RecordStorageOperation("create_account", time.Since(start), err)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrDuplicateAccount) || attempt >= signupAttempts {
			return nil, classify(err)
		}
		m.logger.Warn("generated credentials collided, retrying signup",
			Field{"tier", def.Name},
		)
	}

	m.metrics.RecordSignup(def.Name)
	if initial != nil {
		m.metrics.RecordRevenue(def.Name, initial.Amount)
	}
	m.logger.Info("account created",
		Field{"account_id", acct.ID},
		Field{"tier", def.Name},
	)

	return &SignupResult{
		Account:   acct.Clone(),
		APIKey:    acct.APIKey,
		Tier:      def.Name,
		Allowance: def.MonthlyAllowance,
		Price:     def.MonthlyPrice,
	}, nil
}

// newAccount builds a fresh account with new credentials and, for paid
// tiers, its initial revenue event
func (m *Manager) newAccount(def TierDefinition, now time.Time) (*Account, *RevenueEvent, error) {
	key, err := NewAPIKey()
	if err != nil {
		return nil, nil, err
	}
	acct := &Account{
		ID:        NewID(PrefixAccount),
		APIKey:    key,
		Tier:      def.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var initial *RevenueEvent
	if def.IsPaid() {
		initial = m.revenueEvent(acct.ID, def, now)
		paid := now
		acct.LastPaymentAt = &paid
	}
	return acct, initial, nil
}

// ChangeTier moves accountID to tier. A paid target tier appends one revenue
// event, including when the account is already on that tier (renewal). When the
// new allowance is lower than the current usage, usage is clamped to it.
func (m *Manager) ChangeTier(ctx context.Context, accountID, tier string) (*Account, error) {
	def, err := m.tiers.Lookup(tier)
	if err != nil {
		return nil, err
	}
	now, err := m.now(ctx)
	if err != nil {
		return nil, err
	}

	req := &TierChangeRequest{
		AccountID:    accountID,
		NewTier:      def.Name,
		NewAllowance: def.MonthlyAllowance,
		Now:          now,
	}
	if def.IsPaid() {
		req.Revenue = m.revenueEvent(accountID, def, now)
	}

	start := time.Now()
	acct, err := m.storage.ApplyTierChange(ctx, req)
	m.metrics.RecordStorageOperation("apply_tier_change", time.Since(start), err)
	if err != nil {
		return nil, classify(err)
	}

	m.cache.InvalidateAccount(acct.APIKey)
	if req.Revenue != nil {
		m.metrics.RecordRevenue(def.Name, req.Revenue.Amount)
	}
	m.logger.Info("account tier changed",
		Field{"account_id", accountID},
		Field{"tier", def.Name},
	)
	return acct, nil
}

// Record appends a usage event in the background. It never blocks and never fails;
// lost events are logged and counted.
func (m *Manager) Record(ctx context.Context, accountID, endpoint string, responseSize int64) {
	ts, err := m.clock.Now(ctx)
	if err != nil {
		ts = time.Now().UTC()
	}
	m.recorder.Record(&UsageEvent{
		ID:           NewID(PrefixUsage),
		AccountID:    accountID,
		Endpoint:     endpoint,
		Timestamp:    ts,
		ResponseSize: responseSize,
	})
}

// ComputeSnapshot aggregates the ledger as of now
func (m *Manager) ComputeSnapshot(ctx context.Context, now time.Time) (*Snapshot, error) {
	return m.reporter.ComputeSnapshot(ctx, now)
}

// RevenueReport builds the profitability analysis as of now
func (m *Manager) RevenueReport(ctx context.Context, now time.Time) (*RevenueReport, error) {
	return m.reporter.RevenueReport(ctx, now)
}

// Now returns the manager's current time
func (m *Manager) Now(ctx context.Context) (time.Time, error) {
	return m.now(ctx)
}

// Close flushes pending usage events until ctx is done
func (m *Manager) Close(ctx context.Context) error {
	return m.recorder.Close(ctx)
}

// CacheStats returns API-key cache statistics
func (m *Manager) CacheStats() CacheStats {
	return m.cache.Stats()
}

func (m *Manager) now(ctx context.Context) (time.Time, error) {
	t, err := m.clock.Now(ctx)
	if err != nil {
		return time.Time{}, unavailable(fmt.Errorf("failed to read clock: %w", err))
	}
	return t.UTC(), nil
}

func (m *Manager) revenueEvent(accountID string, def TierDefinition, now time.Time) *RevenueEvent {
	return &RevenueEvent{
		ID:        NewID(PrefixRevenue),
		AccountID: accountID,
		Amount:    def.MonthlyPrice,
		Tier:      def.Name,
		Timestamp: now,
	}
}

func (m *Manager) cacheTTL() time.Duration {
	if m.config.CacheConfig != nil {
		return m.config.CacheConfig.TTL
	}
	return 0
}

// classify passes business errors through and marks everything else unavailable
func classify(err error) error {
	if err == nil || isBusinessError(err) {
		return err
	}
	return unavailable(err)
}
