// Package postgres provides a PostgreSQL implementation of the scrapemeter.Storage interface.
// Account updates run in a transaction holding the row with SELECT FOR UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// Storage implements scrapemeter.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

var (
	_ scrapemeter.Storage    = (*Storage)(nil)
	_ scrapemeter.TimeSource = (*Storage)(nil)
)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate creates the schema on New
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id              TEXT PRIMARY KEY,
    api_key         TEXT NOT NULL UNIQUE,
    tier            TEXT NOT NULL,
    requests_used   BIGINT NOT NULL DEFAULT 0 CHECK (requests_used >= 0),
    window_reset_at TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL,
    last_payment_at TIMESTAMPTZ,
    updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_events (
    id            TEXT PRIMARY KEY,
    account_id    TEXT NOT NULL,
    endpoint      TEXT NOT NULL DEFAULT '',
    occurred_at   TIMESTAMPTZ NOT NULL,
    response_size BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_events_occurred_at ON usage_events (occurred_at);

CREATE TABLE IF NOT EXISTS revenue_events (
    id           TEXT PRIMARY KEY,
    account_id   TEXT NOT NULL REFERENCES accounts (id),
    amount_cents BIGINT NOT NULL,
    tier         TEXT NOT NULL,
    occurred_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_revenue_events_occurred_at ON revenue_events (occurred_at);
`

const accountColumns = `id, api_key, tier, requests_used, window_reset_at, created_at, last_payment_at, updated_at`

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates tables and indexes if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Now implements scrapemeter.TimeSource using the database clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read database time: %w", err)
	}
	return now.UTC(), nil
}

// CreateAccount implements scrapemeter.Storage
func (s *Storage) CreateAccount(ctx context.Context, acct *scrapemeter.Account,
	initial *scrapemeter.RevenueEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		acct.ID, acct.APIKey, acct.Tier, acct.RequestsUsed, acct.WindowResetAt,
		acct.CreatedAt, acct.LastPaymentAt, acct.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return scrapemeter.ErrDuplicateAccount
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}

	if initial != nil {
		if err := insertRevenue(ctx, tx, initial); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// GetAccount implements scrapemeter.Storage
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*scrapemeter.Account, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, scrapemeter.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// GetAccountByAPIKey implements scrapemeter.Storage
func (s *Storage) GetAccountByAPIKey(ctx context.Context, apiKey string) (*scrapemeter.Account, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE api_key = $1`, apiKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, scrapemeter.ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by api key: %w", err)
	}
	return acct, nil
}

// UpdateAccount implements scrapemeter.Storage
func (s *Storage) UpdateAccount(ctx context.Context, accountID string,
	mutate scrapemeter.AccountMutator) (*scrapemeter.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	acct, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}

	write, err := mutate(acct)
	if err != nil {
		return nil, err
	}
	if !write {
		return acct, nil
	}

	if err := updateAccount(ctx, tx, acct); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return acct, nil
}

// ApplyTierChange implements scrapemeter.Storage
func (s *Storage) ApplyTierChange(ctx context.Context, req *scrapemeter.TierChangeRequest) (*scrapemeter.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	acct, err := lockAccount(ctx, tx, req.AccountID)
	if err != nil {
		return nil, err
	}
	req.Apply(acct)

	if err := updateAccount(ctx, tx, acct); err != nil {
		return nil, err
	}
	if req.Revenue != nil {
		if err := insertRevenue(ctx, tx, req.Revenue); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return acct, nil
}

// AppendUsage implements scrapemeter.Storage
func (s *Storage) AppendUsage(ctx context.Context, ev *scrapemeter.UsageEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_events (id, account_id, endpoint, occurred_at, response_size)
			VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.AccountID, ev.Endpoint, ev.Timestamp, ev.ResponseSize)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

// CountAccountsByTier implements scrapemeter.LedgerReader
func (s *Storage) CountAccountsByTier(ctx context.Context) ([]scrapemeter.TierAccounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tier, COUNT(*), COALESCE(SUM(requests_used), 0) FROM accounts GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("failed to count accounts: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (scrapemeter.TierAccounts, error) {
		var r scrapemeter.TierAccounts
		err := row.Scan(&r.Tier, &r.Accounts, &r.RequestsUsed)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan account counts: %w", err)
	}
	return out, nil
}

// SumRevenue implements scrapemeter.LedgerReader
func (s *Storage) SumRevenue(ctx context.Context, from, to time.Time) ([]scrapemeter.TierRevenue, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tier, COUNT(*), COALESCE(SUM(amount_cents), 0)
			FROM revenue_events
			WHERE occurred_at > $1 AND occurred_at <= $2
			GROUP BY tier`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to sum revenue: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (scrapemeter.TierRevenue, error) {
		var r scrapemeter.TierRevenue
		var cents int64
		err := row.Scan(&r.Tier, &r.Payments, &cents)
		r.Total = scrapemeter.USD(cents)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan revenue: %w", err)
	}
	return out, nil
}

// CountUsage implements scrapemeter.LedgerReader
func (s *Storage) CountUsage(ctx context.Context, from, to time.Time) ([]scrapemeter.TierUsage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(a.tier, ''), COUNT(u.id), COALESCE(SUM(u.response_size), 0)
			FROM usage_events u
			LEFT JOIN accounts a ON a.id = u.account_id
			WHERE u.occurred_at > $1 AND u.occurred_at <= $2
			GROUP BY COALESCE(a.tier, '')`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to count usage: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (scrapemeter.TierUsage, error) {
		var r scrapemeter.TierUsage
		err := row.Scan(&r.Tier, &r.Calls, &r.ResponseBytes)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan usage: %w", err)
	}
	return out, nil
}

func lockAccount(ctx context.Context, tx pgx.Tx, accountID string) (*scrapemeter.Account, error) {
	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, scrapemeter.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return acct, nil
}

func updateAccount(ctx context.Context, tx pgx.Tx, acct *scrapemeter.Account) error {
	_, err := tx.Exec(ctx,
		`UPDATE accounts
			SET tier = $1, requests_used = $2, window_reset_at = $3, last_payment_at = $4, updated_at = $5
			WHERE id = $6`,
		acct.Tier, acct.RequestsUsed, acct.WindowResetAt, acct.LastPaymentAt, acct.UpdatedAt, acct.ID)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

func insertRevenue(ctx context.Context, tx pgx.Tx, ev *scrapemeter.RevenueEvent) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO revenue_events (id, account_id, amount_cents, tier, occurred_at)
			VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.AccountID, ev.Amount.Cents(), ev.Tier, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert revenue event: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*scrapemeter.Account, error) {
	var acct scrapemeter.Account
	err := row.Scan(&acct.ID, &acct.APIKey, &acct.Tier, &acct.RequestsUsed, &acct.WindowResetAt,
		&acct.CreatedAt, &acct.LastPaymentAt, &acct.UpdatedAt)
	if err != nil {
		return nil, err
	}
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	if acct.WindowResetAt != nil {
		t := acct.WindowResetAt.UTC()
		acct.WindowResetAt = &t
	}
	if acct.LastPaymentAt != nil {
		t := acct.LastPaymentAt.UTC()
		acct.LastPaymentAt = &t
	}
	return &acct, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
