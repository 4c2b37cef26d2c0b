// Package sqlite provides a SQLite implementation of the scrapemeter.Storage interface
// on the pure-Go modernc.org/sqlite driver. Transactions start with BEGIN IMMEDIATE,
// so an account update holds the database write lock from its first read.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// Storage implements scrapemeter.Storage using SQLite
type Storage struct {
	db *sql.DB
}

var _ scrapemeter.Storage = (*Storage)(nil)

// Config holds SQLite storage configuration
type Config struct {
	// Path is the database file. ":memory:" opens a private in-memory database.
	Path string

	// BusyTimeout bounds how long a writer waits for the lock (default: 5 seconds)
	BusyTimeout time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id              TEXT PRIMARY KEY,
    api_key         TEXT NOT NULL UNIQUE,
    tier            TEXT NOT NULL,
    requests_used   INTEGER NOT NULL DEFAULT 0 CHECK (requests_used >= 0),
    window_reset_at INTEGER,
    created_at      INTEGER NOT NULL,
    last_payment_at INTEGER,
    updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_events (
    id            TEXT PRIMARY KEY,
    account_id    TEXT NOT NULL,
    endpoint      TEXT NOT NULL DEFAULT '',
    occurred_at   INTEGER NOT NULL,
    response_size INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_events_occurred_at ON usage_events (occurred_at);

CREATE TABLE IF NOT EXISTS revenue_events (
    id           TEXT PRIMARY KEY,
    account_id   TEXT NOT NULL REFERENCES accounts (id),
    amount_cents INTEGER NOT NULL,
    tier         TEXT NOT NULL,
    occurred_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_revenue_events_occurred_at ON revenue_events (occurred_at);
`

const accountColumns = `id, api_key, tier, requests_used, window_reset_at, created_at, last_payment_at, updated_at`

// New opens the database and applies the schema
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.Path == "" {
		return nil, errors.New("database path is required")
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite", dsn(config))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps a ":memory:" database alive
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(config Config) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", config.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	if config.Path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Set("_txlock", "immediate")

	path := config.Path
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + "?" + q.Encode()
}

// Migrate creates tables and indexes if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateAccount implements scrapemeter.Storage
func (s *Storage) CreateAccount(ctx context.Context, acct *scrapemeter.Account,
	initial *scrapemeter.RevenueEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.APIKey, acct.Tier, acct.RequestsUsed, nullableNanos(acct.WindowResetAt),
		nanos(acct.CreatedAt), nullableNanos(acct.LastPaymentAt), nanos(acct.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return scrapemeter.ErrDuplicateAccount
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}

	if initial != nil {
		if err := insertRevenue(ctx, tx, initial); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// GetAccount implements scrapemeter.Storage
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*scrapemeter.Account, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scrapemeter.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// GetAccountByAPIKey implements scrapemeter.Storage
func (s *Storage) GetAccountByAPIKey(ctx context.Context, apiKey string) (*scrapemeter.Account, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE api_key = ?`, apiKey))
	if errors.Is(err, sql.ErrNoRows) {
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback()
	}()

	acct, err := loadAccount(ctx, tx, accountID)
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
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return acct, nil
}

// ApplyTierChange implements scrapemeter.Storage
func (s *Storage) ApplyTierChange(ctx context.Context, req *scrapemeter.TierChangeRequest) (*scrapemeter.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback()
	}()

	acct, err := loadAccount(ctx, tx, req.AccountID)
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
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return acct, nil
}

// AppendUsage implements scrapemeter.Storage
func (s *Storage) AppendUsage(ctx context.Context, ev *scrapemeter.UsageEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_events (id, account_id, endpoint, occurred_at, response_size) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.AccountID, ev.Endpoint, nanos(ev.Timestamp), ev.ResponseSize)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

// CountAccountsByTier implements scrapemeter.LedgerReader
func (s *Storage) CountAccountsByTier(ctx context.Context) ([]scrapemeter.TierAccounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tier, COUNT(*), COALESCE(SUM(requests_used), 0) FROM accounts GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("failed to count accounts: %w", err)
	}
	defer rows.Close()

	var out []scrapemeter.TierAccounts
	for rows.Next() {
		var r scrapemeter.TierAccounts
		if err := rows.Scan(&r.Tier, &r.Accounts, &r.RequestsUsed); err != nil {
			return nil, fmt.Errorf("failed to scan account counts: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SumRevenue implements scrapemeter.LedgerReader
func (s *Storage) SumRevenue(ctx context.Context, from, to time.Time) ([]scrapemeter.TierRevenue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tier, COUNT(*), COALESCE(SUM(amount_cents), 0)
			FROM revenue_events
			WHERE occurred_at > ? AND occurred_at <= ?
			GROUP BY tier`, nanos(from), nanos(to))
	if err != nil {
		return nil, fmt.Errorf("failed to sum revenue: %w", err)
	}
	defer rows.Close()

	var out []scrapemeter.TierRevenue
	for rows.Next() {
		var r scrapemeter.TierRevenue
		var cents int64
		if err := rows.Scan(&r.Tier, &r.Payments, &cents); err != nil {
			return nil, fmt.Errorf("failed to scan revenue: %w", err)
		}
		r.Total = scrapemeter.USD(cents)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountUsage implements scrapemeter.LedgerReader
func (s *Storage) CountUsage(ctx context.Context, from, to time.Time) ([]scrapemeter.TierUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(a.tier, ''), COUNT(u.id), COALESCE(SUM(u.response_size), 0)
			FROM usage_events u
			LEFT JOIN accounts a ON a.id = u.account_id
			WHERE u.occurred_at > ? AND u.occurred_at <= ?
			GROUP BY COALESCE(a.tier, '')`, nanos(from), nanos(to))
	if err != nil {
		return nil, fmt.Errorf("failed to count usage: %w", err)
	}
	defer rows.Close()

	var out []scrapemeter.TierUsage
	for rows.Next() {
		var r scrapemeter.TierUsage
		if err := rows.Scan(&r.Tier, &r.Calls, &r.ResponseBytes); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func loadAccount(ctx context.Context, tx *sql.Tx, accountID string) (*scrapemeter.Account, error) {
	acct, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scrapemeter.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return acct, nil
}

func updateAccount(ctx context.Context, tx *sql.Tx, acct *scrapemeter.Account) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE accounts
			SET tier = ?, requests_used = ?, window_reset_at = ?, last_payment_at = ?, updated_at = ?
			WHERE id = ?`,
		acct.Tier, acct.RequestsUsed, nullableNanos(acct.WindowResetAt),
		nullableNanos(acct.LastPaymentAt), nanos(acct.UpdatedAt), acct.ID)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

func insertRevenue(ctx context.Context, tx *sql.Tx, ev *scrapemeter.RevenueEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO revenue_events (id, account_id, amount_cents, tier, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.AccountID, ev.Amount.Cents(), ev.Tier, nanos(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to insert revenue event: %w", err)
	}
	return nil
}

func scanAccount(row *sql.Row) (*scrapemeter.Account, error) {
	var (
		acct                 scrapemeter.Account
		resetAt, paidAt      sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&acct.ID, &acct.APIKey, &acct.Tier, &acct.RequestsUsed, &resetAt,
		&createdAt, &paidAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	acct.CreatedAt = fromNanos(createdAt)
	acct.UpdatedAt = fromNanos(updatedAt)
	acct.WindowResetAt = fromNullable(resetAt)
	acct.LastPaymentAt = fromNullable(paidAt)
	return &acct, nil
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullable(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
