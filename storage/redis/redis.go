// Package redis provides a Redis implementation of the scrapemeter.Storage interface.
// Account creation runs as a Lua script; account updates use WATCH/MULTI
// optimistic transactions retried on conflict.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// ErrTooMuchContention is returned when an optimistic update keeps losing races
var ErrTooMuchContention = errors.New("redis: too much contention on account")

// Storage implements scrapemeter.Storage using Redis
type Storage struct {
	client        redis.UniversalClient
	config        Config
	createAccount *redis.Script
}

var (
	_ scrapemeter.Storage    = (*Storage)(nil)
	_ scrapemeter.TimeSource = (*Storage)(nil)
)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "scrapemeter:")
	KeyPrefix string

	// MaxRetries bounds optimistic transaction attempts per update (default: 100)
	MaxRetries int

	// RetryBackoff is the upper bound of the random pause between attempts (default: 2ms)
	RetryBackoff time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:    "scrapemeter:",
		MaxRetries:   100,
		RetryBackoff: 2 * time.Millisecond,
	}
}

// accountRecord is the JSON form of an account
type accountRecord struct {
	ID            string     `json:"id"`
	APIKey        string     `json:"api_key"`
	Tier          string     `json:"tier"`
	RequestsUsed  int64      `json:"requests_used"`
	WindowResetAt *time.Time `json:"window_reset_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastPaymentAt *time.Time `json:"last_payment_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type usageRecord struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Endpoint     string    `json:"endpoint"`
	Timestamp    time.Time `json:"ts"`
	ResponseSize int64     `json:"size"`
}

type revenueRecord struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	AmountCents int64     `json:"amount_cents"`
	Tier        string    `json:"tier"`
	Timestamp   time.Time `json:"ts"`
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "scrapemeter:"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 100
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 2 * time.Millisecond
	}

	s := &Storage{
		client: client,
		config: config,
	}

	// Create account atomically: both uniqueness checks and all writes in one script
	s.createAccount = redis.NewScript(`
		local accountKey = KEYS[1]
		local apiKeyKey = KEYS[2]
		local accountsKey = KEYS[3]
		local revenueKey = KEYS[4]
		local data = ARGV[1]
		local accountID = ARGV[2]
		local revenueScore = ARGV[3]
		local revenueData = ARGV[4]

		if redis.call('EXISTS', accountKey) == 1 or redis.call('EXISTS', apiKeyKey) == 1 then
			return 'duplicate'
		end

		redis.call('SET', accountKey, data)
		redis.call('SET', apiKeyKey, accountID)
		redis.call('SADD', accountsKey, accountID)

		if revenueData ~= '' then
			redis.call('ZADD', revenueKey, revenueScore, revenueData)
		end

		return 'ok'
	`)

	return s, nil
}

// Now implements scrapemeter.TimeSource using the Redis server clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read redis time: %w", err)
	}
	return t.UTC(), nil
}

// CreateAccount implements scrapemeter.Storage
func (s *Storage) CreateAccount(ctx context.Context, acct *scrapemeter.Account,
	initial *scrapemeter.RevenueEvent) error {
	data, err := json.Marshal(toRecord(acct))
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	revenueScore, revenueData := "0", ""
	if initial != nil {
		b, err := json.Marshal(toRevenueRecord(initial))
		if err != nil {
			return fmt.Errorf("failed to marshal revenue event: %w", err)
		}
		revenueScore, revenueData = score(initial.Timestamp), string(b)
	}

	keys := []string{
		s.accountKey(acct.ID),
		s.apiKeyKey(acct.APIKey),
		s.accountsKey(),
		s.revenueKey(),
	}
	res, err := s.createAccount.Run(ctx, s.client, keys, string(data), acct.ID, revenueScore, revenueData).Text()
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	if res == "duplicate" {
		return scrapemeter.ErrDuplicateAccount
	}
	return nil
}

// GetAccount implements scrapemeter.Storage
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*scrapemeter.Account, error) {
	data, err := s.client.Get(ctx, s.accountKey(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, scrapemeter.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return decodeAccount(data)
}

// GetAccountByAPIKey implements scrapemeter.Storage
func (s *Storage) GetAccountByAPIKey(ctx context.Context, apiKey string) (*scrapemeter.Account, error) {
	id, err := s.client.Get(ctx, s.apiKeyKey(apiKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, scrapemeter.ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve api key: %w", err)
	}
	acct, err := s.GetAccount(ctx, id)
	if errors.Is(err, scrapemeter.ErrAccountNotFound) {
		return nil, scrapemeter.ErrInvalidCredential
	}
	return acct, err
}

// UpdateAccount implements scrapemeter.Storage. The mutator runs once per attempt.
func (s *Storage) UpdateAccount(ctx context.Context, accountID string,
	mutate scrapemeter.AccountMutator) (*scrapemeter.Account, error) {
	var result *scrapemeter.Account
	err := s.optimistic(ctx, accountID, func(tx *redis.Tx, acct *scrapemeter.Account) error {
		write, err := mutate(acct)
		if err != nil {
			return err
		}
		result = acct
		if !write {
			return nil
		}
		data, err := json.Marshal(toRecord(acct))
		if err != nil {
			return fmt.Errorf("failed to marshal account: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.accountKey(accountID), data, 0)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyTierChange implements scrapemeter.Storage
func (s *Storage) ApplyTierChange(ctx context.Context, req *scrapemeter.TierChangeRequest) (*scrapemeter.Account, error) {
	var revenueData []byte
	if req.Revenue != nil {
		var err error
		revenueData, err = json.Marshal(toRevenueRecord(req.Revenue))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal revenue event: %w", err)
		}
	}

	var result *scrapemeter.Account
	err := s.optimistic(ctx, req.AccountID, func(tx *redis.Tx, acct *scrapemeter.Account) error {
		req.Apply(acct)
		data, err := json.Marshal(toRecord(acct))
		if err != nil {
			return fmt.Errorf("failed to marshal account: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.accountKey(req.AccountID), data, 0)
			if revenueData != nil {
				pipe.ZAdd(ctx, s.revenueKey(), redis.Z{
					Score:  float64(req.Revenue.Timestamp.UnixMilli()),
					Member: revenueData,
				})
			}
			return nil
		})
		if err == nil {
			result = acct
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// optimistic watches the account key, loads the account and runs fn, retrying
// when another client modified the key before EXEC
func (s *Storage) optimistic(ctx context.Context, accountID string,
	fn func(tx *redis.Tx, acct *scrapemeter.Account) error) error {
	key := s.accountKey(accountID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return scrapemeter.ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get account: %w", err)
		}
		acct, err := decodeAccount(data)
		if err != nil {
			return err
		}
		return fn(tx, acct)
	}

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rand.N(s.config.RetryBackoff) + time.Microsecond):
		}
	}
	return ErrTooMuchContention
}

// AppendUsage implements scrapemeter.Storage
func (s *Storage) AppendUsage(ctx context.Context, ev *scrapemeter.UsageEvent) error {
	data, err := json.Marshal(usageRecord{
		ID:           ev.ID,
		AccountID:    ev.AccountID,
		Endpoint:     ev.Endpoint,
		Timestamp:    ev.Timestamp.UTC(),
		ResponseSize: ev.ResponseSize,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal usage event: %w", err)
	}
	err = s.client.ZAdd(ctx, s.usageKey(), redis.Z{
		Score:  float64(ev.Timestamp.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append usage event: %w", err)
	}
	return nil
}

// CountAccountsByTier implements scrapemeter.LedgerReader
func (s *Storage) CountAccountsByTier(ctx context.Context) ([]scrapemeter.TierAccounts, error) {
	ids, err := s.client.SMembers(ctx, s.accountsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	accounts, err := s.loadAccounts(ctx, ids)
	if err != nil {
		return nil, err
	}

	idx := make(map[string]int)
	var out []scrapemeter.TierAccounts
	for _, acct := range accounts {
		i, ok := idx[acct.Tier]
		if !ok {
			i = len(out)
			idx[acct.Tier] = i
			out = append(out, scrapemeter.TierAccounts{Tier: acct.Tier})
		}
		out[i].Accounts++
		out[i].RequestsUsed += acct.RequestsUsed
	}
	return out, nil
}

// SumRevenue implements scrapemeter.LedgerReader
func (s *Storage) SumRevenue(ctx context.Context, from, to time.Time) ([]scrapemeter.TierRevenue, error) {
	members, err := s.rangeByScore(ctx, s.revenueKey(), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to read revenue events: %w", err)
	}

	idx := make(map[string]int)
	var out []scrapemeter.TierRevenue
	for _, m := range members {
		var rec revenueRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode revenue event: %w", err)
		}
		if !inWindow(rec.Timestamp, from, to) {
			continue
		}
		i, ok := idx[rec.Tier]
		if !ok {
			i = len(out)
			idx[rec.Tier] = i
			out = append(out, scrapemeter.TierRevenue{Tier: rec.Tier})
		}
		out[i].Payments++
		out[i].Total += scrapemeter.USD(rec.AmountCents)
	}
	return out, nil
}

// CountUsage implements scrapemeter.LedgerReader
func (s *Storage) CountUsage(ctx context.Context, from, to time.Time) ([]scrapemeter.TierUsage, error) {
	members, err := s.rangeByScore(ctx, s.usageKey(), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage events: %w", err)
	}

	events := make([]usageRecord, 0, len(members))
	seen := make(map[string]bool)
	var ids []string
	for _, m := range members {
		var rec usageRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode usage event: %w", err)
		}
		if !inWindow(rec.Timestamp, from, to) {
			continue
		}
		events = append(events, rec)
		if !seen[rec.AccountID] {
			seen[rec.AccountID] = true
			ids = append(ids, rec.AccountID)
		}
	}

	accounts, err := s.loadAccounts(ctx, ids)
	if err != nil {
		return nil, err
	}
	tiers := make(map[string]string, len(accounts))
	for _, acct := range accounts {
		tiers[acct.ID] = acct.Tier
	}

	idx := make(map[string]int)
	var out []scrapemeter.TierUsage
	for _, ev := range events {
		tier := tiers[ev.AccountID]
		i, ok := idx[tier]
		if !ok {
			i = len(out)
			idx[tier] = i
			out = append(out, scrapemeter.TierUsage{Tier: tier})
		}
		out[i].Calls++
		out[i].ResponseBytes += ev.ResponseSize
	}
	return out, nil
}

// rangeByScore returns members whose millisecond score covers (from, to].
// Scores are coarser than timestamps, so callers filter with inWindow.
func (s *Storage) rangeByScore(ctx context.Context, key string, from, to time.Time) ([]string, error) {
	return s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: score(from),
		Max: score(to),
	}).Result()
}

func inWindow(ts, from, to time.Time) bool {
	return ts.After(from) && !ts.After(to)
}

func (s *Storage) loadAccounts(ctx context.Context, ids []string) ([]*scrapemeter.Account, error) {
	const batch = 500
	var out []*scrapemeter.Account
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, s.accountKey(id))
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load accounts: %w", err)
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			acct, err := decodeAccount([]byte(str))
			if err != nil {
				return nil, err
			}
			out = append(out, acct)
		}
	}
	return out, nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) accountKey(accountID string) string {
	return s.config.KeyPrefix + "account:" + accountID
}

func (s *Storage) apiKeyKey(apiKey string) string {
	return s.config.KeyPrefix + "apikey:" + apiKey
}

func (s *Storage) accountsKey() string {
	return s.config.KeyPrefix + "accounts"
}

func (s *Storage) usageKey() string {
	return s.config.KeyPrefix + "usage"
}

func (s *Storage) revenueKey() string {
	return s.config.KeyPrefix + "revenue"
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func toRecord(a *scrapemeter.Account) accountRecord {
	return accountRecord{
		ID:            a.ID,
		APIKey:        a.APIKey,
		Tier:          a.Tier,
		RequestsUsed:  a.RequestsUsed,
		WindowResetAt: a.WindowResetAt,
		CreatedAt:     a.CreatedAt,
		LastPaymentAt: a.LastPaymentAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func toRevenueRecord(ev *scrapemeter.RevenueEvent) revenueRecord {
	return revenueRecord{
		ID:          ev.ID,
		AccountID:   ev.AccountID,
		AmountCents: ev.Amount.Cents(),
		Tier:        ev.Tier,
		Timestamp:   ev.Timestamp.UTC(),
	}
}

func decodeAccount(data []byte) (*scrapemeter.Account, error) {
	var rec accountRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode account: %w", err)
	}
	acct := &scrapemeter.Account{
		ID:            rec.ID,
		APIKey:        rec.APIKey,
		Tier:          rec.Tier,
		RequestsUsed:  rec.RequestsUsed,
		WindowResetAt: rec.WindowResetAt,
		CreatedAt:     rec.CreatedAt.UTC(),
		LastPaymentAt: rec.LastPaymentAt,
		UpdatedAt:     rec.UpdatedAt.UTC(),
	}
	return acct.Clone(), nil
}
