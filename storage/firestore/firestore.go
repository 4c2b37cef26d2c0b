// Package firestore provides a Firestore implementation of the scrapemeter.Storage interface.
// Account updates run inside Firestore transactions, which retry on contention.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// Storage implements scrapemeter.Storage using Google Cloud Firestore
type Storage struct {
	client             *firestore.Client
	accountsCollection string
	apiKeysCollection  string
	usageCollection    string
	revenueCollection  string
}

var _ scrapemeter.Storage = (*Storage)(nil)

// Config holds Firestore storage configuration
type Config struct {
	// AccountsCollection holds one document per account
	// Default: "scrapemeter_accounts"
	AccountsCollection string

	// APIKeysCollection maps API keys (document IDs) to account IDs
	// Default: "scrapemeter_api_keys"
	APIKeysCollection string

	// UsageCollection holds usage events
	// Default: "scrapemeter_usage"
	UsageCollection string

	// RevenueCollection holds revenue events
	// Default: "scrapemeter_revenue"
	RevenueCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.AccountsCollection == "" {
		config.AccountsCollection = "scrapemeter_accounts"
	}
	if config.APIKeysCollection == "" {
		config.APIKeysCollection = "scrapemeter_api_keys"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "scrapemeter_usage"
	}
	if config.RevenueCollection == "" {
		config.RevenueCollection = "scrapemeter_revenue"
	}

	return &Storage{
		client:             client,
		accountsCollection: config.AccountsCollection,
		apiKeysCollection:  config.APIKeysCollection,
		usageCollection:    config.UsageCollection,
		revenueCollection:  config.RevenueCollection,
	}, nil
}

// CreateAccount implements scrapemeter.Storage
func (s *Storage) CreateAccount(ctx context.Context, acct *scrapemeter.Account,
	initial *scrapemeter.RevenueEvent) error {
	accountDoc := s.client.Collection(s.accountsCollection).Doc(acct.ID)
	keyDoc := s.client.Collection(s.apiKeysCollection).Doc(acct.APIKey)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		for _, ref := range []*firestore.DocumentRef{accountDoc, keyDoc} {
			snap, err := tx.Get(ref)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if snap != nil && snap.Exists() {
				return scrapemeter.ErrDuplicateAccount
			}
		}

		if err := tx.Create(accountDoc, accountData(acct)); err != nil {
			return err
		}
		if err := tx.Create(keyDoc, map[string]interface{}{"accountId": acct.ID}); err != nil {
			return err
		}
		if initial != nil {
			return tx.Create(s.revenueDoc(initial), revenueData(initial))
		}
		return nil
	})
	if status.Code(err) == codes.AlreadyExists {
		return scrapemeter.ErrDuplicateAccount
	}
	if err != nil && !errors.Is(err, scrapemeter.ErrDuplicateAccount) {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return err
}

// GetAccount implements scrapemeter.Storage
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*scrapemeter.Account, error) {
	snap, err := s.client.Collection(s.accountsCollection).Doc(accountID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, scrapemeter.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if !snap.Exists() {
		return nil, scrapemeter.ErrAccountNotFound
	}
	return accountFrom(snap), nil
}

// GetAccountByAPIKey implements scrapemeter.Storage
func (s *Storage) GetAccountByAPIKey(ctx context.Context, apiKey string) (*scrapemeter.Account, error) {
	snap, err := s.client.Collection(s.apiKeysCollection).Doc(apiKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, scrapemeter.ErrInvalidCredential
		}
		return nil, fmt.Errorf("failed to resolve api key: %w", err)
	}
	acct, err := s.GetAccount(ctx, getString(snap.Data(), "accountId"))
	if errors.Is(err, scrapemeter.ErrAccountNotFound) {
		return nil, scrapemeter.ErrInvalidCredential
	}
	return acct, err
}

// UpdateAccount implements scrapemeter.Storage. Firestore may run the mutator
// again when the transaction is retried.
func (s *Storage) UpdateAccount(ctx context.Context, accountID string,
	mutate scrapemeter.AccountMutator) (*scrapemeter.Account, error) {
	doc := s.client.Collection(s.accountsCollection).Doc(accountID)
	var result *scrapemeter.Account

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		acct, err := getInTx(tx, doc)
		if err != nil {
			return err
		}
		write, err := mutate(acct)
		if err != nil {
			return err
		}
		result = acct
		if !write {
			return nil
		}
		return tx.Set(doc, accountData(acct))
	})
	if err != nil {
		return nil, wrap(err, "failed to update account")
	}
	return result, nil
}

// ApplyTierChange implements scrapemeter.Storage
func (s *Storage) ApplyTierChange(ctx context.Context, req *scrapemeter.TierChangeRequest) (*scrapemeter.Account, error) {
	doc := s.client.Collection(s.accountsCollection).Doc(req.AccountID)
	var result *scrapemeter.Account

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		acct, err := getInTx(tx, doc)
		if err != nil {
			return err
		}
		req.Apply(acct)
		if err := tx.Set(doc, accountData(acct)); err != nil {
			return err
		}
		if req.Revenue != nil {
			if err := tx.Create(s.revenueDoc(req.Revenue), revenueData(req.Revenue)); err != nil {
				return err
			}
		}
		result = acct
		return nil
	})
	if err != nil {
		return nil, wrap(err, "failed to apply tier change")
	}
	return result, nil
}

// AppendUsage implements scrapemeter.Storage
func (s *Storage) AppendUsage(ctx context.Context, ev *scrapemeter.UsageEvent) error {
	doc := s.client.Collection(s.usageCollection).NewDoc()
	if ev.ID != "" {
		doc = s.client.Collection(s.usageCollection).Doc(ev.ID)
	}
	_, err := doc.Create(ctx, map[string]interface{}{
		"accountId":    ev.AccountID,
		"endpoint":     ev.Endpoint,
		"timestamp":    ev.Timestamp.UTC(),
		"responseSize": ev.ResponseSize,
	})
	if err != nil {
		return fmt.Errorf("failed to append usage event: %w", err)
	}
	return nil
}

// CountAccountsByTier implements scrapemeter.LedgerReader
func (s *Storage) CountAccountsByTier(ctx context.Context) ([]scrapemeter.TierAccounts, error) {
	iter := s.client.Collection(s.accountsCollection).Select("tier", "requestsUsed").Documents(ctx)
	defer iter.Stop()

	idx := make(map[string]int)
	var out []scrapemeter.TierAccounts
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list accounts: %w", err)
		}
		data := snap.Data()
		tier := getString(data, "tier")
		i, ok := idx[tier]
		if !ok {
			i = len(out)
			idx[tier] = i
			out = append(out, scrapemeter.TierAccounts{Tier: tier})
		}
		out[i].Accounts++
		out[i].RequestsUsed += getInt64(data, "requestsUsed")
	}
	return out, nil
}

// SumRevenue implements scrapemeter.LedgerReader
func (s *Storage) SumRevenue(ctx context.Context, from, to time.Time) ([]scrapemeter.TierRevenue, error) {
	iter := s.client.Collection(s.revenueCollection).
		Where("timestamp", ">", from.UTC()).
		Where("timestamp", "<=", to.UTC()).
		Documents(ctx)
	defer iter.Stop()

	idx := make(map[string]int)
	var out []scrapemeter.TierRevenue
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query revenue: %w", err)
		}
		data := snap.Data()
		tier := getString(data, "tier")
		i, ok := idx[tier]
		if !ok {
			i = len(out)
			idx[tier] = i
			out = append(out, scrapemeter.TierRevenue{Tier: tier})
		}
		out[i].Payments++
		out[i].Total += scrapemeter.USD(getInt64(data, "amountCents"))
	}
	return out, nil
}

// CountUsage implements scrapemeter.LedgerReader
func (s *Storage) CountUsage(ctx context.Context, from, to time.Time) ([]scrapemeter.TierUsage, error) {
	iter := s.client.Collection(s.usageCollection).
		Where("timestamp", ">", from.UTC()).
		Where("timestamp", "<=", to.UTC()).
		Documents(ctx)
	defer iter.Stop()

	type event struct {
		accountID string
		size      int64
	}
	var events []event
	var refs []*firestore.DocumentRef
	seen := make(map[string]bool)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query usage: %w", err)
		}
		data := snap.Data()
		ev := event{accountID: getString(data, "accountId"), size: getInt64(data, "responseSize")}
		events = append(events, ev)
		if ev.accountID != "" && !seen[ev.accountID] {
			seen[ev.accountID] = true
			refs = append(refs, s.client.Collection(s.accountsCollection).Doc(ev.accountID))
		}
	}

	tiers := make(map[string]string, len(refs))
	if len(refs) > 0 {
		snaps, err := s.client.GetAll(ctx, refs)
		if err != nil {
			return nil, fmt.Errorf("failed to load accounts: %w", err)
		}
		for _, snap := range snaps {
			if snap.Exists() {
				tiers[snap.Ref.ID] = getString(snap.Data(), "tier")
			}
		}
	}

	idx := make(map[string]int)
	var out []scrapemeter.TierUsage
	for _, ev := range events {
		tier := tiers[ev.accountID]
		i, ok := idx[tier]
		if !ok {
			i = len(out)
			idx[tier] = i
			out = append(out, scrapemeter.TierUsage{Tier: tier})
		}
		out[i].Calls++
		out[i].ResponseBytes += ev.size
	}
	return out, nil
}

func (s *Storage) revenueDoc(ev *scrapemeter.RevenueEvent) *firestore.DocumentRef {
	if ev.ID == "" {
		return s.client.Collection(s.revenueCollection).NewDoc()
	}
	return s.client.Collection(s.revenueCollection).Doc(ev.ID)
}

func getInTx(tx *firestore.Transaction, doc *firestore.DocumentRef) (*scrapemeter.Account, error) {
	snap, err := tx.Get(doc)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, scrapemeter.ErrAccountNotFound
		}
		return nil, err
	}
	if !snap.Exists() {
		return nil, scrapemeter.ErrAccountNotFound
	}
	return accountFrom(snap), nil
}

func wrap(err error, msg string) error {
	if errors.Is(err, scrapemeter.ErrAccountNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func accountData(a *scrapemeter.Account) map[string]interface{} {
	data := map[string]interface{}{
		"apiKey":        a.APIKey,
		"tier":          a.Tier,
		"requestsUsed":  a.RequestsUsed,
		"windowResetAt": nil,
		"createdAt":     a.CreatedAt.UTC(),
		"lastPaymentAt": nil,
		"updatedAt":     a.UpdatedAt.UTC(),
	}
	if a.WindowResetAt != nil {
		data["windowResetAt"] = a.WindowResetAt.UTC()
	}
	if a.LastPaymentAt != nil {
		data["lastPaymentAt"] = a.LastPaymentAt.UTC()
	}
	return data
}

func revenueData(ev *scrapemeter.RevenueEvent) map[string]interface{} {
	return map[string]interface{}{
		"accountId":   ev.AccountID,
		"amountCents": ev.Amount.Cents(),
		"tier":        ev.Tier,
		"timestamp":   ev.Timestamp.UTC(),
	}
}

func accountFrom(snap *firestore.DocumentSnapshot) *scrapemeter.Account {
	data := snap.Data()
	return &scrapemeter.Account{
		ID:            snap.Ref.ID,
		APIKey:        getString(data, "apiKey"),
		Tier:          getString(data, "tier"),
		RequestsUsed:  getInt64(data, "requestsUsed"),
		WindowResetAt: getTimePtr(data, "windowResetAt"),
		CreatedAt:     getTime(data, "createdAt"),
		LastPaymentAt: getTimePtr(data, "lastPaymentAt"),
		UpdatedAt:     getTime(data, "updatedAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	v, ok := data[key].(time.Time)
	if !ok || v.IsZero() {
		return nil
	}
	t := v.UTC()
	return &t
}
