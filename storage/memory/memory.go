// Package memory provides an in-memory implementation of the scrapemeter.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// Storage implements scrapemeter.Storage using in-memory maps
type Storage struct {
	mu       sync.RWMutex
	accounts map[string]*scrapemeter.Account
	byAPIKey map[string]string
	usage    []scrapemeter.UsageEvent
	revenue  []scrapemeter.RevenueEvent
}

var _ scrapemeter.Storage = (*Storage)(nil)

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		accounts: make(map[string]*scrapemeter.Account),
		byAPIKey: make(map[string]string),
	}
}

// CreateAccount implements scrapemeter.Storage
func (s *Storage) CreateAccount(_ context.Context, acct *scrapemeter.Account, initial *scrapemeter.RevenueEvent) error {
	if acct == nil || acct.ID == "" || acct.APIKey == "" {
		return errors.New("invalid account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.ID]; ok {
		return scrapemeter.ErrDuplicateAccount
	}
	if _, ok := s.byAPIKey[acct.APIKey]; ok {
		return scrapemeter.ErrDuplicateAccount
	}

	// Store a copy to prevent external mutations
	s.accounts[acct.ID] = acct.Clone()
	s.byAPIKey[acct.APIKey] = acct.ID
	if initial != nil {
		s.revenue = append(s.revenue, *initial)
	}
	return nil
}

// GetAccount implements scrapemeter.Storage
func (s *Storage) GetAccount(_ context.Context, accountID string) (*scrapemeter.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, scrapemeter.ErrAccountNotFound
	}
	return acct.Clone(), nil
}

// GetAccountByAPIKey implements scrapemeter.Storage
func (s *Storage) GetAccountByAPIKey(_ context.Context, apiKey string) (*scrapemeter.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAPIKey[apiKey]
	if !ok {
		return nil, scrapemeter.ErrInvalidCredential
	}
	return s.accounts[id].Clone(), nil
}

// UpdateAccount implements scrapemeter.Storage. The store lock serializes all
// mutations, so the mutator runs exactly once.
func (s *Storage) UpdateAccount(ctx context.Context, accountID string,
	mutate scrapemeter.AccountMutator) (*scrapemeter.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, scrapemeter.ErrAccountNotFound
	}

	working := acct.Clone()
	write, err := mutate(working)
	if err != nil {
		return nil, err
	}
	if write {
		s.accounts[accountID] = working.Clone()
		return working, nil
	}
	return acct.Clone(), nil
}

// ApplyTierChange implements scrapemeter.Storage
func (s *Storage) ApplyTierChange(_ context.Context, req *scrapemeter.TierChangeRequest) (*scrapemeter.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[req.AccountID]
	if !ok {
		return nil, scrapemeter.ErrAccountNotFound
	}

	updated := acct.Clone()
	req.Apply(updated)
	s.accounts[req.AccountID] = updated
	if req.Revenue != nil {
		s.revenue = append(s.revenue, *req.Revenue)
	}
	return updated.Clone(), nil
}

// AppendUsage implements scrapemeter.Storage
func (s *Storage) AppendUsage(_ context.Context, ev *scrapemeter.UsageEvent) error {
	if ev == nil {
		return errors.New("invalid usage event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, *ev)
	return nil
}

// CountAccountsByTier implements scrapemeter.LedgerReader
func (s *Storage) CountAccountsByTier(_ context.Context) ([]scrapemeter.TierAccounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := make(map[string]int)
	var out []scrapemeter.TierAccounts
	for _, acct := range s.accounts {
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
func (s *Storage) SumRevenue(_ context.Context, from, to time.Time) ([]scrapemeter.TierRevenue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := make(map[string]int)
	var out []scrapemeter.TierRevenue
	for i := range s.revenue {
		ev := &s.revenue[i]
		if !inRange(ev.Timestamp, from, to) {
			continue
		}
		j, ok := idx[ev.Tier]
		if !ok {
			j = len(out)
			idx[ev.Tier] = j
			out = append(out, scrapemeter.TierRevenue{Tier: ev.Tier})
		}
		out[j].Payments++
		out[j].Total += ev.Amount
	}
	return out, nil
}

// CountUsage implements scrapemeter.LedgerReader
func (s *Storage) CountUsage(_ context.Context, from, to time.Time) ([]scrapemeter.TierUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := make(map[string]int)
	var out []scrapemeter.TierUsage
	for i := range s.usage {
		ev := &s.usage[i]
		if !inRange(ev.Timestamp, from, to) {
			continue
		}
		tier := ""
		if acct, ok := s.accounts[ev.AccountID]; ok {
			tier = acct.Tier
		}
		j, ok := idx[tier]
		if !ok {
			j = len(out)
			idx[tier] = j
			out = append(out, scrapemeter.TierUsage{Tier: tier})
		}
		out[j].Calls++
		out[j].ResponseBytes += ev.ResponseSize
	}
	return out, nil
}

// UsageEvents returns a copy of all recorded usage events
func (s *Storage) UsageEvents() []scrapemeter.UsageEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]scrapemeter.UsageEvent(nil), s.usage...)
}

// RevenueEvents returns a copy of all recorded revenue events
func (s *Storage) RevenueEvents() []scrapemeter.RevenueEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]scrapemeter.RevenueEvent(nil), s.revenue...)
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = make(map[string]*scrapemeter.Account)
	s.byAPIKey = make(map[string]string)
	s.usage = nil
	s.revenue = nil
}

// inRange reports from < t <= to
func inRange(t, from, to time.Time) bool {
	return t.After(from) && !t.After(to)
}
