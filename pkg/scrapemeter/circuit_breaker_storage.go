package scrapemeter

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

// Unwrap returns the protected storage
func (s *CircuitBreakerStorage) Unwrap() Storage {
	return s.storage
}

func (s *CircuitBreakerStorage) CreateAccount(ctx context.Context, acct *Account, initial *RevenueEvent) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.CreateAccount(ctx, acct, initial)
	})
}

func (s *CircuitBreakerStorage) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var acct *Account
	err := s.cb.Execute(ctx, func() error {
		var e error
		acct, e = s.storage.GetAccount(ctx, accountID)
		return e
	})
	return acct, err
}

func (s *CircuitBreakerStorage) GetAccountByAPIKey(ctx context.Context, apiKey string) (*Account, error) {
	var acct *Account
	err := s.cb.Execute(ctx, func() error {
		var e error
		acct, e = s.storage.GetAccountByAPIKey(ctx, apiKey)
		return e
	})
	return acct, err
}

func (s *CircuitBreakerStorage) UpdateAccount(ctx context.Context, accountID string,
	mutate AccountMutator) (*Account, error) {
	var acct *Account
	err := s.cb.Execute(ctx, func() error {
		var e error
		acct, e = s.storage.UpdateAccount(ctx, accountID, mutate)
		return e
	})
	return acct, err
}

func (s *CircuitBreakerStorage) ApplyTierChange(ctx context.Context, req *TierChangeRequest) (*Account, error) {
	var acct *Account
	err := s.cb.Execute(ctx, func() error {
		var e error
		acct, e = s.storage.ApplyTierChange(ctx, req)
		return e
	})
	return acct, err
}

func (s *CircuitBreakerStorage) AppendUsage(ctx context.Context, ev *UsageEvent) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.AppendUsage(ctx, ev)
	})
}

func (s *CircuitBreakerStorage) CountAccountsByTier(ctx context.Context) ([]TierAccounts, error) {
	var rows []TierAccounts
	err := s.cb.Execute(ctx, func() error {
		var e error
		rows, e = s.storage.CountAccountsByTier(ctx)
		return e
	})
	return rows, err
}

func (s *CircuitBreakerStorage) SumRevenue(ctx context.Context, from, to time.Time) ([]TierRevenue, error) {
	var rows []TierRevenue
	err := s.cb.Execute(ctx, func() error {
		var e error
		rows, e = s.storage.SumRevenue(ctx, from, to)
		return e
	})
	return rows, err
}

func (s *CircuitBreakerStorage) CountUsage(ctx context.Context, from, to time.Time) ([]TierUsage, error) {
	var rows []TierUsage
	err := s.cb.Execute(ctx, func() error {
		var e error
		rows, e = s.storage.CountUsage(ctx, from, to)
		return e
	})
	return rows, err
}
