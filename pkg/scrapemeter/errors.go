package scrapemeter

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQuotaExceeded is returned when the monthly allowance is used up
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidTier is returned for unknown tier names
	ErrInvalidTier = errors.New("invalid tier")

	// ErrInvalidCredential is returned for missing or unknown API keys
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrAccountNotFound is returned when an account ID does not exist
	ErrAccountNotFound = errors.New("account not found")

	// ErrStorageUnavailable is returned when the ledger cannot be read or written
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrDuplicateAccount is returned when an account ID or API key already exists
	ErrDuplicateAccount = errors.New("duplicate account")

	// ErrRecorderClosed is returned by Recorder.Close when called twice
	ErrRecorderClosed = errors.New("recorder closed")
)

// QuotaExceededError carries enough detail for a client to decide on an upgrade
type QuotaExceededError struct {
	AccountID string
	Tier      string
	Limit     int64
	Used      int64
	ResetAt   *time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %d/%d requests used on tier %q", e.Used, e.Limit, e.Tier)
}

// Is makes errors.Is(err, ErrQuotaExceeded) match
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// isBusinessError reports errors that describe caller input rather than backend health
func isBusinessError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrInvalidTier) ||
		errors.Is(err, ErrInvalidCredential) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrDuplicateAccount)
}

// unavailable classifies a backend failure as ErrStorageUnavailable, keeping the cause
func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
