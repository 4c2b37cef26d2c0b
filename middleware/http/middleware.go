// Package http provides net/http middleware that gates metered endpoints
// behind an API key and the account's monthly allowance
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// APIKeyHeader is the default header carrying the API key
const APIKeyHeader = "X-API-Key"

// Response headers describing the allowance after the request
const (
	HeaderQuotaLimit     = "X-Quota-Limit"
	HeaderQuotaRemaining = "X-Quota-Remaining"
	HeaderQuotaReset     = "X-Quota-Reset"
)

// ErrMissingAPIKey is passed to OnUnauthorized when the request carries no key.
// It matches scrapemeter.ErrInvalidCredential.
var ErrMissingAPIKey = fmt.Errorf("%w: API key required", scrapemeter.ErrInvalidCredential)

// KeyExtractor extracts the API key from an HTTP request
// Return empty string if no key was sent
type KeyExtractor func(r *http.Request) string

// EndpointExtractor names the endpoint recorded in the usage ledger
type EndpointExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager is the quota manager instance
	Manager *scrapemeter.Manager

	// GetAPIKey extracts the API key from the request
	// Default: FromHeader(APIKeyHeader)
	GetAPIKey KeyExtractor

	// GetEndpoint names the endpoint for usage events
	// Default: the request path
	GetEndpoint EndpointExtractor

	// UpgradeURL is returned to clients that ran out of allowance
	// Default: "/"
	UpgradeURL string

	// SkipUsage disables recording a usage event after successful responses
	SkipUsage bool

	// OnQuotaExceeded is called when the allowance is used up
	// If nil, returns 429 JSON with the upgrade URL, current tier, limit and reset time
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, qe *scrapemeter.QuotaExceededError)

	// OnUnauthorized is called when the API key is missing or unknown
	// If nil, returns 401 JSON
	OnUnauthorized func(w http.ResponseWriter, r *http.Request, err error)

	// OnError is called when the ledger cannot decide
	// If nil, returns 503 Service Unavailable
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that authenticates the API key,
// consumes one unit of allowance and records usage for responses below 400
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("scrapemeter/http: Config.Manager is required")
	}

	// Set defaults
	if config.GetAPIKey == nil {
		config.GetAPIKey = FromHeader(APIKeyHeader)
	}
	if config.GetEndpoint == nil {
		config.GetEndpoint = func(r *http.Request) string { return r.URL.Path }
	}
	if config.UpgradeURL == "" {
		config.UpgradeURL = "/"
	}
	if config.OnUnauthorized == nil {
		config.OnUnauthorized = func(w http.ResponseWriter, r *http.Request, err error) {
			defaultUnauthorized(w, r, err, config.UpgradeURL)
		}
	}
	if config.OnQuotaExceeded == nil {
		config.OnQuotaExceeded = func(w http.ResponseWriter, r *http.Request, qe *scrapemeter.QuotaExceededError) {
			defaultQuotaExceeded(w, r, qe, config.UpgradeURL)
		}
	}
	if config.OnError == nil {
		config.OnError = defaultError
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			key := config.GetAPIKey(r)
			if key == "" {
				config.OnUnauthorized(w, r, ErrMissingAPIKey)
				return
			}

			acct, err := config.Manager.Authenticate(ctx, key)
			if err != nil {
				if errors.Is(err, scrapemeter.ErrInvalidCredential) {
					config.OnUnauthorized(w, r, err)
				} else {
					config.OnError(w, r, err)
				}
				return
			}

			decision, err := config.Manager.CheckAndConsume(ctx, acct.ID)
			if err != nil {
				var qe *scrapemeter.QuotaExceededError
				switch {
				case errors.As(err, &qe):
					SetQuotaHeaders(w, decision)
					config.OnQuotaExceeded(w, r, qe)
				case errors.Is(err, scrapemeter.ErrAccountNotFound):
					config.OnUnauthorized(w, r, scrapemeter.ErrInvalidCredential)
				default:
					config.OnError(w, r, err)
				}
				return
			}

			SetQuotaHeaders(w, decision)
			ctx = WithAccount(ctx, acct)
			ctx = WithDecision(ctx, decision)

			if config.SkipUsage {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			rec := NewMeteredWriter(w)
			next.ServeHTTP(rec, r.WithContext(ctx))
			if rec.Status() < http.StatusBadRequest {
				config.Manager.Record(context.WithoutCancel(ctx), acct.ID, config.GetEndpoint(r), rec.Bytes())
			}
		})
	}
}

// SetQuotaHeaders writes the allowance headers for d. Unlimited tiers report -1.
func SetQuotaHeaders(w http.ResponseWriter, d *scrapemeter.Decision) {
	if d == nil {
		return
	}
	h := w.Header()
	h.Set(HeaderQuotaLimit, strconv.FormatInt(d.Limit, 10))
	h.Set(HeaderQuotaRemaining, strconv.FormatInt(d.Remaining, 10))
	if d.ResetAt != nil {
		h.Set(HeaderQuotaReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// QuotaExceededBody is the default 429 payload
func QuotaExceededBody(qe *scrapemeter.QuotaExceededError, upgradeURL string) map[string]interface{} {
	body := map[string]interface{}{
		"error":        "Rate limit exceeded",
		"upgrade_url":  upgradeURL,
		"current_tier": qe.Tier,
		"limit":        qe.Limit,
		"used":         qe.Used,
	}
	if qe.ResetAt != nil {
		body["reset_at"] = qe.ResetAt.UTC().Format(time.RFC3339)
	}
	return body
}

// Default error handlers

func defaultUnauthorized(w http.ResponseWriter, _ *http.Request, err error, upgradeURL string) {
	if errors.Is(err, ErrMissingAPIKey) {
		WriteJSON(w, http.StatusUnauthorized, map[string]string{
			"error":       "API key required",
			"upgrade_url": upgradeURL,
		})
		return
	}
	WriteJSON(w, http.StatusUnauthorized, map[string]string{
		"error":      "Invalid API key",
		"signup_url": upgradeURL,
	})
}

func defaultQuotaExceeded(w http.ResponseWriter, _ *http.Request, qe *scrapemeter.QuotaExceededError, upgradeURL string) {
	WriteJSON(w, http.StatusTooManyRequests, QuotaExceededBody(qe, upgradeURL))
}

func defaultError(w http.ResponseWriter, _ *http.Request, _ error) {
	w.Header().Set("Retry-After", "5")
	WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Service temporarily unavailable"})
}

// Common extractors for convenience

// FromHeader returns a KeyExtractor that reads a header
func FromHeader(headerName string) KeyExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromQuery returns a KeyExtractor that reads a query parameter
func FromQuery(name string) KeyExtractor {
	return func(r *http.Request) string {
		return r.URL.Query().Get(name)
	}
}

// FixedEndpoint returns an EndpointExtractor that always returns name
func FixedEndpoint(name string) EndpointExtractor {
	return func(*http.Request) string {
		return name
	}
}
