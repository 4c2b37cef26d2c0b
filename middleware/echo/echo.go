// Package echo provides Echo middleware for quota enforcement
package echo

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	httpmw "github.com/mihaimyh/scrapemeter/middleware/http"
	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// Context keys set on the Echo context after a request passes the gate
const (
	AccountKey  = "scrapemeter.account"
	DecisionKey = "scrapemeter.decision"
)

// KeyExtractor extracts the API key from an Echo context
// Return empty string if no key was sent
type KeyExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager is the quota manager instance
	Manager *scrapemeter.Manager

	// GetAPIKey extracts the API key from context
	// Default: FromHeader("X-API-Key")
	GetAPIKey KeyExtractor

	// GetEndpoint names the endpoint recorded in the usage ledger
	// Default: c.Path(), falling back to the request path
	GetEndpoint func(c echo.Context) string

	// UpgradeURL is returned to clients that ran out of allowance
	// Default: "/"
	UpgradeURL string

	// SkipUsage disables recording a usage event after successful responses
	SkipUsage bool

	// OnQuotaExceeded is called when the allowance is used up
	// If nil, uses default response: 429 JSON with upgrade info
	OnQuotaExceeded func(c echo.Context, qe *scrapemeter.QuotaExceededError) error

	// OnUnauthorized is called when the API key is missing or unknown
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context, err error) error

	// OnError is called when the ledger cannot decide
	// If nil, returns 503 Service Unavailable
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that enforces quota limits
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("scrapemeter/echo: Config.Manager is required")
	}

	// Set defaults
	if cfg.GetAPIKey == nil {
		cfg.GetAPIKey = FromHeader(httpmw.APIKeyHeader)
	}
	if cfg.GetEndpoint == nil {
		cfg.GetEndpoint = func(c echo.Context) string {
			if p := c.Path(); p != "" {
				return p
			}
			return c.Request().URL.Path
		}
	}
	if cfg.UpgradeURL == "" {
		cfg.UpgradeURL = "/"
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			key := cfg.GetAPIKey(c)
			if key == "" {
				return unauthorized(c, cfg, httpmw.ErrMissingAPIKey)
			}

			acct, err := cfg.Manager.Authenticate(ctx, key)
			if err != nil {
				if errors.Is(err, scrapemeter.ErrInvalidCredential) {
					return unauthorized(c, cfg, err)
				}
				return failed(c, cfg, err)
			}

			decision, err := cfg.Manager.CheckAndConsume(ctx, acct.ID)
			if err != nil {
				var qe *scrapemeter.QuotaExceededError
				switch {
				case errors.As(err, &qe):
					httpmw.SetQuotaHeaders(c.Response(), decision)
					if cfg.OnQuotaExceeded != nil {
						return cfg.OnQuotaExceeded(c, qe)
					}
					return c.JSON(http.StatusTooManyRequests, httpmw.QuotaExceededBody(qe, cfg.UpgradeURL))
				case errors.Is(err, scrapemeter.ErrAccountNotFound):
					return unauthorized(c, cfg, scrapemeter.ErrInvalidCredential)
				default:
					return failed(c, cfg, err)
				}
			}

			httpmw.SetQuotaHeaders(c.Response(), decision)
			c.Set(AccountKey, acct)
			c.Set(DecisionKey, decision)
			c.SetRequest(c.Request().WithContext(httpmw.WithDecision(httpmw.WithAccount(ctx, acct), decision)))

			// Proceed to handler
			if err := next(c); err != nil {
				return err
			}

			res := c.Response()
			if !cfg.SkipUsage && res.Status < http.StatusBadRequest {
				cfg.Manager.Record(context.WithoutCancel(ctx), acct.ID, cfg.GetEndpoint(c), res.Size)
			}
			return nil
		}
	}
}

func unauthorized(c echo.Context, cfg Config, err error) error {
	if cfg.OnUnauthorized != nil {
		return cfg.OnUnauthorized(c, err)
	}
	if errors.Is(err, httpmw.ErrMissingAPIKey) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "API key required", "upgrade_url": cfg.UpgradeURL})
	}
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid API key", "signup_url": cfg.UpgradeURL})
}

func failed(c echo.Context, cfg Config, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	c.Response().Header().Set("Retry-After", "5")
	return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Service temporarily unavailable"})
}

// GetAccount returns the account the middleware authenticated
func GetAccount(c echo.Context) (*scrapemeter.Account, bool) {
	acct, ok := c.Get(AccountKey).(*scrapemeter.Account)
	return acct, ok
}

// GetDecision returns the quota decision of the request
func GetDecision(c echo.Context) (*scrapemeter.Decision, bool) {
	d, ok := c.Get(DecisionKey).(*scrapemeter.Decision)
	return d, ok
}

// Convenience extractors for the API key

// FromHeader returns a KeyExtractor that gets the key from a header
func FromHeader(headerName string) KeyExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromQuery returns a KeyExtractor that gets the key from a query parameter
func FromQuery(queryName string) KeyExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
