// Package gin provides Gin middleware for quota enforcement
package gin

import (
	"context"
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	httpmw "github.com/mihaimyh/scrapemeter/middleware/http"
	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// Context keys set on the Gin context after a request passes the gate
const (
	AccountKey  = "scrapemeter.account"
	DecisionKey = "scrapemeter.decision"
)

// KeyExtractor extracts the API key from a Gin context
// Return empty string if no key was sent
type KeyExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager is the quota manager instance
	Manager *scrapemeter.Manager

	// GetAPIKey extracts the API key from context
	// Default: FromHeader("X-API-Key")
	GetAPIKey KeyExtractor

	// GetEndpoint names the endpoint recorded in the usage ledger
	// Default: c.FullPath(), falling back to the request path
	GetEndpoint func(c *gongin.Context) string

	// UpgradeURL is returned to clients that ran out of allowance
	// Default: "/"
	UpgradeURL string

	// SkipUsage disables recording a usage event after successful responses
	SkipUsage bool

	// OnQuotaExceeded is called when the allowance is used up
	// If nil, uses default response: 429 JSON with upgrade info
	OnQuotaExceeded func(c *gongin.Context, qe *scrapemeter.QuotaExceededError)

	// OnUnauthorized is called when the API key is missing or unknown
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context, err error)

	// OnError is called when the ledger cannot decide
	// If nil, returns 503 Service Unavailable
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that enforces quota limits
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("scrapemeter/gin: Config.Manager is required")
	}

	// Set defaults
	if cfg.GetAPIKey == nil {
		cfg.GetAPIKey = FromHeader(httpmw.APIKeyHeader)
	}
	if cfg.GetEndpoint == nil {
		cfg.GetEndpoint = func(c *gongin.Context) string {
			if p := c.FullPath(); p != "" {
				return p
			}
			return c.Request.URL.Path
		}
	}
	if cfg.UpgradeURL == "" {
		cfg.UpgradeURL = "/"
	}

	return func(c *gongin.Context) {
		ctx := c.Request.Context()

		key := cfg.GetAPIKey(c)
		if key == "" {
			unauthorized(c, cfg, httpmw.ErrMissingAPIKey)
			return
		}

		acct, err := cfg.Manager.Authenticate(ctx, key)
		if err != nil {
			if errors.Is(err, scrapemeter.ErrInvalidCredential) {
				unauthorized(c, cfg, err)
			} else {
				failed(c, cfg, err)
			}
			return
		}

		decision, err := cfg.Manager.CheckAndConsume(ctx, acct.ID)
		if err != nil {
			var qe *scrapemeter.QuotaExceededError
			switch {
			case errors.As(err, &qe):
				httpmw.SetQuotaHeaders(c.Writer, decision)
				if cfg.OnQuotaExceeded != nil {
					cfg.OnQuotaExceeded(c, qe)
				} else {
					c.JSON(http.StatusTooManyRequests, httpmw.QuotaExceededBody(qe, cfg.UpgradeURL))
				}
				c.Abort()
			case errors.Is(err, scrapemeter.ErrAccountNotFound):
				unauthorized(c, cfg, scrapemeter.ErrInvalidCredential)
			default:
				failed(c, cfg, err)
			}
			return
		}

		httpmw.SetQuotaHeaders(c.Writer, decision)
		c.Set(AccountKey, acct)
		c.Set(DecisionKey, decision)
		c.Request = c.Request.WithContext(httpmw.WithDecision(httpmw.WithAccount(ctx, acct), decision))

		// Proceed to handler
		c.Next()

		if !cfg.SkipUsage && c.Writer.Status() < http.StatusBadRequest {
			size := c.Writer.Size()
			if size < 0 {
				size = 0
			}
			cfg.Manager.Record(context.WithoutCancel(ctx), acct.ID, cfg.GetEndpoint(c), int64(size))
		}
	}
}

func unauthorized(c *gongin.Context, cfg Config, err error) {
	if cfg.OnUnauthorized != nil {
		cfg.OnUnauthorized(c, err)
	} else if errors.Is(err, httpmw.ErrMissingAPIKey) {
		c.JSON(http.StatusUnauthorized, gongin.H{"error": "API key required", "upgrade_url": cfg.UpgradeURL})
	} else {
		c.JSON(http.StatusUnauthorized, gongin.H{"error": "Invalid API key", "signup_url": cfg.UpgradeURL})
	}
	c.Abort()
}

func failed(c *gongin.Context, cfg Config, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
	} else {
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "Service temporarily unavailable"})
	}
	c.Abort()
}

// GetAccount returns the account the middleware authenticated
func GetAccount(c *gongin.Context) (*scrapemeter.Account, bool) {
	v, exists := c.Get(AccountKey)
	if !exists {
		return nil, false
	}
	acct, ok := v.(*scrapemeter.Account)
	return acct, ok
}

// GetDecision returns the quota decision of the request
func GetDecision(c *gongin.Context) (*scrapemeter.Decision, bool) {
	v, exists := c.Get(DecisionKey)
	if !exists {
		return nil, false
	}
	d, ok := v.(*scrapemeter.Decision)
	return d, ok
}

// Convenience extractors for the API key

// FromHeader returns a KeyExtractor that gets the key from a header
func FromHeader(headerName string) KeyExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromQuery returns a KeyExtractor that gets the key from a query parameter
func FromQuery(queryName string) KeyExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
