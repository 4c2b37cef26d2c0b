// Package fiber provides Fiber middleware for quota enforcement
package fiber

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	httpmw "github.com/mihaimyh/scrapemeter/middleware/http"
	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// Locals keys set on the Fiber context after a request passes the gate
const (
	AccountKey  = "scrapemeter.account"
	DecisionKey = "scrapemeter.decision"
)

// KeyExtractor extracts the API key from a Fiber context
// Return empty string if no key was sent
type KeyExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Manager is the quota manager instance
	Manager *scrapemeter.Manager

	// GetAPIKey extracts the API key from context
	// Default: FromHeader("X-API-Key")
	GetAPIKey KeyExtractor

	// GetEndpoint names the endpoint recorded in the usage ledger
	// Default: the matched route path
	GetEndpoint func(c *fiber.Ctx) string

	// UpgradeURL is returned to clients that ran out of allowance
	// Default: "/"
	UpgradeURL string

	// SkipUsage disables recording a usage event after successful responses
	SkipUsage bool

	// OnQuotaExceeded is called when the allowance is used up
	// If nil, uses default response: 429 JSON with upgrade info
	OnQuotaExceeded func(c *fiber.Ctx, qe *scrapemeter.QuotaExceededError) error

	// OnUnauthorized is called when the API key is missing or unknown
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx, err error) error

	// OnError is called when the ledger cannot decide
	// If nil, returns 503 Service Unavailable
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that enforces quota limits
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("scrapemeter/fiber: Config.Manager is required")
	}

	// Set defaults
	if cfg.GetAPIKey == nil {
		cfg.GetAPIKey = FromHeader(httpmw.APIKeyHeader)
	}
	if cfg.GetEndpoint == nil {
		cfg.GetEndpoint = func(c *fiber.Ctx) string {
			return c.Path()
		}
	}
	if cfg.UpgradeURL == "" {
		cfg.UpgradeURL = "/"
	}

	return func(c *fiber.Ctx) error {
		// Fiber runs on fasthttp, the request context lives in UserContext
		ctx := c.UserContext()

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
				setQuotaHeaders(c, decision)
				if cfg.OnQuotaExceeded != nil {
					return cfg.OnQuotaExceeded(c, qe)
				}
				return c.Status(fiber.StatusTooManyRequests).JSON(httpmw.QuotaExceededBody(qe, cfg.UpgradeURL))
			case errors.Is(err, scrapemeter.ErrAccountNotFound):
				return unauthorized(c, cfg, scrapemeter.ErrInvalidCredential)
			default:
				return failed(c, cfg, err)
			}
		}

		setQuotaHeaders(c, decision)
		// The endpoint is resolved before Next, Path may change while routing
		endpoint := cfg.GetEndpoint(c)
		c.Locals(AccountKey, acct)
		c.Locals(DecisionKey, decision)
		c.SetUserContext(httpmw.WithDecision(httpmw.WithAccount(ctx, acct), decision))

		// Proceed to handler
		if err := c.Next(); err != nil {
			return err
		}

		if !cfg.SkipUsage && c.Response().StatusCode() < fiber.StatusBadRequest {
			size := int64(len(c.Response().Body()))
			cfg.Manager.Record(context.WithoutCancel(ctx), acct.ID, endpoint, size)
		}
		return nil
	}
}

func setQuotaHeaders(c *fiber.Ctx, d *scrapemeter.Decision) {
	if d == nil {
		return
	}
	c.Set(httpmw.HeaderQuotaLimit, strconv.FormatInt(d.Limit, 10))
	c.Set(httpmw.HeaderQuotaRemaining, strconv.FormatInt(d.Remaining, 10))
	if d.ResetAt != nil {
		c.Set(httpmw.HeaderQuotaReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

func unauthorized(c *fiber.Ctx, cfg Config, err error) error {
	if cfg.OnUnauthorized != nil {
		return cfg.OnUnauthorized(c, err)
	}
	if errors.Is(err, httpmw.ErrMissingAPIKey) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "API key required", "upgrade_url": cfg.UpgradeURL})
	}
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid API key", "signup_url": cfg.UpgradeURL})
}

func failed(c *fiber.Ctx, cfg Config, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	c.Set("Retry-After", "5")
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Service temporarily unavailable"})
}

// GetAccount returns the account the middleware authenticated
func GetAccount(c *fiber.Ctx) (*scrapemeter.Account, bool) {
	acct, ok := c.Locals(AccountKey).(*scrapemeter.Account)
	return acct, ok
}

// GetDecision returns the quota decision of the request
func GetDecision(c *fiber.Ctx) (*scrapemeter.Decision, bool) {
	d, ok := c.Locals(DecisionKey).(*scrapemeter.Decision)
	return d, ok
}

// Convenience extractors for the API key

// FromHeader returns a KeyExtractor that gets the key from a header
func FromHeader(headerName string) KeyExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromQuery returns a KeyExtractor that gets the key from a query parameter
func FromQuery(queryName string) KeyExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
