package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
	"github.com/mihaimyh/scrapemeter/pkg/scraper"
)

// Scraper fetches a page and extracts data from it
type Scraper interface {
	Scrape(ctx context.Context, url string, selectors map[string]string) (*scraper.Result, error)
}

// Config holds configuration for the API handler
type Config struct {
	// Manager is the quota manager instance (required)
	Manager *scrapemeter.Manager

	// Scraper performs scrapes (default: scraper.New with default settings)
	Scraper Scraper

	// GetAPIKey extracts the API key from the request
	// Default: X-API-Key header
	GetAPIKey func(*http.Request) string

	// UpgradeURL is returned to clients that need a key or a bigger tier
	// Default: "/"
	UpgradeURL string

	// AdminToken guards the revenue routes with "Authorization: Bearer <token>".
	// If empty, the revenue routes are open.
	AdminToken string

	// OnError handles unexpected errors
	// If nil, writes {"error": "..."} with the given status
	OnError func(http.ResponseWriter, *http.Request, error, int)

	// Logger is used for request-level logging (default: NoopLogger)
	Logger scrapemeter.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Scraper == nil {
		config.Scraper = scraper.New(scraper.Config{})
	}
	if config.GetAPIKey == nil {
		config.GetAPIKey = FromHeader(APIKeyHeader)
	}
	if config.UpgradeURL == "" {
		config.UpgradeURL = "/"
	}
	if config.Logger == nil {
		config.Logger = &scrapemeter.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// FromHeader returns a GetAPIKey function that reads a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
