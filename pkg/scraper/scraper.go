// Package scraper fetches a page and extracts text with CSS selectors
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Defaults applied by New
const (
	DefaultUserAgent    = "DataScrape Pro Bot 1.0"
	DefaultTimeout      = 10 * time.Second
	DefaultMaxBodyBytes = 10 << 20
)

// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs
var ErrInvalidURL = errors.New("invalid url")

// Result is the outcome of one scrape
type Result struct {
	URL       string                 `json:"url"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Config holds scraper configuration
type Config struct {
	// UserAgent is sent with every request (default: "DataScrape Pro Bot 1.0")
	UserAgent string

	// Timeout bounds the whole fetch (default: 10 seconds)
	Timeout time.Duration

	// MaxBodyBytes caps how much of the page is parsed (default: 10 MiB)
	MaxBodyBytes int64

	// Client overrides the HTTP client. Its Timeout is left untouched.
	Client *http.Client
}

// Scraper fetches pages over HTTP and parses them with goquery
type Scraper struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	now       func() time.Time
}

// New creates a scraper
func New(config Config) *Scraper {
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &Scraper{
		client:    client,
		userAgent: config.UserAgent,
		maxBody:   config.MaxBodyBytes,
		now:       time.Now,
	}
}

// Scrape fetches rawURL and extracts the text of every element matching each
// selector. With no selectors it extracts the title, meta description and
// h1-h3 headings.
func (s *Scraper) Scrape(ctx context.Context, rawURL string, selectors map[string]string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, s.maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", u.Redacted(), err)
	}

	var data map[string]interface{}
	if len(selectors) > 0 {
		data = Extract(doc, selectors)
	} else {
		data = Defaults(doc)
	}

	return &Result{
		URL:       rawURL,
		Data:      data,
		Timestamp: s.now().UTC(),
	}, nil
}

// Extract returns, for each named selector, the trimmed text of every match
func Extract(doc *goquery.Document, selectors map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(selectors))
	for name, selector := range selectors {
		texts := []string{}
		doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
			texts = append(texts, strings.TrimSpace(sel.Text()))
		})
		out[name] = texts
	}
	return out
}

// Defaults extracts the page title, meta description and headings.
// Missing title or description are reported as nil.
func Defaults(doc *goquery.Document) map[string]interface{} {
	out := map[string]interface{}{
		"title":       nil,
		"description": nil,
	}
	if title := doc.Find("title").First(); title.Length() > 0 {
		out["title"] = title.Text()
	}
	if content, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		out["description"] = content
	}

	headings := []string{}
	doc.Find("h1, h2, h3").Each(func(_ int, sel *goquery.Selection) {
		headings = append(headings, strings.TrimSpace(sel.Text()))
	})
	out["headings"] = headings
	return out
}
