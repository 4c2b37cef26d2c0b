// Package api serves the public scraping API and the revenue dashboard over HTTP
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	httpmw "github.com/mihaimyh/scrapemeter/middleware/http"
	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// APIKeyHeader is the default header carrying the API key
const APIKeyHeader = httpmw.APIKeyHeader

// ScrapeEndpoint is the endpoint name recorded for scrape usage
const ScrapeEndpoint = "/api/scrape"

const (
	timeLayout   = time.RFC3339
	maxBodyBytes = 1 << 20
	unlimited    = "unlimited"
)

// Handler provides the HTTP endpoints of the service
type Handler struct {
	config Config
}

// Routes returns a router with every endpoint mounted under /api
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register mounts the endpoints on r. The scrape route is metered.
func (h *Handler) Register(r chi.Router) {
	r.Post("/api/signup", h.Signup)
	r.Get("/api/plans", h.Plans)
	r.Get("/api/usage", h.Usage)
	r.Post("/api/upgrade", h.Upgrade)
	r.Method(http.MethodPost, ScrapeEndpoint, h.ScrapeHandler())
	r.Get("/api/revenue", h.Revenue)
	r.Get("/api/revenue/report", h.RevenueReport)
}

// ScrapeHandler wraps Scrape in the quota middleware, so each call consumes
// one unit of allowance and successful responses are recorded
func (h *Handler) ScrapeHandler() http.Handler {
	return httpmw.Middleware(httpmw.Config{
		Manager:     h.config.Manager,
		GetAPIKey:   h.config.GetAPIKey,
		GetEndpoint: httpmw.FixedEndpoint(ScrapeEndpoint),
		UpgradeURL:  h.config.UpgradeURL,
	})(http.HandlerFunc(h.Scrape))
}

// Signup provisions an account and returns its API key
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := decodeBody(r, &req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	res, err := h.config.Manager.Signup(r.Context(), req.Tier)
	if err != nil {
		if errors.Is(err, scrapemeter.ErrInvalidTier) {
			writeError(w, http.StatusBadRequest, "Invalid tier")
			return
		}
		h.handleError(w, r, fmt.Errorf("failed to sign up: %w", err), statusFor(err))
		return
	}

	httpmw.WriteJSON(w, http.StatusOK, SignupResponse{
		AccountID:        res.Account.ID,
		APIKey:           res.APIKey,
		Tier:             res.Tier,
		RequestsPerMonth: res.Allowance,
		MonthlyCost:      res.Price.Float(),
	})
}

// Plans lists the tier table
func (h *Handler) Plans(w http.ResponseWriter, _ *http.Request) {
	defs := h.config.Manager.Tiers().All()
	resp := PlansResponse{Plans: make([]Plan, 0, len(defs))}
	for _, def := range defs {
		features := def.Features
		if features == nil {
			features = []string{}
		}
		resp.Plans = append(resp.Plans, Plan{
			Name:             def.Name,
			RequestsPerMonth: def.MonthlyAllowance,
			MonthlyCost:      def.MonthlyPrice.Float(),
			Features:         features,
		})
	}
	httpmw.WriteJSON(w, http.StatusOK, resp)
}

// Usage reports the caller's allowance without consuming it
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	d, err := h.config.Manager.Status(r.Context(), acct.ID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get usage: %w", err), statusFor(err))
		return
	}

	resp := UsageResponse{
		AccountID: d.AccountID,
		Tier:      d.Tier,
		Limit:     d.Limit,
		Used:      d.Used,
		Remaining: d.Remaining,
	}
	if d.ResetAt != nil {
		resp.ResetAt = d.ResetAt.UTC().Format(timeLayout)
	}
	httpmw.WriteJSON(w, http.StatusOK, resp)
}

// Upgrade moves the caller to another tier
func (h *Handler) Upgrade(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req UpgradeRequest
	if err := decodeBody(r, &req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if req.Tier == "" {
		writeError(w, http.StatusBadRequest, "Tier required")
		return
	}

	updated, err := h.config.Manager.ChangeTier(r.Context(), acct.ID, req.Tier)
	if err != nil {
		if errors.Is(err, scrapemeter.ErrInvalidTier) {
			writeError(w, http.StatusBadRequest, "Invalid tier")
			return
		}
		h.handleError(w, r, fmt.Errorf("failed to change tier: %w", err), statusFor(err))
		return
	}

	def, err := h.config.Manager.Tiers().Lookup(updated.Tier)
	if err != nil {
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, UpgradeResponse{
		AccountID:        updated.ID,
		Tier:             updated.Tier,
		RequestsPerMonth: def.MonthlyAllowance,
		MonthlyCost:      def.MonthlyPrice.Float(),
		RequestsUsed:     updated.RequestsUsed,
	})
}

// Scrape fetches the requested URL and extracts data from it.
// It expects the quota middleware to have admitted the request.
func (h *Handler) Scrape(w http.ResponseWriter, r *http.Request) {
	var req ScrapeRequest
	if err := decodeBody(r, &req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "URL required")
		return
	}

	res, err := h.config.Scraper.Scrape(r.Context(), req.URL, req.Selectors)
	if err != nil {
		h.config.Logger.Warn("scrape failed",
			scrapemeter.Field{Key: "url", Value: req.URL},
			scrapemeter.Field{Key: "error", Value: err.Error()},
		)
		writeError(w, http.StatusInternalServerError, "Scraping failed: "+err.Error())
		return
	}

	var remaining interface{} = unlimited
	if d, ok := httpmw.DecisionFromContext(r.Context()); ok && d.Remaining != scrapemeter.Unlimited {
		remaining = d.Remaining
	}

	httpmw.WriteJSON(w, http.StatusOK, ScrapeResponse{
		URL:               res.URL,
		Data:              res.Data,
		Timestamp:         res.Timestamp.UTC().Format(timeLayout),
		RemainingRequests: remaining,
	})
}

// Revenue returns the dashboard snapshot
func (h *Handler) Revenue(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(w, r) {
		return
	}
	now, err := h.config.Manager.Now(r.Context())
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	snap, err := h.config.Manager.ComputeSnapshot(r.Context(), now)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to compute snapshot: %w", err), statusFor(err))
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, newRevenueResponse(snap))
}

// RevenueReport returns the per-tier revenue and usage analysis
func (h *Handler) RevenueReport(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(w, r) {
		return
	}
	now, err := h.config.Manager.Now(r.Context())
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	report, err := h.config.Manager.RevenueReport(r.Context(), now)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to build revenue report: %w", err), statusFor(err))
		return
	}
	httpmw.WriteJSON(w, http.StatusOK, newRevenueReportResponse(report))
}

// authenticate resolves the caller's API key, writing a 401 or 503 on failure
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*scrapemeter.Account, bool) {
	key := h.config.GetAPIKey(r)
	if key == "" {
		httpmw.WriteJSON(w, http.StatusUnauthorized, map[string]string{
			"error":       "API key required",
			"upgrade_url": h.config.UpgradeURL,
		})
		return nil, false
	}

	acct, err := h.config.Manager.Authenticate(r.Context(), key)
	if err != nil {
		if errors.Is(err, scrapemeter.ErrInvalidCredential) {
			httpmw.WriteJSON(w, http.StatusUnauthorized, map[string]string{
				"error":      "Invalid API key",
				"signup_url": h.config.UpgradeURL,
			})
			return nil, false
		}
		h.handleError(w, r, fmt.Errorf("failed to authenticate: %w", err), statusFor(err))
		return nil, false
	}
	return acct, true
}

func (h *Handler) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if h.config.AdminToken == "" {
		return true
	}
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || subtle.ConstantTimeCompare([]byte(token), []byte(h.config.AdminToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "Admin token required")
		return false
	}
	return true
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, statusCode)
		return
	}
	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			scrapemeter.Field{Key: "path", Value: r.URL.Path},
			scrapemeter.Field{Key: "error", Value: err.Error()},
		)
	}
	writeError(w, statusCode, err.Error())
}

func writeError(w http.ResponseWriter, statusCode int, msg string) {
	httpmw.WriteJSON(w, statusCode, map[string]string{"error": msg})
}

// statusFor maps ledger errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, scrapemeter.ErrInvalidTier):
		return http.StatusBadRequest
	case errors.Is(err, scrapemeter.ErrInvalidCredential), errors.Is(err, scrapemeter.ErrAccountNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, scrapemeter.ErrDuplicateAccount):
		return http.StatusConflict
	case errors.Is(err, scrapemeter.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes an optional JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid JSON body: %w", err)
}
