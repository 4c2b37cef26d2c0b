package http

import (
	"context"

	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// ContextKey is a type for context keys
type ContextKey string

const (
	// AccountKey is the context key for the authenticated account
	AccountKey ContextKey = "scrapemeter:account"

	// DecisionKey is the context key for the quota decision of the request
	DecisionKey ContextKey = "scrapemeter:decision"
)

// WithAccount adds the authenticated account to ctx
func WithAccount(ctx context.Context, acct *scrapemeter.Account) context.Context {
	return context.WithValue(ctx, AccountKey, acct)
}

// AccountFromContext returns the account stored by the middleware
func AccountFromContext(ctx context.Context) (*scrapemeter.Account, bool) {
	acct, ok := ctx.Value(AccountKey).(*scrapemeter.Account)
	return acct, ok && acct != nil
}

// WithDecision adds the quota decision to ctx
func WithDecision(ctx context.Context, d *scrapemeter.Decision) context.Context {
	return context.WithValue(ctx, DecisionKey, d)
}

// DecisionFromContext returns the quota decision stored by the middleware
func DecisionFromContext(ctx context.Context) (*scrapemeter.Decision, bool) {
	d, ok := ctx.Value(DecisionKey).(*scrapemeter.Decision)
	return d, ok && d != nil
}
