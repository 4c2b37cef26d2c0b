package scrapemeter

import "time"

// Metrics defines the interface for tracking quota decisions, ledger writes and performance.
type Metrics interface {
	// RecordDecision records a CheckAndConsume outcome.
	// reason is "allowed", "quota_exceeded", "storage_unavailable", "invalid_tier" or "not_found".
	RecordDecision(tier string, allowed bool, reason string)

	// RecordCheckDuration records the latency of a CheckAndConsume call.
	RecordCheckDuration(duration time.Duration)

	// RecordCacheHit records a cache hit for a specific cache type (e.g., "api_key").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)

	// RecordUsageEvent records the outcome of a usage event append.
	// outcome is "recorded", "failed" or "dropped".
	RecordUsageEvent(outcome string)

	// RecordSignup records a new account on a tier.
	RecordSignup(tier string)

	// RecordRevenue records a revenue event amount.
	RecordRevenue(tier string, amount Money)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDecision(tier string, allowed bool, reason string)                    {}
func (n *NoopMetrics) RecordCheckDuration(duration time.Duration)                                 {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                            {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
func (n *NoopMetrics) RecordUsageEvent(outcome string)                                            {}
func (n *NoopMetrics) RecordSignup(tier string)                                                   {}
func (n *NoopMetrics) RecordRevenue(tier string, amount Money)                                    {}
