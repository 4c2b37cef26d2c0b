package scrapemeter

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	tiers := c.Tiers
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	table, err := NewTierTable(tiers)
	if err != nil {
		return fmt.Errorf("invalid tier table: %w", err)
	}

	defaultTier := c.DefaultTier
	if defaultTier == "" {
		defaultTier = TierFree
	}
	if !table.Has(defaultTier) {
		return fmt.Errorf("defaultTier %q does not exist in Tiers", defaultTier)
	}

	if c.Window < 0 {
		return errors.New("window must not be negative")
	}

	if c.CacheConfig != nil && c.CacheConfig.Enabled && c.CacheConfig.TTL < 0 {
		return errors.New("cache TTL must not be negative")
	}

	if cb := c.CircuitBreakerConfig; cb != nil && cb.Enabled {
		if cb.FailureThreshold < 0 {
			return errors.New("circuit breaker failure threshold must not be negative")
		}
		if cb.ResetTimeout < 0 {
			return errors.New("circuit breaker reset timeout must not be negative")
		}
	}

	if r := c.RecorderConfig; r != nil {
		if r.QueueSize < 0 || r.Workers < 0 || r.WriteTimeout < 0 {
			return errors.New("recorder settings must not be negative")
		}
	}

	return nil
}

// withDefaults returns a copy of c with zero values replaced by defaults
func (c Config) withDefaults() Config {
	if len(c.Tiers) == 0 {
		c.Tiers = DefaultTiers()
	}
	if c.DefaultTier == "" {
		c.DefaultTier = TierFree
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}

	rc := RecorderConfig{}
	if c.RecorderConfig != nil {
		rc = *c.RecorderConfig
	}
	if rc.QueueSize == 0 {
		rc.QueueSize = 1024
	}
	if rc.Workers == 0 {
		rc.Workers = 2
	}
	if rc.WriteTimeout == 0 {
		rc.WriteTimeout = 5 * time.Second
	}
	c.RecorderConfig = &rc

	if c.CacheConfig != nil && c.CacheConfig.Enabled {
		cc := *c.CacheConfig
		if cc.TTL == 0 {
			cc.TTL = 30 * time.Second
		}
		if cc.CleanupInterval == 0 {
			cc.CleanupInterval = time.Minute
		}
		c.CacheConfig = &cc
	}

	if c.CircuitBreakerConfig != nil && c.CircuitBreakerConfig.Enabled {
		cb := *c.CircuitBreakerConfig
		if cb.FailureThreshold == 0 {
			cb.FailureThreshold = 5
		}
		if cb.ResetTimeout == 0 {
			cb.ResetTimeout = 30 * time.Second
		}
		c.CircuitBreakerConfig = &cb
	}

	return c
}
