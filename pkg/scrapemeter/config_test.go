package scrapemeter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:   "zero config uses defaults",
			config: Config{},
		},
		{
			name:    "unknown default tier",
			config:  Config{DefaultTier: "gold"},
			wantErr: `defaultTier "gold" does not exist in Tiers`,
		},
		{
			name: "default tier must be configured explicitly with custom tiers",
			config: Config{
				Tiers: []TierDefinition{{Name: "basic", MonthlyAllowance: 10}},
			},
			wantErr: `defaultTier "free" does not exist in Tiers`,
		},
		{
			name:    "bad tier table",
			config:  Config{Tiers: []TierDefinition{{Name: "a"}, {Name: "a"}}, DefaultTier: "a"},
			wantErr: "invalid tier table",
		},
		{
			name:    "negative window",
			config:  Config{Window: -time.Hour},
			wantErr: "window must not be negative",
		},
		{
			name:    "negative cache ttl",
			config:  Config{CacheConfig: &CacheConfig{Enabled: true, TTL: -time.Second}},
			wantErr: "cache TTL must not be negative",
		},
		{
			name: "negative breaker threshold",
			config: Config{CircuitBreakerConfig: &CircuitBreakerConfig{
				Enabled: true, FailureThreshold: -1,
			}},
			wantErr: "failure threshold",
		},
		{
			name:    "negative recorder queue",
			config:  Config{RecorderConfig: &RecorderConfig{QueueSize: -1}},
			wantErr: "recorder settings",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	c := Config{
		CacheConfig:          &CacheConfig{Enabled: true},
		CircuitBreakerConfig: &CircuitBreakerConfig{Enabled: true},
	}.withDefaults()

	assert.Len(t, c.Tiers, 4)
	assert.Equal(t, TierFree, c.DefaultTier)
	assert.Equal(t, DefaultWindow, c.Window)
	assert.NotNil(t, c.Metrics)
	assert.NotNil(t, c.Logger)
	assert.Equal(t, 1024, c.RecorderConfig.QueueSize)
	assert.Equal(t, 2, c.RecorderConfig.Workers)
	assert.Equal(t, 5*time.Second, c.RecorderConfig.WriteTimeout)
	assert.Equal(t, 30*time.Second, c.CacheConfig.TTL)
	assert.Equal(t, time.Minute, c.CacheConfig.CleanupInterval)
	assert.Equal(t, 5, c.CircuitBreakerConfig.FailureThreshold)
	assert.Equal(t, 30*time.Second, c.CircuitBreakerConfig.ResetTimeout)
}

func TestConfig_WithDefaultsDoesNotMutateCaller(t *testing.T) {
	cache := &CacheConfig{Enabled: true}
	_ = Config{CacheConfig: cache}.withDefaults()
	assert.Zero(t, cache.TTL)
}
