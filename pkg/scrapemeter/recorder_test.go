package scrapemeter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sinkFunc adapts a function to UsageAppender
type sinkFunc func(ctx context.Context, ev *UsageEvent) error

func (f sinkFunc) AppendUsage(ctx context.Context, ev *UsageEvent) error { return f(ctx, ev) }

type countingMetrics struct {
	NoopMetrics
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *countingMetrics) RecordUsageEvent(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]int)
	}
	m.outcomes[outcome]++
}

func (m *countingMetrics) count(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[outcome]
}

func TestRecorder_DrainsOnClose(t *testing.T) {
	var mu sync.Mutex
	var got []string
	sink := sinkFunc(func(_ context.Context, ev *UsageEvent) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.AccountID)
		return nil
	})
	metrics := &countingMetrics{}
	r := NewRecorder(sink, RecorderConfig{QueueSize: 100, Workers: 3}, nil, metrics)

	for i := 0; i < 50; i++ {
		assert.True(t, r.Record(&UsageEvent{AccountID: "acct_1"}))
	}
	require.NoError(t, r.Close(context.Background()))

	assert.Len(t, got, 50)
	assert.Equal(t, 50, metrics.count("recorded"))
	assert.Equal(t, 0, r.Pending())
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	sink := sinkFunc(func(_ context.Context, _ *UsageEvent) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	metrics := &countingMetrics{}
	r := NewRecorder(sink, RecorderConfig{QueueSize: 2, Workers: 1}, nil, metrics)

	// The single worker holds the first event, the queue holds two more
	require.True(t, r.Record(&UsageEvent{AccountID: "a"}))
	<-started
	assert.True(t, r.Record(&UsageEvent{AccountID: "b"}))
	assert.True(t, r.Record(&UsageEvent{AccountID: "c"}))
	assert.False(t, r.Record(&UsageEvent{AccountID: "d"}))
	assert.Equal(t, 2, r.Pending())

	close(release)
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 1, metrics.count("dropped"))
	assert.Equal(t, 3, metrics.count("recorded"))
}

func TestRecorder_FailedAppendIsCounted(t *testing.T) {
	sink := sinkFunc(func(_ context.Context, _ *UsageEvent) error {
		return errors.New("disk full")
	})
	metrics := &countingMetrics{}
	r := NewRecorder(sink, RecorderConfig{}, nil, metrics)

	r.Record(&UsageEvent{AccountID: "a"})
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 1, metrics.count("failed"))
}

func TestRecorder_WriteTimeout(t *testing.T) {
	sink := sinkFunc(func(ctx context.Context, _ *UsageEvent) error {
		<-ctx.Done()
		return ctx.Err()
	})
	metrics := &countingMetrics{}
	r := NewRecorder(sink, RecorderConfig{WriteTimeout: 10 * time.Millisecond}, nil, metrics)

	r.Record(&UsageEvent{AccountID: "a"})
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 1, metrics.count("failed"))
}

func TestRecorder_Close(t *testing.T) {
	metrics := &countingMetrics{}
	r := NewRecorder(sinkFunc(func(context.Context, *UsageEvent) error { return nil }),
		RecorderConfig{}, nil, metrics)

	require.NoError(t, r.Close(context.Background()))
	assert.ErrorIs(t, r.Close(context.Background()), ErrRecorderClosed)

	assert.False(t, r.Record(&UsageEvent{AccountID: "late"}))
	assert.Equal(t, 1, metrics.count("dropped"))
}

func TestRecorder_CloseHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	r := NewRecorder(sinkFunc(func(context.Context, *UsageEvent) error {
		<-release
		return nil
	}), RecorderConfig{WriteTimeout: time.Minute}, nil, nil)

	r.Record(&UsageEvent{AccountID: "a"})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)
}
