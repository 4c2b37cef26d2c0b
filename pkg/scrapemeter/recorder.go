package scrapemeter

import (
	"context"
	"sync"
	"time"
)

// Recorder appends usage events in the background. Record never blocks and
// never reports an error to the caller: a full queue or a failed append is
// logged and counted, then forgotten.
type Recorder struct {
	sink    UsageAppender
	config  RecorderConfig
	logger  Logger
	metrics Metrics

	queue chan *UsageEvent
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts config.Workers goroutines draining into sink
func NewRecorder(sink UsageAppender, config RecorderConfig, logger Logger, metrics Metrics) *Recorder {
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}

	r := &Recorder{
		sink:    sink,
		config:  config,
		logger:  logger,
		metrics: metrics,
		queue:   make(chan *UsageEvent, config.QueueSize),
	}
	for i := 0; i < config.Workers; i++ {
		r.wg.Add(1)
		go r.run()
	}
	return r
}

// Record enqueues ev. It returns false if the event was dropped.
func (r *Recorder) Record(ev *UsageEvent) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(ev, "recorder closed")
		return false
	}

	select {
	case r.queue <- ev:
		return true
	default:
		r.drop(ev, "queue full")
		return false
	}
}

func (r *Recorder) drop(ev *UsageEvent, reason string) {
	r.metrics.RecordUsageEvent("dropped")
	r.logger.Warn("usage event dropped",
		Field{"reason", reason},
		Field{"account_id", ev.AccountID},
		Field{"endpoint", ev.Endpoint},
	)
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for ev := range r.queue {
		r.write(ev)
	}
}

func (r *Recorder) write(ev *UsageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	if err := r.sink.AppendUsage(ctx, ev); err != nil {
		r.metrics.RecordUsageEvent("failed")
		r.logger.Error("failed to record usage event",
			Field{"account_id", ev.AccountID},
			Field{"endpoint", ev.Endpoint},
			Field{"error", err.Error()},
		)
		return
	}
	r.metrics.RecordUsageEvent("recorded")
}

// Close stops accepting events and waits for queued events to be written
// until ctx is done. Returns ErrRecorderClosed on a second call.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRecorderClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued events
func (r *Recorder) Pending() int {
	return len(r.queue)
}
