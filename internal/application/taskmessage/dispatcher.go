package taskmessage

import (
	"context"
	"sync"

	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
	"github.com/cassiomorais/taskmessage/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

const (
	DefaultImmediateWorkers   = 4
	DefaultImmediateQueueSize = 1024
)

// ImmediateDispatcher makes one best-effort delivery attempt per committed
// record on a bounded worker pool. Anything it drops or fails to deliver is
// left Pending or Failed for the scheduler to pick up.
type ImmediateDispatcher struct {
	dispatcher Dispatcher
	queue      chan taskmessage.Record
	workers    int
	logger     zerolog.Logger
	metrics    *observability.Metrics

	mu      sync.RWMutex
	stopped bool
}

type ImmediateOption func(*ImmediateDispatcher)

func WithImmediateLogger(logger zerolog.Logger) ImmediateOption {
	return func(d *ImmediateDispatcher) { d.logger = observability.Component(logger, "immediate") }
}

func WithImmediateMetrics(m *observability.Metrics) ImmediateOption {
	return func(d *ImmediateDispatcher) { d.metrics = m }
}

func NewImmediateDispatcher(dispatcher Dispatcher, workers, queueSize int, opts ...ImmediateOption) *ImmediateDispatcher {
	if workers <= 0 {
		workers = DefaultImmediateWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultImmediateQueueSize
	}
	d := &ImmediateDispatcher{
		dispatcher: dispatcher,
		queue:      make(chan taskmessage.Record, queueSize),
		workers:    workers,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit enqueues rec without blocking. It returns false when the queue is
// full or the dispatcher has stopped.
func (d *ImmediateDispatcher) Submit(rec taskmessage.Record) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.dropped(rec, "stopped")
		return false
	}
	select {
	case d.queue <- rec:
		if d.metrics != nil {
			d.metrics.ImmediateQueued.Inc()
		}
		return true
	default:
		d.dropped(rec, "queue full")
		return false
	}
}

func (d *ImmediateDispatcher) dropped(rec taskmessage.Record, reason string) {
	if d.metrics != nil {
		d.metrics.ImmediateDropped.Inc()
	}
	d.logger.Warn().Str("task_id", rec.TaskID).Str("reason", reason).Msg("Immediate dispatch skipped, left to scheduler")
}

// Run starts the workers and blocks until ctx is cancelled. Records still
// queued at shutdown are abandoned; they stay in the store.
func (d *ImmediateDispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.worker(ctx, id)
		}(i)
	}
	d.logger.Info().Int("workers", d.workers).Int("queue_size", cap(d.queue)).Msg("Immediate dispatcher started")

	<-ctx.Done()
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	wg.Wait()

	d.logger.Info().Int("abandoned", len(d.queue)).Msg("Immediate dispatcher stopped")
	return nil
}

func (d *ImmediateDispatcher) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-d.queue:
			if _, err := d.dispatcher.Dispatch(ctx, rec); err != nil {
				d.logger.Debug().Err(err).Int("worker", id).Str("task_id", rec.TaskID).Msg("Immediate dispatch failed")
			}
		}
	}
}
