package taskmessage

import (
	"context"
	"fmt"

	domainErrors "github.com/cassiomorais/taskmessage/internal/domain/errors"
	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
	"github.com/cassiomorais/taskmessage/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// Writer records notification commands in the local message table as part
// of the caller's transaction.
type Writer struct {
	store      taskmessage.Store
	txManager  TransactionManager
	signaler   Signaler
	shardCount int
	logger     zerolog.Logger
	metrics    *observability.Metrics
}

type WriterOption func(*Writer)

// WithSignaler hands every committed record to s for an immediate attempt.
func WithSignaler(s Signaler) WriterOption {
	return func(w *Writer) { w.signaler = s }
}

func WithWriterLogger(logger zerolog.Logger) WriterOption {
	return func(w *Writer) { w.logger = observability.Component(logger, "writer") }
}

func WithWriterMetrics(m *observability.Metrics) WriterOption {
	return func(w *Writer) { w.metrics = m }
}

func NewWriter(store taskmessage.Store, txManager TransactionManager, shardCount int, opts ...WriterOption) *Writer {
	if shardCount <= 0 {
		shardCount = taskmessage.DefaultShardCount
	}
	w := &Writer{
		store:      store,
		txManager:  txManager,
		shardCount: shardCount,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Accept inserts a Pending record for cmd on the transaction carried by ctx.
// The immediate attempt is scheduled for after that transaction commits and
// is skipped if it rolls back.
func (w *Writer) Accept(ctx context.Context, cmd taskmessage.Command) (*taskmessage.Record, error) {
	rec, err := taskmessage.NewRecord(cmd, w.shardCount)
	if err != nil {
		return nil, err
	}

	affected, err := w.store.Insert(ctx, rec)
	if err != nil {
		w.logger.Error().Err(err).Str("task_id", cmd.TaskID).Msg("Failed to record task message")
		return nil, err
	}
	if affected != 1 {
		return nil, domainErrors.Persistence("insert task message "+cmd.TaskID,
			fmt.Errorf("expected 1 row affected, got %d", affected))
	}

	if w.signaler != nil {
		committed := *rec
		w.txManager.AfterCommit(ctx, func() {
			w.signaler.Submit(committed)
		})
	}

	if w.metrics != nil {
		w.metrics.TasksAccepted.WithLabelValues(string(rec.TransportType)).Inc()
	}
	w.logger.Info().
		Str("task_id", rec.TaskID).
		Int64("id", rec.ID).
		Int("shard", rec.Shard).
		Str("transport", string(rec.TransportType)).
		Msg("Task message recorded")
	return rec, nil
}

// Execute runs business and Accept in one transaction. Either both commit or
// neither does. business may be nil.
func (w *Writer) Execute(ctx context.Context, cmd taskmessage.Command, business func(ctx context.Context) error) (*taskmessage.Record, error) {
	var rec *taskmessage.Record
	err := w.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if business != nil {
			if err := business(txCtx); err != nil {
				return err
			}
		}
		var err error
		rec, err = w.Accept(txCtx, cmd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}
