package notify_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/taskmessage/internal/domain/errors"
	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
	"github.com/cassiomorais/taskmessage/internal/infrastructure/config"
	"github.com/cassiomorais/taskmessage/internal/infrastructure/notify"
	"github.com/cassiomorais/taskmessage/internal/infrastructure/observability"
	"github.com/cassiomorais/taskmessage/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStrategy behaves like a real strategy: it marks Failed on error.
type stubStrategy struct {
	transport taskmessage.TransportType
	store     taskmessage.StatusUpdater
	calls     atomic.Int32
	err       error
	result    string
}

func (s *stubStrategy) Type() taskmessage.TransportType { return s.transport }

func (s *stubStrategy) Notify(ctx context.Context, rec taskmessage.Record) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		if errors.Is(s.err, domainErrors.ErrTransportNotConfigured) {
			return "", s.err
		}
		_, _ = s.store.UpdateStatus(ctx, rec.TaskID, taskmessage.StatusFailed)
		return "", domainErrors.Transport(string(s.transport), s.err)
	}
	return s.result, nil
}

func seededStore(t *testing.T, recs ...taskmessage.Record) *testutil.MockTaskMessageStore {
	t.Helper()
	store := testutil.NewMockTaskMessageStore()
	store.Seed(recs...)
	return store
}

func TestRegistry_Dispatch_SuccessMarksSuccess(t *testing.T) {
	rec := testutil.NewTestRecord(1, "task-1", 7, taskmessage.StatusPending)
	store := seededStore(t, rec)
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())

	reg := notify.NewRegistry(store, notify.WithMetrics(metrics))
	reg.Register(&stubStrategy{transport: taskmessage.TransportHTTP, store: store, result: "ok"})

	result, err := reg.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	status, _ := store.StatusOf("task-1")
	assert.Equal(t, taskmessage.StatusSuccess, status)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("http", "success")))
}

func TestRegistry_Dispatch_FailureMarksFailed(t *testing.T) {
	rec := testutil.NewTestRecord(1, "task-1", 7, taskmessage.StatusPending)
	store := seededStore(t, rec)

	reg := notify.NewRegistry(store)
	reg.Register(&stubStrategy{transport: taskmessage.TransportHTTP, store: store, err: errors.New("connection refused")})

	_, err := reg.Dispatch(context.Background(), rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrTransport)

	status, _ := store.StatusOf("task-1")
	assert.Equal(t, taskmessage.StatusFailed, status)
	for _, u := range store.Updates() {
		assert.NotEqual(t, taskmessage.StatusSuccess, u.Status)
	}
}

func TestRegistry_Dispatch_UnknownTransportLeavesStatus(t *testing.T) {
	rec := testutil.NewTestRecord(1, "task-1", 7, taskmessage.StatusPending)
	rec.TransportType = "carrier_pigeon"
	store := seededStore(t, rec)

	reg := notify.NewRegistry(store)
	reg.Register(&stubStrategy{transport: taskmessage.TransportHTTP, store: store})

	_, err := reg.Dispatch(context.Background(), rec)
	assert.ErrorIs(t, err, domainErrors.ErrUnknownTransport)
	assert.Empty(t, store.Updates())

	_, err = reg.Get("carrier_pigeon")
	assert.ErrorIs(t, err, domainErrors.ErrUnknownTransport)
}

func TestRegistry_Dispatch_NotConfiguredLeavesStatus(t *testing.T) {
	rec := testutil.NewTestRecord(1, "task-1", 7, taskmessage.StatusFailed)
	store := seededStore(t, rec)

	reg := notify.NewRegistry(store)
	reg.Register(notify.NewKafkaStrategy(nil, store, testLogger()))
	rec.TransportType = taskmessage.TransportKafka

	_, err := reg.Dispatch(context.Background(), rec)
	assert.ErrorIs(t, err, domainErrors.ErrTransportNotConfigured)
	assert.Empty(t, store.Updates())

	status, _ := store.StatusOf("task-1")
	assert.Equal(t, taskmessage.StatusFailed, status)
}

func TestRegistry_Dispatch_BreakerOpens(t *testing.T) {
	rec := testutil.NewTestRecord(1, "task-1", 7, taskmessage.StatusPending)
	store := seededStore(t, rec)

	reg := notify.NewRegistry(store, notify.WithBreaker(config.BreakerConfig{
		MaxRequests:  1,
		Timeout:      time.Minute,
		MinRequests:  2,
		FailureRatio: 0.5,
	}))
	stub := &stubStrategy{transport: taskmessage.TransportHTTP, store: store, err: errors.New("503")}
	reg.Register(stub)

	for i := 0; i < 2; i++ {
		_, err := reg.Dispatch(context.Background(), rec)
		assert.ErrorIs(t, err, domainErrors.ErrTransport)
	}

	_, err := reg.Dispatch(context.Background(), rec)
	assert.ErrorIs(t, err, domainErrors.ErrCircuitOpen)
	assert.Equal(t, int32(2), stub.calls.Load(), "open breaker must not reach the transport")
}

func TestRegistry_Dispatch_SuccessUpdateRetried(t *testing.T) {
	rec := testutil.NewTestRecord(1, "task-1", 7, taskmessage.StatusPending)
	store := seededStore(t, rec)

	var attempts atomic.Int32
	store.UpdateStatusFunc = func(ctx context.Context, taskID string, status taskmessage.Status) (int64, error) {
		if attempts.Add(1) < 3 {
			return 0, errors.New("connection reset")
		}
		return 1, nil
	}

	reg := notify.NewRegistry(store, notify.WithStatusRetry(3, time.Millisecond))
	reg.Register(&stubStrategy{transport: taskmessage.TransportHTTP, store: store, result: "ok"})

	_, err := reg.Dispatch(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRegistry_Dispatch_SuccessUpdateExhausted(t *testing.T) {
	rec := testutil.NewTestRecord(1, "task-1", 7, taskmessage.StatusPending)
	store := seededStore(t, rec)
	store.UpdateStatusFunc = func(ctx context.Context, taskID string, status taskmessage.Status) (int64, error) {
		return 0, errors.New("database down")
	}

	reg := notify.NewRegistry(store, notify.WithStatusRetry(2, time.Millisecond))
	reg.Register(&stubStrategy{transport: taskmessage.TransportHTTP, store: store, result: "ok"})

	result, err := reg.Dispatch(context.Background(), rec)
	assert.Error(t, err)
	assert.Equal(t, "ok", result, "delivery result is still reported")
}

func TestRegistry_Dispatch_SuccessUpdateNotRetriedWhenPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"refused transition", errors.Join(errors.New("update task message status"), domainErrors.ErrInvalidStateTransition)},
		{"write context expired", context.DeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testutil.NewTestRecord(1, "task-1", 7, taskmessage.StatusPending)
			store := seededStore(t, rec)
			var attempts atomic.Int32
			store.UpdateStatusFunc = func(ctx context.Context, taskID string, status taskmessage.Status) (int64, error) {
				attempts.Add(1)
				return 0, tt.err
			}

			reg := notify.NewRegistry(store, notify.WithStatusRetry(5, time.Millisecond))
			reg.Register(&stubStrategy{transport: taskmessage.TransportHTTP, store: store, result: "ok"})

			_, err := reg.Dispatch(context.Background(), rec)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, int32(1), attempts.Load())
		})
	}
}
