package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/taskmessage/internal/domain/errors"
	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
	"github.com/cassiomorais/taskmessage/internal/infrastructure/config"
	"github.com/cassiomorais/taskmessage/internal/infrastructure/observability"
	"github.com/cassiomorais/taskmessage/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	resultSuccess       = "success"
	resultFailed        = "failed"
	resultNotConfigured = "not_configured"
	resultCircuitOpen   = "circuit_open"
	resultUnknown       = "unknown_transport"
)

// Registry maps transport types to strategies and runs a delivery end to end.
// Breakers are kept per destination, so one dead endpoint never defers
// deliveries to healthy ones on the same transport.
type Registry struct {
	mu         sync.RWMutex
	strategies map[taskmessage.TransportType]Strategy
	breakers   map[string]*gobreaker.CircuitBreaker[string]

	store       taskmessage.StatusUpdater
	logger      zerolog.Logger
	metrics     *observability.Metrics
	breakerCfg  config.BreakerConfig
	timeout     time.Duration
	statusRetry retry.Config
}

type RegistryOption func(*Registry)

func WithLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = observability.Component(logger, "notify") }
}

func WithMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithBreaker overrides the circuit breaker settings.
func WithBreaker(cfg config.BreakerConfig) RegistryOption {
	return func(r *Registry) { r.breakerCfg = cfg }
}

// WithDispatchTimeout bounds a single delivery.
func WithDispatchTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

// WithStatusRetry configures retries of the Success status write.
func WithStatusRetry(attempts int, delay time.Duration) RegistryOption {
	return func(r *Registry) {
		r.statusRetry.MaxAttempts = uint(attempts)
		r.statusRetry.InitialDelay = delay
	}
}

func NewRegistry(store taskmessage.StatusUpdater, opts ...RegistryOption) *Registry {
	r := &Registry{
		strategies: make(map[taskmessage.TransportType]Strategy),
		breakers:   make(map[string]*gobreaker.CircuitBreaker[string]),
		store:      store,
		logger:     zerolog.Nop(),
		breakerCfg: config.BreakerConfig{
			MaxRequests:  5,
			Interval:     60 * time.Second,
			Timeout:      30 * time.Second,
			MinRequests:  10,
			FailureRatio: 0.6,
		},
		timeout: 30 * time.Second,
		statusRetry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces the strategy for its transport type.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Type()] = s
}

// Get returns the strategy for t or ErrUnknownTransport.
func (r *Registry) Get(t taskmessage.TransportType) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[t]
	if !ok {
		return nil, fmt.Errorf("%q: %w", t, domainErrors.ErrUnknownTransport)
	}
	return s, nil
}

// breaker returns the breaker for a destination, creating it on first use.
func (r *Registry) breaker(dest string) *gobreaker.CircuitBreaker[string] {
	r.mu.RLock()
	cb, ok := r.breakers[dest]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[dest]; ok {
		return cb
	}
	cfg := r.breakerCfg
	cb = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        dest,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio
		},
		IsSuccessful: countsAsHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
			if r.metrics != nil {
				r.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	r.breakers[dest] = cb
	return cb
}

// countsAsHealthy reports whether err says nothing about the destination's
// health. Bad records and refused messages fail on their own.
func countsAsHealthy(err error) bool {
	return err == nil ||
		errors.Is(err, domainErrors.ErrTransportNotConfigured) ||
		errors.Is(err, domainErrors.ErrInvalidInput) ||
		errors.Is(err, domainErrors.ErrRejected)
}

// Dispatch delivers rec through its strategy and records the outcome:
// Success on delivery, Failed (by the strategy) on transport failure, and no
// status change for unknown transports, missing clients or an open breaker.
func (r *Registry) Dispatch(ctx context.Context, rec taskmessage.Record) (string, error) {
	logger := r.logger.With().
		Str("task_id", rec.TaskID).
		Int64("id", rec.ID).
		Str("transport", string(rec.TransportType)).
		Logger()

	strategy, err := r.Get(rec.TransportType)
	if err != nil {
		logger.Error().Err(err).Msg("No notify strategy for transport, leaving status unchanged")
		r.count(rec.TransportType, resultUnknown)
		return "", err
	}

	ctx, span := observability.Tracer().Start(ctx, "taskmessage.notify", trace.WithAttributes(
		attribute.String("taskmessage.task_id", rec.TaskID),
		attribute.String("taskmessage.transport", string(rec.TransportType)),
	))
	defer span.End()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	dest := destination(rec)
	logger = logger.With().Str("destination", dest).Logger()
	span.SetAttributes(attribute.String("taskmessage.destination", dest))

	start := time.Now()
	result, err := r.breaker(dest).Execute(func() (string, error) {
		return strategy.Notify(ctx, rec)
	})
	if r.metrics != nil {
		r.metrics.NotifyDuration.WithLabelValues(string(rec.TransportType)).Observe(time.Since(start).Seconds())
	}

	switch {
	case err == nil:
	case errors.Is(err, domainErrors.ErrTransportNotConfigured):
		logger.Warn().Err(err).Msg("Transport client not configured, leaving status unchanged")
		r.count(rec.TransportType, resultNotConfigured)
		return "", err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		logger.Warn().Err(err).Msg("Circuit open, delivery deferred to next scan")
		r.count(rec.TransportType, resultCircuitOpen)
		return "", fmt.Errorf("%s: %w: %w", dest, domainErrors.ErrCircuitOpen, err)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		logger.Error().Err(err).Msg("Task message delivery failed")
		r.count(rec.TransportType, resultFailed)
		return "", err
	}

	r.count(rec.TransportType, resultSuccess)
	if err := r.markSuccess(ctx, rec, logger); err != nil {
		span.RecordError(err)
		return result, err
	}
	logger.Info().Str("result", result).Msg("Task message delivered")
	return result, nil
}

func (r *Registry) markSuccess(ctx context.Context, rec taskmessage.Record, logger zerolog.Logger) error {
	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	cfg := r.statusRetry
	cfg.OnRetry = func(attempt uint, err error) {
		logger.Warn().Err(err).Uint("attempt", attempt).Msg("Retrying success status update")
	}
	affected, err := retry.DoWithResult(statusCtx, cfg, func() (int64, error) {
		n, err := r.store.UpdateStatus(statusCtx, rec.TaskID, taskmessage.StatusSuccess)
		if err != nil && !retryableStatusError(err) {
			return n, retry.Unrecoverable(err)
		}
		return n, err
	})
	if err != nil {
		logger.Error().Err(err).Msg("Delivered but failed to mark success; record will be delivered again")
		return err
	}
	if affected == 0 {
		logger.Warn().Msg("Mark success matched no row")
	}
	return nil
}

// retryableStatusError reports whether another attempt at a status write
// could succeed. An expired write context or a refused transition will not.
func retryableStatusError(err error) bool {
	return !errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, domainErrors.ErrInvalidStateTransition)
}

func (r *Registry) count(t taskmessage.TransportType, result string) {
	if r.metrics != nil {
		r.metrics.NotificationsTotal.WithLabelValues(string(t), result).Inc()
	}
}
