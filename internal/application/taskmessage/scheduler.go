package taskmessage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/taskmessage/internal/domain/errors"
	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
	"github.com/cassiomorais/taskmessage/internal/infrastructure/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultPoolSize   = 2
	DefaultGroupLimit = 100
	DefaultFixedDelay = 5 * time.Second
	DefaultLockTTL    = 30 * time.Second
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// GroupSpec describes one scan group: the shards it owns and when it runs.
// Exactly one of Cron and FixedDelay drives it; with neither set the group
// runs on DefaultFixedDelay.
type GroupSpec struct {
	ID          string
	Shards      []int
	Cron        string
	FixedDelay  time.Duration
	Limit       int
	RescanEvery int
}

// TickResult summarizes one scan of a group.
type TickResult struct {
	Skipped    bool
	Scanned    int
	Failed     int
	Rescanned  int
	Cursor     int64
	PrevCursor int64
}

type group struct {
	spec     GroupSpec
	schedule cron.Schedule

	// mu serializes ticks of the group and guards the fields below.
	mu     sync.Mutex
	cursor int64
	seeded bool
	ticks  int
}

// Scheduler periodically rescans the message table per group and redelivers
// Pending and Failed records in ascending id order.
type Scheduler struct {
	store      taskmessage.Store
	dispatcher Dispatcher
	groups     map[string]*group
	order      []string

	poolSize int
	pool     *semaphore.Weighted
	locker   GroupLocker
	lockTTL  time.Duration
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

type SchedulerOption func(*Scheduler)

// WithPoolSize bounds how many group ticks run at the same time.
func WithPoolSize(n int) SchedulerOption {
	return func(s *Scheduler) { s.poolSize = n }
}

// WithGroupLocker makes each tick take a per-group lock first and skip the
// tick when another instance holds it.
func WithGroupLocker(l GroupLocker, ttl time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.locker = l
		s.lockTTL = ttl
	}
}

func WithSchedulerLogger(logger zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = observability.Component(logger, "scheduler") }
}

func WithSchedulerMetrics(m *observability.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

func NewScheduler(store taskmessage.Store, dispatcher Dispatcher, specs []GroupSpec, opts ...SchedulerOption) (*Scheduler, error) {
	s := &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		groups:     make(map[string]*group, len(specs)),
		poolSize:   DefaultPoolSize,
		lockTTL:    DefaultLockTTL,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.poolSize <= 0 {
		s.poolSize = DefaultPoolSize
	}
	if s.lockTTL <= 0 {
		s.lockTTL = DefaultLockTTL
	}
	s.pool = semaphore.NewWeighted(int64(s.poolSize))

	for _, spec := range specs {
		if spec.ID == "" {
			return nil, domainErrors.NewValidationError("group_id", "must not be empty")
		}
		if _, dup := s.groups[spec.ID]; dup {
			return nil, domainErrors.NewValidationError("group_id", fmt.Sprintf("duplicate group %q", spec.ID))
		}
		if spec.Cron != "" && spec.FixedDelay > 0 {
			return nil, domainErrors.NewValidationError("group_id", fmt.Sprintf("group %q sets both cron and fixed_delay", spec.ID))
		}
		if spec.Limit <= 0 {
			spec.Limit = DefaultGroupLimit
		}
		spec.Shards = append([]int(nil), spec.Shards...)

		g := &group{spec: spec}
		if spec.Cron != "" {
			sched, err := ParseCron(spec.Cron)
			if err != nil {
				return nil, fmt.Errorf("group %q: %w", spec.ID, err)
			}
			g.schedule = sched
		} else if spec.FixedDelay <= 0 {
			g.spec.FixedDelay = DefaultFixedDelay
		}
		s.groups[spec.ID] = g
		s.order = append(s.order, spec.ID)
	}
	return s, nil
}

// ParseCron accepts five or six field expressions (seconds optional) and the
// "?" placeholder for day-of-month or day-of-week.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(strings.ReplaceAll(strings.TrimSpace(expr), "?", "*"))
	if err != nil {
		return nil, domainErrors.NewValidationError("cron", err.Error())
	}
	return sched, nil
}

// Groups returns the configured group ids in declaration order.
func (s *Scheduler) Groups() []string {
	return append([]string(nil), s.order...)
}

// Cursor returns the group's current scan position and whether it has been
// seeded.
func (s *Scheduler) Cursor(groupID string) (int64, bool) {
	g, ok := s.groups[groupID]
	if !ok {
		return 0, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cursor, g.seeded
}

// Seed positions every group's cursor at its smallest Pending or Failed id,
// or 0 when it has none. Groups that fail to seed retry on their next tick.
func (s *Scheduler) Seed(ctx context.Context) error {
	var errs []error
	for _, id := range s.order {
		g := s.groups[id]
		g.mu.Lock()
		err := s.seed(ctx, g)
		g.mu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) seed(ctx context.Context, g *group) error {
	if len(g.spec.Shards) == 0 {
		g.seeded = true
		return nil
	}
	minID, ok, err := s.store.MinPendingID(ctx, g.spec.Shards)
	if err != nil {
		s.logger.Error().Err(err).Str("group", g.spec.ID).Msg("Failed to seed group cursor, retrying next tick")
		return fmt.Errorf("seed group %s: %w", g.spec.ID, err)
	}
	if !ok {
		minID = 0
	}
	g.cursor = minID
	g.seeded = true
	s.setCursorGauge(g)
	s.logger.Info().Str("group", g.spec.ID).Ints("shards", g.spec.Shards).Int64("cursor", minID).Msg("Group cursor seeded")
	return nil
}

// Tick runs one scan of groupID: select up to Limit retryable records with
// id >= cursor, dispatch each in ascending id order and advance the cursor
// to the largest id seen. A failed dispatch never stops the batch. A scan
// error leaves the cursor where it was. Losing the group lock mid-batch stops
// it with the cursor on the last delivered record.
func (s *Scheduler) Tick(ctx context.Context, groupID string) (TickResult, error) {
	g, ok := s.groups[groupID]
	if !ok {
		return TickResult{}, fmt.Errorf("unknown group %q", groupID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	res := TickResult{Cursor: g.cursor, PrevCursor: g.cursor}
	logger := s.logger.With().Str("group", groupID).Logger()

	if len(g.spec.Shards) == 0 {
		logger.Warn().Msg("Group has no shards, skipping tick")
		s.countTick(groupID, "skipped")
		res.Skipped = true
		return res, nil
	}

	keep := func() error { return nil }
	if s.locker != nil {
		lease, acquired, err := s.locker.TryLock(ctx, groupID, s.lockTTL)
		if err != nil {
			logger.Warn().Err(err).Msg("Group lock unavailable, skipping tick")
			s.countTick(groupID, "lock_error")
			return res, err
		}
		if !acquired {
			logger.Debug().Msg("Group held by another instance, skipping tick")
			s.countTick(groupID, "locked")
			res.Skipped = true
			return res, nil
		}
		defer lease.Release()
		keep = s.keepAlive(ctx, lease)
	}

	if !g.seeded {
		if err := s.seed(ctx, g); err != nil {
			s.countTick(groupID, "error")
			return res, err
		}
		res.Cursor, res.PrevCursor = g.cursor, g.cursor
	}

	ctx, span := observability.Tracer().Start(ctx, "taskmessage.scan", trace.WithAttributes(
		attribute.String("taskmessage.group", groupID),
		attribute.Int64("taskmessage.cursor", g.cursor),
	))
	defer span.End()

	g.ticks++
	records, err := s.store.Scan(ctx, g.spec.Shards, g.cursor, g.spec.Limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		logger.Error().Err(err).Int64("cursor", g.cursor).Msg("Scan failed, cursor unchanged")
		s.countTick(groupID, "error")
		return res, err
	}

	var lost error
	if len(records) > 0 {
		maxID := g.cursor
		for _, rec := range records {
			if lost = keep(); lost != nil {
				break
			}
			if !s.dispatch(ctx, logger, rec) {
				res.Failed++
			}
			if rec.ID > maxID {
				maxID = rec.ID
			}
			res.Scanned++
		}
		g.cursor = maxID
		s.setCursorGauge(g)
		if s.metrics != nil {
			s.metrics.ScanRecords.WithLabelValues(groupID).Add(float64(res.Scanned))
		}
	}

	if lost == nil && g.spec.RescanEvery > 0 && g.ticks%g.spec.RescanEvery == 0 {
		res.Rescanned, lost = s.rescan(ctx, logger, g, res.PrevCursor, keep)
	}

	if lost != nil {
		res.Cursor = g.cursor
		span.RecordError(lost)
		span.SetStatus(codes.Error, "group lock lost")
		logger.Warn().Err(lost).Int("scanned", res.Scanned).Int64("cursor", g.cursor).Msg("Group lock lost, stopping batch")
		s.countTick(groupID, "lock_lost")
		return res, fmt.Errorf("group %s: %w", groupID, lost)
	}

	res.Cursor = g.cursor
	span.SetAttributes(
		attribute.Int("taskmessage.scanned", res.Scanned),
		attribute.Int("taskmessage.rescanned", res.Rescanned),
		attribute.Int64("taskmessage.next_cursor", g.cursor),
	)
	if res.Scanned == 0 && res.Rescanned == 0 {
		s.countTick(groupID, "empty")
	} else {
		s.countTick(groupID, "ok")
		logger.Info().
			Int("scanned", res.Scanned).
			Int("failed", res.Failed).
			Int("rescanned", res.Rescanned).
			Int64("cursor", g.cursor).
			Msg("Scan tick complete")
	}
	return res, nil
}

// rescan redelivers retryable records below bound, the cursor as it stood
// before this tick. Records the current batch just attempted are left to the
// next rescan. The cursor itself is not touched.
func (s *Scheduler) rescan(ctx context.Context, logger zerolog.Logger, g *group, bound int64, keep func() error) (int, error) {
	minID, ok, err := s.store.MinPendingID(ctx, g.spec.Shards)
	if err != nil {
		logger.Warn().Err(err).Msg("Rescan lookup failed")
		return 0, nil
	}
	if !ok || minID >= bound {
		return 0, nil
	}

	records, err := s.store.Scan(ctx, g.spec.Shards, minID, g.spec.Limit)
	if err != nil {
		logger.Warn().Err(err).Int64("from", minID).Msg("Rescan failed")
		return 0, nil
	}
	n := 0
	for _, rec := range records {
		if rec.ID >= bound {
			break
		}
		if err := keep(); err != nil {
			return n, err
		}
		s.dispatch(ctx, logger, rec)
		n++
	}
	if n > 0 {
		logger.Info().Int("count", n).Int64("from", minID).Int64("bound", bound).Msg("Rescan redelivered records behind cursor")
	}
	return n, nil
}

// keepAlive returns a check run before each delivery. It extends the lease
// once a third of its TTL has passed since the last extension.
func (s *Scheduler) keepAlive(ctx context.Context, lease taskmessage.Lease) func() error {
	every := s.lockTTL / 3
	last := time.Now()
	return func() error {
		if time.Since(last) < every {
			return nil
		}
		if err := lease.Extend(ctx); err != nil {
			return err
		}
		last = time.Now()
		return nil
	}
}

func (s *Scheduler) dispatch(ctx context.Context, logger zerolog.Logger, rec taskmessage.Record) bool {
	if _, err := s.dispatcher.Dispatch(ctx, rec); err != nil {
		logger.Debug().Err(err).Str("task_id", rec.TaskID).Int64("id", rec.ID).Msg("Dispatch failed, will retry")
		return false
	}
	return true
}

// Run seeds all groups and then drives each on its own schedule until ctx is
// cancelled. Ticks of one group never overlap.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Seed(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Some groups failed to seed")
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, id := range s.order {
		g := s.groups[id]
		eg.Go(func() error {
			s.runGroup(ctx, g)
			return nil
		})
	}
	s.logger.Info().Int("groups", len(s.order)).Int("pool_size", s.poolSize).Msg("Scheduler started")

	err := eg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
	return err
}

func (s *Scheduler) runGroup(ctx context.Context, g *group) {
	if g.schedule == nil {
		// Fixed delay: first tick now, then wait the delay after each tick.
		for {
			s.runTick(ctx, g.spec.ID)
			if !sleep(ctx, g.spec.FixedDelay) {
				return
			}
		}
	}
	for {
		now := time.Now()
		if !sleep(ctx, g.schedule.Next(now).Sub(now)) {
			return
		}
		s.runTick(ctx, g.spec.ID)
	}
}

func (s *Scheduler) runTick(ctx context.Context, groupID string) {
	if err := s.pool.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.pool.Release(1)
	if _, err := s.Tick(ctx, groupID); err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Str("group", groupID).Msg("Tick failed")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Scheduler) countTick(groupID, result string) {
	if s.metrics != nil {
		s.metrics.ScanTicks.WithLabelValues(groupID, result).Inc()
	}
}

func (s *Scheduler) setCursorGauge(g *group) {
	if s.metrics != nil {
		s.metrics.GroupCursor.WithLabelValues(g.spec.ID).Set(float64(g.cursor))
	}
}
