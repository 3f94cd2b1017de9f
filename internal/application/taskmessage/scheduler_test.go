package taskmessage_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tmApp "github.com/cassiomorais/taskmessage/internal/application/taskmessage"
	domainErrors "github.com/cassiomorais/taskmessage/internal/domain/errors"
	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
	"github.com/cassiomorais/taskmessage/internal/infrastructure/notify"
	"github.com/cassiomorais/taskmessage/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDispatcher marks Success or Failed the way the registry and strategies
// do. failures[taskID] is how many attempts fail before one succeeds; -1
// fails forever.
type fakeDispatcher struct {
	mu       sync.Mutex
	store    taskmessage.StatusUpdater
	failures map[string]int
	calls    []int64
}

func newFakeDispatcher(store taskmessage.StatusUpdater) *fakeDispatcher {
	return &fakeDispatcher{store: store, failures: map[string]int{}}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, rec taskmessage.Record) (string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, rec.ID)
	remaining := d.failures[rec.TaskID]
	if remaining > 0 {
		d.failures[rec.TaskID] = remaining - 1
	}
	d.mu.Unlock()

	if remaining != 0 {
		_, _ = d.store.UpdateStatus(ctx, rec.TaskID, taskmessage.StatusFailed)
		return "", errors.New("transport down")
	}
	_, err := d.store.UpdateStatus(ctx, rec.TaskID, taskmessage.StatusSuccess)
	return "ok", err
}

func (d *fakeDispatcher) dispatched() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.calls...)
}

func (d *fakeDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

func newScheduler(t *testing.T, store taskmessage.Store, d tmApp.Dispatcher, specs ...tmApp.GroupSpec) *tmApp.Scheduler {
	t.Helper()
	s, err := tmApp.NewScheduler(store, d, specs)
	require.NoError(t, err)
	return s
}

func TestScheduler_Seed(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMockTaskMessageStore()
	store.Seed(
		testutil.NewTestRecord(5, "t5", 0, taskmessage.StatusSuccess),
		testutil.NewTestRecord(8, "t8", 0, taskmessage.StatusFailed),
		testutil.NewTestRecord(9, "t9", 1, taskmessage.StatusPending),
	)
	s := newScheduler(t, store, newFakeDispatcher(store),
		tmApp.GroupSpec{ID: "g0", Shards: []int{0}},
		tmApp.GroupSpec{ID: "g2", Shards: []int{2}},
	)

	require.NoError(t, s.Seed(ctx))

	cursor, seeded := s.Cursor("g0")
	assert.True(t, seeded)
	assert.Equal(t, int64(8), cursor)

	cursor, seeded = s.Cursor("g2")
	assert.True(t, seeded)
	assert.Equal(t, int64(0), cursor, "no retryable rows seeds at zero")
}

func TestScheduler_Tick_DispatchesInIDOrderAndAdvances(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMockTaskMessageStore()
	store.Seed(
		testutil.NewTestRecord(12, "t12", 0, taskmessage.StatusPending),
		testutil.NewTestRecord(10, "t10", 0, taskmessage.StatusPending),
		testutil.NewTestRecord(11, "t11", 0, taskmessage.StatusFailed),
		testutil.NewTestRecord(13, "other-shard", 4, taskmessage.StatusPending),
	)
	d := newFakeDispatcher(store)
	s := newScheduler(t, store, d, tmApp.GroupSpec{ID: "g", Shards: []int{0}, Limit: 2})

	res, err := s.Tick(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, int64(11), res.Cursor)
	assert.Equal(t, []int64{10, 11}, d.dispatched())

	res, err = s.Tick(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.Cursor)
	assert.Equal(t, []int64{10, 11, 12}, d.dispatched())

	scans := store.Scans()
	require.Len(t, scans, 2)
	assert.Equal(t, 2, scans[0].Limit)
	assert.Equal(t, int64(11), scans[1].MinID)
}

// Scenario A: a delivered record is excluded from the next scan by status.
func TestScheduler_Tick_HTTPDeliveryReachesSuccess(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := testutil.NewTestRecord(1, "scenario-a", 3, taskmessage.StatusPending)
	rec.TransportConfig.HTTP.URL = srv.URL
	store := testutil.NewMockTaskMessageStore()
	store.Seed(rec)

	registry := notify.NewRegistry(store)
	registry.Register(notify.NewHTTPStrategy(notify.NewHTTPClient(time.Second), store, zerolog.Nop(), 0))
	s := newScheduler(t, store, registry, tmApp.GroupSpec{ID: "g", Shards: []int{3}, Limit: 10})
	require.NoError(t, s.Seed(ctx))

	res, err := s.Tick(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	status, _ := store.StatusOf("scenario-a")
	assert.Equal(t, taskmessage.StatusSuccess, status)

	res, err = s.Tick(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)
	assert.Equal(t, int32(1), hits.Load())

	scans := store.Scans()
	assert.Equal(t, scans[0].MinID, scans[1].MinID, "same minId on the second scan")
}

func TestScheduler_Tick_UndecodableRecordFailsAlone(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	first := testutil.NewTestRecord(1, "first", 3, taskmessage.StatusPending)
	first.TransportConfig.HTTP.URL = srv.URL
	broken := testutil.NewTestRecord(2, "broken", 3, taskmessage.StatusPending)
	broken.TransportConfig = taskmessage.TransportConfig{}
	broken.ConfigErr = errors.New("decode transport config: json: cannot unmarshal string")
	last := testutil.NewTestRecord(3, "last", 3, taskmessage.StatusPending)
	last.TransportConfig.HTTP.URL = srv.URL

	store := testutil.NewMockTaskMessageStore()
	store.Seed(first, broken, last)

	registry := notify.NewRegistry(store)
	registry.Register(notify.NewHTTPStrategy(notify.NewHTTPClient(time.Second), store, zerolog.Nop(), 0))
	s := newScheduler(t, store, registry, tmApp.GroupSpec{ID: "g", Shards: []int{3}, Limit: 10})

	res, err := s.Tick(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, int64(3), res.Cursor)
	assert.Equal(t, int32(2), hits.Load())

	for taskID, want := range map[string]taskmessage.Status{
		"first":  taskmessage.StatusSuccess,
		"broken": taskmessage.StatusFailed,
		"last":   taskmessage.StatusSuccess,
	} {
		status, _ := store.StatusOf(taskID)
		assert.Equal(t, want, status, taskID)
	}
}

// Scenario B: overlapping groups may both deliver a record; the status
// converges on Success either way.
func TestScheduler_OverlappingGroupsConverge(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMockTaskMessageStore()
	store.Seed(testutil.NewTestRecord(1, "shared", 5, taskmessage.StatusPending))

	var attempts atomic.Int32
	slow := dispatcherFunc(func(ctx context.Context, rec taskmessage.Record) (string, error) {
		attempts.Add(1)
		time.Sleep(10 * time.Millisecond)
		_, err := store.UpdateStatus(ctx, rec.TaskID, taskmessage.StatusSuccess)
		return "ok", err
	})
	s := newScheduler(t, store, slow,
		tmApp.GroupSpec{ID: "g1", Shards: []int{5}},
		tmApp.GroupSpec{ID: "g2", Shards: []int{5, 6}},
	)
	require.NoError(t, s.Seed(ctx))

	var wg sync.WaitGroup
	for _, id := range []string{"g1", "g2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Tick(ctx, id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, attempts.Load(), int32(1))
	assert.LessOrEqual(t, attempts.Load(), int32(2))
	status, _ := store.StatusOf("shared")
	assert.Equal(t, taskmessage.StatusSuccess, status)
	for _, u := range store.Updates() {
		assert.Equal(t, taskmessage.StatusSuccess, u.Status)
	}
}

// Scenario C: with the rescan sweep disabled the cursor passes a failed
// record and the main scan never selects it again.
func TestScheduler_FailedRecordBehindCursor_NoRescan(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMockTaskMessageStore()
	store.Seed(
		testutil.NewTestRecord(10, "t10", 0, taskmessage.StatusPending),
		testutil.NewTestRecord(11, "t11", 0, taskmessage.StatusPending),
		testutil.NewTestRecord(12, "t12", 0, taskmessage.StatusPending),
	)
	d := newFakeDispatcher(store)
	d.failures["t11"] = -1
	s := newScheduler(t, store, d, tmApp.GroupSpec{ID: "g", Shards: []int{0}, Limit: 3})
	require.NoError(t, s.Seed(ctx))

	res, err := s.Tick(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, int64(12), res.Cursor)
	assert.Equal(t, []int64{10, 11, 12}, d.dispatched())

	status, _ := store.StatusOf("t11")
	assert.Equal(t, taskmessage.StatusFailed, status)

	d.reset()
	for i := 0; i < 5; i++ {
		res, err = s.Tick(ctx, "g")
		require.NoError(t, err)
		assert.Equal(t, int64(12), res.Cursor)
	}
	assert.Empty(t, d.dispatched(), "id >= 12 excludes record 11")
}

// Scenario C with the rescan sweep: record 11 is picked up again from the
// smallest retryable id without moving the cursor back.
func TestScheduler_RescanRedeliversBehindCursor(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMockTaskMessageStore()
	store.Seed(
		testutil.NewTestRecord(10, "t10", 0, taskmessage.StatusPending),
		testutil.NewTestRecord(11, "t11", 0, taskmessage.StatusPending),
		testutil.NewTestRecord(12, "t12", 0, taskmessage.StatusPending),
	)
	d := newFakeDispatcher(store)
	d.failures["t11"] = 1
	s := newScheduler(t, store, d, tmApp.GroupSpec{ID: "g", Shards: []int{0}, Limit: 3, RescanEvery: 2})
	require.NoError(t, s.Seed(ctx))

	res, err := s.Tick(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Rescanned)

	d.reset()
	res, err = s.Tick(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rescanned)
	assert.Equal(t, int64(12), res.Cursor)
	assert.Equal(t, []int64{11}, d.dispatched())

	status, _ := store.StatusOf("t11")
	assert.Equal(t, taskmessage.StatusSuccess, status)
}

func TestScheduler_CursorNeverDecreases(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMockTaskMessageStore()
	store.Seed(
		testutil.NewTestRecord(3, "t3", 1, taskmessage.StatusPending),
		testutil.NewTestRecord(4, "t4", 1, taskmessage.StatusPending),
	)
	d := newFakeDispatcher(store)
	d.failures["t3"] = -1
	d.failures["t4"] = -1
	s := newScheduler(t, store, d, tmApp.GroupSpec{ID: "g", Shards: []int{1}, Limit: 10, RescanEvery: 1})
	require.NoError(t, s.Seed(ctx))

	last, _ := s.Cursor("g")
	check := func() {
		cur, _ := s.Cursor("g")
		assert.GreaterOrEqual(t, cur, last)
		last = cur
	}

	for i := 0; i < 3; i++ {
		_, err := s.Tick(ctx, "g")
		require.NoError(t, err)
		check()
	}
	assert.Equal(t, int64(4), last)

	store.ScanFunc = func(ctx context.Context, shards []int, minID int64, limit int) ([]taskmessage.Record, error) {
		return nil, errors.New("connection refused")
	}
	_, err := s.Tick(ctx, "g")
	assert.Error(t, err)
	check()

	store.ScanFunc = func(ctx context.Context, shards []int, minID int64, limit int) ([]taskmessage.Record, error) {
		return []taskmessage.Record{}, nil
	}
	_, err = s.Tick(ctx, "g")
	require.NoError(t, err)
	check()
	assert.Equal(t, int64(4), last)
}

func TestScheduler_EmptyShardsSkip(t *testing.T) {
	store := testutil.NewMockTaskMessageStore()
	s := newScheduler(t, store, newFakeDispatcher(store), tmApp.GroupSpec{ID: "idle"})

	res, err := s.Tick(context.Background(), "idle")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, store.Scans())
}

func TestScheduler_SeedFailureRetriedOnTick(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMockTaskMessageStore()
	store.Seed(testutil.NewTestRecord(7, "t7", 2, taskmessage.StatusPending))

	var failSeed atomic.Bool
	failSeed.Store(true)
	store.MinPendingIDFunc = func(ctx context.Context, shards []int) (int64, bool, error) {
		if failSeed.Load() {
			return 0, false, errors.New("db starting")
		}
		return 7, true, nil
	}
	d := newFakeDispatcher(store)
	s := newScheduler(t, store, d, tmApp.GroupSpec{ID: "g", Shards: []int{2}})

	assert.Error(t, s.Seed(ctx))
	_, seeded := s.Cursor("g")
	assert.False(t, seeded)

	_, err := s.Tick(ctx, "g")
	assert.Error(t, err)
	assert.Empty(t, store.Scans(), "no scan before the cursor is seeded")

	failSeed.Store(false)
	res, err := s.Tick(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.PrevCursor)
	assert.Equal(t, []int64{7}, d.dispatched())
}

type fakeLocker struct {
	acquire bool
	err     error
	lease   fakeLease
}

func (l *fakeLocker) TryLock(context.Context, string, time.Duration) (taskmessage.Lease, bool, error) {
	if l.err != nil || !l.acquire {
		return nil, false, l.err
	}
	return &l.lease, true, nil
}

// fakeLease fails Extend once it has been extended expireAfter times, when
// expireAfter is positive.
type fakeLease struct {
	expireAfter int32
	extended    atomic.Int32
	released    atomic.Int32
}

func (l *fakeLease) Extend(context.Context) error {
	if l.expireAfter > 0 && l.extended.Load() >= l.expireAfter {
		return domainErrors.ErrLockNotHeld
	}
	l.extended.Add(1)
	return nil
}

func (l *fakeLease) Release() { l.released.Add(1) }

func TestScheduler_GroupLock(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMockTaskMessageStore()
	store.Seed(testutil.NewTestRecord(1, "t1", 5, taskmessage.StatusPending))
	locker := &fakeLocker{}

	s, err := tmApp.NewScheduler(store, newFakeDispatcher(store),
		[]tmApp.GroupSpec{{ID: "g", Shards: []int{5}}},
		tmApp.WithGroupLocker(locker, time.Second),
	)
	require.NoError(t, err)

	res, err := s.Tick(ctx, "g")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, store.Scans())

	locker.err = errors.New("redis down")
	_, err = s.Tick(ctx, "g")
	assert.Error(t, err)
	assert.Empty(t, store.Scans())

	locker.err = nil
	locker.acquire = true
	res, err = s.Tick(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, int32(1), locker.lease.released.Load())
}

func TestScheduler_GroupLock_ExtendedBetweenRecords(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMockTaskMessageStore()
	for i, id := range []string{"t1", "t2", "t3"} {
		store.Seed(testutil.NewTestRecord(int64(i+1), id, 5, taskmessage.StatusPending))
	}
	locker := &fakeLocker{acquire: true}

	// A one nanosecond TTL makes every record due for an extension.
	s, err := tmApp.NewScheduler(store, newFakeDispatcher(store),
		[]tmApp.GroupSpec{{ID: "g", Shards: []int{5}}},
		tmApp.WithGroupLocker(locker, time.Nanosecond),
	)
	require.NoError(t, err)

	res, err := s.Tick(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, int32(3), locker.lease.extended.Load())
	assert.Equal(t, int32(1), locker.lease.released.Load())
}

func TestScheduler_GroupLock_LostStopsBatch(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMockTaskMessageStore()
	for i, id := range []string{"t1", "t2", "t3"} {
		store.Seed(testutil.NewTestRecord(int64(i+1), id, 5, taskmessage.StatusPending))
	}
	locker := &fakeLocker{acquire: true, lease: fakeLease{expireAfter: 1}}
	d := newFakeDispatcher(store)

	s, err := tmApp.NewScheduler(store, d,
		[]tmApp.GroupSpec{{ID: "g", Shards: []int{5}, RescanEvery: 1}},
		tmApp.WithGroupLocker(locker, time.Nanosecond),
	)
	require.NoError(t, err)

	res, err := s.Tick(ctx, "g")
	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrLockNotHeld)
	assert.Equal(t, []int64{1}, d.dispatched(), "no delivery after the lock is lost")
	assert.Equal(t, 1, res.Scanned)
	assert.Zero(t, res.Rescanned)
	assert.Equal(t, int64(1), res.Cursor)

	cursor, _ := s.Cursor("g")
	assert.Equal(t, int64(1), cursor)
	assert.Equal(t, int32(1), locker.lease.released.Load())

	rec, err := store.GetByTaskID(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, taskmessage.StatusPending, rec.Status)
}

func TestNewScheduler_Validation(t *testing.T) {
	store := testutil.NewMockTaskMessageStore()
	d := newFakeDispatcher(store)

	tests := []struct {
		name    string
		specs   []tmApp.GroupSpec
		wantErr bool
	}{
		{"six field cron with question mark", []tmApp.GroupSpec{{ID: "g", Shards: []int{0}, Cron: "0/5 * * * * ?"}}, false},
		{"five field cron", []tmApp.GroupSpec{{ID: "g", Shards: []int{0}, Cron: "*/1 * * * *"}}, false},
		{"descriptor", []tmApp.GroupSpec{{ID: "g", Shards: []int{0}, Cron: "@every 10s"}}, false},
		{"fixed delay", []tmApp.GroupSpec{{ID: "g", Shards: []int{0}, FixedDelay: time.Second}}, false},
		{"cron and fixed delay", []tmApp.GroupSpec{{ID: "g", Cron: "* * * * *", FixedDelay: time.Second}}, true},
		{"bad cron", []tmApp.GroupSpec{{ID: "g", Cron: "every tuesday"}}, true},
		{"duplicate id", []tmApp.GroupSpec{{ID: "g"}, {ID: "g"}}, true},
		{"empty id", []tmApp.GroupSpec{{Shards: []int{1}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tmApp.NewScheduler(store, d, tt.specs)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScheduler_Run_FixedDelay(t *testing.T) {
	store := testutil.NewMockTaskMessageStore()
	store.Seed(testutil.NewTestRecord(1, "t1", 0, taskmessage.StatusPending))
	d := newFakeDispatcher(store)
	s := newScheduler(t, store, d, tmApp.GroupSpec{ID: "g", Shards: []int{0}, FixedDelay: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		status, _ := store.StatusOf("t1")
		return status == taskmessage.StatusSuccess
	}, 2*time.Second, 5*time.Millisecond)

	store.Seed(testutil.NewTestRecord(2, "t2", 0, taskmessage.StatusPending))
	require.Eventually(t, func() bool {
		status, _ := store.StatusOf("t2")
		return status == taskmessage.StatusSuccess
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type dispatcherFunc func(ctx context.Context, rec taskmessage.Record) (string, error)

func (f dispatcherFunc) Dispatch(ctx context.Context, rec taskmessage.Record) (string, error) {
	return f(ctx, rec)
}
