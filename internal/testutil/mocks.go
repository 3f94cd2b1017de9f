package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/taskmessage/internal/domain/errors"
	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
)

// --- Task Message Store Mock ---

// MockTaskMessageStore is an in-memory taskmessage.Store. Inserts made inside a
// MockTransactionManager transaction become visible only after commit.
type MockTaskMessageStore struct {
	mu       sync.Mutex
	nextID   int64
	records  map[int64]*taskmessage.Record
	byTaskID map[string]int64
	updates  []StatusUpdate
	scans    []ScanCall

	InsertFunc       func(ctx context.Context, rec *taskmessage.Record) (int64, error)
	UpdateStatusFunc func(ctx context.Context, taskID string, status taskmessage.Status) (int64, error)
	ScanFunc         func(ctx context.Context, shards []int, minID int64, limit int) ([]taskmessage.Record, error)
	MinPendingIDFunc func(ctx context.Context, shards []int) (int64, bool, error)
}

// StatusUpdate records one UpdateStatus call.
type StatusUpdate struct {
	TaskID string
	Status taskmessage.Status
}

// ScanCall records the arguments of one Scan call.
type ScanCall struct {
	Shards []int
	MinID  int64
	Limit  int
}

func NewMockTaskMessageStore() *MockTaskMessageStore {
	return &MockTaskMessageStore{
		records:  make(map[int64]*taskmessage.Record),
		byTaskID: make(map[string]int64),
	}
}

func (m *MockTaskMessageStore) Insert(ctx context.Context, rec *taskmessage.Record) (int64, error) {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, rec)
	}

	m.mu.Lock()
	if _, exists := m.byTaskID[rec.TaskID]; exists {
		m.mu.Unlock()
		return 0, domainErrors.Persistence("insert task message "+rec.TaskID, domainErrors.ErrDuplicateTask)
	}
	m.nextID++
	rec.ID = m.nextID
	now := time.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	stored := *rec
	m.mu.Unlock()

	apply := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.records[stored.ID] = &stored
		m.byTaskID[stored.TaskID] = stored.ID
	}
	if tx := txFromContext(ctx); tx != nil {
		tx.stage(apply)
	} else {
		apply()
	}
	return 1, nil
}

// Seed stores records directly, keeping their IDs. Used to set up scan scenarios.
func (m *MockTaskMessageStore) Seed(records ...taskmessage.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range records {
		rec := records[i]
		m.records[rec.ID] = &rec
		m.byTaskID[rec.TaskID] = rec.ID
		if rec.ID > m.nextID {
			m.nextID = rec.ID
		}
	}
}

func (m *MockTaskMessageStore) UpdateStatus(ctx context.Context, taskID string, status taskmessage.Status) (int64, error) {
	if m.UpdateStatusFunc != nil {
		return m.UpdateStatusFunc(ctx, taskID, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, StatusUpdate{TaskID: taskID, Status: status})

	id, ok := m.byTaskID[taskID]
	if !ok {
		return 0, nil
	}
	rec := m.records[id]
	// Matches the SQL guard: a refused transition touches no row.
	if !taskmessage.CanTransition(rec.Status, status) {
		return 0, nil
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
	return 1, nil
}

func (m *MockTaskMessageStore) Scan(ctx context.Context, shards []int, minID int64, limit int) ([]taskmessage.Record, error) {
	m.mu.Lock()
	m.scans = append(m.scans, ScanCall{Shards: append([]int(nil), shards...), MinID: minID, Limit: limit})
	m.mu.Unlock()

	if m.ScanFunc != nil {
		return m.ScanFunc(ctx, shards, minID, limit)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := []taskmessage.Record{}
	if len(shards) == 0 || limit <= 0 {
		return out, nil
	}
	for _, rec := range m.sortedLocked() {
		if rec.ID >= minID && containsShard(shards, rec.Shard) && rec.Status.Retryable() {
			out = append(out, *rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MockTaskMessageStore) MinPendingID(ctx context.Context, shards []int) (int64, bool, error) {
	if m.MinPendingIDFunc != nil {
		return m.MinPendingIDFunc(ctx, shards)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.sortedLocked() {
		if containsShard(shards, rec.Shard) && rec.Status.Retryable() {
			return rec.ID, true, nil
		}
	}
	return 0, false, nil
}

func (m *MockTaskMessageStore) GetByTaskID(_ context.Context, taskID string) (*taskmessage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTaskID[taskID]
	if !ok {
		return nil, domainErrors.ErrTaskNotFound
	}
	rec := *m.records[id]
	return &rec, nil
}

// Count returns the number of committed records.
func (m *MockTaskMessageStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// StatusOf returns the committed status of a task, false when absent.
func (m *MockTaskMessageStore) StatusOf(taskID string) (taskmessage.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTaskID[taskID]
	if !ok {
		return 0, false
	}
	return m.records[id].Status, true
}

// Updates returns every UpdateStatus call in order.
func (m *MockTaskMessageStore) Updates() []StatusUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StatusUpdate(nil), m.updates...)
}

// Scans returns every Scan call in order.
func (m *MockTaskMessageStore) Scans() []ScanCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ScanCall(nil), m.scans...)
}

func (m *MockTaskMessageStore) sortedLocked() []*taskmessage.Record {
	out := make([]*taskmessage.Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func containsShard(shards []int, shard int) bool {
	for _, s := range shards {
		if s == shard {
			return true
		}
	}
	return false
}

// --- Transaction Manager Mock ---

type txCtxKey struct{}

type mockTx struct {
	mu          sync.Mutex
	staged      []func()
	afterCommit []func()
}

func (t *mockTx) stage(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged = append(t.staged, fn)
}

func txFromContext(ctx context.Context) *mockTx {
	tx, _ := ctx.Value(txCtxKey{}).(*mockTx)
	return tx
}

// MockTransactionManager simulates a scoped transaction: staged store writes
// apply on commit and are discarded on rollback, nested calls join the outer
// transaction, and after-commit hooks run only after the outermost commit.
type MockTransactionManager struct {
	mu        sync.Mutex
	commits   int
	rollbacks int

	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewMockTransactionManager() *MockTransactionManager {
	return &MockTransactionManager{}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx := &mockTx{}
	if err := fn(context.WithValue(ctx, txCtxKey{}, tx)); err != nil {
		m.mu.Lock()
		m.rollbacks++
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.commits++
	m.mu.Unlock()
	for _, apply := range tx.staged {
		apply()
	}
	for _, hook := range tx.afterCommit {
		hook()
	}
	return nil
}

func (m *MockTransactionManager) AfterCommit(ctx context.Context, fn func()) {
	if tx := txFromContext(ctx); tx != nil {
		tx.mu.Lock()
		tx.afterCommit = append(tx.afterCommit, fn)
		tx.mu.Unlock()
		return
	}
	fn()
}

// Commits returns how many outermost transactions committed.
func (m *MockTransactionManager) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Rollbacks returns how many outermost transactions rolled back.
func (m *MockTransactionManager) Rollbacks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollbacks
}
