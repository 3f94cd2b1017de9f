//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/taskmessage/internal/domain/errors"
	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
	"github.com/cassiomorais/taskmessage/internal/repository/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("taskmessage"),
		tcpostgres.WithUsername("taskmessage"),
		tcpostgres.WithPassword("taskmessage"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile(filepath.Join("migrations", "000001_create_task_message.up.sql"))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	return pool
}

func newRecord(t *testing.T, taskID string) *taskmessage.Record {
	t.Helper()
	rec, err := taskmessage.NewRecord(taskmessage.Command{
		TaskID:        taskID,
		TaskName:      "integration",
		TransportType: taskmessage.TransportHTTP,
		TransportConfig: taskmessage.TransportConfig{
			HTTP: &taskmessage.HTTPConfig{URL: "http://callback.local/hook"},
		},
		Payload: `{"k":"v"}`,
	}, taskmessage.DefaultShardCount)
	require.NoError(t, err)
	return rec
}

func TestTaskMessageRepository_InsertAndGet(t *testing.T) {
	pool := startPostgres(t)
	repo := postgres.NewTaskMessageRepository(pool)
	ctx := context.Background()

	rec := newRecord(t, "hello")
	affected, err := repo.Insert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	assert.NotZero(t, rec.ID)

	got, err := repo.GetByTaskID(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, 2, got.Shard)
	assert.Equal(t, taskmessage.StatusPending, got.Status)
	require.NotNil(t, got.TransportConfig.HTTP)
	assert.Equal(t, "http://callback.local/hook", got.TransportConfig.HTTP.URL)

	_, err = repo.GetByTaskID(ctx, "missing")
	assert.ErrorIs(t, err, domainErrors.ErrTaskNotFound)
}

func TestTaskMessageRepository_DuplicateTaskID(t *testing.T) {
	pool := startPostgres(t)
	repo := postgres.NewTaskMessageRepository(pool)
	ctx := context.Background()

	_, err := repo.Insert(ctx, newRecord(t, "dup"))
	require.NoError(t, err)

	_, err = repo.Insert(ctx, newRecord(t, "dup"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrPersistence)
	assert.ErrorIs(t, err, domainErrors.ErrDuplicateTask)
}

func TestTaskMessageRepository_RollbackDiscardsInsert(t *testing.T) {
	pool := startPostgres(t)
	repo := postgres.NewTaskMessageRepository(pool)
	txm := postgres.NewTxManager(pool)
	ctx := context.Background()

	hookRan := false
	boom := errors.New("business failure")
	err := txm.WithTransaction(ctx, func(txCtx context.Context) error {
		if _, err := repo.Insert(txCtx, newRecord(t, "rolled-back")); err != nil {
			return err
		}
		txm.AfterCommit(txCtx, func() { hookRan = true })
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, hookRan)

	_, err = repo.GetByTaskID(ctx, "rolled-back")
	assert.ErrorIs(t, err, domainErrors.ErrTaskNotFound)
}

func TestTaskMessageRepository_ScanAndStatus(t *testing.T) {
	pool := startPostgres(t)
	repo := postgres.NewTaskMessageRepository(pool)
	ctx := context.Background()

	var ids []int64
	for _, id := range []string{"abc", "hello", "task-x", "task-y"} {
		rec := newRecord(t, id)
		_, err := repo.Insert(ctx, rec)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	all := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	records, err := repo.Scan(ctx, all, 0, 100)
	require.NoError(t, err)
	require.Len(t, records, 4)
	for i := 1; i < len(records); i++ {
		assert.Less(t, records[i-1].ID, records[i].ID)
	}

	affected, err := repo.UpdateStatus(ctx, "abc", taskmessage.StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	// Success is terminal but re-confirming it is accepted.
	affected, err = repo.UpdateStatus(ctx, "abc", taskmessage.StatusFailed)
	require.NoError(t, err)
	assert.Zero(t, affected)
	affected, err = repo.UpdateStatus(ctx, "abc", taskmessage.StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	affected, err = repo.UpdateStatus(ctx, "unknown", taskmessage.StatusSuccess)
	require.NoError(t, err)
	assert.Zero(t, affected)

	_, err = repo.UpdateStatus(ctx, "hello", taskmessage.StatusFailed)
	require.NoError(t, err)

	records, err = repo.Scan(ctx, all, 0, 100)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, taskmessage.StatusFailed, records[0].Status)

	records, err = repo.Scan(ctx, all, ids[2], 100)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = repo.Scan(ctx, []int{2}, 0, 100)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "hello", records[0].TaskID)

	records, err = repo.Scan(ctx, nil, 0, 100)
	require.NoError(t, err)
	assert.Empty(t, records)

	minID, ok, err := repo.MinPendingID(ctx, all)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ids[1], minID)

	_, ok, err = repo.MinPendingID(ctx, []int{4})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTaskMessageRepository_ScanKeepsUndecodableRow(t *testing.T) {
	pool := startPostgres(t)
	repo := postgres.NewTaskMessageRepository(pool)
	ctx := context.Background()

	for _, id := range []string{"good-1", "broken", "good-2"} {
		_, err := repo.Insert(ctx, newRecord(t, id))
		require.NoError(t, err)
	}
	_, err := pool.Exec(ctx, `UPDATE task_message SET transport_config = '{"http":"not-an-object"}' WHERE task_id = 'broken'`)
	require.NoError(t, err)

	records, err := repo.Scan(ctx, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 0, 100)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.NoError(t, records[0].ConfigErr)
	assert.Error(t, records[1].ConfigErr)
	assert.Equal(t, "broken", records[1].TaskID)
	assert.NoError(t, records[2].ConfigErr)
}
