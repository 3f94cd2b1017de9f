package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	domainErrors "github.com/cassiomorais/taskmessage/internal/domain/errors"
	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const taskMessageColumns = `id, task_id, task_name, shard, transport_type, transport_config, status, payload, created_at, updated_at`

// TaskMessageRepository is the Postgres-backed local message table.
type TaskMessageRepository struct {
	pool *pgxpool.Pool
}

func NewTaskMessageRepository(pool *pgxpool.Pool) *TaskMessageRepository {
	return &TaskMessageRepository{pool: pool}
}

func (r *TaskMessageRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *TaskMessageRepository) Insert(ctx context.Context, rec *taskmessage.Record) (int64, error) {
	cfg, err := json.Marshal(rec.TransportConfig)
	if err != nil {
		return 0, domainErrors.Persistence("marshal transport config", err)
	}

	err = r.db(ctx).QueryRow(ctx,
		`INSERT INTO task_message (task_id, task_name, shard, transport_type, transport_config, status, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		rec.TaskID, rec.TaskName, rec.Shard, string(rec.TransportType), cfg, int16(rec.Status), rec.Payload,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, domainErrors.Persistence("insert task message "+rec.TaskID, domainErrors.ErrDuplicateTask)
		}
		return 0, domainErrors.Persistence("insert task message", err)
	}
	return 1, nil
}

// UpdateStatus never moves a Success row to another status; re-confirming
// Success is accepted and reported as one affected row.
func (r *TaskMessageRepository) UpdateStatus(ctx context.Context, taskID string, status taskmessage.Status) (int64, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE task_message SET status = $1, updated_at = NOW()
		 WHERE task_id = $2 AND (status <> $3 OR $1 = $3)`,
		int16(status), taskID, int16(taskmessage.StatusSuccess),
	)
	if err != nil {
		return 0, domainErrors.Persistence("update task message status", err)
	}
	return tag.RowsAffected(), nil
}

func (r *TaskMessageRepository) Scan(ctx context.Context, shards []int, minID int64, limit int) ([]taskmessage.Record, error) {
	if len(shards) == 0 || limit <= 0 {
		return []taskmessage.Record{}, nil
	}

	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+taskMessageColumns+`
		 FROM task_message
		 WHERE id >= $1 AND shard = ANY($2) AND status IN ($3, $4)
		 ORDER BY id ASC
		 LIMIT $5`,
		minID, shards, int16(taskmessage.StatusPending), int16(taskmessage.StatusFailed), limit,
	)
	if err != nil {
		return nil, domainErrors.Persistence("scan task messages", err)
	}
	defer rows.Close()

	records := make([]taskmessage.Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domainErrors.Persistence("scan task messages", err)
	}
	return records, nil
}

func (r *TaskMessageRepository) MinPendingID(ctx context.Context, shards []int) (int64, bool, error) {
	if len(shards) == 0 {
		return 0, false, nil
	}

	var minID *int64
	err := r.db(ctx).QueryRow(ctx,
		`SELECT MIN(id) FROM task_message WHERE shard = ANY($1) AND status IN ($2, $3)`,
		shards, int16(taskmessage.StatusPending), int16(taskmessage.StatusFailed),
	).Scan(&minID)
	if err != nil {
		return 0, false, domainErrors.Persistence("min pending task message id", err)
	}
	if minID == nil {
		return 0, false, nil
	}
	return *minID, true, nil
}

func (r *TaskMessageRepository) GetByTaskID(ctx context.Context, taskID string) (*taskmessage.Record, error) {
	row := r.db(ctx).QueryRow(ctx,
		`SELECT `+taskMessageColumns+` FROM task_message WHERE task_id = $1`, taskID,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrTaskNotFound
		}
		return nil, err
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (*taskmessage.Record, error) {
	var (
		rec           taskmessage.Record
		transportType string
		status        int16
		cfg           []byte
	)
	err := row.Scan(&rec.ID, &rec.TaskID, &rec.TaskName, &rec.Shard, &transportType, &cfg, &status, &rec.Payload, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, domainErrors.Persistence("scan task message row", err)
	}
	rec.TransportType = taskmessage.TransportType(transportType)
	rec.Status = taskmessage.Status(status)
	// A row with an undecodable config is still returned so that only its
	// own delivery fails; the rest of the batch is unaffected.
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &rec.TransportConfig); err != nil {
			rec.TransportConfig = taskmessage.TransportConfig{}
			rec.ConfigErr = fmt.Errorf("decode transport config: %w", err)
		}
	}
	return &rec, nil
}
