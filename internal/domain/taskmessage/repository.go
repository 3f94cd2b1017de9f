package taskmessage

import "context"

// Store is the durable local message table. Every method runs on the
// transaction carried by ctx when there is one.
type Store interface {
	// Insert persists a new record and fills in its ID and timestamps.
	Insert(ctx context.Context, rec *Record) (int64, error)

	// UpdateStatus sets the status of the record with the given task id.
	// Zero affected rows is not an error. A Success record never moves to
	// another status.
	UpdateStatus(ctx context.Context, taskID string, status Status) (int64, error)

	// Scan returns Pending and Failed records on the given shards with
	// id >= minID, ascending by id, at most limit rows.
	Scan(ctx context.Context, shards []int, minID int64, limit int) ([]Record, error)

	// MinPendingID returns the smallest id among Pending and Failed records on
	// the given shards. ok is false when there is none.
	MinPendingID(ctx context.Context, shards []int) (id int64, ok bool, err error)

	// GetByTaskID loads a record for status inspection.
	GetByTaskID(ctx context.Context, taskID string) (*Record, error)
}

// StatusUpdater is the part of Store that notify strategies need.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, taskID string, status Status) (int64, error)
}

// Lease is a held, expiring lock on one scan group.
type Lease interface {
	// Extend resets the lease TTL. It fails with ErrLockNotHeld once the
	// lease expired and the group may belong to another instance.
	Extend(ctx context.Context) error
	Release()
}
