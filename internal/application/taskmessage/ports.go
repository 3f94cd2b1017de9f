package taskmessage

import (
	"context"
	"time"

	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
)

// TransactionManager scopes store writes to one transaction.
// This is an application-layer port, not a domain concern.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	// AfterCommit runs fn once the outermost transaction in ctx commits,
	// or immediately when ctx carries no transaction.
	AfterCommit(ctx context.Context, fn func())
}

// Dispatcher delivers a record and records the outcome in the store.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec taskmessage.Record) (string, error)
}

// Signaler receives freshly committed records for an immediate attempt.
type Signaler interface {
	Submit(rec taskmessage.Record) bool
}

// GroupLocker serializes scans of one group across instances. The lease is
// nil when acquired is false.
type GroupLocker interface {
	TryLock(ctx context.Context, groupID string, ttl time.Duration) (lease taskmessage.Lease, acquired bool, err error)
}
