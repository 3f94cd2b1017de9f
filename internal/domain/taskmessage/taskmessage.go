package taskmessage

import (
	"time"

	"github.com/cassiomorais/taskmessage/internal/domain/errors"
)

// Status is the delivery state of a task message. Values are persisted as
// small integers and must stay wire compatible with existing rows.
type Status int16

const (
	StatusPending    Status = 0
	StatusInProgress Status = 1 // reserved, never assigned
	StatusSuccess    Status = 2
	StatusFailed     Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further delivery is attempted.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess
}

// Retryable reports whether the reconciliation scan selects records in this status.
func (s Status) Retryable() bool {
	return s == StatusPending || s == StatusFailed
}

// RetryableStatuses lists the statuses picked up by the reconciliation scan.
var RetryableStatuses = []Status{StatusPending, StatusFailed}

// CanTransition checks whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	transitions := map[Status][]Status{
		StatusPending: {StatusSuccess, StatusFailed},
		StatusFailed:  {StatusSuccess, StatusFailed},
		StatusSuccess: {StatusSuccess},
	}

	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransportType tags which notify strategy delivers a record.
type TransportType string

const (
	TransportHTTP        TransportType = "http"
	TransportRabbitMQ    TransportType = "rabbit_mq"
	TransportKafka       TransportType = "kafka"
	TransportRocketMQ    TransportType = "rocket_mq"
	TransportRedisStream TransportType = "redis_stream"
)

// TransportTypes lists every transport the engine knows how to deliver to.
var TransportTypes = []TransportType{
	TransportHTTP,
	TransportRabbitMQ,
	TransportKafka,
	TransportRocketMQ,
	TransportRedisStream,
}

// Known reports whether t is one of TransportTypes.
func (t TransportType) Known() bool {
	for _, known := range TransportTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Record is one row of the local message table.
type Record struct {
	ID              int64
	TaskID          string
	TaskName        string
	Shard           int
	TransportType   TransportType
	TransportConfig TransportConfig
	Status          Status
	Payload         string
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// ConfigErr is set when the stored transport config could not be
	// decoded. TransportConfig is then empty and delivery fails the record.
	ConfigErr error
}

// NewRecord builds a pending record from a validated command.
func NewRecord(cmd Command, shardCount int) (*Record, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if shardCount <= 0 {
		return nil, errors.NewValidationError("shardCount", "must be positive")
	}

	now := time.Now()
	return &Record{
		TaskID:          cmd.TaskID,
		TaskName:        cmd.TaskName,
		Shard:           ShardOf(cmd.TaskID, shardCount),
		TransportType:   cmd.TransportType,
		TransportConfig: cmd.TransportConfig,
		Status:          StatusPending,
		Payload:         cmd.Payload,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}
