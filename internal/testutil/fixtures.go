package testutil

import (
	"time"

	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
)

// NewTestCommand returns a valid HTTP notification command for taskID.
func NewTestCommand(taskID string) taskmessage.Command {
	return taskmessage.Command{
		TaskID:        taskID,
		TaskName:      "test.task",
		TransportType: taskmessage.TransportHTTP,
		TransportConfig: taskmessage.TransportConfig{
			HTTP: &taskmessage.HTTPConfig{URL: "http://callback.test/notify"},
		},
		Payload: `{"task":"` + taskID + `"}`,
	}
}

// NewTestRecord returns a stored record with a fixed id, shard and status.
func NewTestRecord(id int64, taskID string, shard int, status taskmessage.Status) taskmessage.Record {
	now := time.Now()
	return taskmessage.Record{
		ID:            id,
		TaskID:        taskID,
		TaskName:      "test.task",
		Shard:         shard,
		TransportType: taskmessage.TransportHTTP,
		TransportConfig: taskmessage.TransportConfig{
			HTTP: &taskmessage.HTTPConfig{URL: "http://callback.test/notify"},
		},
		Status:    status,
		Payload:   `{"task":"` + taskID + `"}`,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
