package controller

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
)

// --- Request DTOs ---

// CreateTaskRequest is the body of POST /api/v1/tasks. Payload may be any
// JSON value; a JSON string is stored unquoted, anything else as compact JSON.
type CreateTaskRequest struct {
	TaskID          string                      `json:"task_id" validate:"required,max=128"`
	TaskName        string                      `json:"task_name" validate:"max=255"`
	TransportType   string                      `json:"transport_type" validate:"required"`
	TransportConfig taskmessage.TransportConfig `json:"transport_config"`
	Payload         json.RawMessage             `json:"payload"`
}

func (r CreateTaskRequest) toCommand() (taskmessage.Command, error) {
	payload, err := payloadString(r.Payload)
	if err != nil {
		return taskmessage.Command{}, err
	}
	return taskmessage.Command{
		TaskID:          r.TaskID,
		TaskName:        r.TaskName,
		TransportType:   taskmessage.TransportType(r.TransportType),
		TransportConfig: r.TransportConfig,
		Payload:         payload,
	}, nil
}

func payloadString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// --- Response DTOs ---

// TaskResponse is the stored view of a task message. Transport credentials
// are not echoed back.
type TaskResponse struct {
	ID            int64     `json:"id"`
	TaskID        string    `json:"task_id"`
	TaskName      string    `json:"task_name,omitempty"`
	Shard         int       `json:"shard"`
	TransportType string    `json:"transport_type"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toTaskResponse(rec *taskmessage.Record) TaskResponse {
	return TaskResponse{
		ID:            rec.ID,
		TaskID:        rec.TaskID,
		TaskName:      rec.TaskName,
		Shard:         rec.Shard,
		TransportType: string(rec.TransportType),
		Status:        rec.Status.String(),
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
