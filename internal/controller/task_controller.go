package controller

import (
	"context"
	"net/http"

	domainErrors "github.com/cassiomorais/taskmessage/internal/domain/errors"
	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
	"github.com/go-chi/chi/v5"
)

// TaskWriter records a task message, optionally alongside business writes.
type TaskWriter interface {
	Execute(ctx context.Context, cmd taskmessage.Command, business func(ctx context.Context) error) (*taskmessage.Record, error)
}

// TaskReader looks up a task message by its business id.
type TaskReader interface {
	GetByTaskID(ctx context.Context, taskID string) (*taskmessage.Record, error)
}

type TaskController struct {
	writer TaskWriter
	reader TaskReader
}

func NewTaskController(writer TaskWriter, reader TaskReader) *TaskController {
	return &TaskController{writer: writer, reader: reader}
}

// Create records the task message and answers 202; delivery happens after
// the response.
func (h *TaskController) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cmd, err := req.toCommand()
	if err != nil {
		writeError(w, domainErrors.NewValidationError("payload", err.Error()))
		return
	}

	rec, err := h.writer.Execute(r.Context(), cmd, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/tasks/"+rec.TaskID)
	writeJSON(w, http.StatusAccepted, toTaskResponse(rec))
}

func (h *TaskController) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.reader.GetByTaskID(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(rec))
}
