// Package notify delivers task messages to their destinations. Each transport
// has a Strategy; the Registry picks one per record, guards it with a circuit
// breaker and records the outcome in the message table.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/taskmessage/internal/domain/errors"
	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
	"github.com/rs/zerolog"
)

// statusWriteTimeout bounds a status update issued after the delivery context
// may already have expired.
const statusWriteTimeout = 5 * time.Second

// Strategy delivers one record over one transport.
//
// On a transport failure the strategy marks the record Failed itself and
// returns an error matching ErrTransport. When its client is not configured it
// returns ErrTransportNotConfigured and leaves the status alone. On success it
// returns a short result string; marking Success is left to the caller.
type Strategy interface {
	Type() taskmessage.TransportType
	Notify(ctx context.Context, rec taskmessage.Record) (string, error)
}

// failer is embedded by strategies to mark records Failed.
type failer struct {
	store  taskmessage.StatusUpdater
	logger zerolog.Logger
}

func (f failer) fail(ctx context.Context, rec taskmessage.Record, cause error) error {
	transportErr := domainErrors.Transport(string(rec.TransportType), cause)

	if !taskmessage.CanTransition(rec.Status, taskmessage.StatusFailed) {
		f.logger.Warn().Str("task_id", rec.TaskID).Str("status", rec.Status.String()).Msg("Delivery failed for a record that cannot be marked failed")
		return errors.Join(transportErr, fmt.Errorf("%s -> %s: %w", rec.Status, taskmessage.StatusFailed, domainErrors.ErrInvalidStateTransition))
	}

	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	affected, err := f.store.UpdateStatus(statusCtx, rec.TaskID, taskmessage.StatusFailed)
	if err != nil {
		f.logger.Error().Err(err).Str("task_id", rec.TaskID).Msg("Failed to mark task message failed")
		return errors.Join(transportErr, err)
	}
	if affected == 0 {
		f.logger.Warn().Str("task_id", rec.TaskID).Msg("Mark failed matched no row")
	}
	return transportErr
}

func notConfigured(t taskmessage.TransportType) error {
	return fmt.Errorf("%s: %w", t, domainErrors.ErrTransportNotConfigured)
}

func missingSection(t taskmessage.TransportType, rec taskmessage.Record) error {
	if rec.ConfigErr != nil {
		return fmt.Errorf("record has unreadable %s transport config: %w: %w", t, domainErrors.ErrInvalidInput, rec.ConfigErr)
	}
	return fmt.Errorf("record has no %s transport config: %w", t, domainErrors.ErrInvalidInput)
}
