// Package pipeline drives a meeting from uploaded media to insights against
// the meetings API: upload, registration, stage triggers and bounded polling,
// plus the notes, agenda and action managers.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/aura-webinar/meetings/pkg/errors"
)

// Outcome is the typed result every pipeline and manager operation reduces to.
type Outcome string

const (
	OutcomeOK                 Outcome = "ok"
	OutcomeServiceUnavailable Outcome = "service_unavailable"
	OutcomeNotFound           Outcome = "not_found"
	OutcomeTimeout            Outcome = "timeout"
	OutcomeRejected           Outcome = "rejected"
	OutcomeCancelled          Outcome = "cancelled"
)

var (
	// ErrTimeout means the poll budget ran out; the job may still finish server-side.
	ErrTimeout = errors.New("still processing, try again later")
	// ErrStageFailed means the backend reported the stage as failed.
	ErrStageFailed = errors.New("stage failed")
	// ErrMeetingGone means the meeting was deleted while the operation ran.
	ErrMeetingGone = fmt.Errorf("meeting no longer exists: %w", apperrors.ErrNotFound)
	// ErrUploadInProgress means another upload holds the meeting's recording slot.
	ErrUploadInProgress = fmt.Errorf("an upload is already in progress for this meeting: %w", apperrors.ErrConflict)
)

// OutcomeOf classifies err.
func OutcomeOf(err error) Outcome {
	var oe *OutcomeError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &oe):
		return oe.Outcome
	case errors.Is(err, context.Canceled):
		return OutcomeCancelled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case apperrors.IsNotFound(err):
		return OutcomeNotFound
	case apperrors.IsInvalidState(err), apperrors.IsConflict(err), apperrors.IsValidation(err), errors.Is(err, ErrStageFailed):
		return OutcomeRejected
	default:
		return OutcomeServiceUnavailable
	}
}

// OutcomeError carries the classified outcome of a failed operation.
type OutcomeError struct {
	Op      string
	Outcome Outcome
	Err     error
}

func (e *OutcomeError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Outcome, e.Err)
}

func (e *OutcomeError) Unwrap() error { return e.Err }

// wrap returns nil for nil err, else an *OutcomeError for op.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OutcomeError
	if errors.As(err, &oe) {
		return err
	}
	return &OutcomeError{Op: op, Outcome: OutcomeOf(err), Err: err}
}
