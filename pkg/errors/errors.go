// Package errors provides the domain error sentinels shared by the meetings
// backend, its HTTP client and the client-side pipeline.
//
// Usage:
//
//	import apperrors "github.com/aura-webinar/meetings/pkg/errors"
//
//	return nil, fmt.Errorf("get meeting %s: %w", id, apperrors.ErrNotFound)
//
//	if apperrors.IsNotFound(err) {
//	    // meeting no longer exists
//	}
package errors

import "errors"

var (
	// ErrNotFound indicates the meeting or sub-resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a competing operation holds the resource (e.g. an upload in flight).
	ErrConflict = errors.New("conflict")

	// ErrInvalidState indicates a stage precondition was not met.
	ErrInvalidState = errors.New("invalid state")

	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("validation error")

	// ErrUnavailable indicates a collaborator (backend, storage, engine) could not be reached.
	ErrUnavailable = errors.New("service unavailable")
)

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether any error in err's chain is ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsInvalidState reports whether any error in err's chain is ErrInvalidState.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsUnavailable reports whether any error in err's chain is ErrUnavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
