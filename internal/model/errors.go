package model

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrValidation marks bad client input. The job is never created.
	ErrValidation = errors.New("validation failed")
	// ErrTooLarge is a validation error for uploads over the size ceiling.
	ErrTooLarge = fmt.Errorf("%w: file too large", ErrValidation)
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an operation does not fit the job's current state.
	ErrConflict = errors.New("conflict")
	// ErrLeaseHeld is returned when a processing attempt cannot start because
	// another worker holds a live lease on the job.
	ErrLeaseHeld = errors.New("job is leased by another worker")
	// ErrStorage and ErrQueue mark infrastructure failures that are retried by redelivery.
	ErrStorage = errors.New("storage unavailable")
	ErrQueue   = errors.New("queue unavailable")
	// ErrUnavailable marks a dependency (model service) that could not be reached.
	ErrUnavailable = errors.New("dependency unavailable")
)

// PipelineError is a failure of the transcription pipeline on a specific input.
// It is terminal for the job and never retried.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Stage == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// IsInfrastructure reports whether err should leave a task unacknowledged.
func IsInfrastructure(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return false
	}
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrQueue) || errors.Is(err, ErrUnavailable)
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
