package crawl

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced across package boundaries; callers match with errors.Is.
var (
	// ErrNotFound covers both missing records and records the caller does not own.
	ErrNotFound = errors.New("not found")
	// ErrConflict signals the one-active-job-per-project rule.
	ErrConflict = errors.New("another crawl is already running")
	// ErrCrawlLimitReached means the user has no crawl credits left.
	ErrCrawlLimitReached = errors.New("crawl limit reached")
	// ErrNotIngestable means the job is not accepting worker batches.
	ErrNotIngestable = errors.New("job is not in an ingestable state")
	// ErrInvalidTransition means the job's status changed under the caller.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports a malformed request; no state was mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
