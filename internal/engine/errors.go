package engine

import (
	"errors"
	"fmt"

	"github.com/scrypster/spirit-memory/internal/storage"
	"github.com/scrypster/spirit-memory/pkg/types"
)

var (
	// ErrValidation marks malformed or missing parameters. It is the storage
	// layer's invalid-input error so both layers report the same category.
	ErrValidation = storage.ErrInvalidInput

	// ErrAlreadyProcessed is returned when a source was extracted before, or
	// is being extracted now, and force was not set.
	ErrAlreadyProcessed = errors.New("source already processed")

	// ErrSourceNotFound is returned when original content cannot be located.
	ErrSourceNotFound = errors.New("source not found")

	// ErrSubAgentFailure is returned when every sub-agent call of an
	// extraction failed after retries, or no sub-agent is configured.
	ErrSubAgentFailure = errors.New("sub-agent failure")
)

// AlreadyProcessedError carries the duplicate source and, when the duplicate
// is still in flight, the job handling it.
type AlreadyProcessedError struct {
	SourceType types.SourceType
	SourceRef  string
	JobID      string
}

func (e *AlreadyProcessedError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s %s %s: job %s in progress", ErrAlreadyProcessed, e.SourceType, e.SourceRef, e.JobID)
	}
	return fmt.Sprintf("%s: %s %s", ErrAlreadyProcessed, e.SourceType, e.SourceRef)
}

// Is reports whether target is ErrAlreadyProcessed.
func (e *AlreadyProcessedError) Is(target error) bool {
	return target == ErrAlreadyProcessed
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
