package tools

import (
	"context"
	"errors"

	"github.com/scrypster/spirit-memory/internal/engine"
	"github.com/scrypster/spirit-memory/internal/storage"
)

// Error codes
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeConstraintViolation = "CONSTRAINT_VIOLATION"
	CodeAlreadyProcessed    = "ALREADY_PROCESSED"
	CodeSourceNotFound      = "SOURCE_NOT_FOUND"
	CodeSubAgentFailure     = "SUB_AGENT_FAILURE"
	CodeStorageFailure      = "STORAGE_FAILURE"
	CodeCancelled           = "CANCELLED"
	CodeInternal            = "INTERNAL_ERROR"
)

// ErrorCode maps err onto a tool error code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, engine.ErrValidation):
		return CodeValidation
	case errors.Is(err, engine.ErrAlreadyProcessed):
		return CodeAlreadyProcessed
	case errors.Is(err, engine.ErrSourceNotFound):
		return CodeSourceNotFound
	case errors.Is(err, engine.ErrSubAgentFailure):
		return CodeSubAgentFailure
	case errors.Is(err, storage.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, storage.ErrConstraintViolation), errors.Is(err, storage.ErrPackOwnerMismatch):
		return CodeConstraintViolation
	case errors.Is(err, storage.ErrStorageFailure):
		return CodeStorageFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	default:
		return CodeInternal
	}
}

func toolError(err error) *ToolError {
	te := &ToolError{Code: ErrorCode(err), Message: err.Error()}
	var dup *engine.AlreadyProcessedError
	if errors.As(err, &dup) {
		te.JobID = dup.JobID
	}
	return te
}
