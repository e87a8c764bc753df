package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrExtraction indicates every retrieval strategy was exhausted.
	ErrExtraction = errors.New("extraction failed")
	// ErrValidation indicates a retrieved artifact is not usable media.
	ErrValidation = errors.New("artifact validation failed")
	// ErrTranscode indicates the encoder failed or its output was unusable.
	ErrTranscode = errors.New("transcode failed")
	// ErrTimeout indicates an external invocation exceeded its bound.
	ErrTimeout = errors.New("external invocation timed out")
	// ErrStorage indicates a filesystem operation failed.
	ErrStorage = errors.New("storage operation failed")
	// ErrNotFound indicates a task or its backing file is missing.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict indicates the task is not in the status an operation requires.
	ErrStateConflict = errors.New("state conflict")
)

// StageError carries a failure category together with the stage that raised it.
type StageError struct {
	Kind  error
	Stage string
	Msg   string
	Err   error
}

func (e *StageError) Error() string {
	msg := e.Msg
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Stage == "" {
		return msg
	}
	return e.Stage + ": " + msg
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Is matches the category sentinel so callers can use errors.Is(err, ErrTimeout).
func (e *StageError) Is(target error) bool {
	return e.Kind != nil && e.Kind == target
}

// NewStageError builds a StageError.
func NewStageError(kind error, stage, msg string, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Msg: msg, Err: err}
}
