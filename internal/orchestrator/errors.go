package orchestrator

import (
	"errors"
	"fmt"
)

type Stage string

const (
	StageAuthorizing     Stage = "authorizing"
	StageContextBuilding Stage = "context_building"
	StageGenerating      Stage = "generating"
	StageExecuting       Stage = "executing"
	StageCharging        Stage = "charging"
	StageRecording       Stage = "recording"
	StageDone            Stage = "done"
)

type Kind string

const (
	KindUnauthenticated   Kind = "unauthenticated"
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindPaymentRequired   Kind = "payment_required"
	KindGenerationFailure Kind = "generation_failure"
	KindExecutionFailure  Kind = "execution_failure"
	KindInternalFailure   Kind = "internal_failure"
)

// Error is the terminal Failed(stage, kind) state of one pipeline run.
// Message is safe to show to the caller.
type Error struct {
	Stage   Stage
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s failed (%s): %s: %v", e.Stage, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %s", e.Stage, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the failure kind carried by err, or KindInternalFailure for
// errors that did not come from the pipeline.
func KindOf(err error) Kind {
	var pipelineErr *Error
	if errors.As(err, &pipelineErr) {
		return pipelineErr.Kind
	}
	return KindInternalFailure
}

func fail(stage Stage, kind Kind, message string, err error) *Error {
	return &Error{Stage: stage, Kind: kind, Message: message, Err: err}
}
