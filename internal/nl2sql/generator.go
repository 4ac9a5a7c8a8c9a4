package nl2sql

import (
	"context"
	"fmt"
)

// Generation is one model answer. Raw is kept even when no SQL was found.
type Generation struct {
	SQL      string
	Raw      string
	Provider string
	Model    string
}

type Generator interface {
	Generate(ctx context.Context, sqlContext Context, question string) (Generation, error)
}

// GenerationError reports a failed model call: transport, auth, rate limit,
// timeout or an undecodable reply.
type GenerationError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Message    string
	Err        error
}

func (e *GenerationError) Error() string {
	msg := e.Message
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status=%d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, msg, e.Err)
	}
	return e.Provider + ": " + msg
}

func (e *GenerationError) Unwrap() error { return e.Err }
