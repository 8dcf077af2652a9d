package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the pipeline can surface, either
// in the artifact's error map or as a fatal run error.
type ErrorKind string

const (
	ErrorKindConfig        ErrorKind = "config"
	ErrorKindProviderAuth  ErrorKind = "provider-auth"
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindRateLimited   ErrorKind = "rate-limited"
	ErrorKindBreakerOpen   ErrorKind = "breaker-open"
	ErrorKindProvider      ErrorKind = "provider-error"
	ErrorKindTransport     ErrorKind = "transport"
	ErrorKindFormat        ErrorKind = "format"
	ErrorKindJudge         ErrorKind = "judge-error"
	ErrorKindFunction      ErrorKind = "function-error"
	ErrorKindEmbeddingFail ErrorKind = "embedding-fail"
	ErrorKindStorage       ErrorKind = "storage-error"
)

// PipelineError is an error tagged with its artifact-visible kind.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewPipelineError builds a tagged error wrapping an optional cause.
func NewPipelineError(kind ErrorKind, msg string, cause error) *PipelineError {
	return &PipelineError{Kind: kind, Message: msg, Cause: cause}
}

// KindOf extracts the ErrorKind from err, walking the wrap chain.
// Unclassified errors report as transport.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrorKindTransport
}
