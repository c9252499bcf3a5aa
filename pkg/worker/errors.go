package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/docflowhq/docflow/pkg/archive"
	"github.com/docflowhq/docflow/pkg/cost"
	"github.com/docflowhq/docflow/pkg/store"
)

// ErrorKind classifies handler failures for the runtime's disposition
// table.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindCostLimit    ErrorKind = "cost_limit_exceeded"
	KindSecurity     ErrorKind = "security_violation"
	KindTransientIO  ErrorKind = "transient_io"
	KindProvider     ErrorKind = "provider"
	KindStorage      ErrorKind = "storage"
	KindNotFound     ErrorKind = "not_found"
	KindCancelled    ErrorKind = "cancelled"
)

// error codes surfaced to users in task results
const (
	CodeCostLimitExceeded = "COST_LIMIT_EXCEEDED"
	CodeSecurityViolation = "SECURITY_VIOLATION"
)

// HandlerError is the tagged failure a stage handler returns. The worker
// runtime maps it to a status transition; handlers never set task status
// themselves.
type HandlerError struct {
	Kind      ErrorKind
	Retryable bool
	Err       error

	// Results, when set, is written onto the failed task (diagnostics
	// such as the rejected cost estimate).
	Results []byte
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// ErrorCode maps terminal failure kinds to the codes surfaced in task
// results.
func ErrorCode(kind ErrorKind) string {
	switch kind {
	case KindCostLimit:
		return CodeCostLimitExceeded
	case KindSecurity:
		return CodeSecurityViolation
	default:
		return ""
	}
}

// failureResults returns the diagnostics written onto a failed task.
// Handlers may attach a payload themselves (the cost gate records the
// rejected estimate); otherwise one is built from the error code.
func failureResults(herr *HandlerError) []byte {
	if len(herr.Results) > 0 {
		return herr.Results
	}
	code := ErrorCode(herr.Kind)
	if code == "" {
		return nil
	}
	out, err := json.Marshal(map[string]string{
		"error_code": code,
		"error":      herr.Err.Error(),
	})
	if err != nil {
		return nil
	}
	return out
}

// Fail wraps an error as a non-retryable handler failure.
func Fail(kind ErrorKind, err error) *HandlerError {
	return &HandlerError{Kind: kind, Err: err}
}

// Retry wraps an error as a retryable handler failure.
func Retry(kind ErrorKind, err error) *HandlerError {
	return &HandlerError{Kind: kind, Retryable: true, Err: err}
}

// Classify maps an arbitrary error to a HandlerError using the error
// taxonomy: security and cost errors are terminal, network trouble and
// timeouts retry, missing rows ack and move on.
func Classify(err error) *HandlerError {
	var he *HandlerError
	if errors.As(err, &he) {
		return he
	}

	switch {
	case errors.Is(err, cost.ErrCostLimitExceeded), errors.Is(err, cost.ErrInvalidLimit):
		return Fail(KindCostLimit, err)
	case errors.Is(err, archive.ErrZipBomb),
		errors.Is(err, archive.ErrInvalidArchive),
		errors.Is(err, archive.ErrTooManyFiles),
		errors.Is(err, archive.ErrEmptyArchive):
		return Fail(KindSecurity, err)
	case errors.Is(err, store.ErrNotFound):
		return Fail(KindNotFound, err)
	case errors.Is(err, context.DeadlineExceeded):
		return Retry(KindTransientIO, err)
	case errors.Is(err, context.Canceled):
		return Fail(KindCancelled, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retry(KindTransientIO, err)
	}

	// Unknown errors retry; the retry budget bounds the damage.
	return Retry(KindTransientIO, err)
}
