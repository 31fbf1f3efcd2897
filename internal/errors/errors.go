// Package errors defines the structured error taxonomy used across the
// pipeline. Kinds map to propagation policy: timeouts and health
// failures convert to domain results, transient cluster errors retry,
// security blocks reject the incident.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error sentinels usable with errors.Is.
var (
	ErrQueueFull         = errors.New("incident queue full")
	ErrTimeout           = errors.New("timeout")
	ErrToolUnavailable   = errors.New("external tool unavailable")
	ErrValidationFailed  = errors.New("validation failed")
	ErrSecurityBlocked   = errors.New("security scan blocked")
	ErrHealthFailed      = errors.New("health check failed")
	ErrUnsupportedChange = errors.New("unsupported change")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
)

// Kind categorizes an error for propagation policy.
type Kind string

const (
	KindInput         Kind = "input"
	KindTimeout       Kind = "timeout"
	KindExternalTool  Kind = "external_tool"
	KindClusterAPI    Kind = "cluster_api"
	KindValidation    Kind = "validation"
	KindSecurityBlock Kind = "security_block"
	KindHealthFailure Kind = "health_failure"
	KindFatal         Kind = "fatal"
)

// OpError is a structured error carrying the failed operation and the
// resource it touched. User-visible failures include the incident id and
// correlation key through the fields here.
type OpError struct {
	Kind           Kind
	Op             string // operation that failed, e.g. "clone_workload"
	Resource       string // resource reference, e.g. "production/pod/demo-api"
	IncidentID     string
	CorrelationKey string
	Err            error
	StatusCode     int
	Timestamp      time.Time
	Retryable      bool
}

func (e *OpError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Is maps kinds onto the base sentinels so callers can test with
// errors.Is without knowing about OpError.
func (e *OpError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrToolUnavailable:
		return e.Kind == KindExternalTool
	case ErrValidationFailed:
		return e.Kind == KindValidation
	case ErrSecurityBlocked:
		return e.Kind == KindSecurityBlock
	case ErrHealthFailed:
		return e.Kind == KindHealthFailure
	case ErrInvalidInput:
		return e.Kind == KindInput
	}
	return errors.Is(e.Err, target)
}

// New creates an OpError with retryability derived from the kind.
func New(kind Kind, op, resource string, err error) *OpError {
	return &OpError{
		Kind:      kind,
		Op:        op,
		Resource:  resource,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: defaultRetryable(kind),
	}
}

// WithIncident attaches incident identity for user-visible reporting.
func (e *OpError) WithIncident(incidentID, correlationKey string) *OpError {
	e.IncidentID = incidentID
	e.CorrelationKey = correlationKey
	return e
}

// WithStatusCode records an HTTP status and adjusts retryability.
func (e *OpError) WithStatusCode(code int) *OpError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 {
		e.Retryable = false
	}
	return e
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindClusterAPI:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether the error should be retried with backoff.
func IsRetryable(err error) bool {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Retryable
	}
	return errors.Is(err, ErrTimeout)
}

// IsBenignCleanup reports whether an error during teardown can be
// ignored. Not-found during cleanup means the work is already done.
func IsBenignCleanup(err error) bool {
	return err == nil || errors.Is(err, ErrNotFound)
}

// Wrap helpers for the common kinds.

func WrapClusterAPI(op, resource string, err error) error {
	return New(KindClusterAPI, op, resource, err)
}

func WrapTimeout(op, resource string, err error) error {
	return New(KindTimeout, op, resource, err)
}

func WrapTool(op, tool string, err error) error {
	return New(KindExternalTool, op, tool, err)
}

func WrapValidation(op string, err error) error {
	return New(KindValidation, op, "", err)
}
