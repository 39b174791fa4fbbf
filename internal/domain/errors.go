package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, combined with NewSubSystemError for subsystem errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrLimitReached = fmt.Errorf("limit reached")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrCancelled    = fmt.Errorf("cancelled")
)

// Sentinel errors for the domain layer.
var (
	ErrRateLimit      = fmt.Errorf("rate limit exceeded")
	ErrUnavailable    = fmt.Errorf("unavailable")
	ErrNoBackend      = fmt.Errorf("no backend available")
	ErrCircuitOpen    = fmt.Errorf("circuit open")
	ErrWorkerCrashed  = fmt.Errorf("worker crashed")
	ErrWorkerNotReady = fmt.Errorf("worker not ready")
	ErrCostExceeded   = fmt.Errorf("cost limit exceeded")
	ErrConfigInvalid  = fmt.Errorf("invalid configuration")
	ErrStoreFailure   = fmt.Errorf("state store operation failed")
	ErrPoolDraining   = fmt.Errorf("pool is draining")
)

// ErrorKind classifies a failure for retry and recovery decisions.
type ErrorKind string

const (
	KindTransient         ErrorKind = "transient"          // network error, timeout, rate limit
	KindResourceExhausted ErrorKind = "resource_exhausted" // pool at max, acquire timeout
	KindConfiguration     ErrorKind = "configuration"      // missing credential, unsupported capability
	KindProcessFailure    ErrorKind = "process_failure"    // worker crashed, non-zero exit
	KindUnavailable       ErrorKind = "unavailable"        // all backends/workers unhealthy
	KindUnknown           ErrorKind = "unknown"
)

// DomainError wraps a sentinel error with context. Every error that crosses
// a component boundary carries its kind, whether retrying may help, and the
// originating worker/backend identity for diagnostics.
type DomainError struct {
	Op        string // operation name (e.g., "Fleet.Start")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "fleet", "router")
	Origin    string // worker or backend identity, if known
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WithOrigin returns a copy of the error annotated with the worker or
// backend it originated from.
func (e *DomainError) WithOrigin(origin string) *DomainError {
	clone := *e
	clone.Origin = origin
	return &clone
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// KindOf maps an error to its ErrorKind by walking the chain.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrRateLimit), errors.Is(err, ErrTimeout), errors.Is(err, ErrCircuitOpen):
		return KindTransient
	case errors.Is(err, ErrLimitReached), errors.Is(err, ErrPoolDraining):
		return KindResourceExhausted
	case errors.Is(err, ErrConfigInvalid), errors.Is(err, ErrInvalidInput):
		return KindConfiguration
	case errors.Is(err, ErrWorkerCrashed), errors.Is(err, ErrWorkerNotReady):
		return KindProcessFailure
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrNoBackend):
		return KindUnavailable
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether err is a failure that may succeed on retry,
// possibly after backoff. Configuration errors are never retryable.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindResourceExhausted, KindProcessFailure:
		return true
	default:
		return false
	}
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown        ErrorCode = "UNKNOWN"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeDuplicate      ErrorCode = "DUPLICATE"
	CodeTimeout        ErrorCode = "TIMEOUT"
	CodeLimitReached   ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeCancelled      ErrorCode = "CANCELLED"
	CodeRateLimit      ErrorCode = "RATE_LIMIT"
	CodeUnavailable    ErrorCode = "UNAVAILABLE"
	CodeNoBackend      ErrorCode = "NO_BACKEND"
	CodeCircuitOpen    ErrorCode = "CIRCUIT_OPEN"
	CodeWorkerCrashed  ErrorCode = "WORKER_CRASHED"
	CodeWorkerNotReady ErrorCode = "WORKER_NOT_READY"
	CodeCostExceeded   ErrorCode = "COST_EXCEEDED"
	CodeConfigInvalid  ErrorCode = "CONFIG_INVALID"
	CodeStoreFailure   ErrorCode = "STORE_FAILURE"
	CodePoolDraining   ErrorCode = "POOL_DRAINING"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeWorkerNotFound  ErrorCode = "WORKER_NOT_FOUND"
	CodeBackendNotFound ErrorCode = "BACKEND_NOT_FOUND"
	CodePoolNotFound    ErrorCode = "POOL_NOT_FOUND"
	CodeFleetAtCapacity ErrorCode = "FLEET_AT_CAPACITY"
	CodeAcquireTimeout  ErrorCode = "ACQUIRE_TIMEOUT"
	CodeTaskTimeout     ErrorCode = "TASK_TIMEOUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:       CodeNotFound,
	ErrDuplicate:      CodeDuplicate,
	ErrTimeout:        CodeTimeout,
	ErrLimitReached:   CodeLimitReached,
	ErrInvalidInput:   CodeInvalidInput,
	ErrCancelled:      CodeCancelled,
	ErrRateLimit:      CodeRateLimit,
	ErrUnavailable:    CodeUnavailable,
	ErrNoBackend:      CodeNoBackend,
	ErrCircuitOpen:    CodeCircuitOpen,
	ErrWorkerCrashed:  CodeWorkerCrashed,
	ErrWorkerNotReady: CodeWorkerNotReady,
	ErrCostExceeded:   CodeCostExceeded,
	ErrConfigInvalid:  CodeConfigInvalid,
	ErrStoreFailure:   CodeStoreFailure,
	ErrPoolDraining:   CodePoolDraining,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific codes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"fleet":  CodeWorkerNotFound,
		"router": CodeBackendNotFound,
		"pool":   CodePoolNotFound,
	},
	ErrLimitReached: {
		"fleet": CodeFleetAtCapacity,
	},
	ErrTimeout: {
		"pool":     CodeAcquireTimeout,
		"executor": CodeTaskTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		return de.Code()
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, the subSystemCodeMap is consulted first.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
