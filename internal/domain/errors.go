package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the backend channel. Every failure the core can produce
// wraps exactly one of these, so callers can branch with errors.Is.
var (
	ErrStartupTimeout = fmt.Errorf("backend handshake timed out")
	ErrSpawnFailed    = fmt.Errorf("backend process spawn failed")
	ErrUnreachable    = fmt.Errorf("backend unreachable")
	ErrProtocol       = fmt.Errorf("protocol violation")
	ErrRequestTimeout = fmt.Errorf("request timed out")
	ErrRemote         = fmt.Errorf("backend reported error")

	// Coordinator errors.
	ErrConfirmationAbandoned = fmt.Errorf("confirmation abandoned")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "RpcChannel.Call")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
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

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient failure where a
// restart-and-retry may succeed. Remote errors are excluded here; their
// retryability depends on the failure class (see channel.Classify).
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrRequestTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code; remote errors
// additionally resolve through their failure class (see channel.Classify).
const (
	CodeUnknown        ErrorCode = "UNKNOWN"
	CodeStartupTimeout ErrorCode = "STARTUP_TIMEOUT"
	CodeSpawnFailed    ErrorCode = "SPAWN_FAILED"
	CodeUnreachable    ErrorCode = "UNREACHABLE"
	CodeProtocol       ErrorCode = "PROTOCOL"
	CodeRequestTimeout ErrorCode = "REQUEST_TIMEOUT"
	CodeRemote         ErrorCode = "REMOTE"
	CodeAbandoned      ErrorCode = "CONFIRMATION_ABANDONED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrStartupTimeout:        CodeStartupTimeout,
	ErrSpawnFailed:           CodeSpawnFailed,
	ErrUnreachable:           CodeUnreachable,
	ErrProtocol:              CodeProtocol,
	ErrRequestTimeout:        CodeRequestTimeout,
	ErrRemote:                CodeRemote,
	ErrConfirmationAbandoned: CodeAbandoned,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
