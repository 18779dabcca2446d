package types

import "fmt"

// ErrorCode classifies a terminal session failure so callers can decide
// whether an automatic retry is reasonable.
type ErrorCode string

const (
	// ErrCodeTimeout covers both idle-timeout and max-duration expiry.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeAborted is explicit caller cancellation.
	ErrCodeAborted ErrorCode = "ABORTED"
	// ErrCodeTransport covers connection failures and non-success statuses.
	ErrCodeTransport ErrorCode = "TRANSPORT"
	// ErrCodeProtocol is an error frame decoded from the stream itself.
	ErrCodeProtocol ErrorCode = "PROTOCOL"
)

// SessionError is the single error type surfaced through OnError.
// Format: {"code": "TIMEOUT", "message": "..."}
type SessionError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// BackendCode carries an optional backend-supplied code from a decoded
	// error frame.
	BackendCode string `json:"backendCode,omitempty"`
}

func (e *SessionError) Error() string {
	if e.BackendCode != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.BackendCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether an automatic retry may help. Timeouts and
// transport failures are retryable; cancellations and backend-reported
// errors are not.
func (e *SessionError) Retryable() bool {
	return e.Code == ErrCodeTimeout || e.Code == ErrCodeTransport
}

// NewTimeoutError creates a TIMEOUT error.
func NewTimeoutError(message string) *SessionError {
	return &SessionError{Code: ErrCodeTimeout, Message: message}
}

// NewAbortedError creates an ABORTED error.
func NewAbortedError(message string) *SessionError {
	return &SessionError{Code: ErrCodeAborted, Message: message}
}

// NewTransportError creates a TRANSPORT error.
func NewTransportError(message string) *SessionError {
	return &SessionError{Code: ErrCodeTransport, Message: message}
}

// NewProtocolError creates a PROTOCOL error from a decoded error frame.
func NewProtocolError(message, backendCode string) *SessionError {
	return &SessionError{Code: ErrCodeProtocol, Message: message, BackendCode: backendCode}
}
