// Package core holds the shared error taxonomy used across the streaming
// pipeline. Components classify failures here so the orchestrator and UI can
// distinguish recoverable conditions from terminal ones.
package core

import (
	"errors"
	"fmt"
)

// Error is a classified pipeline error.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrNetwork covers socket errors, connect timeouts and abrupt closes.
	// Always recoverable via reconnect.
	ErrNetwork ErrorType = "network_error"
	// ErrPermission covers denied or unavailable capture hardware. Terminal
	// for the current start attempt.
	ErrPermission ErrorType = "permission_error"
	// ErrCaptureTarget covers detached/invalid/inaccessible capture targets.
	ErrCaptureTarget ErrorType = "capture_target_error"
	// ErrProtocol covers malformed inbound frames. Logged and dropped.
	ErrProtocol ErrorType = "protocol_error"
	// ErrState covers invalid lifecycle transitions (start while started).
	ErrState ErrorType = "state_error"
)

// Permission error codes, used by the UI to show actionable guidance.
const (
	CodePermissionDenied   = "permission_denied"
	CodeNoDevice           = "no_device"
	CodeUnsupportedContext = "unsupported_context"
	CodePromptDismissed    = "prompt_dismissed"
)

// Capture-target error codes.
const (
	CodeTargetDetached = "target_detached"
	CodeTargetInvalid  = "target_invalid"
	CodePrivilegedURL  = "privileged_url"
)

// State error codes.
const (
	CodeAlreadyActive = "already_active"
	CodeNotActive     = "not_active"
)

// NewNetworkError creates a recoverable network error.
func NewNetworkError(message string, cause error) *Error {
	return &Error{Type: ErrNetwork, Message: message, Cause: cause}
}

// NewPermissionError creates a permission error with a specific code.
func NewPermissionError(code, message string, cause error) *Error {
	return &Error{Type: ErrPermission, Message: message, Code: code, Cause: cause}
}

// NewCaptureTargetError creates a capture-target error with a specific code.
func NewCaptureTargetError(code, message string, cause error) *Error {
	return &Error{Type: ErrCaptureTarget, Message: message, Code: code, Cause: cause}
}

// NewProtocolError creates a protocol/parse error.
func NewProtocolError(message string, cause error) *Error {
	return &Error{Type: ErrProtocol, Message: message, Cause: cause}
}

// NewStateError creates a lifecycle-state error.
func NewStateError(code, message string) *Error {
	return &Error{Type: ErrState, Message: message, Code: code}
}

// IsRecoverable reports whether the pipeline may retry after this error
// without tearing the session down.
func (e *Error) IsRecoverable() bool {
	switch e.Type {
	case ErrNetwork, ErrProtocol:
		return true
	case ErrCaptureTarget:
		return e.Code != CodePrivilegedURL
	default:
		return false
	}
}

// CodeOf extracts the classification code from err, or "" when err is not a
// classified *Error.
func CodeOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Code
	}
	return ""
}

// TypeOf extracts the classification type from err, or "" when err is not a
// classified *Error.
func TypeOf(err error) ErrorType {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Type
	}
	return ""
}
