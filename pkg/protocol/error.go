package protocol

import (
	"fmt"
	"strings"
)

// Stable error codes carried in protocol.error payloads.
//
// Handshake-phase codes (auth_failed, version_mismatch,
// connection_rate_limit_exceeded) are fatal to the connection. All other
// codes are per-frame recoverable: the offending frame is rejected and the
// connection stays open.
const (
	CodeAuthFailed              = "auth_failed"
	CodeVersionMismatch         = "version_mismatch"
	CodeConnectionRateLimited   = "connection_rate_limit_exceeded"
	CodeMessageTooLarge         = "message_too_large"
	CodeRateLimitExceeded       = "rate_limit_exceeded"
	CodeInvalidMessage          = "invalid_message"
	CodeInvalidActionPayload    = "invalid_action_payload"
	CodeUnknownAction           = "unknown_action"
	CodeHandlerError            = "handler_error"
)

// ErrorPayload is the payload of a protocol.error message.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewErrorMessage builds a protocol.error message for the given trace.
func NewErrorMessage(traceID, code, message string, details map[string]any) *Message {
	return MustMessage(TypeError, NewHeader(traceID), ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// IsFatalCode reports whether the code terminates the connection
// (handshake-phase failures).
func IsFatalCode(code string) bool {
	switch code {
	case CodeAuthFailed, CodeVersionMismatch, CodeConnectionRateLimited:
		return true
	}
	return false
}

// Issue describes a single validation failure within a payload.
type Issue struct {
	Location string `json:"location"`
	Message  string `json:"message"`
	Kind     string `json:"kind"`
}

// Issue kinds.
const (
	IssueMissing     = "missing"
	IssueInvalidType = "invalid_type"
	IssueInvalidEnum = "invalid_enum"
)

// ValidationError carries the structured issue list produced by payload
// validation. It surfaces to the client as invalid_action_payload and never
// crashes the connection.
type ValidationError struct {
	Issues []Issue
}

// Error returns a compact summary of all issues.
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", issue.Location, issue.Message))
	}
	return "protocol: invalid payload: " + strings.Join(parts, "; ")
}

// Details returns the issues in the shape carried by ErrorPayload.Details.
func (e *ValidationError) Details() map[string]any {
	return map[string]any{"issues": e.Issues}
}
