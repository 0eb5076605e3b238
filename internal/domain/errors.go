package domain

import (
	"errors"
	"fmt"
)

// Error codes surfaced to clients and tool callers.
const (
	CodeInvalidConfig    = "invalid_config"
	CodeDuplicateAgentID = "duplicate_agent_id"

	CodeSessionNotFound          = "session_not_found"
	CodeSessionBusy              = "session_busy"
	CodeNameInUse                = "name_in_use"
	CodeInvalidSessionAttributes = "invalid_session_attributes"

	CodeAgentNotFound      = "agent_not_found"
	CodeAgentNotAccessible = "agent_not_accessible"
	CodeAgentNotAvailable  = "agent_not_available"
	CodeAgentSessionError  = "agent_session_error"
	CodeAgentMessageFailed = "agent_message_failed"

	CodeToolNotFound     = "tool_not_found"
	CodeToolNotAllowed   = "tool_not_allowed"
	CodeToolInterrupted  = "tool_interrupted"
	CodeInvalidArguments = "invalid_arguments"
	CodeRateLimited      = "rate_limited"

	CodeUnsupportedProtocolVersion = "unsupported_protocol_version"
	CodeInvalidEvent               = "invalid_event"
	CodeSessionMismatch            = "session_mismatch"

	CodeExternalAgentError = "external_agent_error"
	CodeInternalError      = "internal_error"
)

// Error is a coded error. Components return these where a specific code is
// part of the contract; everything else uses plain wrapped errors.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Errorf builds a coded error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the error code from err, or "" if err carries none.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
