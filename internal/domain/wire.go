package domain

import "encoding/json"

// ProtocolVersion is the client/server wire protocol version this build
// speaks. Hellos with any other version are rejected.
const ProtocolVersion = 1

// Client message types.
const (
	ClientHello     = "hello"
	ClientTextInput = "text_input"
	ClientControl   = "control"
)

// ClientMessage is one inbound message on the duplex client stream.
type ClientMessage struct {
	Type            string   `json:"type"`
	ProtocolVersion int      `json:"protocolVersion,omitempty"`
	Subscriptions   []string `json:"subscriptions,omitempty"`
	SessionID       string   `json:"sessionId,omitempty"`
	Text            string   `json:"text,omitempty"`
	Action          string   `json:"action,omitempty"` // control: "cancel"
	Target          string   `json:"target,omitempty"` // control: "output"
	AudioEndMs      int64    `json:"audioEndMs,omitempty"`
}

// Server message types.
const (
	ServerTextDelta           = "text_delta"
	ServerTextDone            = "text_done"
	ServerThinkingStart       = "thinking_start"
	ServerThinkingDelta       = "thinking_delta"
	ServerThinkingDone        = "thinking_done"
	ServerToolCallStart       = "tool_call_start"
	ServerToolOutputDelta     = "tool_output_delta"
	ServerToolResult          = "tool_result"
	ServerOutputCancelled     = "output_cancelled"
	ServerPanelEvent          = "panel_event"
	ServerSubscribed          = "subscribed"
	ServerSessionCreated      = "session_created"
	ServerSessionUpdated      = "session_updated"
	ServerSessionDeleted      = "session_deleted"
	ServerAgentCallbackResult = "agent_callback_result"
	ServerUserMessage         = "user_message"
	ServerError               = "error"
)

// ServerMessage is one outbound message on the duplex client stream.
type ServerMessage struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId,omitempty"`
	Text       string          `json:"text,omitempty"`
	ResponseID string          `json:"responseId,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Chunk      string          `json:"chunk,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	ToolError  *ToolError      `json:"error,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// agent_callback_result.
	MessageID     string `json:"messageId,omitempty"`
	FromAgentID   string `json:"fromAgentId,omitempty"`
	FromSessionID string `json:"fromSessionId,omitempty"`

	// session_created / session_updated / session_deleted.
	Session *SessionSummary `json:"session,omitempty"`

	// error.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

// sessionScopedTypes are server messages whose sessionId is injected by the
// hub when absent before broadcast.
var sessionScopedTypes = map[string]bool{
	ServerTextDelta: true, ServerTextDone: true,
	ServerThinkingStart: true, ServerThinkingDelta: true, ServerThinkingDone: true,
	ServerToolCallStart: true, ServerToolOutputDelta: true, ServerToolResult: true,
	ServerOutputCancelled: true, ServerPanelEvent: true,
}

// SessionScoped reports whether t is a per-session streaming message type.
func SessionScoped(t string) bool { return sessionScopedTypes[t] }
