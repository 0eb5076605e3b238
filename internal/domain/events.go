package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates ChatEvent payloads.
type EventType string

const (
	// Inputs.
	EventUserMessage   EventType = "user_message"
	EventUserAudio     EventType = "user_audio"
	EventAgentMessage  EventType = "agent_message"
	EventAgentCallback EventType = "agent_callback"

	// Turn lifecycle.
	EventTurnStart EventType = "turn_start"
	EventTurnEnd   EventType = "turn_end"

	// Assistant output.
	EventAssistantChunk  EventType = "assistant_chunk"
	EventAssistantDone   EventType = "assistant_done"
	EventThinkingStart   EventType = "thinking_start"
	EventThinkingDelta   EventType = "thinking_delta"
	EventThinkingDone    EventType = "thinking_done"
	EventToolCall        EventType = "tool_call"
	EventToolResult      EventType = "tool_result"
	EventToolOutputDelta EventType = "tool_output_delta"

	// Control.
	EventOutputCancelled     EventType = "output_cancelled"
	EventInterrupt           EventType = "interrupt"
	EventSummaryMessage      EventType = "summary_message"
	EventCustomMessage       EventType = "custom_message"
	EventPanelEvent          EventType = "panel_event"
	EventInteractionRequest  EventType = "interaction_request"
	EventInteractionResponse EventType = "interaction_response"
	EventInteractionPending  EventType = "interaction_pending"
)

// Turn trigger values for turn_start events.
const (
	TriggerUser     = "user"
	TriggerSystem   = "system"
	TriggerCallback = "callback"
)

// Interrupt reason values for interrupt events.
const (
	InterruptUserCancel = "user_cancel"
	InterruptTimeout    = "timeout"
	InterruptError      = "error"
)

var knownEventTypes = map[EventType]bool{
	EventUserMessage: true, EventUserAudio: true,
	EventAgentMessage: true, EventAgentCallback: true,
	EventTurnStart: true, EventTurnEnd: true,
	EventAssistantChunk: true, EventAssistantDone: true,
	EventThinkingStart: true, EventThinkingDelta: true, EventThinkingDone: true,
	EventToolCall: true, EventToolResult: true, EventToolOutputDelta: true,
	EventOutputCancelled: true, EventInterrupt: true,
	EventSummaryMessage: true, EventCustomMessage: true, EventPanelEvent: true,
	EventInteractionRequest: true, EventInteractionResponse: true, EventInteractionPending: true,
}

// KnownEventType reports whether t is a type this build understands.
func KnownEventType(t EventType) bool { return knownEventTypes[t] }

// ToolError carries a structured failure for tool_result events.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ChatEvent is one entry in a session's append-only event log. The header
// fields (ID, Timestamp, SessionID, TurnID, ResponseID, Type) are common to
// every kind; the remaining fields form the per-type payload and marshal
// with omitempty so each kind serializes only what it carries.
//
// Events of a type this build does not know are preserved verbatim: their
// original JSON is kept in raw and re-emitted unchanged on marshal, so logs
// written by newer versions survive a round trip.
type ChatEvent struct {
	ID         string    `json:"id"`
	Timestamp  int64     `json:"timestamp"` // ms since epoch
	SessionID  string    `json:"sessionId"`
	TurnID     string    `json:"turnId,omitempty"`
	ResponseID string    `json:"responseId,omitempty"`
	Type       EventType `json:"type"`

	// user_message / user_audio / assistant_* / thinking_* / summary_message / custom_message.
	Text          string `json:"text,omitempty"`
	Transcription string `json:"transcription,omitempty"`

	// agent_message / agent_callback.
	MessageID       string          `json:"messageId,omitempty"`
	TargetAgentID   string          `json:"targetAgentId,omitempty"`
	TargetSessionID string          `json:"targetSessionId,omitempty"`
	Message         string          `json:"message,omitempty"`
	Wait            bool            `json:"wait,omitempty"`
	FromAgentID     string          `json:"fromAgentId,omitempty"`
	FromSessionID   string          `json:"fromSessionId,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`

	// turn_start.
	Trigger string `json:"trigger,omitempty"`

	// tool_call / tool_result / tool_output_delta / interaction_*.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	OK         *bool           `json:"ok,omitempty"`
	Error      *ToolError      `json:"error,omitempty"`
	Chunk      string          `json:"chunk,omitempty"`

	// assistant_done on a cancelled run.
	Interrupted bool `json:"interrupted,omitempty"`

	// interrupt / summary_message / custom_message / panel_event.
	Reason      string          `json:"reason,omitempty"`
	SummaryType string          `json:"summaryType,omitempty"`
	Label       string          `json:"label,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`

	raw json.RawMessage
}

type chatEventAlias ChatEvent

// UnmarshalJSON decodes a ChatEvent, keeping the original bytes for
// unrecognized event types so they round-trip unchanged.
func (e *ChatEvent) UnmarshalJSON(b []byte) error {
	var a chatEventAlias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*e = ChatEvent(a)
	if !KnownEventType(e.Type) {
		e.raw = append(json.RawMessage(nil), b...)
	}
	return nil
}

// MarshalJSON re-emits preserved bytes for unknown types.
func (e ChatEvent) MarshalJSON() ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}
	return json.Marshal(chatEventAlias(e))
}

// NewEvent creates an event of the given type with a fresh id and the
// current timestamp, bound to sessionID.
func NewEvent(sessionID string, t EventType) ChatEvent {
	return ChatEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		SessionID: sessionID,
		Type:      t,
	}
}

// NewID returns a fresh random identifier (UUID v4). Used for sessions,
// turns, responses, messages, and tool calls.
func NewID() string { return uuid.NewString() }
