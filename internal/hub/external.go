package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/parleylabs/parley/internal/domain"
)

// externalInput is the payload posted to an external agent's inputUrl.
type externalInput struct {
	SessionID   string          `json:"sessionId"`
	AgentID     string          `json:"agentId"`
	CallbackURL string          `json:"callbackUrl"`
	Message     externalMessage `json:"message"`
}

type externalMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// CallbackURL joins the configured base with the session callback path,
// normalizing to exactly one slash between the parts.
func CallbackURL(base, sessionID string) string {
	return strings.TrimRight(base, "/") + "/external/sessions/" + sessionID + "/messages"
}

// dispatchExternal forwards a user message to an external agent. The
// external endpoint replies later through the callback route.
func (h *Hub) dispatchExternal(summary domain.SessionSummary, agent domain.AgentDefinition, req StartRequest) (StartResult, error) {
	if agent.External == nil || agent.External.InputURL == "" {
		return StartResult{}, domain.Errorf(domain.CodeAgentNotAvailable, "agent %q has no external endpoint", agent.AgentID)
	}

	ev := domain.NewEvent(summary.SessionID, domain.EventUserMessage)
	ev.Text = req.Text
	if h.shouldPersist(summary) {
		if err := h.events.Append(summary.SessionID, ev); err != nil {
			h.log.Printf("hub %s: appending user message: %v", summary.SessionID, err)
		}
	}
	if msg, ok := serverMessageFor(ev); ok {
		h.broadcastToSessionExcluding(summary.SessionID, msg, req.ExcludeConn)
	}

	body, err := json.Marshal(externalInput{
		SessionID:   summary.SessionID,
		AgentID:     agent.AgentID,
		CallbackURL: CallbackURL(agent.External.CallbackBaseURL, summary.SessionID),
		Message: externalMessage{
			Type:      "user",
			Text:      req.Text,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("encoding external input: %w", err)
	}

	resp, err := h.client.Post(agent.External.InputURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return StartResult{}, domain.Errorf(domain.CodeExternalAgentError, "posting to %q: %v", agent.External.InputURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return StartResult{}, domain.Errorf(domain.CodeExternalAgentError,
			"external agent %q returned %d", agent.AgentID, resp.StatusCode)
	}

	if _, err := h.index.MarkSessionActivity(summary.SessionID, req.Text); err != nil {
		h.log.Printf("hub %s: marking activity: %v", summary.SessionID, err)
	}
	return StartResult{Status: StatusStarted}, nil
}

// externalCallback is the well-typed subset of a callback payload.
type externalCallback struct {
	Type       string          `json:"type,omitempty"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	OK         *bool           `json:"ok,omitempty"`
}

var knownCallbackFields = map[string]bool{
	"type": true, "text": true, "toolCallId": true, "toolName": true,
	"args": true, "result": true, "ok": true, "createdAt": true,
}

// HandleExternalCallback translates one callback POST body into session
// events. Assistant text becomes a bracketed turn; tool fields surface as
// informational tool events; payloads with unknown fields are preserved as
// a custom_message rather than dropped.
func (h *Hub) HandleExternalCallback(sessionID string, payload []byte) error {
	summary, ok := h.index.GetSession(sessionID)
	if !ok || summary.Deleted {
		return domain.Errorf(domain.CodeSessionNotFound, "session %s not found", sessionID)
	}

	var cb externalCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return domain.Errorf(domain.CodeInvalidEvent, "parsing callback payload: %v", err)
	}
	var fields map[string]json.RawMessage
	_ = json.Unmarshal(payload, &fields)
	unknown := false
	for k := range fields {
		if !knownCallbackFields[k] {
			unknown = true
			break
		}
	}

	switch {
	case cb.Text != "":
		turnID := domain.NewID()
		emit := func(t domain.EventType, fill func(*domain.ChatEvent)) {
			ev := domain.NewEvent(sessionID, t)
			ev.TurnID = turnID
			if fill != nil {
				fill(&ev)
			}
			h.appendSessionEvent(summary, ev)
		}
		emit(domain.EventTurnStart, func(ev *domain.ChatEvent) {
			ev.Trigger = domain.TriggerCallback
		})
		if cb.ToolName != "" {
			h.emitCallbackToolEvents(summary, turnID, cb)
		}
		emit(domain.EventAssistantDone, func(ev *domain.ChatEvent) {
			ev.Text = cb.Text
		})
		emit(domain.EventTurnEnd, nil)
		if _, err := h.index.MarkSessionActivity(sessionID, cb.Text); err != nil {
			h.log.Printf("hub %s: marking activity: %v", sessionID, err)
		}

	case cb.ToolName != "":
		h.emitCallbackToolEvents(summary, "", cb)

	default:
		unknown = true
	}

	if unknown {
		ev := domain.NewEvent(sessionID, domain.EventCustomMessage)
		ev.Text = "external agent message"
		ev.Payload = append(json.RawMessage(nil), payload...)
		h.appendSessionEvent(summary, ev)
	}
	return nil
}

// emitCallbackToolEvents surfaces tool activity the external agent reports.
// These are informational; nothing executes locally.
func (h *Hub) emitCallbackToolEvents(summary domain.SessionSummary, turnID string, cb externalCallback) {
	callID := cb.ToolCallID
	if callID == "" {
		callID = domain.NewID()
	}

	call := domain.NewEvent(summary.SessionID, domain.EventToolCall)
	call.TurnID = turnID
	call.ToolCallID = callID
	call.ToolName = cb.ToolName
	call.Args = cb.Args
	h.appendSessionEvent(summary, call)

	if cb.Result != nil || cb.OK != nil {
		result := domain.NewEvent(summary.SessionID, domain.EventToolResult)
		result.TurnID = turnID
		result.ToolCallID = callID
		result.ToolName = cb.ToolName
		result.Result = cb.Result
		result.OK = cb.OK
		h.appendSessionEvent(summary, result)
	}
}
