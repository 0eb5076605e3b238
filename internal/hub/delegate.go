package hub

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/parleylabs/parley/internal/domain"
	"github.com/parleylabs/parley/internal/sessionindex"
	"github.com/parleylabs/parley/internal/tools"
)

// DefaultDelegationTimeoutSeconds caps a sync agents_message call when the
// caller gives no timeout.
const DefaultDelegationTimeoutSeconds = 300

// agentsMessageDef is the agent-to-agent delegation tool. The caller's
// identity comes from the tool context, never from the arguments.
func (h *Hub) agentsMessageDef() tools.ToolDef {
	return tools.ToolDef{
		Spec: tools.Spec{
			Name:        "agents_message",
			Description: "Send a message to another agent and optionally wait for its reply.",
			Properties: map[string]tools.Prop{
				"agentId": {Type: "string", Description: "Target agent id."},
				"content": {Type: "string", Description: "Message to deliver."},
				"session": {Type: "string", Description: "Target session: \"latest\", \"create\", \"latest-or-create\" (default), or an explicit session id."},
				"mode":    {Type: "string", Enum: []string{"sync", "async"}, Description: "sync waits for the reply; async returns immediately."},
				"timeout": {Type: "number", Description: "Seconds to wait in sync mode (default 300)."},
			},
			Required:     []string{"agentId", "content"},
			Capabilities: []string{"agents"},
		},
		Execute: h.executeAgentsMessage,
	}
}

func (h *Hub) executeAgentsMessage(input map[string]any, tc *tools.Context) (any, error) {
	agentID, _ := input["agentId"].(string)
	content, _ := input["content"].(string)
	if agentID == "" || content == "" {
		return nil, domain.Errorf(domain.CodeInvalidArguments, "agents_message requires agentId and content")
	}
	sessionMode, _ := input["session"].(string)
	if sessionMode == "" {
		sessionMode = "latest-or-create"
	}
	mode, _ := input["mode"].(string)
	if mode == "" {
		mode = "sync"
	}
	if mode != "sync" && mode != "async" {
		return nil, domain.Errorf(domain.CodeInvalidArguments, "mode must be sync or async, got %q", mode)
	}
	timeout := DefaultDelegationTimeoutSeconds
	if raw, ok := input["timeout"]; ok {
		secs, ok := raw.(float64)
		if !ok || math.Floor(secs) <= 0 {
			return nil, domain.Errorf(domain.CodeInvalidArguments, "timeout must be a positive number of seconds")
		}
		timeout = int(math.Floor(secs))
	}

	target, ok := h.registry.GetAgent(agentID)
	if !ok {
		return nil, domain.Errorf(domain.CodeAgentNotFound, "agent %q not found", agentID)
	}
	if !h.registry.CanDelegate(tc.AgentID, agentID) {
		return nil, domain.Errorf(domain.CodeAgentNotAccessible, "agent %q is not accessible from %q", agentID, tc.AgentID)
	}

	targetSession, err := h.resolveDelegationSession(target, sessionMode)
	if err != nil {
		return nil, err
	}

	callerSummary, ok := h.index.GetSession(tc.SessionID)
	if !ok {
		return nil, domain.Errorf(domain.CodeSessionNotFound, "caller session %s not found", tc.SessionID)
	}

	messageID := domain.NewID()
	msgEvent := domain.NewEvent(tc.SessionID, domain.EventAgentMessage)
	msgEvent.TurnID = tc.TurnID
	msgEvent.ResponseID = tc.ResponseID
	msgEvent.MessageID = messageID
	msgEvent.TargetAgentID = agentID
	msgEvent.TargetSessionID = targetSession.SessionID
	msgEvent.Message = content
	msgEvent.Wait = mode == "sync"
	h.appendSessionEvent(callerSummary, msgEvent)

	callerSessionID := tc.SessionID
	toolCallID := tc.ToolCallID

	res, err := h.StartSessionMessage(StartRequest{
		SessionID:      targetSession.SessionID,
		Text:           content,
		Trigger:        domain.TriggerUser,
		Mode:           mode,
		TimeoutSeconds: timeout,
		EmitUserInTurn: true,
		OnComplete: func(r StartResult) {
			h.deliverAgentCallback(callerSessionID, toolCallID, messageID, agentID, targetSession.SessionID, r)
		},
	})
	if err != nil {
		if domain.CodeOf(err) != "" {
			return nil, err
		}
		return nil, domain.Errorf(domain.CodeAgentMessageFailed, "delivering to %q: %v", agentID, err)
	}

	out := map[string]any{
		"status":     res.Status,
		"responseId": res.ResponseID,
		"messageId":  messageID,
		"sessionId":  targetSession.SessionID,
	}
	switch res.Status {
	case StatusQueued, StatusStarted:
	default:
		out["response"] = res.Response
		if res.Truncated {
			out["truncated"] = true
		}
	}
	return out, nil
}

// resolveDelegationSession picks the target session per the session
// argument's mode.
func (h *Hub) resolveDelegationSession(target domain.AgentDefinition, sessionMode string) (domain.SessionSummary, error) {
	switch sessionMode {
	case "latest":
		s, ok := h.index.FindSessionForAgent(target.AgentID)
		if !ok {
			return domain.SessionSummary{}, domain.Errorf(domain.CodeAgentSessionError,
				"agent %q has no existing session", target.AgentID)
		}
		return s, nil
	case "create":
		return h.CreateSession(sessionindex.CreateOptions{AgentID: target.AgentID})
	case "latest-or-create":
		if s, ok := h.index.FindSessionForAgent(target.AgentID); ok {
			return s, nil
		}
		return h.CreateSession(sessionindex.CreateOptions{AgentID: target.AgentID})
	default:
		s, ok := h.index.GetSession(sessionMode)
		if !ok || s.Deleted {
			return domain.SessionSummary{}, domain.Errorf(domain.CodeAgentSessionError,
				"session %q not found", sessionMode)
		}
		if s.AgentID != target.AgentID {
			return domain.SessionSummary{}, domain.Errorf(domain.CodeAgentSessionError,
				"session %q belongs to agent %q, not %q", sessionMode, s.AgentID, target.AgentID)
		}
		return s, nil
	}
}

// deliverAgentCallback records the target's reply in the caller session and
// seeds a follow-up turn so the caller agent can react. Delivery waits for
// the caller's own tool_result so subscribers observe agent_message,
// tool_result, agent_callback in that order.
func (h *Hub) deliverAgentCallback(callerSessionID, toolCallID, messageID, fromAgentID, fromSessionID string, res StartResult) {
	switch res.Status {
	case StatusQueued, StatusStarted:
		return
	}

	deliver := func() {
		callerSummary, ok := h.index.GetSession(callerSessionID)
		if !ok || callerSummary.Deleted {
			return
		}

		result, err := json.Marshal(res.Response)
		if err != nil {
			result = json.RawMessage(`""`)
		}
		cb := domain.NewEvent(callerSessionID, domain.EventAgentCallback)
		cb.MessageID = messageID
		cb.FromAgentID = fromAgentID
		cb.FromSessionID = fromSessionID
		cb.ResponseID = res.ResponseID
		cb.Result = result
		h.appendSessionEvent(callerSummary, cb)

		followUp := fmt.Sprintf("[Async response, responseId=%s]: %s", res.ResponseID, strings.TrimSpace(res.Response))
		if _, err := h.StartSessionMessage(StartRequest{
			SessionID:      callerSessionID,
			Text:           followUp,
			Trigger:        domain.TriggerCallback,
			Mode:           "async",
			Callback:       true,
			EmitUserInTurn: true,
		}); err != nil {
			h.log.Printf("hub %s: callback follow-up: %v", callerSessionID, err)
		}
	}

	h.deliverAfterToolResult(callerSessionID, toolCallID, deliver)
}
