package hub

import (
	"github.com/parleylabs/parley/internal/domain"
)

// Conn is one client connection. Send must be safe for concurrent use; the
// transport layer serializes writes.
type Conn interface {
	Send(msg domain.ServerMessage) error
}

// Subscribe adds conn to the session's subscription table. Subscribed
// sessions are pinned in the cache until the last subscriber leaves.
func (h *Hub) Subscribe(conn Conn, sessionID string) error {
	if _, ok := h.index.GetSession(sessionID); !ok {
		return domain.Errorf(domain.CodeSessionNotFound, "session %s not found", sessionID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[conn] == nil {
		h.conns[conn] = make(map[string]bool)
	}
	h.conns[conn][sessionID] = true
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[Conn]bool)
	}
	h.subs[sessionID][conn] = true
	return nil
}

// Unsubscribe removes one subscription.
func (h *Hub) Unsubscribe(conn Conn, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[conn], sessionID)
	delete(h.subs[sessionID], conn)
	if len(h.subs[sessionID]) == 0 {
		delete(h.subs, sessionID)
	}
}

// UnsubscribeAll drops every subscription held by conn. Disconnects do not
// cancel active runs; background agents keep going.
func (h *Hub) UnsubscribeAll(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sessionID := range h.conns[conn] {
		delete(h.subs[sessionID], conn)
		if len(h.subs[sessionID]) == 0 {
			delete(h.subs, sessionID)
		}
	}
	delete(h.conns, conn)
}

// BroadcastToSession sends msg to every subscriber of the session,
// injecting the session id into session-scoped streaming messages that
// lack one.
func (h *Hub) BroadcastToSession(sessionID string, msg domain.ServerMessage) {
	h.broadcastToSessionExcluding(sessionID, msg, nil)
}

func (h *Hub) broadcastToSessionExcluding(sessionID string, msg domain.ServerMessage, exclude Conn) {
	if domain.SessionScoped(msg.Type) && msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	h.mu.Lock()
	targets := make([]Conn, 0, len(h.subs[sessionID]))
	for conn := range h.subs[sessionID] {
		if conn == exclude {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.Unlock()

	for _, conn := range targets {
		if err := conn.Send(msg); err != nil {
			h.log.Printf("hub: send %s to subscriber of %s: %v", msg.Type, sessionID, err)
		}
	}
}

// BroadcastToAll sends msg to every registered connection.
func (h *Hub) BroadcastToAll(msg domain.ServerMessage) {
	h.mu.Lock()
	targets := make([]Conn, 0, len(h.conns))
	for conn := range h.conns {
		targets = append(targets, conn)
	}
	h.mu.Unlock()

	for _, conn := range targets {
		if err := conn.Send(msg); err != nil {
			h.log.Printf("hub: broadcast %s: %v", msg.Type, err)
		}
	}
}

// serverMessageFor maps a session event to its wire form. Events with no
// client-facing representation (turn brackets, agent_message) return false.
func serverMessageFor(ev domain.ChatEvent) (domain.ServerMessage, bool) {
	switch ev.Type {
	case domain.EventUserMessage:
		return domain.ServerMessage{Type: domain.ServerUserMessage, SessionID: ev.SessionID, Text: ev.Text}, true
	case domain.EventAssistantChunk:
		return domain.ServerMessage{Type: domain.ServerTextDelta, SessionID: ev.SessionID, ResponseID: ev.ResponseID, Text: ev.Text}, true
	case domain.EventAssistantDone:
		return domain.ServerMessage{Type: domain.ServerTextDone, SessionID: ev.SessionID, ResponseID: ev.ResponseID, Text: ev.Text}, true
	case domain.EventThinkingStart:
		return domain.ServerMessage{Type: domain.ServerThinkingStart, SessionID: ev.SessionID, ResponseID: ev.ResponseID}, true
	case domain.EventThinkingDelta:
		return domain.ServerMessage{Type: domain.ServerThinkingDelta, SessionID: ev.SessionID, ResponseID: ev.ResponseID, Text: ev.Text}, true
	case domain.EventThinkingDone:
		return domain.ServerMessage{Type: domain.ServerThinkingDone, SessionID: ev.SessionID, ResponseID: ev.ResponseID, Text: ev.Text}, true
	case domain.EventToolCall:
		return domain.ServerMessage{Type: domain.ServerToolCallStart, SessionID: ev.SessionID, ResponseID: ev.ResponseID, ToolCallID: ev.ToolCallID, ToolName: ev.ToolName}, true
	case domain.EventToolOutputDelta:
		return domain.ServerMessage{Type: domain.ServerToolOutputDelta, SessionID: ev.SessionID, ToolCallID: ev.ToolCallID, Chunk: ev.Chunk}, true
	case domain.EventToolResult:
		return domain.ServerMessage{Type: domain.ServerToolResult, SessionID: ev.SessionID, ToolCallID: ev.ToolCallID, ToolName: ev.ToolName, Result: ev.Result, ToolError: ev.Error}, true
	case domain.EventOutputCancelled:
		return domain.ServerMessage{Type: domain.ServerOutputCancelled, SessionID: ev.SessionID, ResponseID: ev.ResponseID}, true
	case domain.EventPanelEvent:
		return domain.ServerMessage{Type: domain.ServerPanelEvent, SessionID: ev.SessionID, Payload: ev.Payload}, true
	case domain.EventAgentCallback:
		return domain.ServerMessage{
			Type:          domain.ServerAgentCallbackResult,
			SessionID:     ev.SessionID,
			MessageID:     ev.MessageID,
			FromAgentID:   ev.FromAgentID,
			FromSessionID: ev.FromSessionID,
			Result:        ev.Result,
		}, true
	}
	return domain.ServerMessage{}, false
}
