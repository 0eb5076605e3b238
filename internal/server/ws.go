package server

import (
	"errors"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/parleylabs/parley/internal/domain"
)

// wsConn wraps one websocket as a hub connection. Writes come from the hub's
// broadcast paths and from the reader goroutine, so they are serialized here.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) Send(msg domain.ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.JSON.Send(c.ws, msg)
}

// handleWS drives one client stream: a hello with a matching protocol
// version, then text_input and control messages until disconnect.
// Disconnects drop subscriptions without cancelling active runs.
func (s *Server) handleWS(ws *websocket.Conn) {
	conn := &wsConn{ws: ws}
	defer s.hub.UnsubscribeAll(conn)

	var hello domain.ClientMessage
	if err := websocket.JSON.Receive(ws, &hello); err != nil {
		return
	}
	if hello.Type != domain.ClientHello || hello.ProtocolVersion != domain.ProtocolVersion {
		_ = conn.Send(domain.ServerMessage{
			Type:    domain.ServerError,
			Code:    domain.CodeUnsupportedProtocolVersion,
			Message: "unsupported protocol version",
		})
		return
	}
	s.subscribe(conn, hello)

	for {
		var msg domain.ClientMessage
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			return
		}
		switch msg.Type {
		case domain.ClientHello:
			// Repeated hellos add subscriptions.
			s.subscribe(conn, msg)

		case domain.ClientTextInput:
			if _, err := s.hub.HandleTextInput(conn, msg.SessionID, msg.Text); err != nil {
				_ = conn.Send(errorMessage(msg.SessionID, err))
			}

		case domain.ClientControl:
			s.hub.HandleControl(msg.SessionID, msg.Action, msg.Target)

		default:
			_ = conn.Send(domain.ServerMessage{
				Type:    domain.ServerError,
				Code:    domain.CodeInvalidEvent,
				Message: "unknown message type " + msg.Type,
			})
		}
	}
}

// subscribe registers every session named by the message, confirming each
// with a subscribed message. Unknown sessions get a typed error without
// closing the stream.
func (s *Server) subscribe(conn *wsConn, msg domain.ClientMessage) {
	ids := msg.Subscriptions
	if msg.SessionID != "" {
		ids = append(ids, msg.SessionID)
	}
	for _, sessionID := range ids {
		if err := s.hub.Subscribe(conn, sessionID); err != nil {
			_ = conn.Send(errorMessage(sessionID, err))
			continue
		}
		_ = conn.Send(domain.ServerMessage{Type: domain.ServerSubscribed, SessionID: sessionID})
	}
}

// errorMessage converts an error into its wire form, defaulting untyped
// errors to internal_error.
func errorMessage(sessionID string, err error) domain.ServerMessage {
	code := domain.CodeInternalError
	message := "internal error"
	var details any
	var de *domain.Error
	if errors.As(err, &de) {
		code = de.Code
		message = de.Message
		details = de.Details
	}
	return domain.ServerMessage{
		Type:      domain.ServerError,
		SessionID: sessionID,
		Code:      code,
		Message:   message,
		Details:   details,
	}
}
