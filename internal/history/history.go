// Package history reconstructs session events from the transcript files
// that CLI providers (claude-cli, codex-cli, pi-cli) keep on disk. For
// those providers the external file is the source of truth; the event
// store only overlays interaction events.
package history

import (
	"github.com/parleylabs/parley/internal/domain"
)

// Request identifies whose history to reconstruct.
type Request struct {
	SessionID  string
	ProviderID string
	Agent      domain.AgentDefinition
	Attributes map[string]any
	After      string // cursor event id; empty means from the beginning
	Force      bool   // bypass the mtime cache
}

// Provider reconstructs events for the external transcripts it supports.
type Provider interface {
	Supports(providerID string) bool
	GetHistory(req Request) ([]domain.ChatEvent, error)
	// ShouldPersist reports whether the event store should also be written
	// for this session. When false the external file owns the transcript
	// and mirroring would diverge.
	ShouldPersist(req Request) bool
}

// Registry selects the first provider that supports a provider id.
type Registry struct {
	providers []Provider
}

// NewRegistry builds a registry; order sets precedence.
func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

// For returns the first provider supporting providerID.
func (r *Registry) For(providerID string) (Provider, bool) {
	for _, p := range r.providers {
		if p.Supports(providerID) {
			return p, true
		}
	}
	return nil, false
}

// overlayTypes are event-store events merged into reconstructed history.
var overlayTypes = map[domain.EventType]bool{
	domain.EventInteractionRequest:  true,
	domain.EventInteractionResponse: true,
	domain.EventInteractionPending:  true,
}

// MergeOverlay splices interaction events from the event store into a
// reconstructed history, anchoring each after the tool_call with the same
// toolCallId. Overlay events without an anchor append at the end in their
// original order.
func MergeOverlay(events, overlay []domain.ChatEvent) []domain.ChatEvent {
	byCall := make(map[string][]domain.ChatEvent)
	var unanchored []domain.ChatEvent
	for _, ev := range overlay {
		if !overlayTypes[ev.Type] {
			continue
		}
		if ev.ToolCallID != "" {
			byCall[ev.ToolCallID] = append(byCall[ev.ToolCallID], ev)
		} else {
			unanchored = append(unanchored, ev)
		}
	}
	if len(byCall) == 0 && len(unanchored) == 0 {
		return events
	}

	out := make([]domain.ChatEvent, 0, len(events)+len(overlay))
	for _, ev := range events {
		out = append(out, ev)
		if ev.Type == domain.EventToolCall && ev.ToolCallID != "" {
			out = append(out, byCall[ev.ToolCallID]...)
			delete(byCall, ev.ToolCallID)
		}
	}
	return append(out, unanchored...)
}

// SinceCursor returns events strictly after the event whose id matches
// cursor. An empty or unknown cursor returns everything.
func SinceCursor(events []domain.ChatEvent, cursor string) []domain.ChatEvent {
	if cursor == "" {
		return events
	}
	for i, ev := range events {
		if ev.ID == cursor {
			return events[i+1:]
		}
	}
	return events
}
