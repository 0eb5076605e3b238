package domain

import (
	"encoding/json"
	"time"
)

// SessionSummary is the durable catalog entry for one session.
type SessionSummary struct {
	SessionID   string         `json:"sessionId"`
	AgentID     string         `json:"agentId"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Name        string         `json:"name,omitempty"`
	LastSnippet string         `json:"lastSnippet,omitempty"`
	PinnedAt    *time.Time     `json:"pinnedAt,omitempty"`
	Model       string         `json:"model,omitempty"`
	Thinking    string         `json:"thinking,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Deleted     bool           `json:"deleted,omitempty"`
}

// Clone returns a deep copy. Attributes are copied through JSON so callers
// can mutate the result without aliasing index state.
func (s SessionSummary) Clone() SessionSummary {
	out := s
	if s.PinnedAt != nil {
		t := *s.PinnedAt
		out.PinnedAt = &t
	}
	if s.Attributes != nil {
		b, err := json.Marshal(s.Attributes)
		if err == nil {
			var attrs map[string]any
			if json.Unmarshal(b, &attrs) == nil {
				out.Attributes = attrs
			}
		}
	}
	return out
}

// Attribute returns a nested attribute value by path segments, or nil.
func (s SessionSummary) Attribute(path ...string) any {
	var cur any = s.Attributes
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

// StringAttribute returns a nested attribute as a string, or "".
func (s SessionSummary) StringAttribute(path ...string) string {
	v, _ := s.Attribute(path...).(string)
	return v
}
