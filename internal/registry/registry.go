// Package registry holds the immutable table of configured agents and
// answers visibility questions between them.
package registry

import (
	"sort"
	"strings"

	"github.com/parleylabs/parley/internal/domain"
)

// Registry is the immutable agent table. Built once at startup.
type Registry struct {
	agents map[string]*agentEntry
	order  []string
}

type agentEntry struct {
	def   domain.AgentDefinition
	allow *PatternSet // agentAllowlist
	deny  *PatternSet // agentDenylist
}

// New builds a registry, rejecting duplicate agent ids.
func New(defs []domain.AgentDefinition) (*Registry, error) {
	r := &Registry{agents: make(map[string]*agentEntry, len(defs))}
	for _, def := range defs {
		id := def.AgentID
		if _, ok := r.agents[id]; ok {
			return nil, domain.Errorf(domain.CodeDuplicateAgentID, "duplicate agent id %q", id)
		}
		r.agents[id] = &agentEntry{
			def:   def,
			allow: CompilePatterns(def.AgentAllowlist),
			deny:  CompilePatterns(def.AgentDenylist),
		}
		r.order = append(r.order, id)
	}
	sort.Strings(r.order)
	return r, nil
}

// GetAgent looks up one agent definition.
func (r *Registry) GetAgent(id string) (domain.AgentDefinition, bool) {
	e, ok := r.agents[id]
	if !ok {
		return domain.AgentDefinition{}, false
	}
	return e.def, true
}

// HasAgent reports whether id is configured.
func (r *Registry) HasAgent(id string) bool {
	_, ok := r.agents[id]
	return ok
}

// ListAgents returns all agents in id order.
func (r *Registry) ListAgents() []domain.AgentDefinition {
	out := make([]domain.AgentDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id].def)
	}
	return out
}

// VisiblePeers computes the agents fromAgentID may see and delegate to:
// UI-visible agents, filtered through the source agent's allow and deny
// patterns, excluding the source itself.
func (r *Registry) VisiblePeers(fromAgentID string) []domain.AgentDefinition {
	from := r.agents[fromAgentID]
	out := make([]domain.AgentDefinition, 0, len(r.order))
	for _, id := range r.order {
		if id == fromAgentID {
			continue
		}
		e := r.agents[id]
		if !e.def.Visible() {
			continue
		}
		if from != nil && !Allowed(id, from.allow, from.deny) {
			continue
		}
		out = append(out, e.def)
	}
	return out
}

// CanDelegate reports whether fromAgentID may message targetAgentID. The
// target must pass the same visibility gate VisiblePeers applies.
func (r *Registry) CanDelegate(fromAgentID, targetAgentID string) bool {
	if fromAgentID == targetAgentID {
		return false
	}
	target, ok := r.agents[targetAgentID]
	if !ok {
		return false
	}
	if !target.def.Visible() {
		return false
	}
	from := r.agents[fromAgentID]
	if from == nil {
		return true
	}
	return Allowed(targetAgentID, from.allow, from.deny)
}

// DescribePeers renders a short roster of visible peers for a system
// prompt, one agent per line.
func (r *Registry) DescribePeers(fromAgentID string) string {
	peers := r.VisiblePeers(fromAgentID)
	if len(peers) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range peers {
		b.WriteString("- ")
		b.WriteString(p.AgentID)
		if p.Description != "" {
			b.WriteString(": ")
			b.WriteString(p.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}
