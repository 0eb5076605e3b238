// Package tools defines the tool host contract and the built-in tools
// agents can call during a turn.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/domain"
	"github.com/parleylabs/parley/internal/eventstore"
	"github.com/parleylabs/parley/internal/registry"
	"github.com/parleylabs/parley/internal/sessionindex"
)

// Prop describes one parameter of a tool.
type Prop struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Enum        []string        `json:"enum,omitempty"`
	Items       *Prop           `json:"items,omitempty"`
	Properties  map[string]Prop `json:"properties,omitempty"`
	Required    []string        `json:"required,omitempty"`
}

// Spec is a provider-agnostic tool specification.
type Spec struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Properties   map[string]Prop `json:"properties,omitempty"`
	Required     []string        `json:"required,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
}

// Context carries per-call state into tool implementations.
type Context struct {
	Ctx context.Context

	SessionID  string
	TurnID     string
	ResponseID string
	ToolCallID string
	AgentID    string
	WorkingDir string

	Registry *registry.Registry
	Sessions *sessionindex.Index
	Events   *eventstore.Store
	Env      config.Env
	BaseHost Host

	// EmitChunk streams incremental tool output as tool_output_delta
	// events. May be nil.
	EmitChunk func(chunk string)
}

// Emit streams one output chunk if a sink is attached.
func (tc *Context) Emit(chunk string) {
	if tc != nil && tc.EmitChunk != nil {
		tc.EmitChunk(chunk)
	}
}

// Host exposes a set of callable tools.
type Host interface {
	ListTools() []Spec
	CallTool(name string, args json.RawMessage, tc *Context) (any, error)
}

// Func is the signature of a tool implementation.
type Func func(input map[string]any, tc *Context) (any, error)

// ToolDef binds a specification to its implementation.
type ToolDef struct {
	Spec    Spec
	Execute Func
}

// BuiltinHost serves a fixed set of tool definitions.
type BuiltinHost struct {
	order []string
	tools map[string]ToolDef
}

// NewBuiltinHost indexes defs by name. Later duplicates are rejected.
func NewBuiltinHost(defs ...ToolDef) (*BuiltinHost, error) {
	h := &BuiltinHost{tools: make(map[string]ToolDef, len(defs))}
	for _, d := range defs {
		if _, ok := h.tools[d.Spec.Name]; ok {
			return nil, fmt.Errorf("duplicate tool %q", d.Spec.Name)
		}
		h.tools[d.Spec.Name] = d
		h.order = append(h.order, d.Spec.Name)
	}
	return h, nil
}

// ListTools returns specs in registration order.
func (h *BuiltinHost) ListTools() []Spec {
	out := make([]Spec, 0, len(h.order))
	for _, name := range h.order {
		out = append(out, h.tools[name].Spec)
	}
	return out
}

// CallTool decodes args and runs the named tool.
func (h *BuiltinHost) CallTool(name string, args json.RawMessage, tc *Context) (any, error) {
	def, ok := h.tools[name]
	if !ok {
		return nil, domain.Errorf(domain.CodeToolNotFound, "tool %q not found", name)
	}
	input := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, domain.Errorf(domain.CodeInvalidArguments, "tool %q: decoding arguments: %v", name, err)
		}
	}
	if tc != nil && tc.Ctx != nil && tc.Ctx.Err() != nil {
		return nil, domain.Errorf(domain.CodeToolInterrupted, "tool %q interrupted", name)
	}
	return def.Execute(input, tc)
}

// ScopedHost filters a base host by an agent's tool and capability
// allow/deny patterns.
type ScopedHost struct {
	base      Host
	toolAllow *registry.PatternSet
	toolDeny  *registry.PatternSet
	capAllow  *registry.PatternSet
	capDeny   *registry.PatternSet
}

// NewScopedHost compiles the agent's pattern lists once.
func NewScopedHost(base Host, agent domain.AgentDefinition) *ScopedHost {
	return &ScopedHost{
		base:      base,
		toolAllow: registry.CompilePatterns(agent.ToolAllowlist),
		toolDeny:  registry.CompilePatterns(agent.ToolDenylist),
		capAllow:  registry.CompilePatterns(agent.CapabilityAllowlist),
		capDeny:   registry.CompilePatterns(agent.CapabilityDenylist),
	}
}

func (h *ScopedHost) allowed(spec Spec) bool {
	if !registry.Allowed(spec.Name, h.toolAllow, h.toolDeny) {
		return false
	}
	for _, c := range spec.Capabilities {
		if h.capDeny.Match(c) {
			return false
		}
	}
	if h.capAllow.Empty() {
		return true
	}
	for _, c := range spec.Capabilities {
		if h.capAllow.Match(c) {
			return true
		}
	}
	return false
}

// ListTools returns only the tools the agent may call.
func (h *ScopedHost) ListTools() []Spec {
	var out []Spec
	for _, spec := range h.base.ListTools() {
		if h.allowed(spec) {
			out = append(out, spec)
		}
	}
	return out
}

// CallTool rejects names outside the agent's scope.
func (h *ScopedHost) CallTool(name string, args json.RawMessage, tc *Context) (any, error) {
	for _, spec := range h.base.ListTools() {
		if spec.Name != name {
			continue
		}
		if !h.allowed(spec) {
			return nil, domain.Errorf(domain.CodeToolNotAllowed, "tool %q is not allowed for this agent", name)
		}
		return h.base.CallTool(name, args, tc)
	}
	return nil, domain.Errorf(domain.CodeToolNotFound, "tool %q not found", name)
}

// CompositeHost unions hosts; the first host owning a name wins.
type CompositeHost struct {
	hosts []Host
}

// NewCompositeHost builds a union over hosts in priority order.
func NewCompositeHost(hosts ...Host) *CompositeHost {
	return &CompositeHost{hosts: hosts}
}

// ListTools concatenates member specs, first owner winning on collision.
func (h *CompositeHost) ListTools() []Spec {
	seen := make(map[string]bool)
	var out []Spec
	for _, member := range h.hosts {
		for _, spec := range member.ListTools() {
			if seen[spec.Name] {
				continue
			}
			seen[spec.Name] = true
			out = append(out, spec)
		}
	}
	return out
}

// CallTool dispatches to the first host that owns name.
func (h *CompositeHost) CallTool(name string, args json.RawMessage, tc *Context) (any, error) {
	for _, member := range h.hosts {
		for _, spec := range member.ListTools() {
			if spec.Name == name {
				return member.CallTool(name, args, tc)
			}
		}
	}
	return nil, domain.Errorf(domain.CodeToolNotFound, "tool %q not found", name)
}
