// Package provider abstracts the chat backends agents run against: the
// OpenAI-compatible HTTP APIs and the CLI coding agents driven as
// subprocesses.
package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/domain"
	"github.com/parleylabs/parley/internal/tools"
)

// Role values for provider-neutral messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one provider-neutral chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"` // role=tool
	ToolCalls  []ToolCall      `json:"toolCalls,omitempty"`  // role=assistant
	Meta       json.RawMessage `json:"meta,omitempty"`
}

// ToolCall is a provider-requested tool invocation.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Request is one streamed model call.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []tools.Spec
	Thinking string // "", "low", "medium", "high"
	Config   map[string]any

	// SessionID and WorkingDir let CLI providers resume their own
	// transcripts.
	SessionID  string
	WorkingDir string
	Attributes map[string]any
}

// Callbacks receive streamed output. Either may be nil.
type Callbacks struct {
	OnText     func(delta string)
	OnThinking func(delta string)
}

// Stop reasons.
const (
	StopEnd      = "end"
	StopToolUse  = "tool_use"
	StopCanceled = "canceled"
)

// Result is the outcome of one streamed model call.
type Result struct {
	Text         string
	ThinkingText string
	ToolCalls    []ToolCall
	StopReason   string
	// ProviderSessionID is set by CLI providers that own their transcript,
	// so the session can be resumed on the next turn.
	ProviderSessionID string
}

// ChatProvider streams one model call. Implementations observe ctx at every
// suspension point.
type ChatProvider interface {
	Name() string
	Stream(ctx context.Context, req Request, cb Callbacks) (Result, error)
}

// Registry resolves provider ids to implementations.
type Registry struct {
	env config.Env
	log *config.Logger
}

// NewRegistry builds the provider registry with shared environment config.
func NewRegistry(env config.Env, log *config.Logger) *Registry {
	return &Registry{env: env, log: log}
}

// Get returns the provider for an agent's configured provider id.
func (r *Registry) Get(name string) (ChatProvider, error) {
	switch strings.ToLower(name) {
	case domain.ProviderOpenAI, domain.ProviderPi:
		return newOpenAIProvider(r.env.OpenAIAPIKey, r.env.OpenAIBaseURL), nil
	case domain.ProviderOpenAICompatible:
		return newOpenAIProvider(r.env.OpenAIAPIKey, r.env.OpenAIBaseURL), nil
	case domain.ProviderClaudeCLI, domain.ProviderCodexCLI, domain.ProviderPiCLI:
		return newCLIProvider(name, r.log), nil
	default:
		return nil, domain.Errorf(domain.CodeAgentNotAvailable, "unknown chat provider %q", name)
	}
}

// IsCLIProvider reports whether the provider drives an external CLI that
// owns its own transcript on disk.
func IsCLIProvider(name string) bool {
	switch name {
	case domain.ProviderClaudeCLI, domain.ProviderCodexCLI, domain.ProviderPiCLI:
		return true
	}
	return false
}
