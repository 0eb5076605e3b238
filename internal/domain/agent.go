package domain

// AgentType distinguishes locally-run chat agents from external async ones.
type AgentType string

const (
	AgentTypeChat     AgentType = "chat"
	AgentTypeExternal AgentType = "external"
)

// Chat provider identifiers.
const (
	ProviderOpenAI           = "openai"
	ProviderPi               = "pi"
	ProviderClaudeCLI        = "claude-cli"
	ProviderCodexCLI         = "codex-cli"
	ProviderPiCLI            = "pi-cli"
	ProviderOpenAICompatible = "openai-compatible"
)

// Tool exposure modes.
const (
	ToolExposureTools  = "tools"
	ToolExposureSkills = "skills"
	ToolExposureMixed  = "mixed"
)

// ChatSettings configures a locally-run chat provider.
type ChatSettings struct {
	Provider string         `json:"provider"`
	Models   []string       `json:"models,omitempty"`
	Thinking string         `json:"thinking,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

// ExternalSettings configures an external async agent endpoint.
type ExternalSettings struct {
	InputURL        string `json:"inputUrl"`
	CallbackBaseURL string `json:"callbackBaseUrl"`
}

// ScheduleConfig is one cron-driven trigger attached to an agent.
type ScheduleConfig struct {
	ID            string `json:"id"`
	Cron          string `json:"cron"`
	Prompt        string `json:"prompt,omitempty"`
	PreCheck      string `json:"preCheck,omitempty"`
	SessionTitle  string `json:"sessionTitle,omitempty"`
	Enabled       *bool  `json:"enabled,omitempty"` // nil means enabled
	MaxConcurrent int    `json:"maxConcurrent,omitempty"`
}

// IsEnabled reports the configured enabled state (default true).
func (s ScheduleConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// AgentDefinition is one configured agent persona. Immutable after load.
type AgentDefinition struct {
	AgentID     string    `json:"agentId"`
	DisplayName string    `json:"displayName,omitempty"`
	Description string    `json:"description,omitempty"`
	Type        AgentType `json:"type,omitempty"` // default chat

	Chat     *ChatSettings     `json:"chat,omitempty"`
	External *ExternalSettings `json:"external,omitempty"`

	SystemPrompt string `json:"systemPrompt,omitempty"`
	// WorkingDir is the default working directory for tool calls, CLI
	// providers, and schedule preChecks. Sessions can override it with the
	// core.workingDir attribute.
	WorkingDir string `json:"workingDir,omitempty"`

	ToolAllowlist       []string `json:"toolAllowlist,omitempty"`
	ToolDenylist        []string `json:"toolDenylist,omitempty"`
	SkillAllowlist      []string `json:"skillAllowlist,omitempty"`
	SkillDenylist       []string `json:"skillDenylist,omitempty"`
	CapabilityAllowlist []string `json:"capabilityAllowlist,omitempty"`
	CapabilityDenylist  []string `json:"capabilityDenylist,omitempty"`
	AgentAllowlist      []string `json:"agentAllowlist,omitempty"`
	AgentDenylist       []string `json:"agentDenylist,omitempty"`

	UIVisible    *bool            `json:"uiVisible,omitempty"` // nil means visible
	APIExposed   bool             `json:"apiExposed,omitempty"`
	ToolExposure string           `json:"toolExposure,omitempty"` // default tools
	Schedules    []ScheduleConfig `json:"schedules,omitempty"`
	Skills       []string         `json:"skills,omitempty"`
}

// EffectiveType returns the agent type, defaulting to chat.
func (a *AgentDefinition) EffectiveType() AgentType {
	if a.Type == "" {
		return AgentTypeChat
	}
	return a.Type
}

// Visible reports whether the agent is listed in UIs (default true).
func (a *AgentDefinition) Visible() bool { return a.UIVisible == nil || *a.UIVisible }

// DefaultModel returns the first configured model, if any.
func (a *AgentDefinition) DefaultModel() string {
	if a.Chat != nil && len(a.Chat.Models) > 0 {
		return a.Chat.Models[0]
	}
	return ""
}
