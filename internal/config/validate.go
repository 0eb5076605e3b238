package config

import (
	"strings"

	"github.com/parleylabs/parley/internal/domain"
)

// knownProviders lists valid chat provider names for validation.
var knownProviders = map[string]bool{
	domain.ProviderOpenAI:           true,
	domain.ProviderPi:               true,
	domain.ProviderClaudeCLI:        true,
	domain.ProviderCodexCLI:         true,
	domain.ProviderPiCLI:            true,
	domain.ProviderOpenAICompatible: true,
}

// reservedCLIFlags are flags the CLI providers manage themselves; agent
// config must not override them through extraArgs.
var reservedCLIFlags = []string{
	"--session-id", "--resume", "--output-format", "--input-format", "--print",
}

// ValidateAgent checks one agent definition against the configuration
// rules: required fields, provider names, chat/external exclusivity, and
// provider config ranges.
func ValidateAgent(a *domain.AgentDefinition) error {
	if strings.TrimSpace(a.AgentID) == "" {
		return domain.Errorf(domain.CodeInvalidConfig, "agent with empty agentId")
	}

	switch a.EffectiveType() {
	case domain.AgentTypeChat:
		if a.External != nil {
			return domain.Errorf(domain.CodeInvalidConfig, "agent %q: external config is not allowed for chat agents", a.AgentID)
		}
	case domain.AgentTypeExternal:
		if a.Chat != nil {
			return domain.Errorf(domain.CodeInvalidConfig, "agent %q: chat config is not allowed for external agents", a.AgentID)
		}
		if a.External == nil || strings.TrimSpace(a.External.InputURL) == "" || strings.TrimSpace(a.External.CallbackBaseURL) == "" {
			return domain.Errorf(domain.CodeInvalidConfig, "agent %q: external agents require inputUrl and callbackBaseUrl", a.AgentID)
		}
	default:
		return domain.Errorf(domain.CodeInvalidConfig, "agent %q: unknown type %q", a.AgentID, a.Type)
	}

	if a.Chat != nil {
		if !knownProviders[a.Chat.Provider] {
			return domain.Errorf(domain.CodeInvalidConfig, "agent %q: unknown chat provider %q", a.AgentID, a.Chat.Provider)
		}
		if err := validateChatConfig(a.AgentID, a.Chat.Config); err != nil {
			return err
		}
	}

	switch a.ToolExposure {
	case "", domain.ToolExposureTools, domain.ToolExposureSkills, domain.ToolExposureMixed:
	default:
		return domain.Errorf(domain.CodeInvalidConfig, "agent %q: invalid toolExposure %q", a.AgentID, a.ToolExposure)
	}

	seenSchedules := make(map[string]bool, len(a.Schedules))
	for _, sc := range a.Schedules {
		if strings.TrimSpace(sc.ID) == "" {
			return domain.Errorf(domain.CodeInvalidConfig, "agent %q: schedule with empty id", a.AgentID)
		}
		if seenSchedules[sc.ID] {
			return domain.Errorf(domain.CodeInvalidConfig, "agent %q: duplicate schedule id %q", a.AgentID, sc.ID)
		}
		seenSchedules[sc.ID] = true
		if len(strings.Fields(sc.Cron)) != 5 {
			return domain.Errorf(domain.CodeInvalidConfig, "agent %q schedule %q: cron expression must have 5 fields", a.AgentID, sc.ID)
		}
		if sc.MaxConcurrent < 0 {
			return domain.Errorf(domain.CodeInvalidConfig, "agent %q schedule %q: maxConcurrent must be >= 0", a.AgentID, sc.ID)
		}
	}
	return nil
}

// validateChatConfig range-checks the provider-specific config block.
func validateChatConfig(agentID string, cfg map[string]any) error {
	if cfg == nil {
		return nil
	}
	if v, ok := cfg["maxToolIterations"]; ok {
		n, ok := asNumber(v)
		if !ok || n < 1 || n > 64 {
			return domain.Errorf(domain.CodeInvalidConfig, "agent %q: maxToolIterations must be in [1,64]", agentID)
		}
	}
	if v, ok := cfg["temperature"]; ok {
		n, ok := asNumber(v)
		if !ok || n < 0 || n > 2 {
			return domain.Errorf(domain.CodeInvalidConfig, "agent %q: temperature must be in [0,2]", agentID)
		}
	}
	if v, ok := cfg["timeoutSeconds"]; ok {
		n, ok := asNumber(v)
		if !ok || n <= 0 {
			return domain.Errorf(domain.CodeInvalidConfig, "agent %q: timeoutSeconds must be > 0", agentID)
		}
	}
	if v, ok := cfg["extraArgs"]; ok {
		args, ok := v.([]any)
		if !ok {
			return domain.Errorf(domain.CodeInvalidConfig, "agent %q: extraArgs must be a string array", agentID)
		}
		for _, raw := range args {
			arg, ok := raw.(string)
			if !ok {
				return domain.Errorf(domain.CodeInvalidConfig, "agent %q: extraArgs must be a string array", agentID)
			}
			flag := strings.SplitN(arg, "=", 2)[0]
			for _, reserved := range reservedCLIFlags {
				if flag == reserved {
					return domain.Errorf(domain.CodeInvalidConfig, "agent %q: extraArgs must not contain reserved flag %s", agentID, reserved)
				}
			}
		}
	}
	return nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
