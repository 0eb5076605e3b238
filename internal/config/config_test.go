package config

import (
	"strings"
	"testing"

	"github.com/parleylabs/parley/internal/domain"
)

func lookupFrom(env map[string]string) func(string) string {
	return func(name string) string { return env[name] }
}

func TestParse_EnvSubstitution(t *testing.T) {
	raw := `{
		"agents": [
			{"agentId": "helper", "chat": {"provider": "openai", "models": ["${MODEL_NAME}"]}}
		],
		"mcpServers": [
			{"name": "fs", "command": "mcp-fs", "env": {"ROOT": "${WORK_ROOT}/data"}}
		]
	}`
	cfg, err := Parse([]byte(raw), lookupFrom(map[string]string{
		"MODEL_NAME": "gpt-4.1",
		"WORK_ROOT":  "/srv",
	}))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.Agents[0].Chat.Models[0]; got != "gpt-4.1" {
		t.Errorf("model = %q, want %q", got, "gpt-4.1")
	}
	if got := cfg.MCPServers[0].Env["ROOT"]; got != "/srv/data" {
		t.Errorf("env ROOT = %q, want %q", got, "/srv/data")
	}
}

func TestParse_UnsetEnvVarExpandsEmpty(t *testing.T) {
	cfg, err := Parse([]byte(`{"agents":[{"agentId":"a","systemPrompt":"key=${NOPE}"}]}`), lookupFrom(nil))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.Agents[0].SystemPrompt; got != "key=" {
		t.Errorf("systemPrompt = %q, want %q", got, "key=")
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`), lookupFrom(nil))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Sessions.MaxCached != DefaultMaxCachedSessions {
		t.Errorf("maxCached = %d, want %d", cfg.Sessions.MaxCached, DefaultMaxCachedSessions)
	}
	if !cfg.Sessions.MirrorPi() {
		t.Error("mirrorPiSessionHistory should default to true")
	}
}

func TestParse_DuplicateAgentID(t *testing.T) {
	raw := `{"agents":[{"agentId":"dup"},{"agentId":"DUP"}]}`
	_, err := Parse([]byte(raw), lookupFrom(nil))
	if domain.CodeOf(err) != domain.CodeDuplicateAgentID {
		t.Fatalf("err = %v, want code %s", err, domain.CodeDuplicateAgentID)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(t.TempDir() + "/nope.json")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Agents) != 0 {
		t.Errorf("agents = %d, want 0", len(cfg.Agents))
	}
}

func TestValidateAgent(t *testing.T) {
	enabled := true
	cases := []struct {
		name     string
		agent    domain.AgentDefinition
		wantCode string
	}{
		{
			name:  "minimal chat agent",
			agent: domain.AgentDefinition{AgentID: "helper"},
		},
		{
			name: "valid external agent",
			agent: domain.AgentDefinition{
				AgentID: "ext",
				Type:    domain.AgentTypeExternal,
				External: &domain.ExternalSettings{
					InputURL:        "https://agent.example/input",
					CallbackBaseURL: "https://parley.example",
				},
			},
		},
		{
			name:     "empty agentId",
			agent:    domain.AgentDefinition{AgentID: "  "},
			wantCode: domain.CodeInvalidConfig,
		},
		{
			name: "external agent with chat config",
			agent: domain.AgentDefinition{
				AgentID:  "ext",
				Type:     domain.AgentTypeExternal,
				Chat:     &domain.ChatSettings{Provider: "openai"},
				External: &domain.ExternalSettings{InputURL: "u", CallbackBaseURL: "c"},
			},
			wantCode: domain.CodeInvalidConfig,
		},
		{
			name: "external agent missing callback",
			agent: domain.AgentDefinition{
				AgentID:  "ext",
				Type:     domain.AgentTypeExternal,
				External: &domain.ExternalSettings{InputURL: "u"},
			},
			wantCode: domain.CodeInvalidConfig,
		},
		{
			name: "unknown provider",
			agent: domain.AgentDefinition{
				AgentID: "helper",
				Chat:    &domain.ChatSettings{Provider: "bard"},
			},
			wantCode: domain.CodeInvalidConfig,
		},
		{
			name: "maxToolIterations out of range",
			agent: domain.AgentDefinition{
				AgentID: "helper",
				Chat: &domain.ChatSettings{
					Provider: "openai",
					Config:   map[string]any{"maxToolIterations": float64(100)},
				},
			},
			wantCode: domain.CodeInvalidConfig,
		},
		{
			name: "reserved extraArgs flag",
			agent: domain.AgentDefinition{
				AgentID: "cli",
				Chat: &domain.ChatSettings{
					Provider: "claude-cli",
					Config:   map[string]any{"extraArgs": []any{"--resume=abc"}},
				},
			},
			wantCode: domain.CodeInvalidConfig,
		},
		{
			name: "bad cron field count",
			agent: domain.AgentDefinition{
				AgentID: "sched",
				Schedules: []domain.ScheduleConfig{
					{ID: "s1", Cron: "0 9 * *", Enabled: &enabled},
				},
			},
			wantCode: domain.CodeInvalidConfig,
		},
		{
			name: "duplicate schedule id",
			agent: domain.AgentDefinition{
				AgentID: "sched",
				Schedules: []domain.ScheduleConfig{
					{ID: "s1", Cron: "0 9 * * *"},
					{ID: "s1", Cron: "0 10 * * *"},
				},
			},
			wantCode: domain.CodeInvalidConfig,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateAgent(&tc.agent)
			if tc.wantCode == "" {
				if err != nil {
					t.Fatalf("ValidateAgent: %v", err)
				}
				return
			}
			if domain.CodeOf(err) != tc.wantCode {
				t.Fatalf("err = %v, want code %s", err, tc.wantCode)
			}
		})
	}
}

func TestParse_MCPServerRequiresCommand(t *testing.T) {
	_, err := Parse([]byte(`{"mcpServers":[{"name":"x"}]}`), lookupFrom(nil))
	if err == nil || !strings.Contains(err.Error(), "command") {
		t.Fatalf("err = %v, want command error", err)
	}
}
