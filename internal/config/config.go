package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/parleylabs/parley/internal/domain"
)

// MCPServerConfig describes one MCP server to connect at startup.
// Type defaults to stdio; http servers set url instead of command.
type MCPServerConfig struct {
	Name    string            `json:"name,omitempty"`
	Type    string            `json:"type,omitempty"` // "stdio" or "http"
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
}

// SessionsConfig tunes the session hub.
type SessionsConfig struct {
	MaxCached              int   `json:"maxCached,omitempty"` // default 100
	MirrorPiSessionHistory *bool `json:"mirrorPiSessionHistory,omitempty"`
}

// MirrorPi reports whether pi-cli session history is mirrored into the
// event store (default true).
func (s SessionsConfig) MirrorPi() bool {
	return s.MirrorPiSessionHistory == nil || *s.MirrorPiSessionHistory
}

// Config is the parsed agents config file.
type Config struct {
	Agents     []domain.AgentDefinition  `json:"agents,omitempty"`
	Plugins    map[string]map[string]any `json:"plugins,omitempty"`
	MCPServers []MCPServerConfig         `json:"mcpServers,omitempty"`
	Sessions   SessionsConfig            `json:"sessions,omitempty"`
}

// Env holds process-environment settings separate from the config file.
type Env struct {
	DataDir               string
	Port                  int
	OpenAIAPIKey          string
	OpenAIBaseURL         string
	MaxMessagesPerMinute  int
	MaxToolCallsPerMinute int
}

// DefaultMaxCachedSessions bounds the in-memory session cache when the
// config does not say otherwise.
const DefaultMaxCachedSessions = 100

// LoadEnv reads process-environment settings, applying defaults.
func LoadEnv() Env {
	e := Env{
		DataDir:               os.Getenv("DATA_DIR"),
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:         os.Getenv("OPENAI_BASE_URL"),
		Port:                  4270,
		MaxMessagesPerMinute:  60,
		MaxToolCallsPerMinute: 60,
	}
	if e.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			e.DataDir = filepath.Join(home, ".local", "share", "parley")
		}
	}
	if p, err := strconv.Atoi(os.Getenv("PORT")); err == nil && p > 0 {
		e.Port = p
	}
	if n, err := strconv.Atoi(os.Getenv("MAX_MESSAGES_PER_MINUTE")); err == nil && n >= 0 {
		e.MaxMessagesPerMinute = n
	}
	if n, err := strconv.Atoi(os.Getenv("MAX_TOOL_CALLS_PER_MINUTE")); err == nil && n >= 0 {
		e.MaxToolCallsPerMinute = n
	}
	return e
}

// EnsureDataDir creates the data directory if needed and returns it.
func (e Env) EnsureDataDir() (string, error) {
	if e.DataDir == "" {
		return "", fmt.Errorf("no data directory configured")
	}
	if err := os.MkdirAll(e.DataDir, 0o700); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	return e.DataDir, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv expands ${NAME} references in every string value of a
// decoded JSON document. Unset variables expand to the empty string.
func substituteEnv(v any, lookup func(string) string) any {
	switch t := v.(type) {
	case string:
		return envVarPattern.ReplaceAllStringFunc(t, func(m string) string {
			return lookup(m[2 : len(m)-1])
		})
	case map[string]any:
		for k, val := range t {
			t[k] = substituteEnv(val, lookup)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = substituteEnv(val, lookup)
		}
		return t
	default:
		return v
	}
}

// Load reads and validates the agents config file. A missing file is
// non-fatal and yields an empty config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data, os.Getenv)
}

// Parse decodes config bytes, applying ${NAME} env substitution to all
// string values before unmarshaling into the typed config.
func Parse(data []byte, lookup func(string) string) (*Config, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.Errorf(domain.CodeInvalidConfig, "parsing config: %v", err)
	}
	raw = substituteEnv(raw, lookup)
	expanded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encoding config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(expanded, &cfg); err != nil {
		return nil, domain.Errorf(domain.CodeInvalidConfig, "decoding config: %v", err)
	}
	if cfg.Sessions.MaxCached == 0 {
		cfg.Sessions.MaxCached = DefaultMaxCachedSessions
	}
	if cfg.Sessions.MaxCached < 1 {
		return nil, domain.Errorf(domain.CodeInvalidConfig, "sessions.maxCached must be >= 1")
	}

	seen := make(map[string]bool, len(cfg.Agents))
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if err := ValidateAgent(a); err != nil {
			return nil, err
		}
		id := strings.ToLower(a.AgentID)
		if seen[id] {
			return nil, domain.Errorf(domain.CodeDuplicateAgentID, "duplicate agent id %q", a.AgentID)
		}
		seen[id] = true
	}

	for i, sc := range cfg.MCPServers {
		switch sc.Type {
		case "", "stdio":
			if strings.TrimSpace(sc.Command) == "" {
				return nil, domain.Errorf(domain.CodeInvalidConfig, "mcpServers[%d]: stdio servers require command", i)
			}
		case "http":
			if strings.TrimSpace(sc.URL) == "" {
				return nil, domain.Errorf(domain.CodeInvalidConfig, "mcpServers[%d]: http servers require url", i)
			}
		default:
			return nil, domain.Errorf(domain.CodeInvalidConfig, "mcpServers[%d]: unknown type %q", i, sc.Type)
		}
	}
	return &cfg, nil
}
