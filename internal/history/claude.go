package history

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/domain"
)

// ClaudeProvider reconstructs history from claude-cli's project transcripts
// (~/.claude/projects/<encoded-dir>/<session-id>.jsonl).
type ClaudeProvider struct {
	root  string
	log   *config.Logger
	cache *mtimeCache
}

// NewClaudeProvider builds a reader rooted at ~/.claude/projects. The root
// is a field so tests can point it at a fixture directory.
func NewClaudeProvider(log *config.Logger) *ClaudeProvider {
	home, _ := os.UserHomeDir()
	return &ClaudeProvider{
		root:  filepath.Join(home, ".claude", "projects"),
		log:   log,
		cache: newMtimeCache(),
	}
}

// Supports implements Provider.
func (p *ClaudeProvider) Supports(providerID string) bool {
	return providerID == domain.ProviderClaudeCLI
}

// ShouldPersist implements Provider. claude-cli owns its transcript;
// mirroring it into the event store would diverge on resume.
func (p *ClaudeProvider) ShouldPersist(Request) bool { return false }

// externalSessionID digs the CLI's own session id out of session
// attributes (attributes.providers.<id>.sessionId).
func externalSessionID(attrs map[string]any, providerID string) string {
	providers, _ := attrs["providers"].(map[string]any)
	entry, _ := providers[providerID].(map[string]any)
	id, _ := entry["sessionId"].(string)
	return id
}

func workingDir(attrs map[string]any) string {
	core, _ := attrs["core"].(map[string]any)
	dir, _ := core["workingDir"].(string)
	return dir
}

// encodeProjectDir mirrors claude-cli's directory naming: the absolute
// working directory with every separator and dot turned into a dash.
func encodeProjectDir(dir string) string {
	return strings.NewReplacer("/", "-", "\\", "-", ".", "-", ":", "-").Replace(dir)
}

func (p *ClaudeProvider) rolloutPath(req Request) (string, bool) {
	cliID := externalSessionID(req.Attributes, domain.ProviderClaudeCLI)
	if cliID == "" {
		return "", false
	}
	dir := workingDir(req.Attributes)
	if dir == "" {
		return "", false
	}
	return filepath.Join(p.root, encodeProjectDir(dir), cliID+".jsonl"), true
}

// GetHistory implements Provider.
func (p *ClaudeProvider) GetHistory(req Request) ([]domain.ChatEvent, error) {
	path, ok := p.rolloutPath(req)
	if !ok {
		return nil, nil
	}
	if events, hit := p.cache.get(path, req.Force); hit {
		return SinceCursor(events, req.After), nil
	}
	events, err := convertRollout(path, req.SessionID, p.log)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return events, err
	}
	p.cache.put(path, events)
	return SinceCursor(events, req.After), nil
}
