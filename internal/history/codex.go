package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/domain"
)

// SessionMap persists internal-session-id to codex-session-id pairs in
// <dataDir>/codex-sessions.json. codex exec names its rollout files after
// its own ids, so we have to remember the association ourselves.
type SessionMap struct {
	path string

	mu      sync.Mutex
	entries map[string]string
}

// LoadSessionMap reads the map file, tolerating absence.
func LoadSessionMap(dataDir string) (*SessionMap, error) {
	m := &SessionMap{
		path:    filepath.Join(dataDir, "codex-sessions.json"),
		entries: make(map[string]string),
	}
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading codex session map: %w", err)
	}
	if err := json.Unmarshal(data, &m.entries); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", m.path, err)
	}
	return m, nil
}

// Get returns the codex session id recorded for sessionID.
func (m *SessionMap) Get(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[sessionID]
}

// Set records the association and rewrites the file.
func (m *SessionMap) Set(sessionID, codexID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[sessionID] == codexID {
		return nil
	}
	m.entries[sessionID] = codexID
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, append(data, '\n'), 0o644)
}

// Delete drops a session's entry.
func (m *SessionMap) Delete(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[sessionID]; !ok {
		return nil
	}
	delete(m.entries, sessionID)
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, append(data, '\n'), 0o644)
}

// CodexProvider reconstructs history from codex exec rollout files
// (~/.codex/sessions/YYYY/MM/DD/rollout-<ts>-<id>.jsonl).
type CodexProvider struct {
	root     string
	log      *config.Logger
	sessions *SessionMap
	cache    *mtimeCache
}

func NewCodexProvider(log *config.Logger, sessions *SessionMap) *CodexProvider {
	home, _ := os.UserHomeDir()
	return &CodexProvider{
		root:     filepath.Join(home, ".codex", "sessions"),
		log:      log,
		sessions: sessions,
		cache:    newMtimeCache(),
	}
}

// Supports implements Provider.
func (p *CodexProvider) Supports(providerID string) bool {
	return providerID == domain.ProviderCodexCLI
}

// ShouldPersist implements Provider.
func (p *CodexProvider) ShouldPersist(Request) bool { return false }

// findRollout walks the dated session tree for the file whose name ends in
// the codex session id.
func (p *CodexProvider) findRollout(codexID string) (string, bool) {
	suffix := codexID + ".jsonl"
	var found string
	_ = filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, "rollout-") && strings.HasSuffix(name, suffix) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found, found != ""
}

// GetHistory implements Provider.
func (p *CodexProvider) GetHistory(req Request) ([]domain.ChatEvent, error) {
	codexID := externalSessionID(req.Attributes, domain.ProviderCodexCLI)
	if codexID == "" && p.sessions != nil {
		codexID = p.sessions.Get(req.SessionID)
	}
	if codexID == "" {
		return nil, nil
	}
	path, ok := p.findRollout(codexID)
	if !ok {
		return nil, nil
	}
	if events, hit := p.cache.get(path, req.Force); hit {
		return SinceCursor(events, req.After), nil
	}
	events, err := convertCodexRollout(path, req.SessionID, p.log)
	if err != nil {
		return events, err
	}
	p.cache.put(path, events)
	return SinceCursor(events, req.After), nil
}

// codexLine is one line of a codex exec rollout.
type codexLine struct {
	Timestamp string          `json:"timestamp,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type codexPayload struct {
	Type      string             `json:"type"`
	Role      string             `json:"role,omitempty"`
	Content   []codexContentPart `json:"content,omitempty"`
	Name      string             `json:"name,omitempty"`
	Arguments string             `json:"arguments,omitempty"`
	CallID    string             `json:"call_id,omitempty"`
	Output    string             `json:"output,omitempty"`
	Summary   []codexContentPart `json:"summary,omitempty"`
}

type codexContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func convertCodexRollout(path, sessionID string, log *config.Logger) ([]domain.ChatEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	conv := rolloutConverter{sessionID: sessionID, log: log, path: path}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var line codexLine
		if err := json.Unmarshal([]byte(text), &line); err != nil {
			log.Printf("history: %s line %d unparseable: %v", path, lineNo, err)
			continue
		}
		if line.Type != "response_item" || len(line.Payload) == 0 {
			continue
		}
		var payload codexPayload
		if err := json.Unmarshal(line.Payload, &payload); err != nil {
			log.Printf("history: %s line %d bad payload: %v", path, lineNo, err)
			continue
		}
		foldCodexItem(&conv, line, payload)
	}
	if err := sc.Err(); err != nil {
		return conv.finish(), err
	}
	return conv.finish(), nil
}

func foldCodexItem(conv *rolloutConverter, line codexLine, payload codexPayload) {
	ts := conv.stamp(rolloutLine{Timestamp: line.Timestamp})

	switch payload.Type {
	case "message":
		text := joinCodexParts(payload.Content)
		switch payload.Role {
		case "user":
			conv.closeTurn(ts)
			conv.openTurn(ts)
			conv.emit(domain.EventUserMessage, ts, func(ev *domain.ChatEvent) {
				ev.Text = text
			})
		case "assistant":
			if conv.turnID == "" {
				conv.openTurn(ts)
			}
			conv.emit(domain.EventAssistantDone, ts, func(ev *domain.ChatEvent) {
				ev.Text = text
			})
		}
	case "reasoning":
		if conv.turnID == "" {
			conv.openTurn(ts)
		}
		conv.emit(domain.EventThinkingDone, ts, func(ev *domain.ChatEvent) {
			ev.Text = joinCodexParts(payload.Summary)
		})
	case "function_call":
		if conv.turnID == "" {
			conv.openTurn(ts)
		}
		conv.emit(domain.EventToolCall, ts, func(ev *domain.ChatEvent) {
			ev.ToolCallID = payload.CallID
			ev.ToolName = payload.Name
			if payload.Arguments != "" {
				ev.Args = json.RawMessage(payload.Arguments)
			}
		})
	case "function_call_output":
		result, err := json.Marshal(payload.Output)
		if err != nil {
			return
		}
		conv.emit(domain.EventToolResult, ts, func(ev *domain.ChatEvent) {
			ev.ToolCallID = payload.CallID
			ev.Result = result
		})
	}
}

func joinCodexParts(parts []codexContentPart) string {
	var b strings.Builder
	for _, part := range parts {
		if part.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(part.Text)
	}
	return b.String()
}
