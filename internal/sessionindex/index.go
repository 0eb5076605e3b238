// Package sessionindex keeps the durable catalog of sessions as a JSONL
// change log. Mutations append one record each; the in-memory map is the
// replay of all records in file order.
package sessionindex

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/domain"
)

// Change-log record types.
const (
	recCreated    = "session_created"
	recUpdated    = "session_updated"
	recDeleted    = "session_deleted"
	recRenamed    = "session_renamed"
	recAgentSet   = "session_agent_set"
	recCleared    = "session_cleared"
	recPinned     = "session_pinned"
	recModelSet   = "session_model_set"
	recThinking   = "session_thinking_set"
	recAttributes = "session_attributes_patch"
)

// record is one line of the change log.
type record struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"` // ms since epoch
	SessionID string         `json:"sessionId"`
	AgentID   string         `json:"agentId,omitempty"`
	Name      *string        `json:"name,omitempty"`
	Snippet   string         `json:"snippet,omitempty"`
	Model     string         `json:"model,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	Pinned    *bool          `json:"pinned,omitempty"`
	Patch     map[string]any `json:"patch,omitempty"`
}

// Index is the session catalog. All writes go through a single appender.
type Index struct {
	path string
	log  *config.Logger

	mu       sync.Mutex
	file     *os.File
	sessions map[string]*domain.SessionSummary
}

// Load opens (or creates) the change log at <root>/sessions.jsonl and
// replays it.
func Load(root string, log *config.Logger) (*Index, error) {
	idx := &Index{
		path:     filepath.Join(root, "sessions.jsonl"),
		log:      log,
		sessions: make(map[string]*domain.SessionSummary),
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	if err := idx.replay(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(idx.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening session index: %w", err)
	}
	idx.file = f
	return idx, nil
}

// Close closes the change log file.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.file == nil {
		return nil
	}
	err := idx.file.Close()
	idx.file = nil
	return err
}

func (idx *Index) replay() error {
	f, err := os.Open(idx.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening session index: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			idx.log.Printf("sessionindex: skipping malformed line %d: %v", lineNo, err)
			continue
		}
		idx.apply(rec)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading session index: %w", err)
	}

	// Sessions without an agent are invalid and dropped.
	for id, s := range idx.sessions {
		if s.AgentID == "" {
			idx.log.Printf("sessionindex: dropping session %s with no agent", id)
			delete(idx.sessions, id)
		}
	}
	return nil
}

// apply folds one record into the in-memory map.
func (idx *Index) apply(rec record) {
	ts := time.UnixMilli(rec.Timestamp)
	if rec.Type == recCreated {
		if _, ok := idx.sessions[rec.SessionID]; !ok {
			idx.sessions[rec.SessionID] = &domain.SessionSummary{
				SessionID: rec.SessionID,
				AgentID:   rec.AgentID,
				CreatedAt: ts,
				UpdatedAt: ts,
				Model:     rec.Model,
				Thinking:  rec.Thinking,
			}
		}
		return
	}

	s, ok := idx.sessions[rec.SessionID]
	if !ok {
		return
	}
	switch rec.Type {
	case recUpdated:
		if rec.Snippet != "" {
			s.LastSnippet = rec.Snippet
		}
	case recDeleted:
		delete(idx.sessions, rec.SessionID)
		return
	case recRenamed:
		if rec.Name == nil {
			s.Name = ""
		} else {
			s.Name = *rec.Name
		}
	case recAgentSet:
		s.AgentID = rec.AgentID
	case recCleared:
		s.LastSnippet = ""
	case recPinned:
		if rec.Pinned != nil && *rec.Pinned {
			t := ts
			s.PinnedAt = &t
		} else {
			s.PinnedAt = nil
		}
	case recModelSet:
		s.Model = rec.Model
	case recThinking:
		s.Thinking = rec.Thinking
	case recAttributes:
		s.Attributes = mergeAttributes(s.Attributes, rec.Patch)
	}
	if ts.After(s.UpdatedAt) {
		s.UpdatedAt = ts
	}
}

// appendRecord writes one record and folds it into memory. Caller holds mu.
func (idx *Index) appendRecord(rec record) error {
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding index record: %w", err)
	}
	if idx.file == nil {
		return fmt.Errorf("session index is closed")
	}
	if _, err := idx.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending index record: %w", err)
	}
	idx.apply(rec)
	return nil
}

// CreateOptions parameterize CreateSession.
type CreateOptions struct {
	SessionID string // optional; generated when empty
	AgentID   string
	Model     string
	Thinking  string
}

// CreateSession registers a new session. Re-creating an existing session
// with the same agent is a no-op returning the existing summary; with a
// different agent it is an error.
func (idx *Index) CreateSession(opts CreateOptions) (domain.SessionSummary, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if strings.TrimSpace(opts.AgentID) == "" {
		return domain.SessionSummary{}, domain.Errorf(domain.CodeInvalidConfig, "createSession: agentId is required")
	}
	if opts.SessionID != "" {
		if existing, ok := idx.sessions[opts.SessionID]; ok {
			if existing.AgentID != opts.AgentID {
				return domain.SessionSummary{}, domain.Errorf(domain.CodeAgentSessionError,
					"session %s already belongs to agent %q", opts.SessionID, existing.AgentID)
			}
			return existing.Clone(), nil
		}
	}

	id := opts.SessionID
	if id == "" {
		id = domain.NewID()
	}
	rec := record{
		Type:      recCreated,
		SessionID: id,
		AgentID:   opts.AgentID,
		Model:     opts.Model,
		Thinking:  opts.Thinking,
	}
	if err := idx.appendRecord(rec); err != nil {
		return domain.SessionSummary{}, err
	}
	return idx.sessions[id].Clone(), nil
}

// GetSession returns a session summary, or false for missing/deleted ids.
func (idx *Index) GetSession(id string) (domain.SessionSummary, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	s, ok := idx.sessions[id]
	if !ok {
		return domain.SessionSummary{}, false
	}
	return s.Clone(), true
}

// ListSessions returns all non-deleted sessions, most recently updated first.
func (idx *Index) ListSessions() []domain.SessionSummary {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]domain.SessionSummary, 0, len(idx.sessions))
	for _, s := range idx.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// FindSessionByName finds a session by case-insensitive name.
func (idx *Index) FindSessionByName(name string) (domain.SessionSummary, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	want := strings.ToLower(strings.TrimSpace(name))
	if want == "" {
		return domain.SessionSummary{}, false
	}
	for _, s := range idx.sessions {
		if strings.ToLower(s.Name) == want {
			return s.Clone(), true
		}
	}
	return domain.SessionSummary{}, false
}

// FindSessionForAgent returns the most recently updated session bound to
// an agent.
func (idx *Index) FindSessionForAgent(agentID string) (domain.SessionSummary, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var best *domain.SessionSummary
	for _, s := range idx.sessions {
		if s.AgentID != agentID {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
		}
	}
	if best == nil {
		return domain.SessionSummary{}, false
	}
	return best.Clone(), true
}

// mutate appends rec if the session exists, returning the updated summary.
func (idx *Index) mutate(id string, rec record) (domain.SessionSummary, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.sessions[id]; !ok {
		return domain.SessionSummary{}, domain.Errorf(domain.CodeSessionNotFound, "session %s not found", id)
	}
	rec.SessionID = id
	if err := idx.appendRecord(rec); err != nil {
		return domain.SessionSummary{}, err
	}
	if s, ok := idx.sessions[id]; ok {
		return s.Clone(), nil
	}
	return domain.SessionSummary{}, nil
}

// MarkSessionActivity bumps updatedAt and records the latest snippet.
func (idx *Index) MarkSessionActivity(id, snippet string) (domain.SessionSummary, error) {
	return idx.mutate(id, record{Type: recUpdated, Snippet: truncateSnippet(snippet)})
}

// TouchSession bumps updatedAt only.
func (idx *Index) TouchSession(id string) (domain.SessionSummary, error) {
	return idx.mutate(id, record{Type: recUpdated})
}

// MarkSessionDeleted tombstones a session. Its name becomes reusable.
func (idx *Index) MarkSessionDeleted(id string) error {
	_, err := idx.mutate(id, record{Type: recDeleted})
	return err
}

// RenameSession sets or removes (nil) a session's name. Names are unique
// case-insensitively among non-deleted sessions.
func (idx *Index) RenameSession(id string, name *string) (domain.SessionSummary, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.sessions[id]; !ok {
		return domain.SessionSummary{}, domain.Errorf(domain.CodeSessionNotFound, "session %s not found", id)
	}
	var trimmed *string
	if name != nil {
		t := strings.TrimSpace(*name)
		trimmed = &t
		lower := strings.ToLower(t)
		if t != "" {
			for otherID, s := range idx.sessions {
				if otherID != id && strings.ToLower(s.Name) == lower {
					return domain.SessionSummary{}, domain.Errorf(domain.CodeNameInUse, "session name %q is already in use", t)
				}
			}
		}
	}
	if err := idx.appendRecord(record{Type: recRenamed, SessionID: id, Name: trimmed}); err != nil {
		return domain.SessionSummary{}, err
	}
	return idx.sessions[id].Clone(), nil
}

// SetSessionAgent rebinds a session to another agent.
func (idx *Index) SetSessionAgent(id, agentID string) (domain.SessionSummary, error) {
	if strings.TrimSpace(agentID) == "" {
		return domain.SessionSummary{}, domain.Errorf(domain.CodeInvalidConfig, "agentId is required")
	}
	return idx.mutate(id, record{Type: recAgentSet, AgentID: agentID})
}

// SetSessionModel records a model override for the session.
func (idx *Index) SetSessionModel(id, model string) (domain.SessionSummary, error) {
	return idx.mutate(id, record{Type: recModelSet, Model: model})
}

// SetSessionThinking records a thinking-level override for the session.
func (idx *Index) SetSessionThinking(id, thinking string) (domain.SessionSummary, error) {
	return idx.mutate(id, record{Type: recThinking, Thinking: thinking})
}

// PinSession pins or unpins a session.
func (idx *Index) PinSession(id string, pinned bool) (domain.SessionSummary, error) {
	return idx.mutate(id, record{Type: recPinned, Pinned: &pinned})
}

// ClearSession keeps metadata but drops the last snippet. Event history is
// the Event Store's concern, not the index's.
func (idx *Index) ClearSession(id string) (domain.SessionSummary, error) {
	return idx.mutate(id, record{Type: recCleared})
}

// UpdateSessionAttributes deep-merges patch into the session's attributes.
func (idx *Index) UpdateSessionAttributes(id string, patch map[string]any) (domain.SessionSummary, error) {
	if err := validateAttributesPatch(patch); err != nil {
		return domain.SessionSummary{}, err
	}
	return idx.mutate(id, record{Type: recAttributes, Patch: patch})
}

const snippetMax = 200

func truncateSnippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= snippetMax {
		return s
	}
	// Back the cut off to a rune boundary so the snippet stays valid UTF-8.
	cut := snippetMax
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
