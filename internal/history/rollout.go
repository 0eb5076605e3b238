package history

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/domain"
)

// rolloutLine is one line of a claude-cli/pi-cli style transcript file.
type rolloutLine struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp,omitempty"`
	Message   *rolloutMessage `json:"message,omitempty"`
}

type rolloutMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type rolloutBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// mtimeCache memoizes converted rollouts by path until the file changes.
type mtimeCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	mtime  time.Time
	size   int64
	events []domain.ChatEvent
}

func newMtimeCache() *mtimeCache {
	return &mtimeCache{entries: make(map[string]cacheEntry)}
}

func (c *mtimeCache) get(path string, force bool) ([]domain.ChatEvent, bool) {
	if force {
		return nil, false
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[path]
	if !ok || !e.mtime.Equal(info.ModTime()) || e.size != info.Size() {
		return nil, false
	}
	return e.events, true
}

func (c *mtimeCache) put(path string, events []domain.ChatEvent) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = cacheEntry{mtime: info.ModTime(), size: info.Size(), events: events}
}

// convertRollout turns a transcript file into the event sequence for
// sessionID, bracketing each user input with turn_start/turn_end.
func convertRollout(path, sessionID string, log *config.Logger) ([]domain.ChatEvent, error) {
	f, err := os.Open(path)
	if err != nil {
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
		var line rolloutLine
		if err := json.Unmarshal([]byte(text), &line); err != nil {
			log.Printf("history: %s line %d unparseable: %v", path, lineNo, err)
			continue
		}
		conv.fold(line)
	}
	if err := sc.Err(); err != nil {
		return conv.finish(), err
	}
	return conv.finish(), nil
}

// rolloutConverter builds ordered ChatEvents from transcript lines while
// maintaining the turn_start/turn_end bracketing invariant.
type rolloutConverter struct {
	sessionID string
	path      string
	log       *config.Logger

	events []domain.ChatEvent
	turnID string
	lastTS int64
}

func (c *rolloutConverter) stamp(line rolloutLine) int64 {
	if line.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, line.Timestamp); err == nil {
			c.lastTS = t.UnixMilli()
			return c.lastTS
		}
	}
	// Keep ordering monotonic when timestamps are missing.
	c.lastTS++
	return c.lastTS
}

func (c *rolloutConverter) emit(t domain.EventType, ts int64, fill func(*domain.ChatEvent)) {
	ev := domain.ChatEvent{
		ID:        domain.NewID(),
		Timestamp: ts,
		SessionID: c.sessionID,
		TurnID:    c.turnID,
		Type:      t,
	}
	if fill != nil {
		fill(&ev)
	}
	c.events = append(c.events, ev)
}

func (c *rolloutConverter) openTurn(ts int64) {
	c.turnID = domain.NewID()
	c.emit(domain.EventTurnStart, ts, func(ev *domain.ChatEvent) {
		ev.Trigger = domain.TriggerUser
	})
}

func (c *rolloutConverter) closeTurn(ts int64) {
	if c.turnID == "" {
		return
	}
	c.emit(domain.EventTurnEnd, ts, nil)
	c.turnID = ""
}

func (c *rolloutConverter) fold(line rolloutLine) {
	if line.Message == nil {
		return
	}
	ts := c.stamp(line)

	switch line.Type {
	case "user":
		// Plain text user content opens a new turn; tool_result blocks
		// belong to the current one.
		var text string
		if err := json.Unmarshal(line.Message.Content, &text); err == nil {
			c.closeTurn(ts)
			c.openTurn(ts)
			c.emit(domain.EventUserMessage, ts, func(ev *domain.ChatEvent) {
				ev.Text = text
			})
			return
		}
		var blocks []rolloutBlock
		if err := json.Unmarshal(line.Message.Content, &blocks); err != nil {
			return
		}
		for _, b := range blocks {
			switch b.Type {
			case "text":
				c.closeTurn(ts)
				c.openTurn(ts)
				c.emit(domain.EventUserMessage, ts, func(ev *domain.ChatEvent) {
					ev.Text = b.Text
				})
			case "tool_result":
				c.emit(domain.EventToolResult, ts, func(ev *domain.ChatEvent) {
					ev.ToolCallID = b.ToolUseID
					ev.Result = b.Content
					if b.IsError {
						ok := false
						ev.OK = &ok
					}
				})
			}
		}
	case "assistant":
		if c.turnID == "" {
			c.openTurn(ts)
		}
		var blocks []rolloutBlock
		if err := json.Unmarshal(line.Message.Content, &blocks); err != nil {
			return
		}
		for _, b := range blocks {
			switch b.Type {
			case "thinking":
				c.emit(domain.EventThinkingDone, ts, func(ev *domain.ChatEvent) {
					ev.Text = b.Thinking
				})
			case "text":
				c.emit(domain.EventAssistantDone, ts, func(ev *domain.ChatEvent) {
					ev.Text = b.Text
				})
			case "tool_use":
				c.emit(domain.EventToolCall, ts, func(ev *domain.ChatEvent) {
					ev.ToolCallID = b.ID
					ev.ToolName = b.Name
					ev.Args = b.Input
				})
			}
		}
	}
}

func (c *rolloutConverter) finish() []domain.ChatEvent {
	c.closeTurn(c.lastTS + 1)
	return c.events
}
