// Package eventstore persists each session's chat history as an append-only
// JSONL file and fans appended events out to in-process subscribers.
package eventstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/domain"
)

// Handler receives one appended event. Handlers run synchronously in append
// order and must not block.
type Handler func(ev domain.ChatEvent)

// Store is the per-session event log rooted at <root>/sessions.
type Store struct {
	root string
	log  *config.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	subs    map[string]map[int]Handler
	nextSub int
}

// New creates a store writing under root. The directory tree is created
// lazily on first append.
func New(root string, log *config.Logger) *Store {
	return &Store{
		root:  root,
		log:   log,
		locks: make(map[string]*sync.Mutex),
		subs:  make(map[string]map[int]Handler),
	}
}

// EventsPath returns the JSONL path for one session.
func (s *Store) EventsPath(sessionID string) string {
	return filepath.Join(s.root, "sessions", sessionID, "events.jsonl")
}

// sessionLock returns the mutex serializing appends for one session.
func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Append validates and writes one event, then notifies subscribers.
func (s *Store) Append(sessionID string, ev domain.ChatEvent) error {
	return s.AppendBatch(sessionID, []domain.ChatEvent{ev})
}

// AppendBatch validates and writes events as a single write, so either all
// lines reach the file or none do. Subscribers are notified per event in
// input order.
func (s *Store) AppendBatch(sessionID string, events []domain.ChatEvent) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, ev := range events {
		if ev.SessionID != sessionID {
			return domain.Errorf(domain.CodeSessionMismatch,
				"event %s targets session %q, store session is %q", ev.ID, ev.SessionID, sessionID)
		}
		line, err := json.Marshal(ev)
		if err != nil {
			return domain.Errorf(domain.CodeInvalidEvent, "encoding event %s: %v", ev.ID, err)
		}
		if err := validateEventBytes(line); err != nil {
			return domain.Errorf(domain.CodeInvalidEvent, "event %s (%s): %v", ev.ID, ev.Type, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	p := s.EventsPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening events log: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("appending events: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing events log: %w", err)
	}

	for _, ev := range events {
		s.notify(sessionID, ev)
	}
	return nil
}

func (s *Store) notify(sessionID string, ev domain.ChatEvent) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.subs[sessionID]))
	for _, h := range s.subs[sessionID] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// GetEvents reads all events for a session in file order. Malformed or
// schema-invalid lines are skipped. A missing file reads as empty.
func (s *Store) GetEvents(sessionID string) ([]domain.ChatEvent, error) {
	f, err := os.Open(s.EventsPath(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening events log: %w", err)
	}
	defer f.Close()

	var events []domain.ChatEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := validateEventBytes(line); err != nil {
			s.log.Printf("eventstore: skipping invalid line %d in %s: %v", lineNo, sessionID, err)
			continue
		}
		var ev domain.ChatEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			s.log.Printf("eventstore: skipping malformed line %d in %s: %v", lineNo, sessionID, err)
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return events, fmt.Errorf("reading events log: %w", err)
	}
	return events, nil
}

// GetEventsSince returns events strictly after the event whose id matches
// cursorID. An empty or unknown cursor returns all events.
func (s *Store) GetEventsSince(sessionID, cursorID string) ([]domain.ChatEvent, error) {
	events, err := s.GetEvents(sessionID)
	if err != nil {
		return nil, err
	}
	if cursorID == "" {
		return events, nil
	}
	for i, ev := range events {
		if ev.ID == cursorID {
			return events[i+1:], nil
		}
	}
	return events, nil
}

// Subscribe registers a handler for one session's appends and returns an
// unsubscribe function.
func (s *Store) Subscribe(sessionID string, h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[int]Handler)
	}
	s.subs[sessionID][id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[sessionID], id)
		if len(s.subs[sessionID]) == 0 {
			delete(s.subs, sessionID)
		}
	}
}

// ClearSession truncates a session's event log. The session stays valid.
func (s *Store) ClearSession(sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	p := s.EventsPath(sessionID)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return nil
	}
	if err := os.Truncate(p, 0); err != nil {
		return fmt.Errorf("truncating events log: %w", err)
	}
	return nil
}

// DeleteSession removes a session's event log directory.
func (s *Store) DeleteSession(sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(s.EventsPath(sessionID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing session dir: %w", err)
	}

	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
	return nil
}
