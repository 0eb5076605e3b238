package eventstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := config.NewLogger("")
	log.SetQuiet(true)
	return New(t.TempDir(), log)
}

func userMsg(sessionID, text string) domain.ChatEvent {
	ev := domain.NewEvent(sessionID, domain.EventUserMessage)
	ev.Text = text
	return ev
}

func TestAppendAndGetEvents(t *testing.T) {
	s := newTestStore(t)

	first := userMsg("s1", "hello")
	if err := s.Append("s1", first); err != nil {
		t.Fatalf("Append: %v", err)
	}
	second := domain.NewEvent("s1", domain.EventTurnStart)
	second.TurnID = "t1"
	second.Trigger = domain.TriggerUser
	if err := s.Append("s1", second); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, err := s.GetEvents("s1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].ID != first.ID || events[1].ID != second.ID {
		t.Errorf("events out of order: %s, %s", events[0].ID, events[1].ID)
	}
	if events[0].Text != "hello" {
		t.Errorf("text = %q, want %q", events[0].Text, "hello")
	}
}

func TestAppend_SessionMismatch(t *testing.T) {
	s := newTestStore(t)
	err := s.Append("s1", userMsg("s2", "hi"))
	if domain.CodeOf(err) != domain.CodeSessionMismatch {
		t.Fatalf("err = %v, want %s", err, domain.CodeSessionMismatch)
	}
	if events, _ := s.GetEvents("s1"); len(events) != 0 {
		t.Errorf("mismatched event was written: %d events", len(events))
	}
}

func TestAppend_SchemaInvalid(t *testing.T) {
	s := newTestStore(t)
	ev := domain.NewEvent("s1", domain.EventToolCall) // missing toolCallId/toolName
	err := s.Append("s1", ev)
	if domain.CodeOf(err) != domain.CodeInvalidEvent {
		t.Fatalf("err = %v, want %s", err, domain.CodeInvalidEvent)
	}
}

func TestAppendBatch_AllOrNothing(t *testing.T) {
	s := newTestStore(t)
	batch := []domain.ChatEvent{
		userMsg("s1", "one"),
		userMsg("other", "two"), // mismatch aborts the whole batch
	}
	if err := s.AppendBatch("s1", batch); err == nil {
		t.Fatal("AppendBatch should fail on mismatched event")
	}
	if events, _ := s.GetEvents("s1"); len(events) != 0 {
		t.Errorf("partial batch written: %d events", len(events))
	}
}

func TestGetEvents_SkipsMalformedLines(t *testing.T) {
	s := newTestStore(t)
	good := userMsg("s1", "kept")
	if err := s.Append("s1", good); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Simulate a torn write and a schema-invalid line in the middle.
	p := s.EventsPath("s1")
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString(`{"id":"bad","type":"user_message"}` + "\n")
	f.WriteString(`{"id":"torn","timestamp":12,"sessio`)
	f.Close()

	events, err := s.GetEvents("s1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 || events[0].ID != good.ID {
		t.Fatalf("got %d events, want only the valid one", len(events))
	}
}

func TestGetEventsSince(t *testing.T) {
	s := newTestStore(t)
	var ids []string
	for _, text := range []string{"a", "b", "c"} {
		ev := userMsg("s1", text)
		ids = append(ids, ev.ID)
		if err := s.Append("s1", ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	t.Run("after known cursor", func(t *testing.T) {
		events, err := s.GetEventsSince("s1", ids[0])
		if err != nil {
			t.Fatalf("GetEventsSince: %v", err)
		}
		if len(events) != 2 || events[0].ID != ids[1] {
			t.Fatalf("got %d events starting %q", len(events), events[0].ID)
		}
	})

	t.Run("unknown cursor returns all", func(t *testing.T) {
		events, err := s.GetEventsSince("s1", "no-such-id")
		if err != nil {
			t.Fatalf("GetEventsSince: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("got %d events, want 3", len(events))
		}
	})

	t.Run("empty cursor returns all", func(t *testing.T) {
		events, err := s.GetEventsSince("s1", "")
		if err != nil {
			t.Fatalf("GetEventsSince: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("got %d events, want 3", len(events))
		}
	})
}

func TestSubscribe_FanOutInAppendOrder(t *testing.T) {
	s := newTestStore(t)

	var seen []string
	unsub := s.Subscribe("s1", func(ev domain.ChatEvent) {
		seen = append(seen, ev.Text)
	})

	batch := []domain.ChatEvent{userMsg("s1", "a"), userMsg("s1", "b")}
	if err := s.AppendBatch("s1", batch); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("seen = %v, want [a b]", seen)
	}

	unsub()
	if err := s.Append("s1", userMsg("s1", "c")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(seen) != 2 {
		t.Errorf("handler called after unsubscribe: %v", seen)
	}

	// Events for other sessions never reach this handler.
	if err := s.Append("s2", userMsg("s2", "d")); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestClearAndDeleteSession(t *testing.T) {
	s := newTestStore(t)
	if err := s.Append("s1", userMsg("s1", "hi")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := s.ClearSession("s1"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	if events, _ := s.GetEvents("s1"); len(events) != 0 {
		t.Errorf("clear left %d events", len(events))
	}
	if _, err := os.Stat(s.EventsPath("s1")); err != nil {
		t.Errorf("clear removed the file: %v", err)
	}

	if err := s.Append("s1", userMsg("s1", "again")); err != nil {
		t.Fatalf("Append after clear: %v", err)
	}
	if err := s.DeleteSession("s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(s.EventsPath("s1"))); !os.IsNotExist(err) {
		t.Errorf("session dir still present after delete")
	}
}

func TestRoundTrip_PayloadsPreserved(t *testing.T) {
	s := newTestStore(t)

	call := domain.NewEvent("s1", domain.EventToolCall)
	call.TurnID = "t1"
	call.ToolCallID = "tc1"
	call.ToolName = "http_fetch"
	call.Args = json.RawMessage(`{"url":"https://example.com"}`)

	ok := true
	result := domain.NewEvent("s1", domain.EventToolResult)
	result.TurnID = "t1"
	result.ToolCallID = "tc1"
	result.OK = &ok
	result.Result = json.RawMessage(`{"status":200}`)

	if err := s.AppendBatch("s1", []domain.ChatEvent{call, result}); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	events, err := s.GetEvents("s1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].ID != call.ID || string(events[0].Args) != `{"url":"https://example.com"}` {
		t.Errorf("tool_call not preserved: %+v", events[0])
	}
	if events[1].OK == nil || !*events[1].OK || string(events[1].Result) != `{"status":200}` {
		t.Errorf("tool_result not preserved: %+v", events[1])
	}
}
