package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"
	_ "modernc.org/sqlite"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/domain"
	"github.com/parleylabs/parley/internal/eventstore"
	"github.com/parleylabs/parley/internal/history"
	"github.com/parleylabs/parley/internal/hub"
	"github.com/parleylabs/parley/internal/provider"
	"github.com/parleylabs/parley/internal/registry"
	"github.com/parleylabs/parley/internal/scheduler"
	"github.com/parleylabs/parley/internal/sessionindex"
)

// ---------- fixtures ----------

type stubProvider struct {
	chunks []string
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Stream(ctx context.Context, req provider.Request, cb provider.Callbacks) (provider.Result, error) {
	var full strings.Builder
	for _, c := range p.chunks {
		if cb.OnText != nil {
			cb.OnText(c)
		}
		full.WriteString(c)
	}
	return provider.Result{Text: full.String(), StopReason: provider.StopEnd}, nil
}

type stubResolver struct {
	p provider.ChatProvider
}

func (r stubResolver) Get(string) (provider.ChatProvider, error) { return r.p, nil }

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	hub    *hub.Hub
	index  *sessionindex.Index
	events *eventstore.Store
}

func chatAgent(id string, schedules ...domain.ScheduleConfig) domain.AgentDefinition {
	return domain.AgentDefinition{
		AgentID:   id,
		Chat:      &domain.ChatSettings{Provider: "stub"},
		Schedules: schedules,
	}
}

func newTestServer(t *testing.T, agents []domain.AgentDefinition, withScheduler bool) *testEnv {
	t.Helper()
	dir := t.TempDir()
	log := config.NewLogger("")
	log.SetQuiet(true)

	idx, err := sessionindex.Load(dir, log)
	if err != nil {
		t.Fatalf("loading index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	events := eventstore.New(dir, log)
	reg, err := registry.New(agents)
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}

	h := hub.New(hub.Options{
		Env:       config.Env{MaxMessagesPerMinute: 1000, MaxToolCallsPerMinute: 1000},
		Log:       log,
		Registry:  reg,
		Index:     idx,
		Events:    events,
		Providers: stubResolver{p: &stubProvider{chunks: []string{"he", "llo"}}},
		Histories: history.NewRegistry(),
	})

	opts := Options{
		Log:      log,
		DataDir:  dir,
		Hub:      h,
		Index:    idx,
		Events:   events,
		Registry: reg,
		Quiet:    true,
	}
	if withScheduler {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			t.Fatalf("opening sqlite: %v", err)
		}
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { db.Close() })
		runs, err := scheduler.NewRunLogFromDB(db)
		if err != nil {
			t.Fatalf("building run log: %v", err)
		}
		sched := scheduler.New(scheduler.Options{
			Log: log, Registry: reg, Index: idx, Hub: h, Runs: runs,
		})
		sched.Start()
		t.Cleanup(sched.Stop)
		opts.Scheduler = sched
		opts.Runs = runs
	}

	srv := New(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, hub: h, index: idx, events: events}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.srv.AuthToken())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, want, body)
	}
}

func createSession(t *testing.T, e *testEnv, agentID string) domain.SessionSummary {
	t.Helper()
	resp := e.request(t, http.MethodPost, "/api/sessions", map[string]string{"agentId": agentID})
	wantStatus(t, resp, http.StatusCreated)
	var summary domain.SessionSummary
	decodeInto(t, resp, &summary)
	return summary
}

// ---------- HTTP API ----------

func TestAuth(t *testing.T) {
	e := newTestServer(t, []domain.AgentDefinition{chatAgent("a")}, false)

	t.Run("missing token", func(t *testing.T) {
		resp, err := http.Get(e.ts.URL + "/api/sessions")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, e.ts.URL+"/api/sessions", nil)
		req.Header.Set("Authorization", "Bearer nope")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("token as query parameter", func(t *testing.T) {
		resp, err := http.Get(e.ts.URL + "/api/sessions?token=" + e.srv.AuthToken())
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("health is open", func(t *testing.T) {
		resp, err := http.Get(e.ts.URL + "/api/health")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
	})
}

func TestSessionLifecycle(t *testing.T) {
	e := newTestServer(t, []domain.AgentDefinition{chatAgent("a")}, false)

	t.Run("create rejects unknown agent", func(t *testing.T) {
		resp := e.request(t, http.MethodPost, "/api/sessions", map[string]string{"agentId": "nobody"})
		defer resp.Body.Close()
		wantStatus(t, resp, http.StatusNotFound)
		var de domain.Error
		decodeInto(t, resp, &de)
		if de.Code != domain.CodeAgentNotFound {
			t.Fatalf("code = %q, want %q", de.Code, domain.CodeAgentNotFound)
		}
	})

	summary := createSession(t, e, "a")

	t.Run("get", func(t *testing.T) {
		resp := e.request(t, http.MethodGet, "/api/sessions/"+summary.SessionID, nil)
		wantStatus(t, resp, http.StatusOK)
		var got domain.SessionSummary
		decodeInto(t, resp, &got)
		if got.AgentID != "a" {
			t.Fatalf("agentId = %q, want %q", got.AgentID, "a")
		}
	})

	t.Run("rename and pin", func(t *testing.T) {
		resp := e.request(t, http.MethodPost, "/api/sessions/"+summary.SessionID+"/rename",
			map[string]string{"name": "triage"})
		wantStatus(t, resp, http.StatusOK)
		var got domain.SessionSummary
		decodeInto(t, resp, &got)
		if got.Name != "triage" {
			t.Fatalf("name = %q, want %q", got.Name, "triage")
		}

		resp = e.request(t, http.MethodPost, "/api/sessions/"+summary.SessionID+"/pin",
			map[string]bool{"pinned": true})
		wantStatus(t, resp, http.StatusOK)
		decodeInto(t, resp, &got)
		if got.PinnedAt == nil {
			t.Fatal("session not pinned")
		}
	})

	t.Run("list", func(t *testing.T) {
		resp := e.request(t, http.MethodGet, "/api/sessions", nil)
		wantStatus(t, resp, http.StatusOK)
		var got []domain.SessionSummary
		decodeInto(t, resp, &got)
		if len(got) != 1 {
			t.Fatalf("len = %d, want 1", len(got))
		}
	})

	t.Run("delete then get 404", func(t *testing.T) {
		resp := e.request(t, http.MethodDelete, "/api/sessions/"+summary.SessionID, nil)
		wantStatus(t, resp, http.StatusOK)
		resp.Body.Close()

		resp = e.request(t, http.MethodGet, "/api/sessions/"+summary.SessionID, nil)
		defer resp.Body.Close()
		wantStatus(t, resp, http.StatusNotFound)
	})
}

func TestSendMessageAndEvents(t *testing.T) {
	e := newTestServer(t, []domain.AgentDefinition{chatAgent("a")}, false)
	summary := createSession(t, e, "a")

	resp := e.request(t, http.MethodPost, "/api/sessions/"+summary.SessionID+"/messages",
		map[string]string{"text": "hi"})
	wantStatus(t, resp, http.StatusOK)
	var res struct {
		Status   string `json:"status"`
		Response string `json:"response"`
	}
	decodeInto(t, resp, &res)
	if res.Status != "complete" {
		t.Fatalf("status = %q, want %q", res.Status, "complete")
	}
	if res.Response != "hello" {
		t.Fatalf("response = %q, want %q", res.Response, "hello")
	}

	t.Run("empty text rejected", func(t *testing.T) {
		resp := e.request(t, http.MethodPost, "/api/sessions/"+summary.SessionID+"/messages",
			map[string]string{"text": "   "})
		defer resp.Body.Close()
		wantStatus(t, resp, http.StatusBadRequest)
	})

	var events []domain.ChatEvent
	t.Run("events", func(t *testing.T) {
		resp := e.request(t, http.MethodGet, "/api/sessions/"+summary.SessionID+"/events", nil)
		wantStatus(t, resp, http.StatusOK)
		decodeInto(t, resp, &events)
		want := []domain.EventType{
			domain.EventUserMessage, domain.EventTurnStart,
			domain.EventAssistantChunk, domain.EventAssistantChunk,
			domain.EventAssistantDone, domain.EventTurnEnd,
		}
		if len(events) != len(want) {
			t.Fatalf("got %d events, want %d", len(events), len(want))
		}
		for i, ev := range events {
			if ev.Type != want[i] {
				t.Fatalf("event[%d] = %q, want %q", i, ev.Type, want[i])
			}
		}
	})

	t.Run("events since cursor", func(t *testing.T) {
		resp := e.request(t, http.MethodGet,
			"/api/sessions/"+summary.SessionID+"/events?since="+events[1].ID, nil)
		wantStatus(t, resp, http.StatusOK)
		var got []domain.ChatEvent
		decodeInto(t, resp, &got)
		if len(got) != len(events)-2 {
			t.Fatalf("got %d events, want %d", len(got), len(events)-2)
		}
		if got[0].ID != events[2].ID {
			t.Fatalf("first event = %s, want %s", got[0].ID, events[2].ID)
		}
	})

	t.Run("unknown cursor returns all", func(t *testing.T) {
		resp := e.request(t, http.MethodGet,
			"/api/sessions/"+summary.SessionID+"/events?since=bogus", nil)
		wantStatus(t, resp, http.StatusOK)
		var got []domain.ChatEvent
		decodeInto(t, resp, &got)
		if len(got) != len(events) {
			t.Fatalf("got %d events, want %d", len(got), len(events))
		}
	})

	t.Run("events for unknown session", func(t *testing.T) {
		resp := e.request(t, http.MethodGet, "/api/sessions/nope/events", nil)
		defer resp.Body.Close()
		wantStatus(t, resp, http.StatusNotFound)
	})
}

func TestListAgents(t *testing.T) {
	hidden := chatAgent("ghost")
	no := false
	hidden.UIVisible = &no
	e := newTestServer(t, []domain.AgentDefinition{chatAgent("a"), hidden}, false)

	resp := e.request(t, http.MethodGet, "/api/agents", nil)
	wantStatus(t, resp, http.StatusOK)
	var got []struct {
		AgentID string `json:"agentId"`
		Type    string `json:"type"`
	}
	decodeInto(t, resp, &got)
	if len(got) != 1 {
		t.Fatalf("got %d agents, want 1", len(got))
	}
	if got[0].AgentID != "a" || got[0].Type != "chat" {
		t.Fatalf("agent = %+v", got[0])
	}
}

func TestExternalCallbackRoute(t *testing.T) {
	e := newTestServer(t, []domain.AgentDefinition{chatAgent("a")}, false)
	summary := createSession(t, e, "a")

	t.Run("text callback appends a turn", func(t *testing.T) {
		resp, err := http.Post(e.ts.URL+"/external/sessions/"+summary.SessionID+"/messages",
			"application/json", strings.NewReader(`{"text":"done"}`))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}

		events, err := e.events.GetEvents(summary.SessionID)
		if err != nil {
			t.Fatal(err)
		}
		want := []domain.EventType{domain.EventTurnStart, domain.EventAssistantDone, domain.EventTurnEnd}
		if len(events) != len(want) {
			t.Fatalf("got %d events, want %d", len(events), len(want))
		}
		for i, ev := range events {
			if ev.Type != want[i] {
				t.Fatalf("event[%d] = %q, want %q", i, ev.Type, want[i])
			}
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		resp, err := http.Post(e.ts.URL+"/external/sessions/nope/messages",
			"application/json", strings.NewReader(`{"text":"x"}`))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		resp, err := http.Post(e.ts.URL+"/external/sessions/"+summary.SessionID+"/messages",
			"application/json", strings.NewReader(`{`))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestScheduleEndpoints(t *testing.T) {
	agent := chatAgent("a", domain.ScheduleConfig{ID: "daily", Cron: "0 9 * * *", Prompt: "Check"})
	e := newTestServer(t, []domain.AgentDefinition{agent}, true)

	t.Run("list", func(t *testing.T) {
		resp := e.request(t, http.MethodGet, "/api/schedules", nil)
		wantStatus(t, resp, http.StatusOK)
		var got []scheduler.ScheduleStatus
		decodeInto(t, resp, &got)
		if len(got) != 1 {
			t.Fatalf("got %d schedules, want 1", len(got))
		}
		if got[0].AgentID != "a" || got[0].ScheduleID != "daily" {
			t.Fatalf("schedule = %+v", got[0])
		}
	})

	t.Run("trigger run", func(t *testing.T) {
		resp := e.request(t, http.MethodPost, "/api/agents/a/schedules/daily/run", map[string]bool{})
		wantStatus(t, resp, http.StatusOK)
		var rec scheduler.RunRecord
		decodeInto(t, resp, &rec)
		if rec.Outcome != "complete" {
			t.Fatalf("outcome = %q, want %q", rec.Outcome, "complete")
		}
	})

	t.Run("run history", func(t *testing.T) {
		resp := e.request(t, http.MethodGet, "/api/agents/a/schedules/daily/runs", nil)
		wantStatus(t, resp, http.StatusOK)
		var got []scheduler.RunRecord
		decodeInto(t, resp, &got)
		if len(got) != 1 {
			t.Fatalf("got %d runs, want 1", len(got))
		}
	})

	t.Run("disable", func(t *testing.T) {
		resp := e.request(t, http.MethodPost, "/api/agents/a/schedules/daily/enabled",
			map[string]bool{"enabled": false})
		wantStatus(t, resp, http.StatusOK)
		resp.Body.Close()

		resp = e.request(t, http.MethodGet, "/api/schedules", nil)
		wantStatus(t, resp, http.StatusOK)
		var got []scheduler.ScheduleStatus
		decodeInto(t, resp, &got)
		if got[0].Enabled {
			t.Fatal("schedule still enabled")
		}
	})

	t.Run("unknown schedule", func(t *testing.T) {
		resp := e.request(t, http.MethodPost, "/api/agents/a/schedules/nope/run", map[string]bool{})
		defer resp.Body.Close()
		wantStatus(t, resp, http.StatusNotFound)
	})
}

// ---------- websocket ----------

func dialWS(t *testing.T, e *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?token=" + e.srv.AuthToken()
	ws, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func recvWS(t *testing.T, ws *websocket.Conn) domain.ServerMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg domain.ServerMessage
	if err := websocket.JSON.Receive(ws, &msg); err != nil {
		t.Fatalf("receiving: %v", err)
	}
	return msg
}

func TestWS_RejectsBadProtocolVersion(t *testing.T) {
	e := newTestServer(t, []domain.AgentDefinition{chatAgent("a")}, false)
	ws := dialWS(t, e)

	hello := domain.ClientMessage{Type: domain.ClientHello, ProtocolVersion: 99}
	if err := websocket.JSON.Send(ws, hello); err != nil {
		t.Fatal(err)
	}
	msg := recvWS(t, ws)
	if msg.Type != domain.ServerError || msg.Code != domain.CodeUnsupportedProtocolVersion {
		t.Fatalf("got %+v, want unsupported_protocol_version error", msg)
	}

	// The server closes the stream after rejecting.
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var next domain.ServerMessage
	if err := websocket.JSON.Receive(ws, &next); err == nil {
		t.Fatalf("connection still open, got %+v", next)
	}
}

func TestWS_RequiresToken(t *testing.T) {
	e := newTestServer(t, []domain.AgentDefinition{chatAgent("a")}, false)
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	if _, err := websocket.Dial(url, "", "http://localhost/"); err == nil {
		t.Fatal("dial without token succeeded")
	}
}

func TestWS_TextInputStreams(t *testing.T) {
	e := newTestServer(t, []domain.AgentDefinition{chatAgent("a")}, false)
	summary := createSession(t, e, "a")
	ws := dialWS(t, e)

	hello := domain.ClientMessage{
		Type:            domain.ClientHello,
		ProtocolVersion: domain.ProtocolVersion,
		Subscriptions:   []string{summary.SessionID},
	}
	if err := websocket.JSON.Send(ws, hello); err != nil {
		t.Fatal(err)
	}
	sub := recvWS(t, ws)
	if sub.Type != domain.ServerSubscribed || sub.SessionID != summary.SessionID {
		t.Fatalf("got %+v, want subscribed", sub)
	}

	input := domain.ClientMessage{
		Type:      domain.ClientTextInput,
		SessionID: summary.SessionID,
		Text:      "hi",
	}
	if err := websocket.JSON.Send(ws, input); err != nil {
		t.Fatal(err)
	}

	// The sender gets deltas and the final text but not its own user_message
	// echo. Session lifecycle broadcasts may interleave; skip them.
	var deltas []string
	var final string
	for final == "" {
		msg := recvWS(t, ws)
		switch msg.Type {
		case domain.ServerTextDelta:
			deltas = append(deltas, msg.Text)
		case domain.ServerTextDone:
			final = msg.Text
		case domain.ServerUserMessage:
			t.Fatal("sender received its own user_message echo")
		}
	}
	if got := strings.Join(deltas, ""); got != "hello" {
		t.Fatalf("deltas = %q, want %q", got, "hello")
	}
	if final != "hello" {
		t.Fatalf("text_done = %q, want %q", final, "hello")
	}
}

func TestWS_SubscribeUnknownSession(t *testing.T) {
	e := newTestServer(t, []domain.AgentDefinition{chatAgent("a")}, false)
	summary := createSession(t, e, "a")
	ws := dialWS(t, e)

	hello := domain.ClientMessage{
		Type:            domain.ClientHello,
		ProtocolVersion: domain.ProtocolVersion,
		Subscriptions:   []string{"nope", summary.SessionID},
	}
	if err := websocket.JSON.Send(ws, hello); err != nil {
		t.Fatal(err)
	}

	errMsg := recvWS(t, ws)
	if errMsg.Type != domain.ServerError || errMsg.Code != domain.CodeSessionNotFound {
		t.Fatalf("got %+v, want session_not_found error", errMsg)
	}
	// The stream stays open and the valid subscription still lands.
	sub := recvWS(t, ws)
	if sub.Type != domain.ServerSubscribed || sub.SessionID != summary.SessionID {
		t.Fatalf("got %+v, want subscribed", sub)
	}
}

// ---------- lockfile ----------

func TestLockfile(t *testing.T) {
	dir := t.TempDir()

	if err := WriteLockfile(dir, 4270, "tok"); err != nil {
		t.Fatalf("writing: %v", err)
	}
	lf, err := ReadLockfile(dir)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if lf.Port != 4270 || lf.Token != "tok" {
		t.Fatalf("lockfile = %+v", lf)
	}

	t.Run("dead pid is stale", func(t *testing.T) {
		if !IsLockfileStale(&LockfileData{PID: 1 << 30, Port: lf.Port}) {
			t.Fatal("dead pid reported live")
		}
	})

	if err := RemoveLockfile(dir); err != nil {
		t.Fatalf("removing: %v", err)
	}
	if _, err := ReadLockfile(dir); err == nil {
		t.Fatal("read succeeded after remove")
	}
	// Removing twice is fine.
	if err := RemoveLockfile(dir); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestGenerateQRCodeASCII(t *testing.T) {
	ascii, err := GenerateQRCodeASCII("192.168.1.10", 4270, "tok")
	if err != nil {
		t.Fatal(err)
	}
	if ascii == "" {
		t.Fatal("empty QR output")
	}
}
