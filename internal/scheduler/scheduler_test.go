package scheduler

import (
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/domain"
	"github.com/parleylabs/parley/internal/hub"
	"github.com/parleylabs/parley/internal/registry"
	"github.com/parleylabs/parley/internal/sessionindex"
)

// fakeHub records start requests and answers with a scripted result.
// Session CRUD passes through to a real index.
type fakeHub struct {
	index *sessionindex.Index

	mu     sync.Mutex
	reqs   []hub.StartRequest
	result hub.StartResult
	block  chan struct{}
}

func (f *fakeHub) StartSessionMessage(req hub.StartRequest) (hub.StartResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	block := f.block
	res := f.result
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if res.Status == "" {
		res.Status = "complete"
	}
	return res, nil
}

func (f *fakeHub) CreateSession(opts sessionindex.CreateOptions) (domain.SessionSummary, error) {
	return f.index.CreateSession(opts)
}

func (f *fakeHub) UpdateSessionAttributes(sessionID string, patch map[string]any) (domain.SessionSummary, error) {
	return f.index.UpdateSessionAttributes(sessionID, patch)
}

func (f *fakeHub) requests() []hub.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hub.StartRequest, len(f.reqs))
	copy(out, f.reqs)
	return out
}

func (f *fakeHub) setBlock(ch chan struct{}) {
	f.mu.Lock()
	f.block = ch
	f.mu.Unlock()
}

func memoryRunLog(t *testing.T) *RunLog {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening in-memory db: %v", err)
	}
	db.SetMaxOpenConns(1)
	l, err := NewRunLogFromDB(db)
	if err != nil {
		t.Fatalf("migrating run log: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func newScheduler(t *testing.T, agents []domain.AgentDefinition, mod func(*Scheduler)) (*Scheduler, *fakeHub) {
	t.Helper()
	log := config.NewLogger("")
	log.SetQuiet(true)
	idx, err := sessionindex.Load(t.TempDir(), log)
	if err != nil {
		t.Fatalf("loading index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	reg, err := registry.New(agents)
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}
	fh := &fakeHub{index: idx}
	s := New(Options{
		Log:      log,
		Registry: reg,
		Index:    idx,
		Hub:      fh,
		Runs:     memoryRunLog(t),
	})
	if mod != nil {
		mod(s)
	}
	s.Start()
	t.Cleanup(s.Stop)
	return s, fh
}

func scheduledAgent(id string, schedules ...domain.ScheduleConfig) domain.AgentDefinition {
	return domain.AgentDefinition{AgentID: id, Schedules: schedules}
}

func TestTriggerRun_PromptComposition(t *testing.T) {
	s, fh := newScheduler(t, []domain.AgentDefinition{
		scheduledAgent("a", domain.ScheduleConfig{ID: "deps", Cron: "0 9 * * *", Prompt: "Review deps", PreCheck: "check-deps"}),
	}, func(s *Scheduler) {
		s.preCheck = func(command, dir string) (string, error) { return "deps updated\n", nil }
	})

	rec, err := s.TriggerRun("a", "deps", false)
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}
	if rec.Outcome != OutcomeComplete {
		t.Fatalf("outcome = %q, want %q", rec.Outcome, OutcomeComplete)
	}

	reqs := fh.requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d start requests, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Text != "Review deps\n\ndeps updated" {
		t.Errorf("prompt = %q, want %q", req.Text, "Review deps\n\ndeps updated")
	}
	if req.Trigger != domain.TriggerSystem {
		t.Errorf("trigger = %q, want %q", req.Trigger, domain.TriggerSystem)
	}
	if req.TimeoutSeconds != DefaultRunTimeoutSeconds {
		t.Errorf("timeout = %d, want %d", req.TimeoutSeconds, DefaultRunTimeoutSeconds)
	}
	if req.Mode == "async" {
		t.Error("scheduled runs must be synchronous")
	}
	if !req.EmitUserInTurn {
		t.Error("scheduled prompt must be recorded inside the turn")
	}

	runs, err := s.runs.Runs("a", "deps", 10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Outcome != OutcomeComplete {
		t.Errorf("run log = %+v, want one complete row", runs)
	}
}

func TestTriggerRun_PreCheckGates(t *testing.T) {
	t.Run("nonzero exit skips", func(t *testing.T) {
		s, fh := newScheduler(t, []domain.AgentDefinition{
			scheduledAgent("a", domain.ScheduleConfig{ID: "deps", Cron: "0 9 * * *", Prompt: "Review", PreCheck: "check"}),
		}, func(s *Scheduler) {
			s.preCheck = func(command, dir string) (string, error) {
				return "", domain.Errorf(domain.CodeInternalError, "exit status 3")
			}
		})
		rec, err := s.TriggerRun("a", "deps", false)
		if err != nil {
			t.Fatalf("TriggerRun: %v", err)
		}
		if rec.Outcome != OutcomeSkippedPreCheck {
			t.Fatalf("outcome = %q, want %q", rec.Outcome, OutcomeSkippedPreCheck)
		}
		if len(fh.requests()) != 0 {
			t.Error("skipped run must not reach the hub")
		}
	})

	t.Run("empty prompt and stdout skip", func(t *testing.T) {
		s, fh := newScheduler(t, []domain.AgentDefinition{
			scheduledAgent("a", domain.ScheduleConfig{ID: "deps", Cron: "0 9 * * *", PreCheck: "check"}),
		}, func(s *Scheduler) {
			s.preCheck = func(command, dir string) (string, error) { return "  \n", nil }
		})
		rec, err := s.TriggerRun("a", "deps", false)
		if err != nil {
			t.Fatalf("TriggerRun: %v", err)
		}
		if rec.Outcome != OutcomeSkippedNoPrompt {
			t.Fatalf("outcome = %q, want %q", rec.Outcome, OutcomeSkippedNoPrompt)
		}
		if len(fh.requests()) != 0 {
			t.Error("skipped run must not reach the hub")
		}
	})
}

func TestTriggerRun_MaxConcurrent(t *testing.T) {
	s, fh := newScheduler(t, []domain.AgentDefinition{
		scheduledAgent("a", domain.ScheduleConfig{ID: "slow", Cron: "0 9 * * *", Prompt: "go"}),
	}, nil)

	gate := make(chan struct{})
	fh.setBlock(gate)

	done := make(chan RunRecord, 1)
	go func() {
		rec, _ := s.TriggerRun("a", "slow", false)
		done <- rec
	}()
	deadline := time.Now().Add(5 * time.Second)
	for len(fh.requests()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the first run to start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec, err := s.TriggerRun("a", "slow", false)
	if err != nil {
		t.Fatalf("second TriggerRun: %v", err)
	}
	if rec.Outcome != OutcomeSkippedMaxConcurrent {
		t.Fatalf("outcome = %q, want %q", rec.Outcome, OutcomeSkippedMaxConcurrent)
	}

	fh.setBlock(nil)
	forced, err := s.TriggerRun("a", "slow", true)
	if err != nil {
		t.Fatalf("forced TriggerRun: %v", err)
	}
	if forced.Outcome != OutcomeComplete {
		t.Fatalf("forced outcome = %q, want %q", forced.Outcome, OutcomeComplete)
	}

	close(gate)
	first := <-done
	if first.Outcome != OutcomeComplete {
		t.Fatalf("first outcome = %q, want %q", first.Outcome, OutcomeComplete)
	}
}

func TestTriggerRun_RunsWhenDisabled(t *testing.T) {
	off := false
	s, fh := newScheduler(t, []domain.AgentDefinition{
		scheduledAgent("a", domain.ScheduleConfig{ID: "daily", Cron: "0 9 * * *", Prompt: "go", Enabled: &off}),
	}, nil)

	rec, err := s.TriggerRun("a", "daily", false)
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}
	if rec.Outcome != OutcomeComplete {
		t.Fatalf("outcome = %q, want %q", rec.Outcome, OutcomeComplete)
	}
	if len(fh.requests()) != 1 {
		t.Fatalf("got %d start requests, want 1", len(fh.requests()))
	}
}

func TestTriggerRun_UnknownSchedule(t *testing.T) {
	s, _ := newScheduler(t, []domain.AgentDefinition{
		scheduledAgent("a", domain.ScheduleConfig{ID: "daily", Cron: "0 9 * * *", Prompt: "go"}),
	}, nil)
	_, err := s.TriggerRun("a", "missing", false)
	if domain.CodeOf(err) != domain.CodeAgentNotFound {
		t.Fatalf("error = %v, want code %q", err, domain.CodeAgentNotFound)
	}
}

func TestScheduledSessionReuse(t *testing.T) {
	s, fh := newScheduler(t, []domain.AgentDefinition{
		scheduledAgent("a", domain.ScheduleConfig{ID: "daily", Cron: "0 9 * * *", Prompt: "go"}),
	}, nil)

	if _, err := s.TriggerRun("a", "daily", false); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := s.TriggerRun("a", "daily", false); err != nil {
		t.Fatalf("second run: %v", err)
	}

	reqs := fh.requests()
	if len(reqs) != 2 {
		t.Fatalf("got %d start requests, want 2", len(reqs))
	}
	if reqs[0].SessionID != reqs[1].SessionID {
		t.Fatalf("runs used sessions %s and %s, want reuse", reqs[0].SessionID, reqs[1].SessionID)
	}

	sess, ok := fh.index.GetSession(reqs[0].SessionID)
	if !ok {
		t.Fatal("scheduled session not in the index")
	}
	if got := sess.StringAttribute("scheduledSession", "scheduleId"); got != "daily" {
		t.Errorf("scheduledSession.scheduleId = %q, want %q", got, "daily")
	}
	title := sess.StringAttribute("core", "autoTitle")
	if !strings.HasPrefix(title, "scheduled: a/daily @ ") {
		t.Errorf("autoTitle = %q, want scheduled-session prefix", title)
	}
}

func TestFire_SkipsWhenDisabled(t *testing.T) {
	s, fh := newScheduler(t, []domain.AgentDefinition{
		scheduledAgent("a", domain.ScheduleConfig{ID: "daily", Cron: "0 9 * * *", Prompt: "go"}),
	}, nil)
	if err := s.SetEnabled("a", "daily", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	s.fire(scheduleKey("a", "daily"))
	if len(fh.requests()) != 0 {
		t.Fatal("disabled schedule must not run")
	}
	runs, err := s.runs.Runs("a", "daily", 10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Outcome != OutcomeSkippedDisabled {
		t.Fatalf("run log = %+v, want one skipped:disabled row", runs)
	}
}

func TestSchedules_Snapshot(t *testing.T) {
	off := false
	s, _ := newScheduler(t, []domain.AgentDefinition{
		scheduledAgent("a",
			domain.ScheduleConfig{ID: "on", Cron: "0 9 * * *", Prompt: "go"},
			domain.ScheduleConfig{ID: "off", Cron: "0 9 * * *", Prompt: "go", Enabled: &off},
			domain.ScheduleConfig{ID: "broken", Cron: "not a cron", Prompt: "go"},
		),
	}, nil)

	list := s.Schedules()
	if len(list) != 2 {
		t.Fatalf("got %d schedules, want 2 (broken cron dropped)", len(list))
	}
	byID := map[string]ScheduleStatus{}
	for _, st := range list {
		byID[st.ScheduleID] = st
	}
	if st := byID["on"]; !st.Enabled || st.NextRunAt == nil {
		t.Errorf("enabled schedule = %+v, want armed timer", st)
	}
	if st := byID["off"]; st.Enabled || st.NextRunAt != nil {
		t.Errorf("disabled schedule = %+v, want no timer", st)
	}

	if err := s.SetEnabled("a", "off", true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	for _, st := range s.Schedules() {
		if st.ScheduleID == "off" && st.NextRunAt == nil {
			t.Error("enabling at runtime must arm the timer")
		}
	}
}

func TestComposePrompt(t *testing.T) {
	tests := []struct {
		prompt, stdout, want string
	}{
		{"Review deps", "deps updated", "Review deps\n\ndeps updated"},
		{"Review deps", "", "Review deps"},
		{"", "deps updated", "deps updated"},
		{"  Review deps \n", " deps updated\n", "Review deps\n\ndeps updated"},
		{"", "", ""},
	}
	for _, tt := range tests {
		if got := composePrompt(tt.prompt, tt.stdout); got != tt.want {
			t.Errorf("composePrompt(%q, %q) = %q, want %q", tt.prompt, tt.stdout, got, tt.want)
		}
	}
}

func TestRunPreCheck(t *testing.T) {
	out, err := runPreCheck("echo deps updated", "")
	if err != nil {
		t.Fatalf("runPreCheck: %v", err)
	}
	if strings.TrimSpace(out) != "deps updated" {
		t.Errorf("stdout = %q, want %q", out, "deps updated")
	}

	if _, err := runPreCheck("exit 3", ""); err == nil {
		t.Error("nonzero exit must fail")
	}
}

func TestRunLog(t *testing.T) {
	l := memoryRunLog(t)
	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	for i, outcome := range []string{OutcomeComplete, OutcomeSkippedPreCheck, OutcomeComplete} {
		if err := l.Record(RunRecord{
			AgentID:    "a",
			ScheduleID: "daily",
			FiredAt:    base.Add(time.Duration(i) * time.Minute),
			Outcome:    outcome,
		}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	runs, err := l.Runs("a", "daily", 2)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if !runs[0].FiredAt.After(runs[1].FiredAt) {
		t.Errorf("runs not newest-first: %v then %v", runs[0].FiredAt, runs[1].FiredAt)
	}

	last, ok, err := l.LastRun("a", "daily")
	if err != nil || !ok {
		t.Fatalf("LastRun: ok=%v err=%v", ok, err)
	}
	if last.Outcome != OutcomeComplete || !last.FiredAt.Equal(base.Add(2*time.Minute)) {
		t.Errorf("last run = %+v, want the newest row", last)
	}
}
