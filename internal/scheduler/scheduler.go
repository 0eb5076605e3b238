// Package scheduler fires cron-driven agent sessions. Each configured
// schedule gets a timer; on fire the timer is rearmed before the run
// executes so long-running schedules do not drift. Every fire, including
// skipped ones, lands in the run log.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/domain"
	"github.com/parleylabs/parley/internal/hub"
	"github.com/parleylabs/parley/internal/registry"
	"github.com/parleylabs/parley/internal/sessionindex"
)

// DefaultRunTimeoutSeconds caps one scheduled turn.
const DefaultRunTimeoutSeconds = 300

// PreCheckTimeout is the wall clock allowed to a preCheck subprocess.
// On expiry the process gets SIGTERM, then SIGKILL after the grace period.
const PreCheckTimeout = 30 * time.Second

const preCheckKillDelay = 5 * time.Second

// Run outcomes recorded per fire.
const (
	OutcomeComplete             = "complete"
	OutcomeError                = "error"
	OutcomeSkippedDisabled      = "skipped:disabled"
	OutcomeSkippedMaxConcurrent = "skipped:max_concurrent"
	OutcomeSkippedPreCheck      = "skipped:precheck_nonzero"
	OutcomeSkippedNoPrompt      = "skipped:no_prompt"
)

// SessionHub is the slice of the session hub the scheduler drives.
// Held by interface; the scheduler never owns session state.
type SessionHub interface {
	StartSessionMessage(req hub.StartRequest) (hub.StartResult, error)
	CreateSession(opts sessionindex.CreateOptions) (domain.SessionSummary, error)
	UpdateSessionAttributes(sessionID string, patch map[string]any) (domain.SessionSummary, error)
}

// Options wire the scheduler's collaborators.
type Options struct {
	Log      *config.Logger
	Registry *registry.Registry
	Index    *sessionindex.Index
	Hub      SessionHub
	// Runs is the persistent run log; nil disables recording.
	Runs *RunLog
	// RunTimeoutSeconds caps one scheduled turn; default 300.
	RunTimeoutSeconds int
}

// Scheduler owns the per-schedule timers and running counts.
type Scheduler struct {
	log            *config.Logger
	registry       *registry.Registry
	index          *sessionindex.Index
	hub            SessionHub
	runs           *RunLog
	timeoutSeconds int

	now      func() time.Time
	preCheck func(command, dir string) (string, error)

	mu      sync.Mutex
	entries map[string]*entry
	started bool
	stopped bool
}

// entry is the runtime state of one <agentId>:<scheduleId> schedule.
type entry struct {
	agentID string
	cfg     domain.ScheduleConfig
	sched   cron.Schedule

	timer       *time.Timer
	override    *bool // runtime enable/disable; nil defers to config
	running     int
	nextRunAt   time.Time
	lastOutcome string
	lastFiredAt time.Time
}

func scheduleKey(agentID, scheduleID string) string {
	return agentID + ":" + scheduleID
}

// New builds the scheduler. Call Start to compile schedules and arm timers.
func New(opts Options) *Scheduler {
	timeout := opts.RunTimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultRunTimeoutSeconds
	}
	return &Scheduler{
		log:            opts.Log,
		registry:       opts.Registry,
		index:          opts.Index,
		hub:            opts.Hub,
		runs:           opts.Runs,
		timeoutSeconds: timeout,
		now:            time.Now,
		preCheck:       runPreCheck,
		entries:        make(map[string]*entry),
	}
}

// Start compiles every agent's schedules and arms a timer per enabled one.
// Schedules with an unparseable cron expression are logged and dropped.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for _, agent := range s.registry.ListAgents() {
		for _, cfg := range agent.Schedules {
			sched, err := cron.ParseStandard(cfg.Cron)
			if err != nil {
				s.log.Printf("scheduler %s/%s: invalid cron %q: %v", agent.AgentID, cfg.ID, cfg.Cron, err)
				continue
			}
			e := &entry{agentID: agent.AgentID, cfg: cfg, sched: sched}
			s.entries[scheduleKey(agent.AgentID, cfg.ID)] = e
			if cfg.IsEnabled() {
				s.armLocked(e)
			}
		}
	}
}

// Stop disarms every timer. Runs already executing finish on their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

// armLocked schedules the next fire. Called with the scheduler lock held.
func (s *Scheduler) armLocked(e *entry) {
	next := e.sched.Next(s.now())
	e.nextRunAt = next
	key := scheduleKey(e.agentID, e.cfg.ID)
	e.timer = time.AfterFunc(time.Until(next), func() { s.fire(key) })
}

func maxConcurrent(cfg domain.ScheduleConfig) int {
	if cfg.MaxConcurrent <= 0 {
		return 1
	}
	return cfg.MaxConcurrent
}

func (e *entry) enabled() bool {
	if e.override != nil {
		return *e.override
	}
	return e.cfg.IsEnabled()
}

// fire handles one timer expiry: rearm first, then gate and run.
func (s *Scheduler) fire(key string) {
	s.mu.Lock()
	e := s.entries[key]
	if e == nil || s.stopped {
		s.mu.Unlock()
		return
	}
	firedAt := s.now()
	if !e.enabled() {
		e.timer = nil
		e.nextRunAt = time.Time{}
		s.mu.Unlock()
		s.record(e, RunRecord{FiredAt: firedAt, Outcome: OutcomeSkippedDisabled})
		return
	}
	s.armLocked(e)
	if e.running >= maxConcurrent(e.cfg) {
		s.mu.Unlock()
		s.record(e, RunRecord{FiredAt: firedAt, Outcome: OutcomeSkippedMaxConcurrent})
		return
	}
	e.running++
	s.mu.Unlock()

	s.execute(e, firedAt)

	s.mu.Lock()
	e.running--
	s.mu.Unlock()
}

// TriggerRun fires one schedule on demand. It runs even when the schedule
// is disabled; maxConcurrent still applies unless force is set.
func (s *Scheduler) TriggerRun(agentID, scheduleID string, force bool) (RunRecord, error) {
	s.mu.Lock()
	e := s.entries[scheduleKey(agentID, scheduleID)]
	if e == nil {
		s.mu.Unlock()
		return RunRecord{}, domain.Errorf(domain.CodeAgentNotFound,
			"schedule %q not found for agent %q", scheduleID, agentID)
	}
	firedAt := s.now()
	if !force && e.running >= maxConcurrent(e.cfg) {
		s.mu.Unlock()
		return s.record(e, RunRecord{FiredAt: firedAt, Outcome: OutcomeSkippedMaxConcurrent}), nil
	}
	e.running++
	s.mu.Unlock()

	rec := s.execute(e, firedAt)

	s.mu.Lock()
	e.running--
	s.mu.Unlock()
	return rec, nil
}

// SetEnabled applies a runtime enable/disable override. Enabling arms the
// timer if the scheduler is running; disabling disarms it.
func (s *Scheduler) SetEnabled(agentID, scheduleID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[scheduleKey(agentID, scheduleID)]
	if e == nil {
		return domain.Errorf(domain.CodeAgentNotFound,
			"schedule %q not found for agent %q", scheduleID, agentID)
	}
	e.override = &enabled
	if enabled && e.timer == nil && s.started && !s.stopped {
		s.armLocked(e)
	}
	if !enabled && e.timer != nil {
		e.timer.Stop()
		e.timer = nil
		e.nextRunAt = time.Time{}
	}
	return nil
}

// ScheduleStatus is the API-facing snapshot of one schedule.
type ScheduleStatus struct {
	AgentID     string     `json:"agentId"`
	ScheduleID  string     `json:"scheduleId"`
	Cron        string     `json:"cron"`
	Enabled     bool       `json:"enabled"`
	Running     int        `json:"running"`
	NextRunAt   *time.Time `json:"nextRunAt,omitempty"`
	LastOutcome string     `json:"lastOutcome,omitempty"`
	LastFiredAt *time.Time `json:"lastFiredAt,omitempty"`
}

// Schedules returns a snapshot of every schedule, ordered by key.
func (s *Scheduler) Schedules() []ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := ScheduleStatus{
			AgentID:     e.agentID,
			ScheduleID:  e.cfg.ID,
			Cron:        e.cfg.Cron,
			Enabled:     e.enabled(),
			Running:     e.running,
			LastOutcome: e.lastOutcome,
		}
		if !e.nextRunAt.IsZero() {
			t := e.nextRunAt
			st.NextRunAt = &t
		}
		if !e.lastFiredAt.IsZero() {
			t := e.lastFiredAt
			st.LastFiredAt = &t
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].ScheduleID < out[j].ScheduleID
	})
	return out
}

// execute runs one fire end to end: preCheck, prompt composition, session
// resolution, and the synchronous turn.
func (s *Scheduler) execute(e *entry, firedAt time.Time) RunRecord {
	start := time.Now()
	prompt := strings.TrimSpace(e.cfg.Prompt)

	if e.cfg.PreCheck != "" {
		agent, _ := s.registry.GetAgent(e.agentID)
		stdout, err := s.preCheck(e.cfg.PreCheck, agent.WorkingDir)
		if err != nil {
			return s.record(e, RunRecord{
				FiredAt:    firedAt,
				Outcome:    OutcomeSkippedPreCheck,
				Detail:     err.Error(),
				DurationMs: time.Since(start).Milliseconds(),
			})
		}
		prompt = composePrompt(prompt, stdout)
	}
	if prompt == "" {
		return s.record(e, RunRecord{FiredAt: firedAt, Outcome: OutcomeSkippedNoPrompt})
	}

	summary, err := s.resolveSession(e, firedAt)
	if err != nil {
		s.log.Printf("scheduler %s/%s: resolving session: %v", e.agentID, e.cfg.ID, err)
		return s.record(e, RunRecord{
			FiredAt:    firedAt,
			Outcome:    OutcomeError,
			Detail:     err.Error(),
			DurationMs: time.Since(start).Milliseconds(),
		})
	}

	res, err := s.hub.StartSessionMessage(hub.StartRequest{
		SessionID:      summary.SessionID,
		Text:           prompt,
		Trigger:        domain.TriggerSystem,
		TimeoutSeconds: s.timeoutSeconds,
		EmitUserInTurn: true,
	})
	rec := RunRecord{
		FiredAt:    firedAt,
		SessionID:  summary.SessionID,
		ResponseID: res.ResponseID,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		rec.Outcome = OutcomeError
		rec.Detail = err.Error()
		s.log.Printf("scheduler %s/%s: run failed: %v", e.agentID, e.cfg.ID, err)
	} else {
		rec.Outcome = res.Status
		rec.Detail = snippet(res.Response, 200)
	}
	return s.record(e, rec)
}

// resolveSession reuses the most recent session tagged with this schedule,
// or creates a fresh one carrying the scheduledSession marker and a title.
func (s *Scheduler) resolveSession(e *entry, firedAt time.Time) (domain.SessionSummary, error) {
	for _, sess := range s.index.ListSessions() {
		if sess.AgentID != e.agentID {
			continue
		}
		if sess.StringAttribute("scheduledSession", "agentId") == e.agentID &&
			sess.StringAttribute("scheduledSession", "scheduleId") == e.cfg.ID {
			return sess, nil
		}
	}

	created, err := s.hub.CreateSession(sessionindex.CreateOptions{AgentID: e.agentID})
	if err != nil {
		return domain.SessionSummary{}, err
	}
	title := e.cfg.SessionTitle
	if title == "" {
		title = fmt.Sprintf("scheduled: %s/%s @ %s", e.agentID, e.cfg.ID, firedAt.Format("2006-01-02 15:04"))
	}
	patch := map[string]any{
		"scheduledSession": map[string]any{"agentId": e.agentID, "scheduleId": e.cfg.ID},
		"core":             map[string]any{"autoTitle": title},
	}
	return s.hub.UpdateSessionAttributes(created.SessionID, patch)
}

func (s *Scheduler) record(e *entry, rec RunRecord) RunRecord {
	rec.AgentID = e.agentID
	rec.ScheduleID = e.cfg.ID
	if rec.ID == "" {
		rec.ID = domain.NewID()
	}

	s.mu.Lock()
	e.lastOutcome = rec.Outcome
	e.lastFiredAt = rec.FiredAt
	s.mu.Unlock()

	if s.runs != nil {
		if err := s.runs.Record(rec); err != nil {
			s.log.Printf("scheduler %s/%s: recording run: %v", e.agentID, e.cfg.ID, err)
		}
	}
	return rec
}

// composePrompt joins the configured prompt and the preCheck stdout with a
// blank line; either side may be empty.
func composePrompt(prompt, stdout string) string {
	prompt = strings.TrimSpace(prompt)
	stdout = strings.TrimSpace(stdout)
	switch {
	case prompt == "":
		return stdout
	case stdout == "":
		return prompt
	}
	return prompt + "\n\n" + stdout
}

func snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// runPreCheck executes a schedule's preCheck through the shell. On timeout
// the process gets SIGTERM, then SIGKILL after the grace period.
func runPreCheck(command, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), PreCheckTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = preCheckKillDelay

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), fmt.Errorf("preCheck %q: %s", command, msg)
	}
	return stdout.String(), nil
}
