// Package hub owns live session state: the LRU session cache, per-session
// input queues, the run lifecycle, connection subscriptions, and
// agent-to-agent delegation. Everything that mutates a session at runtime
// goes through the Hub.
package hub

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/parleylabs/parley/internal/chat"
	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/domain"
	"github.com/parleylabs/parley/internal/eventstore"
	"github.com/parleylabs/parley/internal/history"
	"github.com/parleylabs/parley/internal/provider"
	"github.com/parleylabs/parley/internal/ratelimit"
	"github.com/parleylabs/parley/internal/registry"
	"github.com/parleylabs/parley/internal/sessionindex"
	"github.com/parleylabs/parley/internal/tools"
)

// DefaultMaxCachedSessions bounds the session cache when config does not.
const DefaultMaxCachedSessions = 100

// ProviderResolver maps provider ids to chat providers. Satisfied by
// provider.Registry.
type ProviderResolver interface {
	Get(name string) (provider.ChatProvider, error)
}

// Options wire the hub's collaborators at startup.
type Options struct {
	Env       config.Env
	Sessions  config.SessionsConfig
	Log       *config.Logger
	Registry  *registry.Registry
	Index     *sessionindex.Index
	Events    *eventstore.Store
	Providers ProviderResolver
	Histories *history.Registry
	BaseHost  tools.Host
	Codex     *history.SessionMap
	// HTTPClient posts to external agents; defaults to a 30s-timeout client.
	HTTPClient *http.Client
}

// Hub is the session mediator. All session cache and subscription table
// access happens under its lock; turns run outside it.
type Hub struct {
	log       *config.Logger
	env       config.Env
	registry  *registry.Registry
	index     *sessionindex.Index
	events    *eventstore.Store
	providers ProviderResolver
	histories *history.Registry
	processor *chat.Processor
	baseHost  tools.Host
	codex     *history.SessionMap
	client    *http.Client
	maxCached int

	delegation *tools.BuiltinHost

	mu       sync.Mutex
	sessions map[string]*sessionState
	seq      int64
	conns    map[Conn]map[string]bool
	subs     map[string]map[Conn]bool
}

// sessionState is the cached runtime state of one session. Guarded by the
// hub lock except messages, which only the active run touches.
type sessionState struct {
	id       string
	agentID  string
	messages []provider.Message
	queue    []func()
	run      *activeRun
	lastUsed int64

	msgLimiter  *ratelimit.Limiter
	toolLimiter *ratelimit.Limiter
}

// activeRun tracks one in-flight turn. pendingTools and afterToolResult
// back the delegation callback ordering: a callback registered for a tool
// call still awaiting its tool_result fires right after that event.
type activeRun struct {
	responseID      string
	turnID          string
	cancel          context.CancelFunc
	pendingTools    map[string]bool
	afterToolResult map[string]func()
}

// New builds the hub.
func New(opts Options) *Hub {
	maxCached := opts.Sessions.MaxCached
	if maxCached <= 0 {
		maxCached = DefaultMaxCachedSessions
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.BaseHost == nil {
		opts.BaseHost, _ = tools.NewBuiltinHost()
	}
	h := &Hub{
		log:       opts.Log,
		env:       opts.Env,
		registry:  opts.Registry,
		index:     opts.Index,
		events:    opts.Events,
		providers: opts.Providers,
		histories: opts.Histories,
		processor: chat.NewProcessor(opts.Log),
		baseHost:  opts.BaseHost,
		codex:     opts.Codex,
		client:    client,
		maxCached: maxCached,
		sessions:  make(map[string]*sessionState),
		conns:     make(map[Conn]map[string]bool),
		subs:      make(map[string]map[Conn]bool),
	}
	// The delegation tool cannot fail to register: one def, fixed name.
	h.delegation, _ = tools.NewBuiltinHost(h.agentsMessageDef())
	return h
}

// ---------- session cache ----------

func (h *Hub) newSessionState(summary domain.SessionSummary) *sessionState {
	return &sessionState{
		id:          summary.SessionID,
		agentID:     summary.AgentID,
		msgLimiter:  ratelimit.New(h.env.MaxMessagesPerMinute, time.Minute),
		toolLimiter: ratelimit.New(h.env.MaxToolCallsPerMinute, time.Minute),
	}
}

// ensureSession returns the cached state for sessionID, rehydrating the
// transcript from the history provider or the event store on a miss.
func (h *Hub) ensureSession(sessionID string) (*sessionState, domain.SessionSummary, error) {
	summary, ok := h.index.GetSession(sessionID)
	if !ok || summary.Deleted {
		return nil, domain.SessionSummary{}, domain.Errorf(domain.CodeSessionNotFound, "session %s not found", sessionID)
	}

	h.mu.Lock()
	if st, ok := h.sessions[sessionID]; ok {
		h.seq++
		st.lastUsed = h.seq
		h.mu.Unlock()
		return st, summary, nil
	}
	h.mu.Unlock()

	messages := h.rehydrate(summary)

	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.sessions[sessionID]; ok {
		h.seq++
		st.lastUsed = h.seq
		return st, summary, nil
	}
	st := h.newSessionState(summary)
	st.messages = messages
	h.seq++
	st.lastUsed = h.seq
	h.sessions[sessionID] = st
	h.evictLocked(sessionID)
	return st, summary, nil
}

// rehydrate rebuilds the provider-neutral transcript for a session.
func (h *Hub) rehydrate(summary domain.SessionSummary) []provider.Message {
	if hp, req, ok := h.historyFor(summary); ok {
		events, err := hp.GetHistory(req)
		if err != nil {
			h.log.Printf("hub: history for %s: %v", summary.SessionID, err)
		}
		if len(events) > 0 {
			return eventsToMessages(events)
		}
	}
	events, err := h.events.GetEvents(summary.SessionID)
	if err != nil {
		h.log.Printf("hub: reading events for %s: %v", summary.SessionID, err)
	}
	return eventsToMessages(events)
}

func (h *Hub) historyFor(summary domain.SessionSummary) (history.Provider, history.Request, bool) {
	agent, ok := h.registry.GetAgent(summary.AgentID)
	if !ok || agent.Chat == nil {
		return nil, history.Request{}, false
	}
	hp, ok := h.histories.For(agent.Chat.Provider)
	if !ok {
		return nil, history.Request{}, false
	}
	return hp, history.Request{
		SessionID:  summary.SessionID,
		ProviderID: agent.Chat.Provider,
		Agent:      agent,
		Attributes: summary.Attributes,
	}, true
}

// shouldPersist reports whether this session's events belong in the event
// store, or whether an external CLI transcript owns them.
func (h *Hub) shouldPersist(summary domain.SessionSummary) bool {
	hp, req, ok := h.historyFor(summary)
	if !ok {
		return true
	}
	return hp.ShouldPersist(req)
}

// evictLocked drops least-recently-used entries that hold no active run, no
// queued input, and no subscriber. The entry named by keep is never a
// victim; evicting the session being ensured would defeat the cache. Called
// with the hub lock held.
func (h *Hub) evictLocked(keep string) {
	for len(h.sessions) > h.maxCached {
		var victim *sessionState
		for _, st := range h.sessions {
			if st.id == keep || st.run != nil || len(st.queue) > 0 {
				continue
			}
			if len(h.subs[st.id]) > 0 {
				continue
			}
			if victim == nil || st.lastUsed < victim.lastUsed {
				victim = st
			}
		}
		if victim == nil {
			return
		}
		delete(h.sessions, victim.id)
	}
}

// CachedSessions reports the current cache size.
func (h *Hub) CachedSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// ---------- starting turns ----------

// Run statuses beyond those the chat processor produces.
const (
	StatusQueued  = "queued"
	StatusStarted = "started"
)

// StartRequest describes one session input.
type StartRequest struct {
	SessionID string
	Text      string
	Trigger   string // turn_start trigger; defaults to "user"
	Mode      string // "sync" or "async"; default sync
	// TimeoutSeconds races a sync turn against a timer; the caller
	// observes status "timeout".
	TimeoutSeconds int
	// Callback tags the transcript user message as a delegation callback.
	Callback bool
	// EmitUserInTurn records user_message inside the turn instead of
	// before turn_start (delegated and scheduled inputs).
	EmitUserInTurn bool
	// RateLimit applies the per-session message limiter.
	RateLimit bool
	// ExcludeConn skips one connection when echoing user_message.
	ExcludeConn Conn
	// OnComplete fires after the turn finishes, regardless of whether it
	// ran inline, queued, or detached.
	OnComplete func(StartResult)
}

// StartResult is the outcome visible to the input's originator.
type StartResult struct {
	Status        string
	ResponseID    string
	Response      string
	Truncated     bool
	DurationMs    int64
	ToolCallCount int
}

// StartSessionMessage routes one input: inline for sync-and-idle, queued
// when the session is busy, detached for async.
func (h *Hub) StartSessionMessage(req StartRequest) (StartResult, error) {
	state, summary, err := h.ensureSession(req.SessionID)
	if err != nil {
		return StartResult{}, err
	}
	agent, ok := h.registry.GetAgent(summary.AgentID)
	if !ok {
		return StartResult{}, domain.Errorf(domain.CodeAgentNotAvailable, "agent %q is not configured", summary.AgentID)
	}
	if req.RateLimit {
		if r := state.msgLimiter.Check(1); !r.Allowed {
			return StartResult{}, domain.Errorf(domain.CodeRateLimited,
				"message rate limit reached, retry in %dms", r.RetryAfter.Milliseconds())
		}
	}
	if agent.EffectiveType() == domain.AgentTypeExternal {
		return h.dispatchExternal(summary, agent, req)
	}
	if agent.Chat == nil {
		return StartResult{}, domain.Errorf(domain.CodeAgentNotAvailable, "agent %q has no chat provider", agent.AgentID)
	}
	if _, err := h.providers.Get(agent.Chat.Provider); err != nil {
		return StartResult{}, err
	}
	if req.Trigger == "" {
		req.Trigger = domain.TriggerUser
	}

	responseID := domain.NewID()
	run := func() StartResult { return h.execTurn(state, req, responseID) }

	h.mu.Lock()
	if state.run != nil {
		state.queue = append(state.queue, func() {
			res := run()
			if req.OnComplete != nil {
				req.OnComplete(res)
			}
		})
		h.mu.Unlock()
		return StartResult{Status: StatusQueued, ResponseID: responseID}, nil
	}
	h.mu.Unlock()

	if req.Mode == "async" {
		go func() {
			res := run()
			if req.OnComplete != nil {
				req.OnComplete(res)
			}
		}()
		return StartResult{Status: StatusStarted, ResponseID: responseID}, nil
	}

	res := run()
	if req.OnComplete != nil {
		req.OnComplete(res)
	}
	return res, nil
}

// execTurn claims the session's run slot and drives one turn end to end.
// If the slot is contested it requeues itself at the front to preserve
// input order.
func (h *Hub) execTurn(state *sessionState, req StartRequest, responseID string) StartResult {
	summary, ok := h.index.GetSession(state.id)
	if !ok || summary.Deleted {
		return StartResult{Status: chat.StatusError, ResponseID: responseID}
	}
	agent, _ := h.registry.GetAgent(summary.AgentID)

	ctx := context.Background()
	var cancel context.CancelFunc
	if req.Mode != "async" && req.TimeoutSeconds > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	turnID := domain.NewID()
	h.mu.Lock()
	if state.run != nil {
		state.queue = append([]func(){func() {
			res := h.execTurn(state, req, responseID)
			if req.OnComplete != nil {
				req.OnComplete(res)
			}
		}}, state.queue...)
		h.mu.Unlock()
		cancel()
		return StartResult{Status: StatusQueued, ResponseID: responseID}
	}
	state.run = &activeRun{
		responseID:      responseID,
		turnID:          turnID,
		cancel:          cancel,
		pendingTools:    make(map[string]bool),
		afterToolResult: make(map[string]func()),
	}
	messages := make([]provider.Message, len(state.messages))
	copy(messages, state.messages)
	h.mu.Unlock()

	defer cancel()
	defer h.finishTurn(state)

	persist := h.shouldPersist(summary)
	emit := h.turnEmitter(state, persist, req.ExcludeConn)

	if !req.EmitUserInTurn {
		ev := domain.NewEvent(state.id, domain.EventUserMessage)
		ev.Text = req.Text
		emit(ev)
	}

	start := domain.NewEvent(state.id, domain.EventTurnStart)
	start.TurnID = turnID
	start.ResponseID = responseID
	start.Trigger = req.Trigger
	emit(start)

	prov, err := h.providers.Get(agent.Chat.Provider)
	if err != nil {
		// Checked at StartSessionMessage; a config reload could still race.
		h.log.Printf("hub %s: provider: %v", state.id, err)
		end := domain.NewEvent(state.id, domain.EventTurnEnd)
		end.TurnID = turnID
		end.ResponseID = responseID
		emit(end)
		return StartResult{Status: chat.StatusError, ResponseID: responseID}
	}

	scoped := tools.NewScopedHost(tools.NewCompositeHost(h.delegation, h.baseHost), agent)
	workingDir := summary.StringAttribute("core", "workingDir")
	if workingDir == "" {
		workingDir = agent.WorkingDir
	}

	model := summary.Model
	if model == "" {
		model = agent.DefaultModel()
	}
	thinking := summary.Thinking
	if thinking == "" {
		thinking = agent.Chat.Thinking
	}

	res := h.processor.Run(chat.Params{
		Ctx:             ctx,
		SessionID:       state.id,
		TurnID:          turnID,
		ResponseID:      responseID,
		Text:            req.Text,
		Callback:        req.Callback,
		EmitUserMessage: req.EmitUserInTurn,
		Agent:           agent,
		Model:           model,
		Thinking:        thinking,
		WorkingDir:      workingDir,
		Attributes:      summary.Attributes,
		Messages:        messages,
		Provider:        prov,
		Host:            scoped,
		ToolLimiter:     state.toolLimiter,
		NewToolContext: func() *tools.Context {
			return &tools.Context{
				SessionID:  state.id,
				AgentID:    agent.AgentID,
				WorkingDir: workingDir,
				Registry:   h.registry,
				Sessions:   h.index,
				Events:     h.events,
				Env:        h.env,
				BaseHost:   scoped,
			}
		},
		Emit: emit,
	})

	h.mu.Lock()
	state.messages = res.Messages
	h.mu.Unlock()

	h.afterRun(state.id, summary, agent, res)

	return StartResult{
		Status:        res.Status,
		ResponseID:    responseID,
		Response:      res.Response,
		Truncated:     res.Truncated,
		DurationMs:    res.DurationMs,
		ToolCallCount: res.ToolCallCount,
	}
}

// finishTurn clears the run slot and pumps the next queued input.
func (h *Hub) finishTurn(state *sessionState) {
	h.mu.Lock()
	state.run = nil
	var next func()
	if len(state.queue) > 0 {
		next = state.queue[0]
		state.queue = state.queue[1:]
	}
	h.mu.Unlock()
	if next != nil {
		go next()
	}
}

// afterRun persists post-turn bookkeeping: activity snippet, CLI provider
// session ids, and the auto title.
func (h *Hub) afterRun(sessionID string, summary domain.SessionSummary, agent domain.AgentDefinition, res chat.Result) {
	if _, err := h.index.MarkSessionActivity(sessionID, res.Response); err != nil {
		h.log.Printf("hub %s: marking activity: %v", sessionID, err)
	}

	if res.ProviderSessionID != "" && agent.Chat != nil {
		patch := map[string]any{
			"providers": map[string]any{
				agent.Chat.Provider: map[string]any{"sessionId": res.ProviderSessionID},
			},
		}
		if _, err := h.index.UpdateSessionAttributes(sessionID, patch); err != nil {
			h.log.Printf("hub %s: saving provider session id: %v", sessionID, err)
		}
		if agent.Chat.Provider == domain.ProviderCodexCLI && h.codex != nil {
			if err := h.codex.Set(sessionID, res.ProviderSessionID); err != nil {
				h.log.Printf("hub %s: codex session map: %v", sessionID, err)
			}
		}
	}

	if summary.Name == "" && summary.StringAttribute("core", "autoTitle") == "" && res.Response != "" {
		patch := map[string]any{"core": map[string]any{"autoTitle": titleSnippet(res.Response)}}
		if _, err := h.index.UpdateSessionAttributes(sessionID, patch); err != nil {
			h.log.Printf("hub %s: auto title: %v", sessionID, err)
		}
	}

	if updated, ok := h.index.GetSession(sessionID); ok {
		h.BroadcastToAll(domain.ServerMessage{Type: domain.ServerSessionUpdated, SessionID: sessionID, Session: &updated})
	}
}

func titleSnippet(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 80
	if len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

// turnEmitter builds the per-turn event sink: append (when the session
// persists), run bookkeeping, then broadcast.
func (h *Hub) turnEmitter(state *sessionState, persist bool, exclude Conn) chat.Emit {
	return func(ev domain.ChatEvent) {
		if persist {
			if err := h.events.Append(state.id, ev); err != nil {
				h.log.Printf("hub %s: appending %s: %v", state.id, ev.Type, err)
			}
		}

		var fire func()
		h.mu.Lock()
		if run := state.run; run != nil {
			switch ev.Type {
			case domain.EventToolCall:
				run.pendingTools[ev.ToolCallID] = true
			case domain.EventToolResult:
				delete(run.pendingTools, ev.ToolCallID)
				if f, ok := run.afterToolResult[ev.ToolCallID]; ok {
					delete(run.afterToolResult, ev.ToolCallID)
					fire = f
				}
			}
		}
		h.mu.Unlock()

		if msg, ok := serverMessageFor(ev); ok {
			h.broadcastToSessionExcluding(state.id, msg, exclude)
		}
		if fire != nil {
			fire()
		}
	}
}

// appendSessionEvent appends one event outside a turn, honoring the
// session's persistence mode, and broadcasts its wire form.
func (h *Hub) appendSessionEvent(summary domain.SessionSummary, ev domain.ChatEvent) {
	if h.shouldPersist(summary) {
		if err := h.events.Append(summary.SessionID, ev); err != nil {
			h.log.Printf("hub %s: appending %s: %v", summary.SessionID, ev.Type, err)
		}
	}
	if msg, ok := serverMessageFor(ev); ok {
		h.BroadcastToSession(summary.SessionID, msg)
	}
}

// deliverAfterToolResult defers fn until the caller's tool_result for
// toolCallID has been emitted; if that already happened, fn runs now.
func (h *Hub) deliverAfterToolResult(callerSessionID, toolCallID string, fn func()) {
	h.mu.Lock()
	if st := h.sessions[callerSessionID]; st != nil && st.run != nil && st.run.pendingTools[toolCallID] {
		st.run.afterToolResult[toolCallID] = fn
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	fn()
}

// ---------- cancellation & lifecycle ----------

// CancelActiveRun cancels the session's in-flight turn, if any. The run
// still emits its closing events before clearing.
func (h *Hub) CancelActiveRun(sessionID string) bool {
	h.mu.Lock()
	st := h.sessions[sessionID]
	var cancel context.CancelFunc
	if st != nil && st.run != nil {
		cancel = st.run.cancel
	}
	h.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Busy reports whether the session has an active run.
func (h *Hub) Busy(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.sessions[sessionID]
	return st != nil && st.run != nil
}

// ---------- session CRUD ----------

// CreateSession registers a session and announces it.
func (h *Hub) CreateSession(opts sessionindex.CreateOptions) (domain.SessionSummary, error) {
	summary, err := h.index.CreateSession(opts)
	if err != nil {
		return domain.SessionSummary{}, err
	}
	h.BroadcastToAll(domain.ServerMessage{Type: domain.ServerSessionCreated, SessionID: summary.SessionID, Session: &summary})
	return summary, nil
}

// DeleteSession cancels any active run, drops cached state, tombstones the
// index entry, and removes the event log.
func (h *Hub) DeleteSession(sessionID string) error {
	h.CancelActiveRun(sessionID)

	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	if err := h.index.MarkSessionDeleted(sessionID); err != nil {
		return err
	}
	if err := h.events.DeleteSession(sessionID); err != nil {
		h.log.Printf("hub %s: deleting events: %v", sessionID, err)
	}
	if h.codex != nil {
		if err := h.codex.Delete(sessionID); err != nil {
			h.log.Printf("hub %s: codex session map: %v", sessionID, err)
		}
	}
	h.BroadcastToAll(domain.ServerMessage{Type: domain.ServerSessionDeleted, SessionID: sessionID})
	return nil
}

// ClearSession truncates event history and the cached transcript but keeps
// the session's metadata.
func (h *Hub) ClearSession(sessionID string) (domain.SessionSummary, error) {
	summary, err := h.index.ClearSession(sessionID)
	if err != nil {
		return domain.SessionSummary{}, err
	}
	if err := h.events.ClearSession(sessionID); err != nil {
		h.log.Printf("hub %s: clearing events: %v", sessionID, err)
	}
	h.mu.Lock()
	if st := h.sessions[sessionID]; st != nil {
		st.messages = nil
	}
	h.mu.Unlock()
	h.announceUpdated(summary)
	return summary, nil
}

// RenameSession renames (or clears the name of) a session.
func (h *Hub) RenameSession(sessionID string, name *string) (domain.SessionSummary, error) {
	summary, err := h.index.RenameSession(sessionID, name)
	if err != nil {
		return domain.SessionSummary{}, err
	}
	h.announceUpdated(summary)
	return summary, nil
}

// PinSession sets or clears the pinned marker.
func (h *Hub) PinSession(sessionID string, pinned bool) (domain.SessionSummary, error) {
	summary, err := h.index.PinSession(sessionID, pinned)
	if err != nil {
		return domain.SessionSummary{}, err
	}
	h.announceUpdated(summary)
	return summary, nil
}

// SetSessionModel overrides the session's model.
func (h *Hub) SetSessionModel(sessionID, model string) (domain.SessionSummary, error) {
	summary, err := h.index.SetSessionModel(sessionID, model)
	if err != nil {
		return domain.SessionSummary{}, err
	}
	h.announceUpdated(summary)
	return summary, nil
}

// SetSessionThinking overrides the session's thinking level.
func (h *Hub) SetSessionThinking(sessionID, thinking string) (domain.SessionSummary, error) {
	summary, err := h.index.SetSessionThinking(sessionID, thinking)
	if err != nil {
		return domain.SessionSummary{}, err
	}
	h.announceUpdated(summary)
	return summary, nil
}

// UpdateSessionAttributes applies a deep-merge patch.
func (h *Hub) UpdateSessionAttributes(sessionID string, patch map[string]any) (domain.SessionSummary, error) {
	summary, err := h.index.UpdateSessionAttributes(sessionID, patch)
	if err != nil {
		return domain.SessionSummary{}, err
	}
	h.announceUpdated(summary)
	return summary, nil
}

func (h *Hub) announceUpdated(summary domain.SessionSummary) {
	h.BroadcastToAll(domain.ServerMessage{Type: domain.ServerSessionUpdated, SessionID: summary.SessionID, Session: &summary})
}

// ---------- client inputs ----------

// HandleTextInput routes a client text_input: the session's run starts (or
// queues) detached, and the user_message echo skips the sender.
func (h *Hub) HandleTextInput(conn Conn, sessionID, text string) (StartResult, error) {
	return h.StartSessionMessage(StartRequest{
		SessionID:   sessionID,
		Text:        text,
		Trigger:     domain.TriggerUser,
		Mode:        "async",
		RateLimit:   true,
		ExcludeConn: conn,
	})
}

// HandleControl handles a client control message.
func (h *Hub) HandleControl(sessionID, action, target string) bool {
	if action == "cancel" && target == "output" {
		return h.CancelActiveRun(sessionID)
	}
	return false
}

// ---------- rehydration ----------

// eventsToMessages folds an event log back into a provider transcript.
func eventsToMessages(events []domain.ChatEvent) []provider.Message {
	var out []provider.Message
	var calls []provider.ToolCall

	flush := func() {
		if len(calls) > 0 {
			out = append(out, provider.Message{Role: provider.RoleAssistant, ToolCalls: calls})
			calls = nil
		}
	}

	for _, ev := range events {
		switch ev.Type {
		case domain.EventUserMessage:
			flush()
			out = append(out, provider.Message{Role: provider.RoleUser, Content: ev.Text})
		case domain.EventUserAudio:
			flush()
			out = append(out, provider.Message{Role: provider.RoleUser, Content: ev.Transcription})
		case domain.EventToolCall:
			calls = append(calls, provider.ToolCall{ID: ev.ToolCallID, Name: ev.ToolName, Args: ev.Args})
		case domain.EventToolResult:
			flush()
			content := string(ev.Result)
			if ev.Error != nil {
				content = "Error: " + ev.Error.Code
				if ev.Error.Message != "" {
					content += ": " + ev.Error.Message
				}
			}
			out = append(out, provider.Message{Role: provider.RoleTool, ToolCallID: ev.ToolCallID, Content: content})
		case domain.EventAssistantDone:
			flush()
			if ev.Text != "" {
				out = append(out, provider.Message{Role: provider.RoleAssistant, Content: ev.Text})
			}
		}
	}
	flush()
	return out
}
