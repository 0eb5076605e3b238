// Package server exposes the hub over the wire: a websocket endpoint
// speaking the duplex client protocol, a JSON HTTP API for session and
// schedule management, and the external-agent callback route.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"golang.org/x/net/websocket"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/domain"
	"github.com/parleylabs/parley/internal/eventstore"
	"github.com/parleylabs/parley/internal/hub"
	"github.com/parleylabs/parley/internal/registry"
	"github.com/parleylabs/parley/internal/scheduler"
	"github.com/parleylabs/parley/internal/sessionindex"
)

// maxCallbackBody bounds external-agent callback payloads.
const maxCallbackBody = 1 << 20

// Options wire the server's collaborators at startup.
type Options struct {
	Log       *config.Logger
	DataDir   string
	Hub       *hub.Hub
	Index     *sessionindex.Index
	Events    *eventstore.Store
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Runs      *scheduler.RunLog
	Quiet     bool
}

// Server is the HTTP/websocket front of the hub.
type Server struct {
	log      *config.Logger
	dataDir  string
	hub      *hub.Hub
	index    *sessionindex.Index
	events   *eventstore.Store
	registry *registry.Registry
	sched    *scheduler.Scheduler
	runs     *scheduler.RunLog
	quiet    bool

	token  string
	port   int
	ready  chan struct{} // closed once the port is assigned in Start()
	server *http.Server
}

// New builds the server with a fresh auth token.
func New(opts Options) *Server {
	return &Server{
		log:      opts.Log,
		dataDir:  opts.DataDir,
		hub:      opts.Hub,
		index:    opts.Index,
		events:   opts.Events,
		registry: opts.Registry,
		sched:    opts.Scheduler,
		runs:     opts.Runs,
		quiet:    opts.Quiet,
		token:    generateAuthToken(),
		ready:    make(chan struct{}),
	}
}

func generateAuthToken() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Extremely unlikely; empty token means auth check will reject requests.
		return ""
	}
	return hex.EncodeToString(b[:])
}

// AuthToken returns the auth token for trusted in-process callers.
func (s *Server) AuthToken() string {
	return s.token
}

// Port returns the actual listening port. Blocks until Start() has bound the
// listener and assigned the port.
func (s *Server) Port() int {
	<-s.ready
	return s.port
}

// Start begins listening on bindAddr:port. If the port is taken, falls back
// to an OS-assigned port. Blocks until the server shuts down.
func (s *Server) Start(bindAddr string, port int) error {
	if bindAddr == "" {
		bindAddr = "localhost"
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindAddr, port))
	if err != nil {
		// Port in use -- let OS assign
		ln, err = net.Listen("tcp", fmt.Sprintf("%s:0", bindAddr))
		if err != nil {
			return fmt.Errorf("listening: %w", err)
		}
	}
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.log.Printf("server: listening on %s:%d", bindAddr, s.port)
	if !s.quiet {
		fmt.Fprintf(os.Stderr, "parley listening on %s:%d\n", bindAddr, s.port)
		s.printConnectionQR(bindAddr)
	}
	close(s.ready)

	if err := WriteLockfile(s.dataDir, s.port, s.token); err != nil {
		ln.Close()
		return fmt.Errorf("writing lockfile: %w", err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.server = &http.Server{Handler: mux}
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server and removes the lockfile.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	if err := RemoveLockfile(s.dataDir); err != nil {
		s.log.Printf("server: remove lockfile: %v", err)
	}
	return err
}

// Handler returns the route table without binding a listener. Used by tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws", s.withAuth(websocket.Handler(s.handleWS).ServeHTTP))

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/sessions", s.withAuth(s.handleCreateSession))
	mux.HandleFunc("GET /api/sessions", s.withAuth(s.handleListSessions))
	mux.HandleFunc("GET /api/sessions/{id}", s.withAuth(s.handleGetSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.withAuth(s.handleDeleteSession))
	mux.HandleFunc("POST /api/sessions/{id}/clear", s.withAuth(s.handleClearSession))
	mux.HandleFunc("POST /api/sessions/{id}/rename", s.withAuth(s.handleRenameSession))
	mux.HandleFunc("POST /api/sessions/{id}/pin", s.withAuth(s.handlePinSession))
	mux.HandleFunc("POST /api/sessions/{id}/model", s.withAuth(s.handleSetModel))
	mux.HandleFunc("POST /api/sessions/{id}/thinking", s.withAuth(s.handleSetThinking))
	mux.HandleFunc("POST /api/sessions/{id}/attributes", s.withAuth(s.handleUpdateAttributes))
	mux.HandleFunc("GET /api/sessions/{id}/events", s.withAuth(s.handleGetEvents))
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.withAuth(s.handleSendMessage))
	mux.HandleFunc("POST /api/sessions/{id}/cancel", s.withAuth(s.handleCancel))
	mux.HandleFunc("GET /api/agents", s.withAuth(s.handleListAgents))
	mux.HandleFunc("GET /api/schedules", s.withAuth(s.handleListSchedules))
	mux.HandleFunc("POST /api/agents/{agentId}/schedules/{scheduleId}/run", s.withAuth(s.handleTriggerSchedule))
	mux.HandleFunc("POST /api/agents/{agentId}/schedules/{scheduleId}/enabled", s.withAuth(s.handleSetScheduleEnabled))
	mux.HandleFunc("GET /api/agents/{agentId}/schedules/{scheduleId}/runs", s.withAuth(s.handleScheduleRuns))

	// External agents authenticate by knowing the per-session callback URL.
	mux.HandleFunc("POST /external/sessions/{id}/messages", s.handleExternalCallback)
}

// withAuth accepts the token as a bearer header or a token query parameter;
// websocket clients cannot always set headers.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(r.Header.Get("Authorization"))
		const bearer = "Bearer "
		if strings.HasPrefix(got, bearer) {
			got = strings.TrimSpace(strings.TrimPrefix(got, bearer))
		}
		if got == "" {
			got = r.URL.Query().Get("token")
		}
		// Constant-time compare to avoid token oracle behavior.
		if got == "" || s.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, domain.Error{Code: domain.CodeInternalError, Message: "unauthorized"})
			return
		}
		next(w, r)
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"pid":             os.Getpid(),
		"port":            s.port,
		"protocolVersion": domain.ProtocolVersion,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		AgentID   string `json:"agentId"`
		Model     string `json:"model"`
		Thinking  string `json:"thinking"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if _, ok := s.registry.GetAgent(req.AgentID); !ok {
		writeError(w, domain.Errorf(domain.CodeAgentNotFound, "agent %q not found", req.AgentID))
		return
	}
	summary, err := s.hub.CreateSession(sessionindex.CreateOptions{
		SessionID: req.SessionID,
		AgentID:   req.AgentID,
		Model:     req.Model,
		Thinking:  req.Thinking,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.index.ListSessions()
	if sessions == nil {
		sessions = []domain.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	summary, ok := s.index.GetSession(id)
	if !ok {
		writeError(w, domain.Errorf(domain.CodeSessionNotFound, "session %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.hub.DeleteSession(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	summary, err := s.hub.ClearSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name *string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	summary, err := s.hub.RenameSession(r.PathValue("id"), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handlePinSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pinned bool `json:"pinned"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	summary, err := s.hub.PinSession(r.PathValue("id"), req.Pinned)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	summary, err := s.hub.SetSessionModel(r.PathValue("id"), req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSetThinking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Thinking string `json:"thinking"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	summary, err := s.hub.SetSessionThinking(r.PathValue("id"), req.Thinking)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleUpdateAttributes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Attributes map[string]any `json:"attributes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	summary, err := s.hub.UpdateSessionAttributes(r.PathValue("id"), req.Attributes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleGetEvents returns the session's events, optionally strictly after
// the event named by ?since=. Unknown cursors return everything.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.index.GetSession(id); !ok {
		writeError(w, domain.Errorf(domain.CodeSessionNotFound, "session %s not found", id))
		return
	}
	events, err := s.events.GetEventsSince(id, r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.ChatEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleSendMessage runs one synchronous turn and returns its result. The
// websocket text_input path is the streaming alternative.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text           string `json:"text"`
		TimeoutSeconds int    `json:"timeoutSeconds"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, domain.Errorf(domain.CodeInvalidArguments, "text is required"))
		return
	}
	res, err := s.hub.StartSessionMessage(hub.StartRequest{
		SessionID:      r.PathValue("id"),
		Text:           req.Text,
		Trigger:        domain.TriggerUser,
		TimeoutSeconds: req.TimeoutSeconds,
		RateLimit:      true,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        res.Status,
		"responseId":    res.ResponseID,
		"response":      res.Response,
		"truncated":     res.Truncated,
		"durationMs":    res.DurationMs,
		"toolCallCount": res.ToolCallCount,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.hub.CancelActiveRun(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	type agentInfo struct {
		AgentID     string   `json:"agentId"`
		DisplayName string   `json:"displayName,omitempty"`
		Description string   `json:"description,omitempty"`
		Type        string   `json:"type"`
		Models      []string `json:"models,omitempty"`
	}
	out := []agentInfo{}
	for _, a := range s.registry.ListAgents() {
		if !a.Visible() {
			continue
		}
		info := agentInfo{
			AgentID:     a.AgentID,
			DisplayName: a.DisplayName,
			Description: a.Description,
			Type:        string(a.EffectiveType()),
		}
		if a.Chat != nil {
			info.Models = a.Chat.Models
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	schedules := []scheduler.ScheduleStatus{}
	if s.sched != nil {
		schedules = s.sched.Schedules()
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, domain.Errorf(domain.CodeAgentNotFound, "no scheduler configured"))
		return
	}
	var req struct {
		Force bool `json:"force"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.sched.TriggerRun(r.PathValue("agentId"), r.PathValue("scheduleId"), req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSetScheduleEnabled(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, domain.Errorf(domain.CodeAgentNotFound, "no scheduler configured"))
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.sched.SetEnabled(r.PathValue("agentId"), r.PathValue("scheduleId"), req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "enabled": req.Enabled})
}

func (s *Server) handleScheduleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, http.StatusOK, []scheduler.RunRecord{})
		return
	}
	limit := 20
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	records, err := s.runs.Runs(r.PathValue("agentId"), r.PathValue("scheduleId"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []scheduler.RunRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleExternalCallback accepts an async reply from an external agent and
// folds it into the session's event log.
func (s *Server) handleExternalCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		writeError(w, domain.Errorf(domain.CodeInvalidEvent, "reading callback body: %v", err))
		return
	}
	if err := s.hub.HandleExternalCallback(r.PathValue("id"), body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// JSON helpers
// ---------------------------------------------------------------------------

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		writeError(w, domain.Errorf(domain.CodeInvalidArguments, "invalid request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "server: write json response: %v\n", err)
	}
}

// writeError maps a coded error onto an HTTP status; untyped errors become
// internal_error without leaking their message.
func writeError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		writeJSON(w, http.StatusInternalServerError, domain.Error{
			Code: domain.CodeInternalError, Message: "internal error",
		})
		return
	}
	writeJSON(w, statusForCode(de.Code), *de)
}

func statusForCode(code string) int {
	switch code {
	case domain.CodeSessionNotFound, domain.CodeAgentNotFound, domain.CodeToolNotFound:
		return http.StatusNotFound
	case domain.CodeSessionBusy, domain.CodeNameInUse:
		return http.StatusConflict
	case domain.CodeAgentNotAccessible, domain.CodeToolNotAllowed:
		return http.StatusForbidden
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeInvalidConfig, domain.CodeInvalidSessionAttributes,
		domain.CodeInvalidArguments, domain.CodeInvalidEvent,
		domain.CodeSessionMismatch, domain.CodeUnsupportedProtocolVersion:
		return http.StatusBadRequest
	case domain.CodeAgentNotAvailable, domain.CodeAgentSessionError,
		domain.CodeAgentMessageFailed, domain.CodeExternalAgentError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
