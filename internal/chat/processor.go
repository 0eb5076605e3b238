// Package chat runs one conversation turn against a provider: it streams
// model output, dispatches requested tool calls through a scoped host, and
// emits the turn's event sequence. The hub owns session state and
// queueing; the processor is a per-turn state machine.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/domain"
	"github.com/parleylabs/parley/internal/provider"
	"github.com/parleylabs/parley/internal/ratelimit"
	"github.com/parleylabs/parley/internal/tools"
)

// Emit delivers one event to the event store and session subscribers. The
// hub wires both behind a single sink so chat never touches either
// directly.
type Emit func(ev domain.ChatEvent)

// DefaultMaxToolIterations bounds the provider/tool loop when the agent
// config does not set maxToolIterations.
const DefaultMaxToolIterations = 8

// Run statuses.
const (
	StatusComplete  = "complete"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"
)

// Params describes one turn.
type Params struct {
	Ctx context.Context

	SessionID  string
	TurnID     string
	ResponseID string

	Text string
	// Callback tags the user message as a delegation callback in history.
	Callback bool
	// EmitUserMessage records the user_message event inside the turn.
	// Direct client inputs already appended theirs before turn_start.
	EmitUserMessage bool

	Agent      domain.AgentDefinition
	Model      string
	Thinking   string
	WorkingDir string
	Attributes map[string]any

	Messages []provider.Message

	Provider    provider.ChatProvider
	Host        tools.Host
	ToolLimiter *ratelimit.Limiter

	// NewToolContext builds the per-call tool context; the processor fills
	// in Ctx, ToolCallID, and EmitChunk.
	NewToolContext func() *tools.Context

	Emit Emit
}

// Result is the outcome of one turn.
type Result struct {
	ResponseID   string
	Response     string
	ThinkingText string
	Status       string
	Truncated    bool
	DurationMs   int64

	ToolCallCount int

	// Messages is the transcript including this turn's additions.
	Messages []provider.Message

	// ProviderSessionID is non-empty when a CLI provider reported its own
	// session id for resume.
	ProviderSessionID string

	Err error
}

// Processor runs turns. Stateless aside from the logger.
type Processor struct {
	log *config.Logger
}

func NewProcessor(log *config.Logger) *Processor {
	return &Processor{log: log}
}

func maxToolIterations(agent domain.AgentDefinition) int {
	if agent.Chat != nil {
		if n, ok := agent.Chat.Config["maxToolIterations"].(float64); ok && n >= 1 {
			return int(n)
		}
	}
	return DefaultMaxToolIterations
}

// Run executes one full turn. It always emits turn_end before returning,
// including on provider errors and cancellation.
func (p *Processor) Run(params Params) Result {
	start := time.Now()
	t := &turn{Params: params, log: p.log}

	t.messages = append(t.messages, params.Messages...)
	userMsg := provider.Message{Role: provider.RoleUser, Content: params.Text}
	if params.Callback {
		userMsg.Meta = json.RawMessage(`{"logType":"callback"}`)
	}
	t.messages = append(t.messages, userMsg)

	if params.EmitUserMessage {
		t.emit(domain.EventUserMessage, func(ev *domain.ChatEvent) {
			ev.Text = params.Text
		})
	}

	res := t.loop()
	res.ResponseID = params.ResponseID
	res.DurationMs = time.Since(start).Milliseconds()
	res.Messages = t.messages
	res.Response = t.response
	res.ThinkingText = t.thinking
	res.ToolCallCount = t.toolCalls
	res.ProviderSessionID = t.providerSessionID
	return res
}

// turn holds the in-flight state of one Run invocation.
type turn struct {
	Params
	log *config.Logger

	messages          []provider.Message
	response          string
	thinking          string
	toolCalls         int
	providerSessionID string

	thinkingOpen bool
}

func (t *turn) emit(kind domain.EventType, fill func(*domain.ChatEvent)) {
	ev := domain.NewEvent(t.SessionID, kind)
	ev.TurnID = t.TurnID
	ev.ResponseID = t.ResponseID
	if fill != nil {
		fill(&ev)
	}
	t.Emit(ev)
}

func (t *turn) loop() Result {
	maxIter := maxToolIterations(t.Agent)

	for iter := 0; ; iter++ {
		if err := t.Ctx.Err(); err != nil {
			return t.closeCancelled(nil)
		}
		if iter >= maxIter {
			// Iteration cap with the provider still asking for tools.
			t.emitDone(true)
			t.emit(domain.EventTurnEnd, nil)
			return Result{Status: StatusComplete, Truncated: true}
		}

		req := provider.Request{
			Model:      t.Model,
			System:     t.Agent.SystemPrompt,
			Messages:   t.messages,
			Tools:      t.Host.ListTools(),
			Thinking:   t.Thinking,
			SessionID:  t.SessionID,
			WorkingDir: t.WorkingDir,
			Attributes: t.Attributes,
		}
		if t.Agent.Chat != nil {
			req.Config = t.Agent.Chat.Config
		}

		sr, err := t.Provider.Stream(t.Ctx, req, provider.Callbacks{
			OnText:     t.onText,
			OnThinking: t.onThinking,
		})
		if sr.ProviderSessionID != "" {
			t.providerSessionID = sr.ProviderSessionID
		}
		t.closeThinking()

		if err != nil {
			if t.Ctx.Err() != nil {
				return t.closeCancelled(nil)
			}
			t.log.Printf("chat %s: provider %s: %v", t.SessionID, t.Provider.Name(), err)
			t.emit(domain.EventTurnEnd, nil)
			return Result{Status: StatusError, Err: err}
		}

		asst := provider.Message{Role: provider.RoleAssistant, Content: sr.Text, ToolCalls: sr.ToolCalls}
		t.messages = append(t.messages, asst)

		if sr.StopReason != provider.StopToolUse || len(sr.ToolCalls) == 0 {
			t.emitDone(false)
			t.emit(domain.EventTurnEnd, nil)
			return Result{Status: StatusComplete}
		}

		if pending, interrupted := t.handleToolCalls(sr.ToolCalls); interrupted {
			return t.closeCancelled(pending)
		}
	}
}

func (t *turn) onText(delta string) {
	t.response += delta
	t.emit(domain.EventAssistantChunk, func(ev *domain.ChatEvent) {
		ev.Text = delta
	})
}

func (t *turn) onThinking(delta string) {
	if !t.thinkingOpen {
		t.thinkingOpen = true
		t.emit(domain.EventThinkingStart, nil)
	}
	t.thinking += delta
	t.emit(domain.EventThinkingDelta, func(ev *domain.ChatEvent) {
		ev.Text = delta
	})
}

func (t *turn) closeThinking() {
	if !t.thinkingOpen {
		return
	}
	t.thinkingOpen = false
	t.emit(domain.EventThinkingDone, func(ev *domain.ChatEvent) {
		ev.Text = t.thinking
	})
}

func (t *turn) emitDone(truncated bool) {
	t.emit(domain.EventAssistantDone, func(ev *domain.ChatEvent) {
		ev.Text = t.response
		if truncated {
			ev.Reason = "max_tool_iterations"
		}
	})
}

// handleToolCalls runs each requested call in order, emitting tool_call and
// tool_result events and appending role=tool messages. On cancellation it
// reports interrupted=true along with the calls whose tool_call event was
// emitted but never resolved; calls that were never announced are left out
// so every tool_result pairs with a preceding tool_call.
func (t *turn) handleToolCalls(calls []provider.ToolCall) ([]provider.ToolCall, bool) {
	for i, call := range calls {
		if t.Ctx.Err() != nil {
			// Call i was never announced; every earlier call already has
			// its result recorded.
			return nil, true
		}

		t.toolCalls++
		t.emit(domain.EventToolCall, func(ev *domain.ChatEvent) {
			ev.ToolCallID = call.ID
			ev.ToolName = call.Name
			ev.Args = call.Args
		})

		var (
			result any
			err    error
		)
		if t.ToolLimiter != nil {
			if r := t.ToolLimiter.Check(1); !r.Allowed {
				err = domain.Errorf(domain.CodeRateLimited,
					"tool call rate limit reached, retry in %dms", r.RetryAfter.Milliseconds())
			}
		}
		if err == nil {
			tc := t.NewToolContext()
			tc.Ctx = t.Ctx
			tc.TurnID = t.TurnID
			tc.ResponseID = t.ResponseID
			tc.ToolCallID = call.ID
			tc.EmitChunk = func(chunk string) {
				t.emit(domain.EventToolOutputDelta, func(ev *domain.ChatEvent) {
					ev.ToolCallID = call.ID
					ev.Chunk = chunk
				})
			}
			result, err = t.Host.CallTool(call.Name, call.Args, tc)
		}

		if err != nil && t.Ctx.Err() != nil {
			// Only this call's tool_call went out without a result; the
			// calls after it were never announced.
			return calls[i : i+1], true
		}

		content := t.recordToolResult(call, result, err)
		t.messages = append(t.messages, provider.Message{
			Role:       provider.RoleTool,
			ToolCallID: call.ID,
			Content:    content,
		})
	}
	return nil, false
}

// recordToolResult emits the tool_result event and returns the content for
// the role=tool transcript message.
func (t *turn) recordToolResult(call provider.ToolCall, result any, err error) string {
	if err != nil {
		code := domain.CodeOf(err)
		if code == "" {
			code = domain.CodeInternalError
		}
		t.emit(domain.EventToolResult, func(ev *domain.ChatEvent) {
			ev.ToolCallID = call.ID
			ev.ToolName = call.Name
			ok := false
			ev.OK = &ok
			ev.Error = &domain.ToolError{Code: code, Message: err.Error()}
		})
		return "Error: " + err.Error()
	}

	payload, merr := json.Marshal(result)
	if merr != nil {
		payload = []byte(fmt.Sprintf("%q", fmt.Sprint(result)))
	}
	t.emit(domain.EventToolResult, func(ev *domain.ChatEvent) {
		ev.ToolCallID = call.ID
		ev.ToolName = call.Name
		ok := true
		ev.OK = &ok
		ev.Result = payload
	})
	if s, ok := result.(string); ok {
		return s
	}
	return string(payload)
}

// closeCancelled emits the closing sequence for a cancelled run: a
// synthetic assistant_done carrying any accumulated text, an interrupted
// tool_result per announced-but-unresolved call, output_cancelled, then
// turn_end.
func (t *turn) closeCancelled(pending []provider.ToolCall) Result {
	t.closeThinking()
	if t.response != "" {
		t.emit(domain.EventAssistantDone, func(ev *domain.ChatEvent) {
			ev.Text = t.response
			ev.Interrupted = true
		})
	}
	for _, call := range pending {
		t.emit(domain.EventToolResult, func(ev *domain.ChatEvent) {
			ev.ToolCallID = call.ID
			ev.ToolName = call.Name
			ok := false
			ev.OK = &ok
			ev.Error = &domain.ToolError{Code: domain.CodeToolInterrupted}
		})
	}
	t.emit(domain.EventOutputCancelled, nil)
	t.emit(domain.EventTurnEnd, nil)

	status := StatusCancelled
	if t.Ctx.Err() == context.DeadlineExceeded {
		status = StatusTimeout
	}
	return Result{Status: status, Err: t.Ctx.Err()}
}
