package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/domain"
)

// CLIProvider drives a coding-agent CLI (claude, codex, pi) as a
// subprocess. The CLI owns the canonical transcript; we feed it one prompt
// per turn and parse its streamed JSON output.
type CLIProvider struct {
	providerID string
	log        *config.Logger
}

func newCLIProvider(providerID string, log *config.Logger) *CLIProvider {
	return &CLIProvider{providerID: providerID, log: log}
}

// Name implements ChatProvider.
func (p *CLIProvider) Name() string { return p.providerID }

// binary returns the CLI executable name. Overridable for tests.
var cliBinaries = map[string]string{
	domain.ProviderClaudeCLI: "claude",
	domain.ProviderCodexCLI:  "codex",
	domain.ProviderPiCLI:     "pi",
}

// providerSessionID digs the CLI's own session id out of session attributes
// (attributes.providers.<id>.sessionId).
func providerSessionID(attrs map[string]any, providerID string) string {
	providers, _ := attrs["providers"].(map[string]any)
	entry, _ := providers[providerID].(map[string]any)
	id, _ := entry["sessionId"].(string)
	return id
}

// buildArgs assembles the CLI invocation for one turn.
func (p *CLIProvider) buildArgs(req Request) []string {
	var args []string
	resume := providerSessionID(req.Attributes, p.providerID)

	switch p.providerID {
	case domain.ProviderClaudeCLI:
		args = append(args, "-p", "--output-format", "stream-json", "--verbose")
		if resume != "" {
			args = append(args, "--resume", resume)
		}
		if req.Model != "" {
			args = append(args, "--model", req.Model)
		}
	case domain.ProviderCodexCLI:
		args = append(args, "exec", "--json")
		if resume != "" {
			args = append(args, "resume", resume)
		}
		if req.Model != "" {
			args = append(args, "--model", req.Model)
		}
	case domain.ProviderPiCLI:
		args = append(args, "--mode", "json")
		if resume != "" {
			args = append(args, "--session", resume)
		}
		if req.Model != "" {
			args = append(args, "--model", req.Model)
		}
	}

	if extra, ok := req.Config["extraArgs"].([]any); ok {
		for _, raw := range extra {
			if s, ok := raw.(string); ok {
				args = append(args, s)
			}
		}
	}
	return args
}

// cliEvent is the subset of the CLIs' stream-json output we act on.
type cliEvent struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Result    string      `json:"result,omitempty"`
	Message   *cliMessage `json:"message,omitempty"`
	Msg       *codexMsg   `json:"msg,omitempty"` // codex exec --json shape
}

type cliMessage struct {
	Content []cliContentBlock `json:"content"`
}

type cliContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

type codexMsg struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Stream implements ChatProvider.
func (p *CLIProvider) Stream(ctx context.Context, req Request, cb Callbacks) (Result, error) {
	bin := cliBinaries[p.providerID]
	if bin == "" {
		return Result{}, domain.Errorf(domain.CodeAgentNotAvailable, "no CLI binary for provider %q", p.providerID)
	}

	cmd := exec.CommandContext(ctx, bin, p.buildArgs(req)...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	prompt := ""
	if n := len(req.Messages); n > 0 {
		prompt = req.Messages[n-1].Content
	}
	cmd.Stdin = strings.NewReader(prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("piping %s stdout: %w", bin, err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, domain.Errorf(domain.CodeAgentNotAvailable, "starting %s: %v", bin, err)
	}

	var res Result
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var ev cliEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			p.log.Printf("provider %s: skipping unparseable line: %v", p.providerID, err)
			continue
		}
		p.fold(&res, ev, cb)
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		res.StopReason = StopCanceled
		return res, ctx.Err()
	}
	if waitErr != nil {
		return res, fmt.Errorf("%s exited: %w", bin, waitErr)
	}
	if res.StopReason == "" {
		res.StopReason = StopEnd
	}
	return res, nil
}

// fold applies one streamed CLI event to the accumulating result.
func (p *CLIProvider) fold(res *Result, ev cliEvent, cb Callbacks) {
	if ev.SessionID != "" {
		res.ProviderSessionID = ev.SessionID
	}
	switch ev.Type {
	case "assistant":
		if ev.Message == nil {
			return
		}
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				res.Text += block.Text
				if cb.OnText != nil {
					cb.OnText(block.Text)
				}
			case "thinking":
				res.ThinkingText += block.Thinking
				if cb.OnThinking != nil {
					cb.OnThinking(block.Thinking)
				}
			}
		}
	case "result":
		if ev.Result != "" {
			// Final result supersedes accumulated text for claude-cli.
			if res.Text == "" && cb.OnText != nil {
				cb.OnText(ev.Result)
			}
			if res.Text == "" {
				res.Text = ev.Result
			}
		}
	default:
		if ev.Msg == nil {
			return
		}
		switch ev.Msg.Type {
		case "agent_message_delta":
			res.Text += ev.Msg.Delta
			if cb.OnText != nil {
				cb.OnText(ev.Msg.Delta)
			}
		case "agent_message":
			if res.Text == "" {
				res.Text = ev.Msg.Text
				if cb.OnText != nil {
					cb.OnText(ev.Msg.Text)
				}
			}
		case "agent_reasoning_delta":
			res.ThinkingText += ev.Msg.Delta
			if cb.OnThinking != nil {
				cb.OnThinking(ev.Msg.Delta)
			}
		}
	}
}
