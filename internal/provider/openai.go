package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleylabs/parley/internal/domain"
	"github.com/parleylabs/parley/internal/tools"
)

// OpenAIProvider streams chat completions from an OpenAI-compatible API.
type OpenAIProvider struct {
	client *openai.Client
}

func newOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

// Name implements ChatProvider.
func (p *OpenAIProvider) Name() string { return domain.ProviderOpenAI }

// Stream implements ChatProvider.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request, cb Callbacks) (Result, error) {
	oaiReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.System, req.Messages),
		Tools:    toOpenAITools(req.Tools),
		Stream:   true,
	}
	if t, ok := req.Config["temperature"].(float64); ok {
		oaiReq.Temperature = float32(t)
	}
	if req.Thinking != "" {
		oaiReq.ReasoningEffort = req.Thinking
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, oaiReq)
	if err != nil {
		return Result{}, fmt.Errorf("opening completion stream: %w", err)
	}
	defer stream.Close()

	var res Result
	calls := map[int]*ToolCall{}
	argBufs := map[int]*[]byte{}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				res.StopReason = StopCanceled
				return res, ctx.Err()
			}
			return res, fmt.Errorf("reading completion stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			res.Text += choice.Delta.Content
			if cb.OnText != nil {
				cb.OnText(choice.Delta.Content)
			}
		}
		if choice.Delta.ReasoningContent != "" {
			res.ThinkingText += choice.Delta.ReasoningContent
			if cb.OnThinking != nil {
				cb.OnThinking(choice.Delta.ReasoningContent)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := calls[idx]
			if !ok {
				call = &ToolCall{}
				calls[idx] = call
				buf := make([]byte, 0, 256)
				argBufs[idx] = &buf
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name += tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				*argBufs[idx] = append(*argBufs[idx], tc.Function.Arguments...)
			}
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			res.StopReason = StopToolUse
		}
	}

	if len(calls) > 0 {
		idxs := make([]int, 0, len(calls))
		for i := range calls {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		for _, i := range idxs {
			call := *calls[i]
			call.Args = json.RawMessage(*argBufs[i])
			if len(call.Args) == 0 {
				call.Args = json.RawMessage(`{}`)
			}
			res.ToolCalls = append(res.ToolCalls, call)
		}
		res.StopReason = StopToolUse
	}
	if res.StopReason == "" {
		res.StopReason = StopEnd
	}
	return res, nil
}

func toOpenAIMessages(system string, msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(specs []tools.Spec) []openai.Tool {
	if len(specs) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  specParameters(s),
			},
		})
	}
	return out
}

// specParameters renders a tools.Spec as a JSON-schema parameters object.
func specParameters(s tools.Spec) map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		props[name] = propSchema(p)
	}
	params := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		params["required"] = s.Required
	}
	return params
}

func propSchema(p tools.Prop) map[string]any {
	schema := map[string]any{"type": p.Type}
	if p.Description != "" {
		schema["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		schema["enum"] = p.Enum
	}
	if p.Items != nil {
		schema["items"] = propSchema(*p.Items)
	}
	if len(p.Properties) > 0 {
		nested := make(map[string]any, len(p.Properties))
		for name, np := range p.Properties {
			nested[name] = propSchema(np)
		}
		schema["properties"] = nested
		if len(p.Required) > 0 {
			schema["required"] = p.Required
		}
	}
	return schema
}
