package tools

import (
	"encoding/json"
	"testing"

	"github.com/parleylabs/parley/internal/domain"
)

func echoTool(name string, caps ...string) ToolDef {
	return ToolDef{
		Spec: Spec{
			Name:         name,
			Description:  "echoes its input",
			Properties:   map[string]Prop{"text": {Type: "string"}},
			Capabilities: caps,
		},
		Execute: func(input map[string]any, tc *Context) (any, error) {
			text, _ := input["text"].(string)
			return name + ":" + text, nil
		},
	}
}

func TestBuiltinHost_CallTool(t *testing.T) {
	h, err := NewBuiltinHost(echoTool("echo"))
	if err != nil {
		t.Fatalf("NewBuiltinHost: %v", err)
	}

	got, err := h.CallTool("echo", json.RawMessage(`{"text":"hi"}`), &Context{})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got != "echo:hi" {
		t.Errorf("result = %v, want echo:hi", got)
	}

	t.Run("unknown tool", func(t *testing.T) {
		_, err := h.CallTool("nope", nil, &Context{})
		if domain.CodeOf(err) != domain.CodeToolNotFound {
			t.Fatalf("err = %v, want %s", err, domain.CodeToolNotFound)
		}
	})

	t.Run("bad args", func(t *testing.T) {
		_, err := h.CallTool("echo", json.RawMessage(`not json`), &Context{})
		if domain.CodeOf(err) != domain.CodeInvalidArguments {
			t.Fatalf("err = %v, want %s", err, domain.CodeInvalidArguments)
		}
	})

	t.Run("duplicate registration", func(t *testing.T) {
		if _, err := NewBuiltinHost(echoTool("x"), echoTool("x")); err == nil {
			t.Fatal("duplicate tool names should be rejected")
		}
	})
}

func TestScopedHost(t *testing.T) {
	base, err := NewBuiltinHost(
		echoTool("file_read", "filesystem"),
		echoTool("bash", "shell", "write"),
		echoTool("http_fetch", "network"),
		echoTool("plain"),
	)
	if err != nil {
		t.Fatalf("NewBuiltinHost: %v", err)
	}

	t.Run("tool allowlist", func(t *testing.T) {
		h := NewScopedHost(base, domain.AgentDefinition{
			AgentID:       "a",
			ToolAllowlist: []string{"file_*", "plain"},
		})
		names := specNames(h.ListTools())
		if len(names) != 2 || names[0] != "file_read" || names[1] != "plain" {
			t.Fatalf("tools = %v", names)
		}
		if _, err := h.CallTool("bash", nil, &Context{}); domain.CodeOf(err) != domain.CodeToolNotAllowed {
			t.Errorf("bash err = %v, want %s", err, domain.CodeToolNotAllowed)
		}
	})

	t.Run("tool denylist", func(t *testing.T) {
		h := NewScopedHost(base, domain.AgentDefinition{
			AgentID:      "a",
			ToolDenylist: []string{"bash"},
		})
		for _, n := range specNames(h.ListTools()) {
			if n == "bash" {
				t.Error("denied tool listed")
			}
		}
	})

	t.Run("capability filters", func(t *testing.T) {
		h := NewScopedHost(base, domain.AgentDefinition{
			AgentID:            "a",
			CapabilityDenylist: []string{"write"},
		})
		names := specNames(h.ListTools())
		for _, n := range names {
			if n == "bash" {
				t.Error("write-capability tool listed under capability denylist")
			}
		}

		allowOnly := NewScopedHost(base, domain.AgentDefinition{
			AgentID:             "a",
			CapabilityAllowlist: []string{"network"},
		})
		names = specNames(allowOnly.ListTools())
		if len(names) != 1 || names[0] != "http_fetch" {
			t.Fatalf("tools = %v, want only http_fetch", names)
		}
	})

	t.Run("unknown stays tool_not_found", func(t *testing.T) {
		h := NewScopedHost(base, domain.AgentDefinition{AgentID: "a"})
		if _, err := h.CallTool("ghost", nil, &Context{}); domain.CodeOf(err) != domain.CodeToolNotFound {
			t.Errorf("err = %v, want %s", err, domain.CodeToolNotFound)
		}
	})
}

func TestCompositeHost_FirstOwnerWins(t *testing.T) {
	first, _ := NewBuiltinHost(echoTool("shared"), echoTool("only_first"))
	second, _ := NewBuiltinHost(
		ToolDef{
			Spec: Spec{Name: "shared"},
			Execute: func(map[string]any, *Context) (any, error) {
				return "second", nil
			},
		},
		echoTool("only_second"),
	)

	h := NewCompositeHost(first, second)
	names := specNames(h.ListTools())
	if len(names) != 3 {
		t.Fatalf("tools = %v, want 3 entries", names)
	}

	got, err := h.CallTool("shared", json.RawMessage(`{"text":"x"}`), &Context{})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got != "shared:x" {
		t.Errorf("result = %v, want first host's answer", got)
	}

	if _, err := h.CallTool("missing", nil, &Context{}); domain.CodeOf(err) != domain.CodeToolNotFound {
		t.Errorf("err = %v, want %s", err, domain.CodeToolNotFound)
	}
}

func specNames(specs []Spec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Name
	}
	return out
}
