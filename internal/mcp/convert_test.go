package mcp

import (
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestToSpec(t *testing.T) {
	tool := &mcpsdk.Tool{
		Name:        "search",
		Description: "search the corpus",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "search terms"},
				"mode":  map[string]any{"type": "string", "enum": []any{"fast", "deep"}},
				"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []any{"query"},
		},
	}

	spec := toSpec("Corpus", tool)
	if spec.Name != "mcp__corpus__search" {
		t.Errorf("Name = %q", spec.Name)
	}
	if len(spec.Capabilities) != 1 || spec.Capabilities[0] != "mcp" {
		t.Errorf("Capabilities = %v", spec.Capabilities)
	}
	if spec.Properties["query"].Type != "string" {
		t.Errorf("query prop = %+v", spec.Properties["query"])
	}
	if got := spec.Properties["mode"].Enum; len(got) != 2 || got[0] != "fast" {
		t.Errorf("mode enum = %v", got)
	}
	if items := spec.Properties["tags"].Items; items == nil || items.Type != "string" {
		t.Errorf("tags items = %+v", items)
	}
	if len(spec.Required) != 1 || spec.Required[0] != "query" {
		t.Errorf("required = %v", spec.Required)
	}
}

func TestToSpec_NonMapSchema(t *testing.T) {
	spec := toSpec("s", &mcpsdk.Tool{Name: "raw", InputSchema: "not-a-map"})
	if spec.Name != "mcp__s__raw" || spec.Properties != nil {
		t.Errorf("spec = %+v", spec)
	}
}
