package mcp

import (
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parleylabs/parley/internal/tools"
)

// toSpec converts an MCP tool to a namespaced tools.Spec. The InputSchema
// (typically map[string]any from JSON unmarshalling) is converted to the
// Prop map; tools from MCP servers always carry the "mcp" capability.
func toSpec(serverName string, tool *mcpsdk.Tool) tools.Spec {
	spec := tools.Spec{
		Name:         NamespacedName(serverName, tool.Name),
		Description:  tool.Description,
		Capabilities: []string{"mcp"},
	}

	schema, ok := tool.InputSchema.(map[string]any)
	if !ok {
		return spec
	}
	spec.Properties, spec.Required = extractProperties(schema)
	return spec
}

func extractProperties(schema map[string]any) (map[string]tools.Prop, []string) {
	props := map[string]tools.Prop{}
	if propsMap, ok := schema["properties"].(map[string]any); ok {
		for name, raw := range propsMap {
			if pm, ok := raw.(map[string]any); ok {
				props[name] = convertProp(pm)
			}
		}
	}

	var required []string
	if reqList, ok := schema["required"].([]any); ok {
		for _, r := range reqList {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	}
	return props, required
}

func convertProp(propMap map[string]any) tools.Prop {
	tp := tools.Prop{}
	if t, ok := propMap["type"].(string); ok {
		tp.Type = t
	} else {
		// Fallback for composite schemas (oneOf, anyOf, allOf).
		tp.Type = "object"
	}
	if d, ok := propMap["description"].(string); ok {
		tp.Description = d
	}
	if enumList, ok := propMap["enum"].([]any); ok {
		for _, e := range enumList {
			tp.Enum = append(tp.Enum, fmt.Sprintf("%v", e))
		}
	}
	if tp.Type == "array" {
		if items, ok := propMap["items"].(map[string]any); ok {
			itemProp := convertProp(items)
			tp.Items = &itemProp
		}
	}
	if tp.Type == "object" {
		if nested, ok := propMap["properties"].(map[string]any); ok {
			tp.Properties = map[string]tools.Prop{}
			for name, raw := range nested {
				if pm, ok := raw.(map[string]any); ok {
					tp.Properties[name] = convertProp(pm)
				}
			}
		}
		if reqList, ok := propMap["required"].([]any); ok {
			for _, r := range reqList {
				if s, ok := r.(string); ok {
					tp.Required = append(tp.Required, s)
				}
			}
		}
	}
	return tp
}
