package tools

import "sort"

// BuiltinTools returns the standard tool set every agent starts from,
// before per-agent scoping.
func BuiltinTools() []ToolDef {
	return []ToolDef{
		fileReadTool(),
		fileWriteTool(),
		editFileTool(),
		listFilesTool(),
		bashTool(),
		httpFetchTool(),
		readDocumentTool(),
		listSessionsTool(),
	}
}

// NewBuiltins is the default host over BuiltinTools.
func NewBuiltins() *BuiltinHost {
	h, err := NewBuiltinHost(BuiltinTools()...)
	if err != nil {
		panic(err) // duplicate names in the static set is a programming error
	}
	return h
}

// ToolNames returns all built-in tool names, sorted.
func ToolNames() []string {
	all := BuiltinTools()
	names := make([]string, 0, len(all))
	for _, t := range all {
		names = append(names, t.Spec.Name)
	}
	sort.Strings(names)
	return names
}
