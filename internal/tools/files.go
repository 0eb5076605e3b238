package tools

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/parleylabs/parley/internal/domain"
)

const outputCap = 50 * 1024

func capOutput(s string) string {
	if len(s) > outputCap {
		return s[:outputCap] + "\n... (truncated at 50KB)"
	}
	return s
}

// resolvePath anchors relative paths at the session's working directory.
func resolvePath(path string, tc *Context) string {
	if filepath.IsAbs(path) || tc == nil || tc.WorkingDir == "" {
		return path
	}
	return filepath.Join(tc.WorkingDir, path)
}

// ---------------------------------------------------------------------------
// file_read
// ---------------------------------------------------------------------------

func fileReadTool() ToolDef {
	return ToolDef{
		Spec: Spec{
			Name:        "file_read",
			Description: "Read a file's contents with line numbers. Use offset and limit for large files. Read before editing to get exact text.",
			Properties: map[string]Prop{
				"path":   {Type: "string", Description: "Absolute or session-relative file path to read"},
				"offset": {Type: "integer", Description: "Line number to start reading from (1-based, default: 1)"},
				"limit":  {Type: "integer", Description: "Maximum number of lines to read (default: all)"},
			},
			Required:     []string{"path"},
			Capabilities: []string{"filesystem"},
		},
		Execute: func(input map[string]any, tc *Context) (any, error) {
			path, ok := input["path"].(string)
			if !ok || path == "" {
				return nil, domain.Errorf(domain.CodeInvalidArguments, "path is required")
			}
			path = resolvePath(path, tc)

			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", path, err)
			}

			text := strings.ReplaceAll(string(data), "\r\n", "\n")
			lines := strings.Split(text, "\n")

			offset := 1
			if v, ok := input["offset"].(float64); ok && v > 0 {
				offset = int(v)
			}
			limit := len(lines)
			if v, ok := input["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}

			start := offset - 1
			if start < 0 {
				start = 0
			}
			if start > len(lines) {
				start = len(lines)
			}
			end := start + limit
			if end > len(lines) {
				end = len(lines)
			}

			var b strings.Builder
			for i := start; i < end; i++ {
				fmt.Fprintf(&b, "%4d │ %s\n", i+1, lines[i])
			}
			return capOutput(b.String()), nil
		},
	}
}

// ---------------------------------------------------------------------------
// file_write
// ---------------------------------------------------------------------------

func fileWriteTool() ToolDef {
	return ToolDef{
		Spec: Spec{
			Name:        "file_write",
			Description: "Create or overwrite a file. Parent directories are created automatically. Prefer edit_file for modifying existing files.",
			Properties: map[string]Prop{
				"path":    {Type: "string", Description: "File path to write to"},
				"content": {Type: "string", Description: "Content to write to the file"},
			},
			Required:     []string{"path", "content"},
			Capabilities: []string{"filesystem", "write"},
		},
		Execute: func(input map[string]any, tc *Context) (any, error) {
			path, ok := input["path"].(string)
			if !ok || path == "" {
				return nil, domain.Errorf(domain.CodeInvalidArguments, "path is required")
			}
			path = resolvePath(path, tc)
			content, _ := input["content"].(string)

			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("creating directories: %w", err)
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, fmt.Errorf("writing %s: %w", path, err)
			}

			lines := strings.Count(content, "\n") + 1
			return fmt.Sprintf("Wrote %d bytes (%d lines) to %s", len(content), lines, path), nil
		},
	}
}

// ---------------------------------------------------------------------------
// edit_file
// ---------------------------------------------------------------------------

func editFileTool() ToolDef {
	return ToolDef{
		Spec: Spec{
			Name:        "edit_file",
			Description: "Replace exact text in a file. old_string must match exactly once (or use replace_all for bulk changes). Returns a patch of the change. Always read the file first to get the exact text to match.",
			Properties: map[string]Prop{
				"path":        {Type: "string", Description: "File path"},
				"old_string":  {Type: "string", Description: "Exact text to find"},
				"new_string":  {Type: "string", Description: "Text to replace it with"},
				"replace_all": {Type: "boolean", Description: "Replace all occurrences instead of requiring exactly one (default: false)"},
			},
			Required:     []string{"path", "old_string", "new_string"},
			Capabilities: []string{"filesystem", "write"},
		},
		Execute: func(input map[string]any, tc *Context) (any, error) {
			path, ok := input["path"].(string)
			if !ok || path == "" {
				return nil, domain.Errorf(domain.CodeInvalidArguments, "path is required")
			}
			path = resolvePath(path, tc)
			oldStr, ok := input["old_string"].(string)
			if !ok || oldStr == "" {
				return nil, domain.Errorf(domain.CodeInvalidArguments, "old_string is required")
			}
			newStr, _ := input["new_string"].(string)
			replaceAll, _ := input["replace_all"].(bool)

			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", path, err)
			}
			content := string(data)
			count := strings.Count(content, oldStr)
			if count == 0 {
				return nil, fmt.Errorf("old_string not found in %s", path)
			}
			if !replaceAll && count > 1 {
				return nil, fmt.Errorf("old_string found %d times in %s (must match exactly once, or set replace_all)", count, path)
			}

			var newContent string
			if replaceAll {
				newContent = strings.ReplaceAll(content, oldStr, newStr)
			} else {
				newContent = strings.Replace(content, oldStr, newStr, 1)
			}
			if err := os.WriteFile(path, []byte(newContent), 0o644); err != nil {
				return nil, fmt.Errorf("writing %s: %w", path, err)
			}

			dmp := diffmatchpatch.New()
			patches := dmp.PatchMake(content, newContent)
			return fmt.Sprintf("Edited %s (%d occurrence(s)):\n%s", path, count, capOutput(dmp.PatchToText(patches))), nil
		},
	}
}

// ---------------------------------------------------------------------------
// list_files
// ---------------------------------------------------------------------------

var hiddenDirs = map[string]bool{
	".git": true, ".hg": true, ".svn": true, ".idea": true, ".vscode": true,
	"node_modules": true, "__pycache__": true, ".DS_Store": true,
}

func listFilesTool() ToolDef {
	return ToolDef{
		Spec: Spec{
			Name:        "list_files",
			Description: "List files and directories in a path. Directories have a / suffix. Skips .git, node_modules, and other generated directories.",
			Properties: map[string]Prop{
				"path":      {Type: "string", Description: "Directory path to list (default: session working directory)"},
				"recursive": {Type: "boolean", Description: "List files recursively (default: false)"},
				"include":   {Type: "string", Description: "Glob pattern to filter file names (e.g. '*.go')"},
			},
			Capabilities: []string{"filesystem"},
		},
		Execute: func(input map[string]any, tc *Context) (any, error) {
			dirPath := "."
			if v, ok := input["path"].(string); ok && v != "" {
				dirPath = v
			}
			dirPath = resolvePath(dirPath, tc)
			recursive, _ := input["recursive"].(bool)
			include, _ := input["include"].(string)

			const maxEntries = 500

			info, err := os.Stat(dirPath)
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", dirPath, err)
			}
			if !info.IsDir() {
				return nil, fmt.Errorf("%s is not a directory", dirPath)
			}
			if !recursive {
				return listFilesFlat(dirPath, include, maxEntries)
			}
			return listFilesRecursive(dirPath, include, maxEntries)
		},
	}
}

func listFilesFlat(dirPath, include string, maxEntries int) (string, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return "", fmt.Errorf("reading directory %s: %w", dirPath, err)
	}

	var results []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || hiddenDirs[name] {
			continue
		}
		if include != "" && !e.IsDir() {
			matched, _ := filepath.Match(include, name)
			if !matched {
				continue
			}
		}
		if e.IsDir() {
			results = append(results, name+"/")
		} else {
			results = append(results, name)
		}
		if len(results) >= maxEntries {
			break
		}
	}
	if len(results) == 0 {
		return "No entries found.", nil
	}
	result := strings.Join(results, "\n")
	if len(results) >= maxEntries {
		result += fmt.Sprintf("\n... (truncated at %d entries)", maxEntries)
	}
	return result, nil
}

func listFilesRecursive(dirPath, include string, maxEntries int) (string, error) {
	var results []string
	errLimit := fmt.Errorf("limit")

	walkErr := filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path == dirPath {
				return nil
			}
			if strings.HasPrefix(name, ".") || hiddenDirs[name] {
				return filepath.SkipDir
			}
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}

		rel, _ := filepath.Rel(dirPath, path)
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if include != "" && !d.IsDir() {
			matched, _ := filepath.Match(include, name)
			if !matched {
				return nil
			}
		}
		if d.IsDir() {
			results = append(results, rel+"/")
		} else {
			results = append(results, rel)
		}
		if len(results) >= maxEntries {
			return errLimit
		}
		return nil
	})

	if len(results) == 0 {
		return "No entries found.", nil
	}
	sort.Strings(results)
	result := strings.Join(results, "\n")
	if walkErr == errLimit {
		result += fmt.Sprintf("\n... (truncated at %d entries)", maxEntries)
	}
	return result, nil
}
