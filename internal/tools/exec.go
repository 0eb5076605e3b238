package tools

import (
	"context"
	"os/exec"
	"strconv"
	"time"

	"github.com/parleylabs/parley/internal/domain"
)

// ---------------------------------------------------------------------------
// bash
// ---------------------------------------------------------------------------

func bashTool() ToolDef {
	return ToolDef{
		Spec: Spec{
			Name:        "bash",
			Description: "Run a shell command and return stdout+stderr. Use for git, build commands, installers, and other CLI tools. Prefer file_read/edit_file for file operations.",
			Properties: map[string]Prop{
				"command": {Type: "string", Description: "Shell command to execute"},
				"timeout": {Type: "integer", Description: "Timeout in seconds (default: 30, max: 120)"},
			},
			Required:     []string{"command"},
			Capabilities: []string{"shell", "write"},
		},
		Execute: func(input map[string]any, tc *Context) (any, error) {
			command, ok := input["command"].(string)
			if !ok || command == "" {
				return nil, domain.Errorf(domain.CodeInvalidArguments, "command is required")
			}

			timeout := 30
			if v, ok := input["timeout"].(float64); ok && v > 0 {
				timeout = int(v)
				if timeout > 120 {
					timeout = 120
				}
			}

			parent := context.Background()
			if tc != nil && tc.Ctx != nil {
				parent = tc.Ctx
			}
			cmdCtx, cancel := context.WithTimeout(parent, time.Duration(timeout)*time.Second)
			defer cancel()

			cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
			if tc != nil && tc.WorkingDir != "" {
				cmd.Dir = tc.WorkingDir
			}

			out, err := cmd.CombinedOutput()
			result := capOutput(string(out))
			if err != nil {
				if parent.Err() != nil {
					return nil, domain.Errorf(domain.CodeToolInterrupted, "command interrupted")
				}
				if cmdCtx.Err() == context.DeadlineExceeded {
					return result + "\n(command timed out after " + strconv.Itoa(timeout) + "s)", nil
				}
				return result + "\n(exit code: " + err.Error() + ")", nil
			}
			return result, nil
		},
	}
}
