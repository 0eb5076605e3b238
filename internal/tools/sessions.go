package tools

import (
	"fmt"
	"strings"

	"github.com/parleylabs/parley/internal/domain"
)

// ---------------------------------------------------------------------------
// list_sessions
// ---------------------------------------------------------------------------

func listSessionsTool() ToolDef {
	return ToolDef{
		Spec: Spec{
			Name:        "list_sessions",
			Description: "List conversation sessions, most recently active first. Optionally filter by agent id.",
			Properties: map[string]Prop{
				"agent_id": {Type: "string", Description: "Only list sessions bound to this agent"},
				"limit":    {Type: "integer", Description: "Maximum sessions to return (default: 20)"},
			},
			Capabilities: []string{"sessions"},
		},
		Execute: func(input map[string]any, tc *Context) (any, error) {
			if tc == nil || tc.Sessions == nil {
				return nil, domain.Errorf(domain.CodeInternalError, "session index unavailable")
			}
			agentFilter, _ := input["agent_id"].(string)
			limit := 20
			if v, ok := input["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}

			var b strings.Builder
			n := 0
			for _, s := range tc.Sessions.ListSessions() {
				if agentFilter != "" && s.AgentID != agentFilter {
					continue
				}
				name := s.Name
				if name == "" {
					name = "(unnamed)"
				}
				fmt.Fprintf(&b, "%s  agent=%s  %s  updated=%s\n",
					s.SessionID, s.AgentID, name, s.UpdatedAt.Format("2006-01-02 15:04"))
				n++
				if n >= limit {
					break
				}
			}
			if n == 0 {
				return "No sessions found.", nil
			}
			return b.String(), nil
		},
	}
}
