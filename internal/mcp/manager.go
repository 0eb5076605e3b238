// Package mcp connects to configured MCP servers and exposes their tools
// through the tool host interface under the mcp__ namespace.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/domain"
	"github.com/parleylabs/parley/internal/tools"
)

// serverStatus describes the connection state of an MCP server.
type serverStatus int

const (
	statusDisconnected serverStatus = iota
	statusConnecting
	statusConnected
	statusError
)

func (s serverStatus) String() string {
	switch s {
	case statusDisconnected:
		return "disconnected"
	case statusConnecting:
		return "connecting"
	case statusConnected:
		return "connected"
	case statusError:
		return "error"
	default:
		return "unknown"
	}
}

// serverConn holds the state for a single MCP server connection.
type serverConn struct {
	name    string
	config  config.MCPServerConfig
	session *mcpsdk.ClientSession
	tools   []*mcpsdk.Tool
	cancel  context.CancelFunc
	status  serverStatus
	lastErr error
}

// Manager owns MCP server connections and tool discovery. It implements
// tools.Host over the union of connected servers' tools.
type Manager struct {
	log *config.Logger

	mu      sync.RWMutex
	servers map[string]*serverConn
}

// NewManager creates an MCP server manager.
func NewManager(log *config.Logger) *Manager {
	return &Manager{log: log, servers: make(map[string]*serverConn)}
}

// connectTimeout bounds connecting to and listing tools from one server.
var connectTimeout = 30 * time.Second

// StartAll connects to all configured servers. A failing server is logged
// and skipped; the rest still start.
func (m *Manager) StartAll(ctx context.Context, servers []config.MCPServerConfig) {
	for i, sc := range servers {
		name := sc.Name
		if name == "" {
			name = fmt.Sprintf("server%d", i+1)
		}
		conn := &serverConn{name: name, config: sc, status: statusConnecting}
		m.mu.Lock()
		m.servers[name] = conn
		m.mu.Unlock()

		if err := m.connectServer(ctx, conn); err != nil {
			m.mu.Lock()
			conn.status = statusError
			conn.lastErr = err
			m.mu.Unlock()
			m.log.Printf("mcp: server %q failed to connect: %v", name, err)
			continue
		}

		m.mu.Lock()
		conn.status = statusConnected
		m.mu.Unlock()
		m.log.Printf("mcp: server %q connected with %d tools", name, len(conn.tools))
	}
}

// newTransport creates the transport for one server. Extracted for tests.
var newTransport = defaultNewTransport

func defaultNewTransport(sc config.MCPServerConfig) (mcpsdk.Transport, context.CancelFunc) {
	switch sc.Type {
	case "http":
		return &mcpsdk.StreamableClientTransport{Endpoint: sc.URL}, func() {}
	default: // stdio
		cmd := exec.Command(sc.Command, sc.Args...)
		if len(sc.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range sc.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, func() {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		}
	}
}

func (m *Manager) connectServer(ctx context.Context, conn *serverConn) error {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "parley",
		Version: "1.0",
	}, nil)

	transport, killFunc := newTransport(conn.config)

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	session, err := client.Connect(connCtx, transport, nil)
	if err != nil {
		killFunc()
		return fmt.Errorf("connecting: %w", err)
	}
	conn.cancel = killFunc
	conn.session = session

	listCtx, listCancel := context.WithTimeout(ctx, connectTimeout)
	defer listCancel()

	result, err := session.ListTools(listCtx, nil)
	if err != nil {
		conn.cancel()
		return fmt.Errorf("listing tools: %w", err)
	}
	conn.tools = result.Tools
	return nil
}

// StopAll closes all server connections.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.servers {
		if conn.session != nil {
			if err := conn.session.Close(); err != nil {
				m.log.Printf("mcp: close session %q: %v", conn.name, err)
			}
		}
		if conn.cancel != nil {
			conn.cancel()
		}
		conn.status = statusDisconnected
	}
}

// ListTools returns every connected server's tools as namespaced specs.
func (m *Manager) ListTools() []tools.Spec {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var specs []tools.Spec
	for _, conn := range m.servers {
		if conn.status != statusConnected {
			continue
		}
		for _, tool := range conn.tools {
			specs = append(specs, toSpec(conn.name, tool))
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// CallTool routes a namespaced call to the owning server.
func (m *Manager) CallTool(name string, args json.RawMessage, tc *tools.Context) (any, error) {
	serverName, toolName, ok := ParseNamespacedName(name)
	if !ok {
		return nil, domain.Errorf(domain.CodeToolNotFound, "tool %q not found", name)
	}

	input := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, domain.Errorf(domain.CodeInvalidArguments, "tool %q: decoding arguments: %v", name, err)
		}
	}

	parent := context.Background()
	if tc != nil && tc.Ctx != nil {
		parent = tc.Ctx
	}
	text, isErr := m.invoke(parent, serverName, toolName, input)
	if isErr {
		if parent.Err() != nil {
			return nil, domain.Errorf(domain.CodeToolInterrupted, "tool %q interrupted", name)
		}
		return nil, fmt.Errorf("%s", text)
	}
	return text, nil
}

// invoke calls one MCP tool. Returns (result text, isError).
func (m *Manager) invoke(ctx context.Context, serverName, toolName string, args map[string]any) (string, bool) {
	m.mu.RLock()
	conn, ok := m.servers[serverName]
	m.mu.RUnlock()

	if !ok {
		return fmt.Sprintf("MCP server %q not found", serverName), true
	}
	if conn.status != statusConnected || conn.session == nil {
		errMsg := fmt.Sprintf("MCP server %q is unavailable", serverName)
		if conn.lastErr != nil {
			errMsg += ": " + conn.lastErr.Error()
		}
		return errMsg, true
	}

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := conn.session.CallTool(callCtx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return "MCP tool call timed out after 30s", true
		}
		return fmt.Sprintf("MCP tool call failed: %v", err), true
	}
	if result == nil {
		return "MCP server returned empty response", true
	}

	text := extractTextContent(result.Content)
	if text == "" {
		return "MCP server returned empty response", true
	}
	return text, result.IsError
}

// extractTextContent concatenates text from MCP content items.
func extractTextContent(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolNames returns a sorted list of all namespaced MCP tool names.
func (m *Manager) ToolNames() []string {
	var names []string
	for _, spec := range m.ListTools() {
		names = append(names, spec.Name)
	}
	return names
}

// ServerStatuses reports the connection status for each server.
func (m *Manager) ServerStatuses() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]string, len(m.servers))
	for name, conn := range m.servers {
		s := conn.status.String()
		if conn.lastErr != nil && conn.status == statusError {
			s += ": " + conn.lastErr.Error()
		}
		statuses[name] = s
	}
	return statuses
}
