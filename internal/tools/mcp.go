package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/gatehouselabs/gatehouse/internal/config"
)

const mcpCallTimeout = 60 * time.Second

// MCPConnector connects configured MCP servers and registers their
// tools into the registry under "mcp_{server}_{tool}" names.
type MCPConnector struct {
	registry *Registry
	clients  []*mcpclient.Client
	names    []string
}

// NewMCPConnector creates a connector registering into registry.
func NewMCPConnector(registry *Registry) *MCPConnector {
	return &MCPConnector{registry: registry}
}

// Connect dials every configured server. A failing server is logged
// and skipped; the rest still register.
func (c *MCPConnector) Connect(ctx context.Context, servers []config.MCPServerConfig) {
	for _, srv := range servers {
		if err := c.connectServer(ctx, srv); err != nil {
			slog.Warn("mcp.server_failed", "server", srv.Name, "error", err)
		}
	}
}

func (c *MCPConnector) connectServer(ctx context.Context, srv config.MCPServerConfig) error {
	client, err := createMCPClient(srv)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// stdio transports start on creation; SSE needs an explicit Start.
	if srv.Transport == "sse" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "gatehouse", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	c.clients = append(c.clients, client)
	for _, remote := range listed.Tools {
		t := &mcpTool{
			name:        fmt.Sprintf("mcp_%s_%s", srv.Name, remote.Name),
			remoteName:  remote.Name,
			description: remote.Description,
			schema:      schemaToMap(remote.InputSchema),
			client:      client,
		}
		c.registry.Register(t)
		c.names = append(c.names, t.name)
	}
	slog.Info("mcp.server_connected", "server", srv.Name, "tools", len(listed.Tools))
	return nil
}

func createMCPClient(srv config.MCPServerConfig) (*mcpclient.Client, error) {
	switch srv.Transport {
	case "", "stdio":
		if srv.Command == "" {
			return nil, fmt.Errorf("stdio server %q needs a command", srv.Name)
		}
		return mcpclient.NewStdioMCPClient(srv.Command, nil, srv.Args...)
	case "sse":
		if srv.URL == "" {
			return nil, fmt.Errorf("sse server %q needs a url", srv.Name)
		}
		return mcpclient.NewSSEMCPClient(srv.URL)
	default:
		return nil, fmt.Errorf("unknown transport %q", srv.Transport)
	}
}

// ToolNames lists the registered MCP tool names.
func (c *MCPConnector) ToolNames() []string {
	return append([]string(nil), c.names...)
}

// Close unregisters the MCP tools and closes every client.
func (c *MCPConnector) Close() {
	for _, name := range c.names {
		c.registry.Unregister(name)
	}
	for _, client := range c.clients {
		_ = client.Close()
	}
	c.clients = nil
	c.names = nil
}

// mcpTool proxies one remote MCP tool through its client connection.
type mcpTool struct {
	name        string
	remoteName  string
	description string
	schema      map[string]interface{}
	client      *mcpclient.Client
}

func (t *mcpTool) Name() string        { return t.name }
func (t *mcpTool) Description() string { return t.description }

func (t *mcpTool) Parameters() map[string]interface{} {
	if t.schema == nil {
		return objectSchema(map[string]interface{}{})
	}
	return t.schema
}

// Validate defers to the server; the remote schema is authoritative.
func (t *mcpTool) Validate(map[string]interface{}) error { return nil }

func (t *mcpTool) Heavyweight() bool { return true }

func (t *mcpTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	callCtx, cancel := context.WithTimeout(ctx, mcpCallTimeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.remoteName
	req.Params.Arguments = args

	res, err := t.client.CallTool(callCtx, req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: MCP call %s: %v", t.remoteName, err)).WithError(err)
	}

	var parts []string
	for _, content := range res.Content {
		if tc, ok := content.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		text = "(no content)"
	}
	if res.IsError {
		return ErrorResult(text)
	}
	return NewResult(text)
}

func schemaToMap(schema mcpgo.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
