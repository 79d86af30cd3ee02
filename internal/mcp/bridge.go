package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// callTimeout bounds a single remote tool invocation.
const callTimeout = 60 * time.Second

// bridgeTool adapts one remote MCP tool to the registry's Tool
// interface. Names are prefixed with the server name so two servers
// exposing the same tool cannot collide.
type bridgeTool struct {
	server    string
	tool      mcpgo.Tool
	client    *mcpclient.Client
	connected *atomic.Bool
}

func newBridgeTool(server string, t mcpgo.Tool, cli *mcpclient.Client, connected *atomic.Bool) *bridgeTool {
	return &bridgeTool{server: server, tool: t, client: cli, connected: connected}
}

func (b *bridgeTool) Name() string {
	return b.server + "_" + b.tool.Name
}

func (b *bridgeTool) Description() string {
	if b.tool.Description != "" {
		return b.tool.Description
	}
	return fmt.Sprintf("%s tool provided by the %s MCP server", b.tool.Name, b.server)
}

func (b *bridgeTool) RichDescription() string { return b.Description() }

// Parameters flattens the typed MCP schema into the plain map the
// providers expect, via a JSON round-trip.
func (b *bridgeTool) Parameters() map[string]interface{} {
	fallback := map[string]interface{}{"type": "object"}
	data, err := json.Marshal(b.tool.InputSchema)
	if err != nil {
		return fallback
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil || len(out) == 0 {
		return fallback
	}
	return out
}

func (b *bridgeTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	if !b.connected.Load() {
		return "", fmt.Errorf("mcp server %q is not connected", b.server)
	}

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.tool.Name
	req.Params.Arguments = args

	res, err := b.client.CallTool(cctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp call %s: %w", b.Name(), err)
	}

	text := contentText(res.Content)
	if res.IsError {
		if text == "" {
			text = "unknown error"
		}
		return "", fmt.Errorf("mcp tool %s: %s", b.Name(), text)
	}
	return text, nil
}

// contentText joins the text parts of a tool result; non-text content
// (images, resources) is skipped.
func contentText(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
