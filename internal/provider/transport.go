package provider

import (
	"context"
	"encoding/json"
)

// childTransport is the narrow surface a Provider Runner needs against a
// live MCP child: initialize, list tools, call a tool, notify about root
// changes, and tear down. stdioTransport and httpTransport each implement it.
type childTransport interface {
	ListTools(ctx context.Context) ([]mcpToolDescriptor, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	NotifyRootsChanged(ctx context.Context, roots []rootParam) error
	Close() error
}

type rootParam struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

const defaultProtocolVersion = "2024-11-05"
