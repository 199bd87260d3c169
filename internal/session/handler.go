package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edgerun/edgerund/internal/domain"
	"github.com/edgerun/edgerund/internal/edgeerr"
	"github.com/edgerun/edgerund/internal/jsonrpc"
)

const (
	protocolVersion   = "2024-11-05"
	serverVersion     = "1.0.0"
	legacyHTTPVersion = "2025-03-26"
)

// SupportsProtocolVersion reports whether the transport layer understands
// the client's declared mcp-protocol-version header (SPEC_FULL.md §4.7.3).
// Absent is treated as the legacy default; anything outside this pair is
// unsupported.
func SupportsProtocolVersion(v string) bool {
	return v == "" || v == legacyHTTPVersion || v == protocolVersion
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsListResult struct {
	Tools []domain.Tool `json:"tools"`
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// HandleRequest dispatches one JSON-RPC request to the three protocol
// methods the Consumer Session Manager installs (SPEC_FULL.md §4.7.4).
// The stdio and SSE transports never route notifications here: they handle
// "notifications/initialized" themselves (the stdio roots fetch) and
// silently drop the rest. The streamable transport passes notifications
// through and discards the response.
func HandleRequest(ctx context.Context, sess *Session, req jsonrpc.Request) jsonrpc.Response {
	switch req.Method {
	case "initialize":
		return handleInitialize(ctx, sess, req)
	case "tools/list":
		return handleToolsList(sess, req)
	case "tools/call":
		return handleToolsCall(ctx, sess, req)
	default:
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func handleInitialize(ctx context.Context, sess *Session, req jsonrpc.Request) jsonrpc.Response {
	if sess.View == nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "session not yet authenticated")
	}
	if err := sess.View.WaitForTools(ctx); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, fmt.Sprintf("waiting for tool catalog: %v", err))
	}
	sess.Ready()

	name := sess.Identity.ToolsetName
	if sess.Identity.IsSkillMode() {
		name = sess.Identity.SkillName
	}
	result := initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{"listChanged": true}},
		ServerInfo:      serverInfo{Name: name, Version: serverVersion},
	}
	resp, err := jsonrpc.NewResult(req.ID, result)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, err.Error())
	}
	return resp
}

func handleToolsList(sess *Session, req jsonrpc.Request) jsonrpc.Response {
	if sess.View == nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "session not yet authenticated")
	}
	resp, err := jsonrpc.NewResult(req.ID, toolsListResult{Tools: sess.View.ProjectedTools()})
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, err.Error())
	}
	return resp
}

func handleToolsCall(ctx context.Context, sess *Session, req jsonrpc.Request) jsonrpc.Response {
	if sess.View == nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "session not yet authenticated")
	}
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, fmt.Sprintf("decode params: %v", err))
	}
	if len(params.Arguments) == 0 {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "arguments is required")
	}

	result, err := sess.View.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		return toErrorResponse(req.ID, err)
	}
	resp, err := jsonrpc.NewResult(req.ID, json.RawMessage(result))
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, err.Error())
	}
	return resp
}

func toErrorResponse(id json.RawMessage, err error) jsonrpc.Response {
	if code, ok := edgeerr.CodeOf(err); ok {
		return jsonrpc.NewError(id, jsonrpc.CodeServerError, fmt.Sprintf("%s: %v", code, err))
	}
	return jsonrpc.NewError(id, jsonrpc.CodeInternalError, err.Error())
}
