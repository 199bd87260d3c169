package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPOptions configures an HTTP/SSE/streamable-reached child. Grounded on
// features/mcp/runtime/httpcaller.go's HTTPOptions/httpTransport.
type HTTPOptions struct {
	Endpoint string
	Client   *http.Client
}

type httpTransport struct {
	endpoint string
	client   *http.Client
	id       uint64
}

func newHTTPTransport(ctx context.Context, opts HTTPOptions) (*httpTransport, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("provider: http endpoint is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	t := &httpTransport{endpoint: opts.Endpoint, client: client}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	payload := map[string]any{
		"protocolVersion": defaultProtocolVersion,
		"clientInfo":      map[string]any{"name": "edgerund", "version": "dev"},
	}
	if err := t.call(initCtx, "initialize", payload, nil); err != nil {
		return nil, fmt.Errorf("provider: http initialize: %w", err)
	}
	return t, nil
}

func (t *httpTransport) ListTools(ctx context.Context) ([]mcpToolDescriptor, error) {
	var result toolsListResult
	if err := t.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (t *httpTransport) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	params := map[string]any{"name": name, "arguments": args}
	var result toolsCallResult
	if err := t.call(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	return normalizeToolResult(result)
}

func (t *httpTransport) NotifyRootsChanged(ctx context.Context, roots []rootParam) error {
	return t.call(ctx, "notifications/roots/list_changed", map[string]any{"roots": roots}, nil)
}

func (t *httpTransport) Close() error { return nil }

func (t *httpTransport) nextID() uint64 { return atomic.AddUint64(&t.id, 1) }

func (t *httpTransport) call(ctx context.Context, method string, params, result any) error {
	reqBody := rpcRequest{JSONRPC: "2.0", Method: method, ID: t.nextID(), Params: params}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider: mcp rpc status %d", resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return rpcResp.Error.callerError()
	}
	if result != nil && rpcResp.Result != nil {
		return json.Unmarshal(rpcResp.Result, result)
	}
	return nil
}
