package provider

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JSON-RPC envelope shapes for the MCP wire protocol, grounded on
// features/mcp/runtime/rpc.go.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      uint64          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// CallError is the structured error surfaced to the Dispatcher on callTool failure.
type CallError struct {
	Code    int
	Message string
}

func (e *CallError) Error() string { return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message) }

func (e *rpcError) callerError() *CallError {
	if e == nil {
		return nil
	}
	return &CallError{Code: e.Code, Message: e.Message}
}

type toolsCallResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError"`
}

type contentItem struct {
	Type     string  `json:"type"`
	Text     *string `json:"text"`
	MimeType *string `json:"mimeType"`
}

func (c contentItem) text() string {
	if c.Text == nil {
		return ""
	}
	return *c.Text
}

func normalizeToolResult(result toolsCallResult) (json.RawMessage, error) {
	if len(result.Content) == 0 {
		return nil, errors.New("empty MCP response")
	}
	item := result.Content[0]
	var payload json.RawMessage
	if item.Text != nil {
		textBytes := []byte(*item.Text)
		if json.Valid(textBytes) {
			payload = append(json.RawMessage(nil), textBytes...)
		} else {
			marshaled, err := json.Marshal(*item.Text)
			if err != nil {
				return nil, err
			}
			payload = marshaled
		}
	}
	if len(payload) == 0 {
		text := item.text()
		if text == "" {
			return nil, errors.New("tool returned no content")
		}
		marshaled, err := json.Marshal(text)
		if err != nil {
			return nil, err
		}
		payload = marshaled
	}
	return payload, nil
}

type toolsListResult struct {
	Tools []mcpToolDescriptor `json:"tools"`
}

type mcpToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
}
