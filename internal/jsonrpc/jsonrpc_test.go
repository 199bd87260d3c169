package jsonrpc_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerun/edgerund/internal/jsonrpc"
)

func TestDecode_RejectsMissingMethod(t *testing.T) {
	_, err := jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","id":1}`))
	require.Error(t, err)
}

func TestDecode_RejectsWrongVersion(t *testing.T) {
	_, err := jsonrpc.Decode([]byte(`{"jsonrpc":"1.0","id":1,"method":"tools/list"}`))
	require.Error(t, err)
}

func TestDecode_NotificationHasNoID(t *testing.T) {
	req, err := jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	assert.True(t, req.IsNotification())
}

func TestDecode_RequestHasID(t *testing.T) {
	req, err := jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","id":"0xA","method":"tools/list"}`))
	require.NoError(t, err)
	assert.False(t, req.IsNotification())
}

func TestNewResult_RoundTrips(t *testing.T) {
	resp, err := jsonrpc.NewResult(json.RawMessage(`1`), map[string]string{"ok": "yes"})
	require.NoError(t, err)
	body, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded jsonrpc.Response
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Nil(t, decoded.Error)
	assert.JSONEq(t, `{"ok":"yes"}`, string(decoded.Result))
}

func TestNewError_SetsCodeAndMessage(t *testing.T) {
	resp := jsonrpc.NewError(json.RawMessage(`1`), jsonrpc.CodeServerError, "auth failed")
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeServerError, resp.Error.Code)
	assert.Equal(t, "auth failed", resp.Error.Message)
}
