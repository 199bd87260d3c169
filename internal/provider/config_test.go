package provider

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerun/edgerund/internal/domain"
)

func TestValidateConfig_FlagsUnsubstitutedVariables(t *testing.T) {
	cfg := json.RawMessage(`{"command": "${TOOL_BIN}", "args": ["--key=${API_KEY}"]}`)
	err := validateConfig(domain.TransportStdio, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command")
	assert.Contains(t, err.Error(), "args[0]")
}

func TestValidateConfig_StdioRequiresCommand(t *testing.T) {
	cfg := json.RawMessage(`{"args": ["--flag"]}`)
	err := validateConfig(domain.TransportStdio, cfg)
	require.Error(t, err)
}

func TestValidateConfig_StdioAccepts(t *testing.T) {
	cfg := json.RawMessage(`{"command": "mytool", "args": ["--flag"]}`)
	require.NoError(t, validateConfig(domain.TransportStdio, cfg))
}

func TestValidateConfig_HTTPRequiresEndpoint(t *testing.T) {
	cfg := json.RawMessage(`{}`)
	err := validateConfig(domain.TransportSSE, cfg)
	require.Error(t, err)
}

func TestValidateConfig_HTTPAccepts(t *testing.T) {
	cfg := json.RawMessage(`{"endpoint": "http://localhost:9000/mcp"}`)
	require.NoError(t, validateConfig(domain.TransportStream, cfg))
}

func TestConfigSignature_StableAcrossKeyOrder(t *testing.T) {
	a := domain.DesiredProvider{
		Transport: domain.TransportStdio,
		Config:    json.RawMessage(`{"command":"tool","args":["a","b"]}`),
	}
	b := domain.DesiredProvider{
		Transport: domain.TransportStdio,
		Config:    json.RawMessage(`{"args":["a","b"],"command":"tool"}`),
	}
	assert.Equal(t, ConfigSignature(a, 2), ConfigSignature(b, 2))
}

func TestConfigSignature_DiffersOnRootCount(t *testing.T) {
	d := domain.DesiredProvider{
		Transport: domain.TransportStdio,
		Config:    json.RawMessage(`{"command":"tool"}`),
	}
	assert.NotEqual(t, ConfigSignature(d, 1), ConfigSignature(d, 2))
}

func TestConfigSignature_DiffersOnTransport(t *testing.T) {
	a := domain.DesiredProvider{Transport: domain.TransportStdio, Config: json.RawMessage(`{"command":"tool"}`)}
	b := domain.DesiredProvider{Transport: domain.TransportSSE, Config: json.RawMessage(`{"command":"tool"}`)}
	assert.NotEqual(t, ConfigSignature(a, 0), ConfigSignature(b, 0))
}
