package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/vmcp/pkg/vmcp"
)

func TestParse_MinimalConfiguration(t *testing.T) {
	t.Parallel()

	yaml := `
name: test-gateway
backends:
  - id: github
    transport: streamable-http
    url: http://localhost:8080/mcp
  - id: local-fs
    transport: stdio
    command: mcp-fs
    args: ["--root", "/tmp"]
    mode: stateful
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, "test-gateway", cfg.Name)
	assert.Equal(t, DefaultListen, cfg.Listen)
	require.Len(t, cfg.Backends, 2)

	// Defaults filled in.
	assert.Equal(t, "github", cfg.Backends[0].Name)
	assert.Equal(t, string(vmcp.ModeSmart), cfg.Backends[0].Mode)
	require.NotNil(t, cfg.Backends[0].Enabled)
	assert.True(t, *cfg.Backends[0].Enabled)
	assert.Equal(t, string(vmcp.ModeStateful), cfg.Backends[1].Mode)

	assert.Equal(t, DefaultTimeout, cfg.Policy.DefaultTimeout.Std())
	assert.Equal(t, DefaultMaxSubscriptionsPerClient, cfg.Policy.MaxSubscriptionsPerClient)
	assert.Equal(t, DefaultIdleTimeout, cfg.Policy.IdleTimeout.Std())
	assert.Equal(t, DefaultDrainTimeout, cfg.Policy.DrainTimeout.Std())
}

func TestParse_PolicyBlock(t *testing.T) {
	t.Parallel()

	yaml := `
backends: []
policy:
  default_timeout: 10s
  output_size_limit: 1048576
  max_subscriptions_per_client: 5
  idle_timeout: 2m
  drain_timeout: 45s
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Policy.DefaultTimeout.Std())
	assert.Equal(t, 1048576, cfg.Policy.OutputSizeLimit)
	assert.Equal(t, 5, cfg.Policy.MaxSubscriptionsPerClient)
	assert.Equal(t, 2*time.Minute, cfg.Policy.IdleTimeout.Std())
	assert.Equal(t, 45*time.Second, cfg.Policy.DrainTimeout.Std())
}

func TestParse_EnvExpansion(t *testing.T) { //nolint:paralleltest // mutates env
	t.Setenv("TEST_MCP_URL", "http://backend.internal:9000/mcp")
	t.Setenv("TEST_MCP_TOKEN", "sekrit")

	yaml := `
backends:
  - id: remote
    transport: sse
    url: ${TEST_MCP_URL}
    env:
      API_TOKEN: ${TEST_MCP_TOKEN}
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "http://backend.internal:9000/mcp", cfg.Backends[0].URL)
	assert.Equal(t, "sekrit", cfg.Backends[0].Env["API_TOKEN"])
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{
			name: "missing id",
			yaml: `
backends:
  - transport: stdio
    command: x
`,
			errMsg: "id is required",
		},
		{
			name: "underscore in id",
			yaml: `
backends:
  - id: bad_id
    transport: stdio
    command: x
`,
			errMsg: "must match",
		},
		{
			name: "duplicate id",
			yaml: `
backends:
  - id: dup
    transport: stdio
    command: x
  - id: dup
    transport: stdio
    command: y
`,
			errMsg: "duplicate id",
		},
		{
			name: "stdio without command",
			yaml: `
backends:
  - id: b1
    transport: stdio
`,
			errMsg: "requires command",
		},
		{
			name: "http without url",
			yaml: `
backends:
  - id: b1
    transport: streamable-http
`,
			errMsg: "requires url",
		},
		{
			name: "unknown transport",
			yaml: `
backends:
  - id: b1
    transport: websocket
    url: http://x
`,
			errMsg: "unsupported transport",
		},
		{
			name: "unknown mode",
			yaml: `
backends:
  - id: b1
    transport: stdio
    command: x
    mode: lazy
`,
			errMsg: "unsupported mode",
		},
		{
			name: "bad duration",
			yaml: `
backends: []
policy:
  default_timeout: soon
`,
			errMsg: "invalid duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestToBackends(t *testing.T) {
	t.Parallel()

	disabled := false
	cfg := &Config{
		Backends: []BackendConfig{
			{ID: "b1", Transport: "stdio", Command: "srv", Mode: "smart"},
			{ID: "b2", Transport: "sse", URL: "http://x/sse", Mode: "stateless", Enabled: &disabled},
		},
	}
	cfg.SetDefaults()

	backends := cfg.ToBackends()
	require.Len(t, backends, 2)

	assert.Equal(t, vmcp.TransportStdio, backends[0].TransportType)
	assert.Equal(t, "srv", backends[0].Command)
	assert.True(t, backends[0].Enabled)

	assert.Equal(t, vmcp.TransportSSE, backends[1].TransportType)
	assert.False(t, backends[1].Enabled)
}
