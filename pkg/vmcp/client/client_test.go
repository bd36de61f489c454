package client

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/vmcp/pkg/testkit"
	"github.com/stacklok/vmcp/pkg/vmcp"
)

func newInitializedClient(t *testing.T, opts ...testkit.TestMCPServerOption) (*Client, *testkit.FakeTransport) {
	t.Helper()
	fake := testkit.NewFakeTransport(opts...)
	require.NoError(t, fake.Connect(context.Background()))
	c := New(vmcp.Backend{ID: "b1"}, fake)
	require.NoError(t, c.Initialize(context.Background()))
	return c, fake
}

func TestClient_InitializeParsesCapabilities(t *testing.T) {
	t.Parallel()

	c, fake := newInitializedClient(t,
		testkit.WithSubscriptions(),
		testkit.WithCompletions("x"),
	)

	caps := c.Capabilities()
	assert.True(t, caps.Tools)
	assert.True(t, caps.ToolsListChanged)
	assert.True(t, caps.Resources)
	assert.True(t, caps.ResourcesSubscribe)
	assert.True(t, caps.Completions)
	assert.True(t, caps.Logging)

	// The handshake ends with the initialized notification.
	assert.Contains(t, fake.Calls(), "notifications/initialized")
}

func TestClient_ListTools(t *testing.T) {
	t.Parallel()

	c, _ := newInitializedClient(t,
		testkit.WithTool("alpha", "First tool", func() string { return "" }),
		testkit.WithTool("beta", "Second tool", func() string { return "" }),
	)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)

	assert.Equal(t, "alpha", tools[0].Name, "client returns backend-native names")
	assert.Equal(t, "First tool", tools[0].Description)
	assert.Equal(t, "b1", tools[0].BackendID)
	assert.Equal(t, "object", tools[0].InputSchema["type"])
}

func TestClient_CallToolPassthrough(t *testing.T) {
	t.Parallel()

	c, _ := newInitializedClient(t,
		testkit.WithTool("echo", "Echo", func() string { return "raw result" }),
	)

	raw, err := c.CallTool(context.Background(), "echo", map[string]any{"arg": 1})
	require.NoError(t, err)

	// The payload is forwarded verbatim, not reshaped.
	var result map[string]any
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Contains(t, result, "content")
}

func TestClient_CapabilityGatedLists(t *testing.T) {
	t.Parallel()

	// A backend advertising no prompt capability... the testkit fake
	// always advertises prompts, so drive the gate directly instead.
	fake := testkit.NewFakeTransport()
	require.NoError(t, fake.Connect(context.Background()))
	c := New(vmcp.Backend{ID: "b1"}, fake)

	// Without Initialize, no capability is known, so lists are empty
	// and the backend is never queried.
	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tools)
	assert.NotContains(t, fake.Calls(), "tools/list")
}

func TestConvertToolInputSchema(t *testing.T) {
	t.Parallel()

	t.Run("converts basic tool schema", func(t *testing.T) {
		t.Parallel()

		sdkTool := mcp.Tool{
			Name:        "create_issue",
			Description: "Create a GitHub issue",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"title": map[string]any{"type": "string", "description": "Issue title"},
				},
				Required: []string{"title"},
			},
		}

		schema := convertToolInputSchema(sdkTool.InputSchema)

		assert.Equal(t, "object", schema["type"])
		assert.Equal(t, []string{"title"}, schema["required"])
		props := schema["properties"].(map[string]any)
		assert.Contains(t, props, "title")
	})

	t.Run("converts schema with $defs", func(t *testing.T) {
		t.Parallel()

		schema := convertToolInputSchema(mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"config": map[string]any{"$ref": "#/$defs/Config"},
			},
			Defs: map[string]any{
				"Config": map[string]any{"type": "object"},
			},
		})

		assert.Contains(t, schema, "$defs")
	})

	t.Run("empty required is omitted", func(t *testing.T) {
		t.Parallel()

		c, _ := newInitializedClient(t,
			testkit.WithTool("t", "tool", func() string { return "" }),
		)
		tools, err := c.ListTools(context.Background())
		require.NoError(t, err)
		require.Len(t, tools, 1)
		assert.NotContains(t, tools[0].InputSchema, "required")
	})
}

func TestClient_Complete(t *testing.T) {
	t.Parallel()

	c, _ := newInitializedClient(t, testkit.WithCompletions("alpha", "beta"))

	result, err := c.Complete(context.Background(),
		json.RawMessage(`{"ref":{"type":"ref/prompt","name":"p"},"argument":{"name":"a","value":""}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, result.Completion.Values)
}

func TestClient_SubscribeResource(t *testing.T) {
	t.Parallel()

	c, fake := newInitializedClient(t,
		testkit.WithSubscriptions(),
		testkit.WithResource("file:///r", "r", "text/plain", "x"),
	)

	require.NoError(t, c.SubscribeResource(context.Background(), "file:///r"))
	assert.True(t, fake.Subscribed("file:///r"))

	require.NoError(t, c.UnsubscribeResource(context.Background(), "file:///r"))
	assert.False(t, fake.Subscribed("file:///r"))
}
