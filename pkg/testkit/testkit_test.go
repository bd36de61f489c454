package testkit

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/jsonrpc2"
)

const toolsListRequest = `{"jsonrpc": "2.0", "id": 1, "method": "tools/list", "params": {}}`

func TestStreamableServer_ToolsList(t *testing.T) {
	t.Parallel()

	server, err := NewStreamableTestServer(
		WithTool("test", "A test tool", func() string { return "Tool call executed successfully" }),
	)
	require.NoError(t, err)
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(toolsListRequest))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Mcp-Session-Id"), "backend assigns a session id")

	var decoded struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, jsonDecode(resp, &decoded))
	require.Len(t, decoded.Result.Tools, 1)
	assert.Equal(t, "test", decoded.Result.Tools[0].Name)
}

func TestSSEServer_EndpointAnnouncement(t *testing.T) {
	t.Parallel()

	server, err := NewSSETestServer(
		WithTool("test", "A test tool", func() string { return "ok" }),
	)
	require.NoError(t, err)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Split(NewSplitSSE(LFSep))
	require.True(t, scanner.Scan())
	event := scanner.Text()
	assert.Contains(t, event, "event: endpoint")
	assert.Contains(t, event, "/messages")
}

func TestFakeTransport_Lifecycle(t *testing.T) {
	t.Parallel()

	fake := NewFakeTransport(WithTool("t", "tool", func() string { return "x" }))
	assert.False(t, fake.IsConnected())

	_, err := fake.Call(context.Background(), "ping", struct{}{})
	require.Error(t, err, "disconnected transport refuses calls")

	require.NoError(t, fake.Connect(context.Background()))
	assert.True(t, fake.IsConnected())

	raw, err := fake.Call(context.Background(), "ping", struct{}{})
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(raw))

	closed := make(chan error, 1)
	fake.SetCloseHandler(func(err error) { closed <- err })
	require.NoError(t, fake.Disconnect(context.Background()))
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close handler never fired")
	}
	assert.False(t, fake.IsConnected())
}

func TestFakeTransport_CallDelayHonorsDeadline(t *testing.T) {
	t.Parallel()

	fake := NewFakeTransport()
	require.NoError(t, fake.Connect(context.Background()))
	fake.CallDelay = 5 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := fake.Call(ctx, "ping", struct{}{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFakeTransport_InjectRequest(t *testing.T) {
	t.Parallel()

	fake := NewFakeTransport()
	require.NoError(t, fake.Connect(context.Background()))

	fake.SetRequestHandler(func(_ context.Context, req *jsonrpc2.Request) (any, error) {
		assert.Equal(t, "sampling/createMessage", req.Method)
		return map[string]any{"role": "assistant"}, nil
	})

	result, err := fake.InjectRequest(context.Background(), "sampling/createMessage", map[string]any{})
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func jsonDecode(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
