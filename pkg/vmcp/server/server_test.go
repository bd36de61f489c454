// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/vmcp/pkg/testkit"
	"github.com/stacklok/vmcp/pkg/vmcp"
	"github.com/stacklok/vmcp/pkg/vmcp/config"
	"github.com/stacklok/vmcp/pkg/vmcp/registry"
	"github.com/stacklok/vmcp/pkg/vmcp/server"
	"github.com/stacklok/vmcp/pkg/vmcp/transport"
)

// captureSender records frames pushed to a client.
type captureSender struct {
	mu   sync.Mutex
	msgs []jsonrpc2.Message
	ch   chan jsonrpc2.Message
}

func newCaptureSender() *captureSender {
	return &captureSender{ch: make(chan jsonrpc2.Message, 32)}
}

func (s *captureSender) Send(_ context.Context, msg jsonrpc2.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	select {
	case s.ch <- msg:
	default:
	}
	return nil
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// newTestGateway assembles a gateway whose backends are in-memory
// fakes.
func newTestGateway(t *testing.T, fakes map[string]*testkit.FakeTransport, policy config.PolicyConfig) *server.Gateway {
	t.Helper()

	cfg := &config.Config{Policy: policy}
	for id := range fakes {
		cfg.Backends = append(cfg.Backends, config.BackendConfig{
			ID:        id,
			Transport: string(vmcp.TransportStreamableHTTP),
			URL:       "http://unused.invalid/mcp",
		})
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	gw, err := server.NewGateway(cfg, server.Config{
		Name:                "vmcp-test",
		ListChangedDebounce: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	gw.Pool().SetTransportFactory(func(b vmcp.Backend) (transport.Transport, error) {
		return fakes[b.ID], nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gw.Start(ctx)
	t.Cleanup(func() { gw.Shutdown(context.Background()) })
	return gw
}

func doCall(t *testing.T, gw *server.Gateway, clientID string, id int64, method string, params any) *jsonrpc2.Response {
	t.Helper()
	call, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(id), method, params)
	require.NoError(t, err)
	frame, err := jsonrpc2.EncodeMessage(call)
	require.NoError(t, err)

	respBytes, err := gw.HandleFrame(context.Background(), clientID, frame)
	require.NoError(t, err)
	require.NotNil(t, respBytes, "a call must produce a response frame")

	msg, err := jsonrpc2.DecodeMessage(respBytes)
	require.NoError(t, err)
	resp, ok := msg.(*jsonrpc2.Response)
	require.True(t, ok)
	return resp
}

func doNotify(t *testing.T, gw *server.Gateway, clientID, method string, params any) {
	t.Helper()
	note, err := jsonrpc2.NewNotification(method, params)
	require.NoError(t, err)
	frame, err := jsonrpc2.EncodeMessage(note)
	require.NoError(t, err)
	respBytes, err := gw.HandleFrame(context.Background(), clientID, frame)
	require.NoError(t, err)
	assert.Nil(t, respBytes, "notifications produce no response frame")
}

func initParams(version string, capabilities map[string]any) map[string]any {
	if capabilities == nil {
		capabilities = map[string]any{}
	}
	return map[string]any{
		"protocolVersion": version,
		"capabilities":    capabilities,
		"clientInfo":      map[string]any{"name": "test-client", "version": "1.0"},
	}
}

func initSession(t *testing.T, gw *server.Gateway, clientID string, capabilities map[string]any) {
	t.Helper()
	resp := doCall(t, gw, clientID, 1, "initialize", initParams("2025-11-05", capabilities))
	require.Nil(t, resp.Error)
	doNotify(t, gw, clientID, "notifications/initialized", struct{}{})
}

func wireErrorOf(t *testing.T, resp *jsonrpc2.Response) *jsonrpc2.WireError {
	t.Helper()
	require.NotNil(t, resp.Error)
	var wireErr *jsonrpc2.WireError
	require.True(t, errors.As(resp.Error, &wireErr))
	return wireErr
}

func TestInitializationGate(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, map[string]*testkit.FakeTransport{
		"b1": testkit.NewFakeTransport(
			testkit.WithTool("echo", "Echo", func() string { return "ok" }),
		),
	}, config.PolicyConfig{})

	// Request before initialize: refused.
	resp := doCall(t, gw, "c1", 1, "tools/list", struct{}{})
	wireErr := wireErrorOf(t, resp)
	assert.Equal(t, int64(-32600), wireErr.Code)
	assert.Contains(t, wireErr.Message, "not initialized")

	// Request after initialize but before the initialized
	// notification: still refused.
	resp = doCall(t, gw, "c1", 2, "initialize", initParams("2025-11-05", nil))
	require.Nil(t, resp.Error)
	resp = doCall(t, gw, "c1", 3, "tools/list", struct{}{})
	wireErr = wireErrorOf(t, resp)
	assert.Equal(t, int64(-32600), wireErr.Code)

	// Full handshake: accepted.
	doNotify(t, gw, "c1", "notifications/initialized", struct{}{})
	resp = doCall(t, gw, "c1", 4, "tools/list", struct{}{})
	require.Nil(t, resp.Error)

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "b1_echo", result.Tools[0].Name)
}

func TestVersionNegotiation(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, map[string]*testkit.FakeTransport{}, config.PolicyConfig{})

	// Unsupported version: refused with the allow-list, session stays
	// uninitialized.
	resp := doCall(t, gw, "c1", 1, "initialize", initParams("2023-01-01", nil))
	wireErr := wireErrorOf(t, resp)
	assert.Equal(t, int64(-32602), wireErr.Code)
	assert.Contains(t, wireErr.Message, "Unsupported protocol version")

	var data struct {
		Supported []string `json:"supported"`
	}
	require.NoError(t, json.Unmarshal(wireErr.Data, &data))
	assert.NotEmpty(t, data.Supported)

	// Retry with a supported version succeeds.
	resp = doCall(t, gw, "c1", 2, "initialize", initParams("2025-11-05", nil))
	require.Nil(t, resp.Error)

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		Capabilities    struct {
			Resources struct {
				Subscribe bool `json:"subscribe"`
			} `json:"resources"`
		} `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "2025-11-05", result.ProtocolVersion)
	assert.True(t, result.Capabilities.Resources.Subscribe)
}

func TestNamespacedRouting(t *testing.T) {
	t.Parallel()

	fsA := testkit.NewFakeTransport(
		testkit.WithTool("read", "Read from A", func() string { return "from-a" }),
	)
	fsB := testkit.NewFakeTransport(
		testkit.WithTool("read", "Read from B", func() string { return "from-b" }),
	)
	gw := newTestGateway(t, map[string]*testkit.FakeTransport{"fs-a": fsA, "fs-b": fsB}, config.PolicyConfig{})
	initSession(t, gw, "c1", nil)

	resp := doCall(t, gw, "c1", 2, "tools/call", map[string]any{"name": "fs-a_read"})
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "from-a")

	countCalls := func(f *testkit.FakeTransport) int {
		n := 0
		for _, m := range f.Calls() {
			if m == "tools/call" {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 1, countCalls(fsA), "exactly one call hits the owning backend")
	assert.Zero(t, countCalls(fsB), "the other backend sees nothing")
}

func TestResourceUpdateFanOut(t *testing.T) {
	t.Parallel()

	fake := testkit.NewFakeTransport(
		testkit.WithSubscriptions(),
		testkit.WithResource("r", "resource r", "text/plain", "data"),
	)
	gw := newTestGateway(t, map[string]*testkit.FakeTransport{"b": fake}, config.PolicyConfig{})

	sub := newCaptureSender()
	bystander := newCaptureSender()
	gw.Connect("c1", sub)
	gw.Connect("c2", bystander)
	initSession(t, gw, "c1", nil)
	initSession(t, gw, "c2", nil)

	nsURI := registry.ResourceID("b", "r")
	resp := doCall(t, gw, "c1", 2, "resources/subscribe", map[string]any{"uri": nsURI})
	require.Nil(t, resp.Error)
	assert.True(t, fake.Subscribed("r"), "subscribe forwarded with the native URI")

	before := bystander.count()
	fake.EmitNotification("notifications/resources/updated", map[string]any{"uri": "r"})

	select {
	case msg := <-sub.ch:
		req, ok := msg.(*jsonrpc2.Request)
		require.True(t, ok)
		assert.Equal(t, "notifications/resources/updated", req.Method)
		var p struct {
			URI string `json:"uri"`
		}
		require.NoError(t, json.Unmarshal(req.Params, &p))
		assert.Equal(t, nsURI, p.URI, "the client sees the namespaced URI")
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the update")
	}
	assert.Equal(t, before, bystander.count(), "non-subscribers receive nothing")
}

func TestSubscribeUnsubscribePropagation(t *testing.T) {
	t.Parallel()

	fake := testkit.NewFakeTransport(
		testkit.WithSubscriptions(),
		testkit.WithResource("r", "resource r", "text/plain", "data"),
	)
	gw := newTestGateway(t, map[string]*testkit.FakeTransport{"b": fake}, config.PolicyConfig{})
	initSession(t, gw, "c1", nil)

	nsURI := registry.ResourceID("b", "r")
	resp := doCall(t, gw, "c1", 2, "resources/subscribe", map[string]any{"uri": nsURI})
	require.Nil(t, resp.Error)
	require.True(t, fake.Subscribed("r"))

	resp = doCall(t, gw, "c1", 3, "resources/unsubscribe", map[string]any{"uri": nsURI})
	require.Nil(t, resp.Error)
	assert.False(t, fake.Subscribed("r"), "last unsubscribe reaches the backend")
}

func TestSubscriptionLimit(t *testing.T) {
	t.Parallel()

	fake := testkit.NewFakeTransport(
		testkit.WithSubscriptions(),
		testkit.WithResource("r1", "r1", "text/plain", "x"),
		testkit.WithResource("r2", "r2", "text/plain", "y"),
	)
	gw := newTestGateway(t, map[string]*testkit.FakeTransport{"b": fake},
		config.PolicyConfig{MaxSubscriptionsPerClient: 1})
	initSession(t, gw, "c1", nil)

	resp := doCall(t, gw, "c1", 2, "resources/subscribe", map[string]any{"uri": registry.ResourceID("b", "r1")})
	require.Nil(t, resp.Error)

	resp = doCall(t, gw, "c1", 3, "resources/subscribe", map[string]any{"uri": registry.ResourceID("b", "r2")})
	wireErr := wireErrorOf(t, resp)
	assert.Equal(t, vmcp.CodeSubscriptionLimit, wireErr.Code)
}

func TestGracefulDrain(t *testing.T) {
	t.Parallel()

	fake := testkit.NewFakeTransport(
		testkit.WithTool("slow", "Slow tool", func() string { return "made it" }),
	)
	gw := newTestGateway(t, map[string]*testkit.FakeTransport{"b": fake},
		config.PolicyConfig{DrainTimeout: config.Duration(5 * time.Second)})
	initSession(t, gw, "c1", nil)

	fake.CallDelay = 400 * time.Millisecond

	// First call goes in-flight. Raw frame plumbing here so the
	// goroutine never touches testing.T.
	inFlight := make(chan *jsonrpc2.Response, 1)
	call, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(2), "tools/call", map[string]any{"name": "b_slow"})
	require.NoError(t, err)
	frame, err := jsonrpc2.EncodeMessage(call)
	require.NoError(t, err)
	go func() {
		respBytes, herr := gw.HandleFrame(context.Background(), "c1", frame)
		if herr != nil || respBytes == nil {
			inFlight <- nil
			return
		}
		msg, derr := jsonrpc2.DecodeMessage(respBytes)
		if derr != nil {
			inFlight <- nil
			return
		}
		resp, _ := msg.(*jsonrpc2.Response)
		inFlight <- resp
	}()

	require.Eventually(t, func() bool {
		return gw.Pool().ActiveRequests("b") == 1
	}, 2*time.Second, 10*time.Millisecond, "call never went in-flight")

	// Drain starts while the call is still running.
	drainDone := make(chan error, 1)
	go func() { drainDone <- gw.DrainBackend(context.Background(), "b") }()
	require.Eventually(t, func() bool {
		return gw.Pool().IsDraining("b")
	}, 2*time.Second, 10*time.Millisecond)

	// A second call during the drain is refused.
	resp := doCall(t, gw, "c1", 3, "tools/call", map[string]any{"name": "b_slow"})
	wireErr := wireErrorOf(t, resp)
	assert.Contains(t, wireErr.Message, "draining")

	// The in-flight call completes with its result intact.
	select {
	case r := <-inFlight:
		require.NotNil(t, r)
		require.Nil(t, r.Error, "in-flight call must not be dropped by the drain")
		assert.Contains(t, string(r.Result), "made it")
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call never completed")
	}

	select {
	case err := <-drainDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("drain never finished")
	}
	assert.Equal(t, int64(0), gw.Pool().ActiveRequests("b"))
}

func TestBackendLossCascades(t *testing.T) {
	t.Parallel()

	fake := testkit.NewFakeTransport(
		testkit.WithSubscriptions(),
		testkit.WithResource("r", "r", "text/plain", "x"),
		testkit.WithTool("t", "t", func() string { return "" }),
	)
	gw := newTestGateway(t, map[string]*testkit.FakeTransport{"b": fake}, config.PolicyConfig{})

	sender := newCaptureSender()
	gw.Connect("c1", sender)
	initSession(t, gw, "c1", nil)

	nsURI := registry.ResourceID("b", "r")
	resp := doCall(t, gw, "c1", 2, "resources/subscribe", map[string]any{"uri": nsURI})
	require.Nil(t, resp.Error)

	// The backend connection dies.
	fake.FireClose(errors.New("pipe broke"))

	// Registry entries disappear and the subscriber hears about the
	// now-unavailable resource.
	require.Eventually(t, func() bool {
		return !gw.Registry().HasBackend("b")
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		for _, msg := range sender.msgs {
			if req, ok := msg.(*jsonrpc2.Request); ok &&
				req.Method == "notifications/resources/updated" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "synthetic unavailable notification missing")

	resp = doCall(t, gw, "c1", 3, "tools/list", struct{}{})
	require.Nil(t, resp.Error)
	assert.NotContains(t, string(resp.Result), "b_t")
}

func TestElicitationProxyRoundTrip(t *testing.T) {
	t.Parallel()

	fake := testkit.NewFakeTransport()
	gw := newTestGateway(t, map[string]*testkit.FakeTransport{"b": fake}, config.PolicyConfig{})

	sender := newCaptureSender()
	gw.Connect("c1", sender)
	initSession(t, gw, "c1", map[string]any{"elicitation": map[string]any{}})

	// Backend asks for user input; the gateway forwards to the
	// elicitation-capable client.
	type injectOutcome struct {
		result any
		err    error
	}
	outcome := make(chan injectOutcome, 1)
	go func() {
		res, err := fake.InjectRequest(context.Background(), "elicitation/create",
			map[string]any{"message": "what is your quest?"})
		outcome <- injectOutcome{res, err}
	}()

	var forwarded *jsonrpc2.Request
	select {
	case msg := <-sender.ch:
		req, ok := msg.(*jsonrpc2.Request)
		require.True(t, ok)
		require.Equal(t, "elicitation/create", req.Method)
		assert.Contains(t, string(req.Params), "quest")
		forwarded = req
	case <-time.After(2 * time.Second):
		t.Fatal("elicitation never reached the client")
	}

	// The client answers using the gateway-minted correlation id.
	answer, err := jsonrpc2.NewResponse(forwarded.ID,
		map[string]any{"action": "accept", "content": map[string]any{"answer": "grail"}}, nil)
	require.NoError(t, err)
	frame, err := jsonrpc2.EncodeMessage(answer)
	require.NoError(t, err)
	respBytes, err := gw.HandleFrame(context.Background(), "c1", frame)
	require.NoError(t, err)
	assert.Nil(t, respBytes)

	select {
	case out := <-outcome:
		require.NoError(t, out.err)
		assert.Contains(t, string(mustJSON(t, out.result)), "grail")
	case <-time.After(2 * time.Second):
		t.Fatal("backend never received the answer")
	}
}

func TestElicitationWithoutCapableClient(t *testing.T) {
	t.Parallel()

	fake := testkit.NewFakeTransport()
	gw := newTestGateway(t, map[string]*testkit.FakeTransport{"b": fake}, config.PolicyConfig{})
	initSession(t, gw, "c1", nil) // no elicitation capability

	_, err := fake.InjectRequest(context.Background(), "elicitation/create",
		map[string]any{"message": "anyone?"})
	require.Error(t, err)
	var wireErr *jsonrpc2.WireError
	require.True(t, errors.As(err, &wireErr))
	assert.Equal(t, vmcp.CodeNoCapableClient, wireErr.Code)
}

func TestCompletionAggregation(t *testing.T) {
	t.Parallel()

	b1 := testkit.NewFakeTransport(testkit.WithCompletions("alpha", "beta"))
	b2 := testkit.NewFakeTransport(testkit.WithCompletions("beta", "gamma"))
	gw := newTestGateway(t, map[string]*testkit.FakeTransport{"b1": b1, "b2": b2}, config.PolicyConfig{})
	initSession(t, gw, "c1", nil)

	resp := doCall(t, gw, "c1", 2, "completion/complete", map[string]any{
		"ref":      map[string]any{"type": "ref/prompt", "name": "b1_greeting"},
		"argument": map[string]any{"name": "topic", "value": "a"},
	})
	require.Nil(t, resp.Error)

	var result struct {
		Completion struct {
			Values []string `json:"values"`
		} `json:"completion"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.ElementsMatch(t, []string{"alpha", "beta", "gamma"}, result.Completion.Values,
		"values merged across backends with duplicates removed")
}

func TestListChangedRefreshesRegistry(t *testing.T) {
	t.Parallel()

	fake := testkit.NewFakeTransport(
		testkit.WithTool("old", "Old tool", func() string { return "" }),
	)
	gw := newTestGateway(t, map[string]*testkit.FakeTransport{"b": fake}, config.PolicyConfig{})

	sender := newCaptureSender()
	gw.Connect("c1", sender)
	initSession(t, gw, "c1", nil)

	// The backend grows a tool and announces the change.
	fake.AddTool("brand_new", "New tool", func() string { return "" })
	fake.EmitNotification("notifications/tools/list_changed", struct{}{})

	require.Eventually(t, func() bool {
		for _, tool := range gw.Registry().ListTools() {
			if tool.Name == "b_brand_new" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond, "registry never refreshed")

	// And the change is forwarded to initialized clients.
	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		for _, msg := range sender.msgs {
			if req, ok := msg.(*jsonrpc2.Request); ok &&
				req.Method == "notifications/tools/list_changed" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDisconnectCancelsCorrelations(t *testing.T) {
	t.Parallel()

	fake := testkit.NewFakeTransport()
	gw := newTestGateway(t, map[string]*testkit.FakeTransport{"b": fake}, config.PolicyConfig{})

	sender := newCaptureSender()
	gw.Connect("c1", sender)
	initSession(t, gw, "c1", map[string]any{"sampling": map[string]any{}})

	outcome := make(chan error, 1)
	go func() {
		_, err := fake.InjectRequest(context.Background(), "sampling/createMessage",
			map[string]any{"messages": []any{}})
		outcome <- err
	}()

	// Wait for the forward, then disconnect the client.
	select {
	case <-sender.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("sampling request never forwarded")
	}
	gw.Disconnect(context.Background(), "c1")

	select {
	case err := <-outcome:
		require.Error(t, err)
		var wireErr *jsonrpc2.WireError
		require.True(t, errors.As(err, &wireErr))
		assert.Equal(t, vmcp.CodeSamplingCancelled, wireErr.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("backend never heard about the cancellation")
	}
}

func TestMethodNotFound(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, map[string]*testkit.FakeTransport{}, config.PolicyConfig{})
	initSession(t, gw, "c1", nil)

	resp := doCall(t, gw, "c1", 2, "tools/frobnicate", struct{}{})
	wireErr := wireErrorOf(t, resp)
	assert.Equal(t, int64(-32601), wireErr.Code)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
