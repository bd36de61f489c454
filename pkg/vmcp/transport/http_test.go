// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/vmcp/pkg/testkit"
	"github.com/stacklok/vmcp/pkg/vmcp"
	"github.com/stacklok/vmcp/pkg/vmcp/transport"
)

func newConnected(t *testing.T, backend vmcp.Backend) transport.Transport {
	t.Helper()
	tr, err := transport.New(backend)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr
}

func TestStreamableTransport_CallRoundTrip(t *testing.T) {
	t.Parallel()

	srv, err := testkit.NewStreamableTestServer(
		testkit.WithTool("echo", "Echo tool", func() string { return "hello" }),
	)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	tr := newConnected(t, vmcp.Backend{
		ID:            "b1",
		TransportType: vmcp.TransportStreamableHTTP,
		BaseURL:       srv.URL,
	})
	assert.True(t, tr.IsConnected())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := tr.Call(ctx, "tools/list", map[string]any{})
	require.NoError(t, err)

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "echo", result.Tools[0].Name)
}

func TestStreamableTransport_BackendErrorPassthrough(t *testing.T) {
	t.Parallel()

	srv, err := testkit.NewStreamableTestServer()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	tr := newConnected(t, vmcp.Backend{
		ID:            "b1",
		TransportType: vmcp.TransportStreamableHTTP,
		BaseURL:       srv.URL,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = tr.Call(ctx, "tools/call", map[string]any{"name": "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestSSETransport_CallRoundTrip(t *testing.T) {
	t.Parallel()

	srv, err := testkit.NewSSETestServer(
		testkit.WithTool("echo", "Echo tool", func() string { return "hi" }),
	)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	tr := newConnected(t, vmcp.Backend{
		ID:            "b1",
		TransportType: vmcp.TransportSSE,
		BaseURL:       srv.URL,
	})
	assert.True(t, tr.IsConnected())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := tr.Call(ctx, "ping", map[string]any{})
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(raw))
}

func TestSSETransport_NotificationDelivery(t *testing.T) {
	t.Parallel()

	srv, err := testkit.NewSSETestServer()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	tr, err := transport.New(vmcp.Backend{
		ID:            "b1",
		TransportType: vmcp.TransportSSE,
		BaseURL:       srv.URL,
	})
	require.NoError(t, err)

	got := make(chan string, 1)
	tr.SetNotificationHandler(func(method string, _ json.RawMessage) {
		select {
		case got <- method:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })

	require.NoError(t, srv.EmitNotification("notifications/tools/list_changed", struct{}{}))

	select {
	case method := <-got:
		assert.Equal(t, "notifications/tools/list_changed", method)
	case <-time.After(3 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestTransportNew_UnsupportedKind(t *testing.T) {
	t.Parallel()

	_, err := transport.New(vmcp.Backend{ID: "b1", TransportType: "carrier-pigeon"})
	require.Error(t, err)
	assert.ErrorIs(t, err, vmcp.ErrUnsupportedTransport)
}
