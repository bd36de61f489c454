// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package testkit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/vmcp/pkg/vmcp/transport"
)

// FakeTransport is a pure in-memory transport.Transport backed by the
// same scripted state as the HTTP test servers. It lets pool, router
// and server tests run without sockets or child processes.
type FakeTransport struct {
	*fakeBackendState

	mu        sync.Mutex
	connected bool
	closeOnce *sync.Once

	// ConnectErr fails Connect attempts when set.
	ConnectErr error

	// CallHook, when set, intercepts every Call before the scripted
	// state sees it. Returning handled=false falls through.
	CallHook func(method string, params json.RawMessage) (result json.RawMessage, err error, handled bool)

	// CallDelay stalls every Call, honoring the context deadline.
	CallDelay time.Duration

	onNotify  transport.NotificationHandler
	onRequest transport.RequestHandler
	onClose   transport.CloseHandler
}

var _ transport.Transport = (*FakeTransport)(nil)

// NewFakeTransport builds a fake transport with scripted capabilities.
func NewFakeTransport(opts ...TestMCPServerOption) *FakeTransport {
	return &FakeTransport{
		fakeBackendState: newFakeBackendState(opts...),
		closeOnce:        &sync.Once{},
	}
}

// Connect implements transport.Transport.
func (t *FakeTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.connected = true
	t.closeOnce = &sync.Once{}
	return nil
}

// Disconnect implements transport.Transport.
func (t *FakeTransport) Disconnect(_ context.Context) error {
	t.FireClose(transport.ErrClosed)
	return nil
}

// FireClose simulates the connection dropping with the given cause.
func (t *FakeTransport) FireClose(err error) {
	t.mu.Lock()
	t.connected = false
	once := t.closeOnce
	h := t.onClose
	t.mu.Unlock()
	once.Do(func() {
		if h != nil {
			h(err)
		}
	})
}

// IsConnected implements transport.Transport.
func (t *FakeTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// State implements transport.Transport.
func (t *FakeTransport) State() transport.State {
	if t.IsConnected() {
		return transport.StateConnected
	}
	return transport.StateDisconnected
}

// Call implements transport.Transport against the scripted state.
func (t *FakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.IsConnected() {
		return nil, transport.ErrNotConnected
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	delay := t.CallDelay
	hook := t.CallHook
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if hook != nil {
		if result, herr, handled := hook(method, raw); handled {
			return result, herr
		}
	}

	result, herr := t.handle(method, raw)
	if herr != nil {
		return nil, herr
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Notify implements transport.Transport. Notifications are recorded in
// the call log.
func (t *FakeTransport) Notify(_ context.Context, method string, _ any) error {
	if !t.IsConnected() {
		return transport.ErrNotConnected
	}
	t.fakeBackendState.mu.Lock()
	t.calls = append(t.calls, method)
	t.fakeBackendState.mu.Unlock()
	return nil
}

// SetNotificationHandler implements transport.Transport.
func (t *FakeTransport) SetNotificationHandler(h transport.NotificationHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onNotify = h
}

// SetRequestHandler implements transport.Transport.
func (t *FakeTransport) SetRequestHandler(h transport.RequestHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRequest = h
}

// SetCloseHandler implements transport.Transport.
func (t *FakeTransport) SetCloseHandler(h transport.CloseHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = h
}

// AddTool registers another tool after construction, so tests can
// change the backend's surface before emitting a listChanged.
func (t *FakeTransport) AddTool(name, description string, handler ToolHandler) {
	t.fakeBackendState.mu.Lock()
	defer t.fakeBackendState.mu.Unlock()
	t.tools = append(t.tools, fakeTool{name: name, description: description, handler: handler})
}

// EmitNotification delivers a backend-initiated notification to the
// registered handler, as the wire would.
func (t *FakeTransport) EmitNotification(method string, params any) {
	t.mu.Lock()
	h := t.onNotify
	t.mu.Unlock()
	if h == nil {
		return
	}
	raw, _ := json.Marshal(params)
	h(method, raw)
}

// InjectRequest delivers a backend-initiated request to the registered
// handler and returns its outcome, as the wire would.
func (t *FakeTransport) InjectRequest(ctx context.Context, method string, params any) (any, error) {
	t.mu.Lock()
	h := t.onRequest
	t.mu.Unlock()
	if h == nil {
		return nil, jsonrpc2.ErrMethodNotFound
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(1), method, json.RawMessage(raw))
	if err != nil {
		return nil, err
	}
	return h(ctx, req)
}
