// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the per-backend wire transports of the
// virtual MCP gateway: stdio child processes, HTTP+SSE, and streamable
// HTTP. All three speak JSON-RPC 2.0; framing is internalized here.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/vmcp/pkg/logger"
	"github.com/stacklok/vmcp/pkg/vmcp"
)

// State is the lifecycle state of a transport.
type State string

// Transport states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Transport-layer sentinel errors.
var (
	ErrNotConnected = errors.New("transport not connected")
	ErrSendFailed   = errors.New("send failed")
	ErrClosed       = errors.New("transport closed")
)

// NotificationHandler receives backend-initiated notifications.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler receives backend-initiated requests (sampling,
// elicitation, roots). The returned result or error becomes the
// response sent back to the backend.
type RequestHandler func(ctx context.Context, req *jsonrpc2.Request) (any, error)

// CloseHandler fires exactly once per connection when it is lost or
// torn down.
type CloseHandler func(err error)

// Transport is a framed JSON-RPC client connection to one backend.
// Reconnection is the pool's concern; a transport whose connection
// drops stays Disconnected until Connect is called again.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	State() State

	// Call issues a request and waits for the matching response. The
	// context deadline bounds the wait. A backend-reported error is
	// returned as a *jsonrpc2.WireError with code and message intact.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	SetNotificationHandler(h NotificationHandler)
	SetRequestHandler(h RequestHandler)
	SetCloseHandler(h CloseHandler)
}

// handlerSet holds the transport's registered callbacks. Handlers
// outlive individual connections.
type handlerSet struct {
	mu        sync.RWMutex
	onNotify  NotificationHandler
	onRequest RequestHandler
	onClose   CloseHandler
}

func (h *handlerSet) SetNotificationHandler(fn NotificationHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onNotify = fn
}

func (h *handlerSet) SetRequestHandler(fn RequestHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRequest = fn
}

func (h *handlerSet) SetCloseHandler(fn CloseHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = fn
}

func (h *handlerSet) notify() NotificationHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onNotify
}

func (h *handlerSet) request() RequestHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onRequest
}

func (h *handlerSet) closed() CloseHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onClose
}

// dispatcher correlates outgoing calls with incoming responses for one
// connection and routes backend-initiated traffic to the handler set.
// A new dispatcher is created on every Connect.
type dispatcher struct {
	backendID string
	handlers  *handlerSet

	// sendResponse replies to backend-initiated calls. Set by the
	// owning transport before the read loop starts.
	sendResponse func(ctx context.Context, resp *jsonrpc2.Response) error

	mu      sync.Mutex
	pending map[any]chan *jsonrpc2.Response
	closed  bool

	nextID atomic.Int64

	closeOnce     sync.Once
	requestCtx    context.Context
	requestCancel context.CancelFunc
}

func newDispatcher(backendID string, handlers *handlerSet) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{
		backendID:     backendID,
		handlers:      handlers,
		pending:       make(map[any]chan *jsonrpc2.Response),
		requestCtx:    ctx,
		requestCancel: cancel,
	}
}

// register allocates a fresh call id and its response channel.
func (d *dispatcher) register() (jsonrpc2.ID, chan *jsonrpc2.Response, error) {
	id := jsonrpc2.Int64ID(d.nextID.Add(1))
	ch := make(chan *jsonrpc2.Response, 1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return jsonrpc2.ID{}, nil, ErrClosed
	}
	d.pending[id.Raw()] = ch
	return id, ch, nil
}

func (d *dispatcher) unregister(id jsonrpc2.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, id.Raw())
}

// await blocks until the response for id arrives, the context expires,
// or the connection drops.
func (d *dispatcher) await(ctx context.Context, id jsonrpc2.ID, ch chan *jsonrpc2.Response) (json.RawMessage, error) {
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: connection lost", vmcp.ErrConnectionFailed)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		d.unregister(id)
		return nil, ctx.Err()
	}
}

// deliver routes one incoming message. Responses resolve pending calls;
// requests and notifications go to the handler set.
func (d *dispatcher) deliver(msg jsonrpc2.Message) {
	switch m := msg.(type) {
	case *jsonrpc2.Response:
		d.mu.Lock()
		ch, ok := d.pending[m.ID.Raw()]
		if ok {
			delete(d.pending, m.ID.Raw())
		}
		d.mu.Unlock()
		if !ok {
			logger.Debugw("dropping response with unknown id",
				"backend_id", d.backendID, "id", m.ID.Raw())
			return
		}
		ch <- m
	case *jsonrpc2.Request:
		if m.IsCall() {
			d.dispatchRequest(m)
			return
		}
		if h := d.handlers.notify(); h != nil {
			h(m.Method, m.Params)
		}
	}
}

// dispatchRequest serves a backend-initiated call on its own goroutine
// so slow handlers (a sampling round-trip through a client) do not
// stall the read loop.
func (d *dispatcher) dispatchRequest(req *jsonrpc2.Request) {
	go func() {
		var result any
		var err error
		if h := d.handlers.request(); h != nil {
			result, err = h(d.requestCtx, req)
		} else {
			err = jsonrpc2.ErrMethodNotFound
		}
		resp, merr := jsonrpc2.NewResponse(req.ID, result, err)
		if merr != nil {
			logger.Errorw("failed to marshal response to backend request",
				"backend_id", d.backendID, "method", req.Method, "error", merr)
			resp, _ = jsonrpc2.NewResponse(req.ID, nil, jsonrpc2.ErrInternal)
		}
		if d.sendResponse == nil {
			return
		}
		if serr := d.sendResponse(d.requestCtx, resp); serr != nil {
			logger.Warnw("failed to send response to backend request",
				"code", vmcp.LogSendFailed, "backend_id", d.backendID,
				"method", req.Method, "error", serr)
		}
	}()
}

// fail closes the dispatcher, failing every pending call, and fires the
// close handler exactly once for this connection.
func (d *dispatcher) fail(err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := d.pending
	d.pending = make(map[any]chan *jsonrpc2.Response)
	d.mu.Unlock()

	d.requestCancel()
	for _, ch := range pending {
		close(ch)
	}
	d.closeOnce.Do(func() {
		// The close handler runs on its own goroutine: fail can be
		// reached from a caller's Call path, and the handler's
		// cascade (registry, subscriptions) must not deadlock
		// against locks that caller already holds.
		if h := d.handlers.closed(); h != nil {
			go h(err)
		}
	})
}

// New instantiates a transport for the backend's configured kind.
func New(backend vmcp.Backend) (Transport, error) {
	switch backend.TransportType {
	case vmcp.TransportStdio:
		return newStdioTransport(backend), nil
	case vmcp.TransportSSE:
		return newSSETransport(backend), nil
	case vmcp.TransportStreamableHTTP:
		return newStreamableTransport(backend), nil
	default:
		return nil, fmt.Errorf("%w: %q", vmcp.ErrUnsupportedTransport, backend.TransportType)
	}
}
