// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/vmcp/pkg/logger"
	"github.com/stacklok/vmcp/pkg/vmcp"
)

const sessionIDHeader = "Mcp-Session-Id"

// streamableTransport implements the streamable HTTP MCP transport:
// every message is POSTed to the endpoint; responses arrive either as a
// plain JSON body or as a short-lived event stream. The backend assigns
// a session id on initialize, which is replayed on every subsequent
// request. An optional standing GET stream carries unsolicited
// server-push traffic.
type streamableTransport struct {
	handlerSet

	backend vmcp.Backend
	client  *http.Client

	mu        sync.Mutex
	state     State
	disp      *dispatcher
	sessionID string
	streamCtx context.Context
	cancel    context.CancelFunc
	listening bool
}

func newStreamableTransport(backend vmcp.Backend) *streamableTransport {
	return &streamableTransport{
		backend: backend,
		client:  &http.Client{},
		state:   StateDisconnected,
	}
}

func (t *streamableTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *streamableTransport) IsConnected() bool {
	return t.State() == StateConnected
}

// Connect is cheap for streamable HTTP: there is no standing channel to
// establish until the backend has assigned a session id, which happens
// on the first POST (the initialize call).
func (t *streamableTransport) Connect(_ context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if t.state == StateConnected {
		t.mu.Unlock()
		cancel()
		return nil
	}
	t.disp = newDispatcher(t.backend.ID, &t.handlerSet)
	t.disp.sendResponse = func(ctx context.Context, r *jsonrpc2.Response) error {
		return t.post(ctx, r, nil)
	}
	t.streamCtx = streamCtx
	t.cancel = cancel
	t.listening = false
	t.sessionID = ""
	t.state = StateConnected
	t.mu.Unlock()
	return nil
}

// post sends one message and routes any returned payload (plain JSON or
// an event stream) through the dispatcher. A nil disp means "use the
// current connection's dispatcher".
func (t *streamableTransport) post(ctx context.Context, msg jsonrpc2.Message, disp *dispatcher) error {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.backend.BaseURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(sessionIDHeader, t.sessionID)
	}
	if disp == nil {
		disp = t.disp
	}
	t.mu.Unlock()
	if disp == nil {
		return ErrNotConnected
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionIDHeader); sid != "" {
		t.storeSessionID(sid)
	}

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrSendFailed, resp.StatusCode, bytes.TrimSpace(body))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		body, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return fmt.Errorf("reading response body: %w", rerr)
		}
		decoded, derr := jsonrpc2.DecodeMessage(body)
		if derr != nil {
			return fmt.Errorf("decoding response: %w", derr)
		}
		disp.deliver(decoded)
	case "text/event-stream":
		return readSSEEvents(resp.Body, func(ev sseEvent) bool {
			if ev.data == "" {
				return true
			}
			decoded, derr := jsonrpc2.DecodeMessage([]byte(ev.data))
			if derr != nil {
				logger.Warnw("dropping undecodable stream message",
					"code", vmcp.LogReceiveFailed, "backend_id", t.backend.ID, "error", derr)
				return true
			}
			disp.deliver(decoded)
			return true
		})
	}
	return nil
}

// storeSessionID records the backend-assigned session id and, on first
// sight, starts the standing GET stream for server push.
func (t *streamableTransport) storeSessionID(sid string) {
	t.mu.Lock()
	t.sessionID = sid
	start := !t.listening && t.streamCtx != nil
	if start {
		t.listening = true
	}
	disp := t.disp
	ctx := t.streamCtx
	t.mu.Unlock()

	if start {
		go t.listen(ctx, disp, sid)
	}
}

// listen opens the standing GET stream. Backends that do not support
// server push reply 405, which is tolerated silently.
func (t *streamableTransport) listen(ctx context.Context, disp *dispatcher, sid string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.backend.BaseURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(sessionIDHeader, sid)

	resp, err := t.client.Do(req)
	if err != nil {
		logger.Debugw("standing stream unavailable",
			"backend_id", t.backend.ID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotFound {
		return
	}
	if resp.StatusCode != http.StatusOK {
		logger.Debugw("standing stream refused",
			"backend_id", t.backend.ID, "status", resp.StatusCode)
		return
	}

	_ = readSSEEvents(resp.Body, func(ev sseEvent) bool {
		if ev.data == "" {
			return true
		}
		decoded, derr := jsonrpc2.DecodeMessage([]byte(ev.data))
		if derr != nil {
			logger.Warnw("dropping undecodable push message",
				"code", vmcp.LogReceiveFailed, "backend_id", t.backend.ID, "error", derr)
			return true
		}
		disp.deliver(decoded)
		return true
	})
}

func (t *streamableTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	disp := t.disp
	t.mu.Unlock()
	if disp == nil {
		return nil, ErrNotConnected
	}

	id, ch, err := disp.register()
	if err != nil {
		return nil, err
	}
	call, err := jsonrpc2.NewCall(id, method, params)
	if err != nil {
		disp.unregister(id)
		return nil, fmt.Errorf("marshaling call: %w", err)
	}

	// The POST carries the response inline (JSON or event stream), so
	// it runs on its own goroutine while await watches the channel and
	// the deadline.
	postErr := make(chan error, 1)
	go func() { postErr <- t.post(ctx, call, disp) }()

	result, err := disp.await(ctx, id, ch)
	if err == nil {
		return result, nil
	}
	select {
	case perr := <-postErr:
		if perr != nil {
			disp.unregister(id)
			return nil, perr
		}
	default:
	}
	return result, err
}

func (t *streamableTransport) Notify(ctx context.Context, method string, params any) error {
	note, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	return t.post(ctx, note, nil)
}

func (t *streamableTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	disp := t.disp
	cancel := t.cancel
	sid := t.sessionID
	t.disp = nil
	t.streamCtx = nil
	t.cancel = nil
	t.sessionID = ""
	t.listening = false
	t.state = StateDisconnected
	t.mu.Unlock()

	if disp != nil {
		disp.fail(ErrClosed)
	}
	if cancel != nil {
		cancel()
	}
	if sid != "" {
		// Best-effort session teardown.
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.backend.BaseURL, nil)
		if err == nil {
			req.Header.Set(sessionIDHeader, sid)
			if resp, derr := t.client.Do(req); derr == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}
	}
	return nil
}
