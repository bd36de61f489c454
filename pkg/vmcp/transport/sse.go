// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/vmcp/pkg/logger"
	"github.com/stacklok/vmcp/pkg/vmcp"
)

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

// readSSEEvents parses a text/event-stream body and invokes fn per
// event until the stream ends or fn returns false.
func readSSEEvents(r io.Reader, fn func(ev sseEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var name string
	var data []string
	flush := func() bool {
		if len(data) == 0 && name == "" {
			return true
		}
		ev := sseEvent{name: name, data: strings.Join(data, "\n")}
		name, data = "", nil
		return fn(ev)
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return nil
			}
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment/keepalive
		}
	}
	flush()
	return scanner.Err()
}

// sseTransport implements the HTTP+SSE MCP transport: a standing GET
// event stream for server-to-client traffic, and per-message POSTs to
// an endpoint announced by the first stream event.
type sseTransport struct {
	handlerSet

	backend vmcp.Backend
	client  *http.Client

	mu         sync.Mutex
	state      State
	disp       *dispatcher
	messageURL string
	cancel     context.CancelFunc
}

func newSSETransport(backend vmcp.Backend) *sseTransport {
	return &sseTransport{
		backend: backend,
		client:  &http.Client{},
		state:   StateDisconnected,
	}
}

func (t *sseTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *sseTransport) IsConnected() bool {
	return t.State() == StateConnected
}

func (t *sseTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.mu.Unlock()

	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.backend.BaseURL, nil)
	if err != nil {
		cancel()
		return t.connectFailed(err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return t.connectFailed(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return t.connectFailed(fmt.Errorf("unexpected status %d from SSE endpoint", resp.StatusCode))
	}

	// The backend announces where to POST messages in the first event.
	endpointCh := make(chan string, 1)
	disp := newDispatcher(t.backend.ID, &t.handlerSet)
	disp.sendResponse = func(ctx context.Context, r *jsonrpc2.Response) error {
		return t.send(ctx, r)
	}

	go t.readStream(disp, resp.Body, endpointCh)

	var messageURL string
	select {
	case messageURL = <-endpointCh:
	case <-time.After(10 * time.Second):
		cancel()
		resp.Body.Close()
		return t.connectFailed(fmt.Errorf("no endpoint event within 10s"))
	case <-ctx.Done():
		cancel()
		resp.Body.Close()
		return t.connectFailed(ctx.Err())
	}

	resolved, err := resolveEndpoint(t.backend.BaseURL, messageURL)
	if err != nil {
		cancel()
		resp.Body.Close()
		return t.connectFailed(err)
	}

	t.mu.Lock()
	t.disp = disp
	t.messageURL = resolved
	t.cancel = cancel
	t.state = StateConnected
	t.mu.Unlock()
	return nil
}

func (t *sseTransport) connectFailed(err error) error {
	t.mu.Lock()
	t.state = StateDisconnected
	t.mu.Unlock()
	return fmt.Errorf("%w: %w", vmcp.ErrConnectionFailed, err)
}

func resolveEndpoint(base, endpoint string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	return baseURL.ResolveReference(ref).String(), nil
}

func (t *sseTransport) readStream(disp *dispatcher, body io.ReadCloser, endpointCh chan<- string) {
	defer body.Close()
	sentEndpoint := false
	err := readSSEEvents(body, func(ev sseEvent) bool {
		switch ev.name {
		case "endpoint":
			if !sentEndpoint {
				sentEndpoint = true
				endpointCh <- ev.data
			}
		case "message", "":
			msg, derr := jsonrpc2.DecodeMessage([]byte(ev.data))
			if derr != nil {
				logger.Warnw("dropping undecodable SSE message",
					"code", vmcp.LogReceiveFailed, "backend_id", t.backend.ID, "error", derr)
				return true
			}
			disp.deliver(msg)
		}
		return true
	})
	t.connectionLost(disp, err)
}

func (t *sseTransport) connectionLost(disp *dispatcher, err error) {
	t.mu.Lock()
	if t.disp == disp {
		t.state = StateError
	}
	t.mu.Unlock()

	if err != nil {
		logger.Warnw("SSE connection lost",
			"code", vmcp.LogConnectionLost, "backend_id", t.backend.ID, "error", err)
	}
	if err == nil {
		err = io.EOF
	}
	disp.fail(err)

	t.mu.Lock()
	if t.disp == disp {
		t.state = StateDisconnected
		t.disp = nil
	}
	t.mu.Unlock()
}

func (t *sseTransport) send(ctx context.Context, msg jsonrpc2.Message) error {
	t.mu.Lock()
	messageURL := t.messageURL
	disp := t.disp
	t.mu.Unlock()
	if disp == nil || messageURL == "" {
		return ErrNotConnected
	}

	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: status %d", ErrSendFailed, resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (t *sseTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
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
	if err := t.send(ctx, call); err != nil {
		disp.unregister(id)
		return nil, err
	}
	return disp.await(ctx, id, ch)
}

func (t *sseTransport) Notify(ctx context.Context, method string, params any) error {
	note, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	return t.send(ctx, note)
}

func (t *sseTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	disp := t.disp
	t.cancel = nil
	t.disp = nil
	t.messageURL = ""
	t.state = StateDisconnected
	t.mu.Unlock()

	if disp != nil {
		disp.fail(ErrClosed)
	}
	if cancel != nil {
		cancel()
	}
	return nil
}
