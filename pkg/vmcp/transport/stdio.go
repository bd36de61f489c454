// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/vmcp/pkg/logger"
	"github.com/stacklok/vmcp/pkg/vmcp"
)

// stdioTransport speaks Content-Length framed JSON-RPC over a spawned
// child process's stdin/stdout. Stderr is drained into the log.
type stdioTransport struct {
	handlerSet

	backend vmcp.Backend

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	procDone chan struct{}
	disp     *dispatcher
	writer   Writer
	writeMu  sync.Mutex
}

func newStdioTransport(backend vmcp.Backend) *stdioTransport {
	return &stdioTransport{backend: backend, state: StateDisconnected}
}

func (t *stdioTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *stdioTransport) IsConnected() bool {
	return t.State() == StateConnected
}

func (t *stdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.mu.Unlock()

	cmd := exec.Command(t.backend.Command, t.backend.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.backend.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return t.connectFailed(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return t.connectFailed(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return t.connectFailed(fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return t.connectFailed(fmt.Errorf("starting %q: %w", t.backend.Command, err))
	}

	disp := newDispatcher(t.backend.ID, &t.handlerSet)
	writer := NewHeaderWriter(stdin)
	disp.sendResponse = func(ctx context.Context, resp *jsonrpc2.Response) error {
		return t.send(ctx, resp)
	}

	procDone := make(chan struct{})

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.procDone = procDone
	t.disp = disp
	t.writer = writer
	t.state = StateConnected
	t.mu.Unlock()

	go t.readLoop(disp, stdout)
	go drainStderr(t.backend.ID, stderr)
	go func() {
		// Sole waiter; reaps the child whichever side exits first.
		_ = cmd.Wait()
		close(procDone)
	}()

	select {
	case <-ctx.Done():
		_ = t.Disconnect(context.Background())
		return ctx.Err()
	default:
	}
	return nil
}

func (t *stdioTransport) connectFailed(err error) error {
	t.mu.Lock()
	t.state = StateDisconnected
	t.mu.Unlock()
	return fmt.Errorf("%w: %w", vmcp.ErrConnectionFailed, err)
}

// readLoop pumps framed messages from the child's stdout into the
// dispatcher until the stream breaks.
func (t *stdioTransport) readLoop(disp *dispatcher, stdout io.Reader) {
	reader := NewHeaderReader(stdout)
	for {
		msg, err := reader.Read(context.Background())
		if err != nil {
			if errors.Is(err, ErrMissingContentLength) {
				// Malformed block; the reader already consumed
				// through its separator, keep going.
				logger.Warnw("rejecting stdio message without Content-Length",
					"code", vmcp.LogReceiveFailed, "backend_id", t.backend.ID)
				continue
			}
			t.connectionLost(disp, err)
			return
		}
		disp.deliver(msg)
	}
}

// connectionLost transitions Error then Disconnected and fails pending
// calls; the close handler fires once.
func (t *stdioTransport) connectionLost(disp *dispatcher, err error) {
	t.mu.Lock()
	if t.disp == disp {
		t.state = StateError
	}
	t.mu.Unlock()

	if !errors.Is(err, io.EOF) {
		logger.Warnw("stdio connection lost",
			"code", vmcp.LogConnectionLost, "backend_id", t.backend.ID, "error", err)
	}
	disp.fail(err)

	t.mu.Lock()
	if t.disp == disp {
		t.state = StateDisconnected
		t.disp = nil
		t.writer = nil
	}
	t.mu.Unlock()
}

func drainStderr(backendID string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logger.Debugw("backend stderr", "backend_id", backendID, "line", scanner.Text())
	}
}

func (t *stdioTransport) send(ctx context.Context, msg jsonrpc2.Message) error {
	t.mu.Lock()
	writer := t.writer
	disp := t.disp
	t.mu.Unlock()
	if writer == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	err := writer.Write(ctx, msg)
	t.writeMu.Unlock()
	if err != nil {
		t.connectionLost(disp, fmt.Errorf("%w: %w", ErrSendFailed, err))
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
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

func (t *stdioTransport) Notify(ctx context.Context, method string, params any) error {
	note, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	return t.send(ctx, note)
}

func (t *stdioTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	cmd := t.cmd
	stdin := t.stdin
	procDone := t.procDone
	disp := t.disp
	t.cmd = nil
	t.stdin = nil
	t.procDone = nil
	t.disp = nil
	t.writer = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	if disp != nil {
		disp.fail(ErrClosed)
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil && procDone != nil {
		// Give the child a moment to exit on closed stdin, then kill.
		select {
		case <-procDone:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
			<-procDone
		}
	}
	return nil
}
