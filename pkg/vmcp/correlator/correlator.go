// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package correlator maintains the translation table for
// backend-initiated requests (sampling, elicitation, roots): the
// gateway mints its own correlation id, forwards the request to a
// selected client, and routes the client's response back to the
// backend that asked. Entries expire on a per-kind deadline; late
// responses are discarded silently.
package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/vmcp/pkg/logger"
	"github.com/stacklok/vmcp/pkg/vmcp"
)

// Kind discriminates backend-initiated request types.
type Kind string

// Correlated request kinds.
const (
	KindSampling    Kind = "sampling"
	KindElicitation Kind = "elicitation"
	KindRoots       Kind = "roots"
)

// Config tunes correlation deadlines.
type Config struct {
	SamplingTimeout    time.Duration
	ElicitationTimeout time.Duration
}

// DefaultConfig returns the stock 30 s deadlines.
func DefaultConfig() Config {
	return Config{
		SamplingTimeout:    30 * time.Second,
		ElicitationTimeout: 30 * time.Second,
	}
}

type outcome struct {
	result json.RawMessage
	err    error
}

type entry struct {
	gatewayID     string
	kind          Kind
	backendID     string
	backendCorrID any
	clientID      string
	deadline      time.Time
	respCh        chan outcome
}

// Pending describes a registered correlation: the minted gateway id
// and the client chosen to serve it.
type Pending struct {
	GatewayID string
	ClientID  string
}

// Correlator is the pending-request table. Table mutations are
// serialized; waiting for responses happens out-of-line in Await.
type Correlator struct {
	cfg Config

	mu       sync.Mutex
	pending  map[string]*entry
	rrCursor int
}

// New creates an empty correlator.
func New(cfg Config) *Correlator {
	return &Correlator{cfg: cfg, pending: make(map[string]*entry)}
}

// Register mints a correlation entry for a backend-initiated request.
// Sampling targets are chosen round-robin among candidates;
// elicitation prefers the originating client when it is still a
// candidate, falling back to round-robin.
func (c *Correlator) Register(kind Kind, backendID string, backendCorrID any, preferredClient string, candidates []string) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	clientID := ""
	if preferredClient != "" {
		for _, cand := range candidates {
			if cand == preferredClient {
				clientID = preferredClient
				break
			}
		}
	}
	if clientID == "" {
		if len(candidates) == 0 {
			return nil, fmt.Errorf("%w: %s from backend %s", vmcp.ErrNoCapableClient, kind, backendID)
		}
		clientID = candidates[c.rrCursor%len(candidates)]
		c.rrCursor++
	}

	e := &entry{
		gatewayID:     uuid.NewString(),
		kind:          kind,
		backendID:     backendID,
		backendCorrID: backendCorrID,
		clientID:      clientID,
		deadline:      time.Now().Add(c.timeoutFor(kind)),
		respCh:        make(chan outcome, 1),
	}
	c.pending[e.gatewayID] = e
	return &Pending{GatewayID: e.gatewayID, ClientID: clientID}, nil
}

func (c *Correlator) timeoutFor(kind Kind) time.Duration {
	if kind == KindSampling {
		return c.cfg.SamplingTimeout
	}
	return c.cfg.ElicitationTimeout
}

// Await blocks until the client responds, the entry's deadline passes,
// or ctx is done. On timeout the backend receives the kind-specific
// timeout error and any later response is discarded.
func (c *Correlator) Await(ctx context.Context, gatewayID string) (json.RawMessage, error) {
	c.mu.Lock()
	e, ok := c.pending[gatewayID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown correlation id %s", gatewayID)
	}

	timer := time.NewTimer(time.Until(e.deadline))
	defer timer.Stop()

	select {
	case out := <-e.respCh:
		c.remove(gatewayID)
		return out.result, out.err
	case <-timer.C:
		c.remove(gatewayID)
		logger.Warnw("backend-initiated request timed out",
			"code", vmcp.LogCorrTimeout, "kind", e.kind,
			"backend_id", e.backendID, "client_id", e.clientID)
		return nil, timeoutError(e.kind)
	case <-ctx.Done():
		c.remove(gatewayID)
		return nil, ctx.Err()
	}
}

func (c *Correlator) remove(gatewayID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, gatewayID)
}

func timeoutError(kind Kind) error {
	if kind == KindSampling {
		return &jsonrpc2.WireError{
			Code:    vmcp.CodeSamplingTimeout,
			Message: vmcp.ErrSamplingTimeout.Error(),
		}
	}
	return &jsonrpc2.WireError{
		Code:    vmcp.CodeElicitationTimeout,
		Message: vmcp.ErrElicitationTimeout.Error(),
	}
}

func cancelError(kind Kind) error {
	if kind == KindSampling {
		return &jsonrpc2.WireError{
			Code:    vmcp.CodeSamplingCancelled,
			Message: vmcp.ErrSamplingCancelled.Error(),
		}
	}
	return &jsonrpc2.WireError{
		Code:    vmcp.CodeElicitationCancelled,
		Message: vmcp.ErrElicitationCancelled.Error(),
	}
}

// Resolve delivers a client's response. It reports false when the
// entry already expired or was cancelled; such late responses are
// dropped without effect.
func (c *Correlator) Resolve(gatewayID string, result json.RawMessage, respErr error) bool {
	c.mu.Lock()
	e, ok := c.pending[gatewayID]
	c.mu.Unlock()
	if !ok {
		logger.Debugw("discarding late response",
			"code", vmcp.LogCorrLateReply, "correlation_id", gatewayID)
		return false
	}
	select {
	case e.respCh <- outcome{result: result, err: respErr}:
		return true
	default:
		return false
	}
}

// CancelClient fails every outstanding entry assigned to a
// disconnecting client, so waiting backends hear promptly.
func (c *Correlator) CancelClient(clientID string) {
	c.mu.Lock()
	var cancelled []*entry
	for _, e := range c.pending {
		if e.clientID == clientID {
			cancelled = append(cancelled, e)
		}
	}
	c.mu.Unlock()

	for _, e := range cancelled {
		select {
		case e.respCh <- outcome{err: cancelError(e.kind)}:
		default:
		}
	}
}

// PendingCount reports outstanding entries. Used by tests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
