// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pool owns the lifecycle of backend connections: lazy connect
// with single-flight deduplication, idle eviction for smart-mode
// backends, graceful draining, and active-request refcounting.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/exp/jsonrpc2"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/vmcp/pkg/logger"
	"github.com/stacklok/vmcp/pkg/vmcp"
	"github.com/stacklok/vmcp/pkg/vmcp/client"
	"github.com/stacklok/vmcp/pkg/vmcp/transport"
)

// Config tunes connection lifecycle behavior.
type Config struct {
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration

	// ConnectTries is the total number of connection attempts per Get
	// (the first try plus reconnects).
	ConnectTries uint

	// EvictionInterval is how often the idle scanner runs.
	EvictionInterval time.Duration

	// IdleTimeout is how long a smart-mode backend may sit unused
	// before its connection is released.
	IdleTimeout time.Duration

	// DrainTimeout bounds how long Drain waits for in-flight calls.
	DrainTimeout time.Duration

	// DrainPollInterval is the poll cadence while draining.
	DrainPollInterval time.Duration
}

// DefaultConfig returns the stock lifecycle tuning.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		ConnectTries:      2,
		EvictionInterval:  30 * time.Second,
		IdleTimeout:       60 * time.Second,
		DrainTimeout:      30 * time.Second,
		DrainPollInterval: 100 * time.Millisecond,
	}
}

// EventSink receives backend-initiated traffic and lifecycle events.
// The gateway server implements this to fan notifications out to
// clients and to proxy sampling/elicitation requests.
type EventSink interface {
	OnBackendNotification(backendID, method string, params json.RawMessage)
	OnBackendRequest(ctx context.Context, backendID string, req *jsonrpc2.Request) (any, error)
	OnBackendClosed(backendID string, err error)
}

// TransportFactory builds a transport for a backend. Overridable in
// tests.
type TransportFactory func(backend vmcp.Backend) (transport.Transport, error)

// entry is the pool's record for one backend.
type entry struct {
	backend vmcp.Backend

	mu        sync.Mutex
	transport transport.Transport
	client    vmcp.BackendClient
	draining  bool

	active   atomic.Int64
	lastUsed atomic.Int64 // unix nanos
}

func (e *entry) touch() {
	e.lastUsed.Store(time.Now().UnixNano())
}

// Pool owns every backend transport. All mutations of an entry's
// connection state happen under the entry mutex; refcounts and
// last-used stamps are atomics so hot paths stay lock-free.
type Pool struct {
	cfg     Config
	factory TransportFactory
	sink    EventSink

	mu       sync.Mutex
	backends map[string]vmcp.Backend
	entries  map[string]*entry

	group singleflight.Group

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a pool. The sink may be nil in tests.
func New(cfg Config, sink EventSink) *Pool {
	return &Pool{
		cfg:      cfg,
		factory:  transport.New,
		sink:     sink,
		backends: make(map[string]vmcp.Backend),
		entries:  make(map[string]*entry),
		stopCh:   make(chan struct{}),
	}
}

// SetTransportFactory overrides transport construction. Tests only.
func (p *Pool) SetTransportFactory(f TransportFactory) { p.factory = f }

// Start launches the idle eviction scanner.
func (p *Pool) Start() {
	go p.evictionLoop()
}

// Register makes a backend's configuration available to Get. It does
// not connect; connection is lazy.
func (p *Pool) Register(backend vmcp.Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backends[backend.ID] = backend
}

// BackendConfig returns the registered configuration for a backend.
func (p *Pool) BackendConfig(backendID string) (vmcp.Backend, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.backends[backendID]
	return b, ok
}

// Deregister forgets a backend's configuration. Callers drain first.
func (p *Pool) Deregister(backendID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.backends, backendID)
	delete(p.entries, backendID)
}

// Get returns a ready client for the backend, connecting if needed.
// Concurrent callers for the same backend share a single connection
// attempt. A draining backend is refused.
func (p *Pool) Get(ctx context.Context, backendID string) (vmcp.BackendClient, error) {
	p.mu.Lock()
	backend, ok := p.backends[backendID]
	e := p.entries[backendID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", vmcp.ErrBackendNotFound, backendID)
	}
	if !backend.Enabled {
		return nil, fmt.Errorf("%w: %s", vmcp.ErrBackendDisabled, backendID)
	}

	if e != nil {
		e.mu.Lock()
		if e.draining {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", vmcp.ErrBackendDraining, backendID)
		}
		if e.client != nil && e.transport.IsConnected() {
			c := e.client
			e.mu.Unlock()
			e.touch()
			return c, nil
		}
		e.mu.Unlock()
	}

	v, err, _ := p.group.Do(backendID, func() (any, error) {
		return p.connect(ctx, backend)
	})
	if err != nil {
		return nil, err
	}
	return v.(vmcp.BackendClient), nil
}

// connect establishes (or re-establishes) the backend connection and
// performs the MCP handshake. Runs under single-flight.
func (p *Pool) connect(ctx context.Context, backend vmcp.Backend) (vmcp.BackendClient, error) {
	// Re-check: another caller may have completed while we queued, or
	// a drain may have started.
	p.mu.Lock()
	e := p.entries[backend.ID]
	p.mu.Unlock()
	if e != nil {
		e.mu.Lock()
		if e.draining {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", vmcp.ErrBackendDraining, backend.ID)
		}
		if e.client != nil && e.transport.IsConnected() {
			c := e.client
			e.mu.Unlock()
			return c, nil
		}
		e.mu.Unlock()
	}

	t, err := p.factory(backend)
	if err != nil {
		return nil, err
	}
	backendID := backend.ID
	t.SetNotificationHandler(func(method string, params json.RawMessage) {
		if p.sink != nil {
			p.sink.OnBackendNotification(backendID, method, params)
		}
	})
	t.SetRequestHandler(func(ctx context.Context, req *jsonrpc2.Request) (any, error) {
		if p.sink != nil {
			return p.sink.OnBackendRequest(ctx, backendID, req)
		}
		return nil, jsonrpc2.ErrMethodNotFound
	})
	t.SetCloseHandler(func(err error) {
		p.handleClosed(backendID, t, err)
	})

	attempt := func() (struct{}, error) {
		connectCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
		return struct{}{}, t.Connect(connectCtx)
	}
	if _, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(p.cfg.ConnectTries),
	); err != nil {
		logger.Warnw("backend connection failed",
			"code", vmcp.LogConnectFailed, "backend_id", backendID, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", vmcp.ErrConnectionFailed, backendID, err)
	}

	c := client.New(backend, t)
	initCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	err = c.Initialize(initCtx)
	cancel()
	if err != nil {
		_ = t.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: %s: %w", vmcp.ErrConnectionFailed, backendID, err)
	}

	ne := &entry{backend: backend, transport: t, client: c}
	ne.touch()
	p.mu.Lock()
	p.entries[backendID] = ne
	p.mu.Unlock()
	logger.Infow("backend connected", "backend_id", backendID,
		"transport", backend.TransportType)
	return c, nil
}

// handleClosed reacts to a connection dropping out from under the pool.
// The entry is removed so the next Get reconnects lazily, unless the
// entry is draining (drain owns its teardown).
func (p *Pool) handleClosed(backendID string, t transport.Transport, err error) {
	p.mu.Lock()
	e := p.entries[backendID]
	removed := false
	if e != nil && e.transport == t && !e.draining {
		delete(p.entries, backendID)
		removed = true
	}
	p.mu.Unlock()

	if removed {
		logger.Infow("backend connection closed",
			"code", vmcp.LogConnectionLost, "backend_id", backendID, "error", err)
	}
	if p.sink != nil {
		p.sink.OnBackendClosed(backendID, err)
	}
}

// Release disconnects a backend and forgets its entry. The
// configuration stays registered, so a later Get reconnects.
func (p *Pool) Release(ctx context.Context, backendID string) {
	p.mu.Lock()
	e := p.entries[backendID]
	delete(p.entries, backendID)
	p.mu.Unlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	t := e.transport
	e.mu.Unlock()
	if t != nil {
		_ = t.Disconnect(ctx)
	}
}

// MarkUnhealthy releases a backend's connection so the next Get
// reconnects. Used by the health monitor.
func (p *Pool) MarkUnhealthy(backendID string) {
	p.Release(context.Background(), backendID)
}

// ErrNotMaterialized is returned by HealthCheck when there is no live
// connection to probe.
var ErrNotMaterialized = errors.New("backend connection not materialized")

// HealthCheck pings a backend over its existing connection. It never
// connects, and deliberately does not refresh the idle stamp, so the
// health monitor does not keep smart-mode backends alive forever.
func (p *Pool) HealthCheck(ctx context.Context, backendID string) error {
	p.mu.Lock()
	e := p.entries[backendID]
	p.mu.Unlock()
	if e == nil {
		return ErrNotMaterialized
	}
	e.mu.Lock()
	c := e.client
	t := e.transport
	draining := e.draining
	e.mu.Unlock()
	if draining || c == nil || t == nil || !t.IsConnected() {
		return ErrNotMaterialized
	}
	return c.Ping(ctx)
}

// IsDraining reports whether the backend currently refuses new calls.
func (p *Pool) IsDraining(backendID string) bool {
	p.mu.Lock()
	e := p.entries[backendID]
	p.mu.Unlock()
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

// Drain stops handing the backend out, waits for in-flight calls to
// finish (bounded by DrainTimeout), then releases the connection. On
// deadline the release is forced and logged.
func (p *Pool) Drain(ctx context.Context, backendID string) error {
	p.mu.Lock()
	e := p.entries[backendID]
	p.mu.Unlock()
	if e == nil {
		return nil
	}

	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()

	deadline := time.NewTimer(p.cfg.DrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.cfg.DrainPollInterval)
	defer ticker.Stop()

	forced := false
wait:
	for e.active.Load() > 0 {
		select {
		case <-ticker.C:
		case <-deadline.C:
			forced = true
			break wait
		case <-ctx.Done():
			forced = true
			break wait
		}
	}
	if forced {
		logger.Warnw("drain deadline elapsed, forcing release",
			"code", vmcp.LogDrainForced, "backend_id", backendID,
			"in_flight", e.active.Load())
	}

	p.mu.Lock()
	if p.entries[backendID] == e {
		delete(p.entries, backendID)
	}
	p.mu.Unlock()

	e.mu.Lock()
	t := e.transport
	e.mu.Unlock()
	if t != nil {
		_ = t.Disconnect(ctx)
	}
	return nil
}

// IncrementActive brackets the start of a dispatched call.
func (p *Pool) IncrementActive(backendID string) {
	p.mu.Lock()
	e := p.entries[backendID]
	p.mu.Unlock()
	if e != nil {
		e.active.Add(1)
		e.touch()
	}
}

// DecrementActive brackets the end of a dispatched call. It must be
// called exactly once per IncrementActive, on every exit path.
func (p *Pool) DecrementActive(backendID string) {
	p.mu.Lock()
	e := p.entries[backendID]
	p.mu.Unlock()
	if e != nil {
		if n := e.active.Add(-1); n < 0 {
			logger.DPanicw("active request count went negative",
				"backend_id", backendID, "count", n)
			e.active.Store(0)
		}
		e.touch()
	}
}

// ActiveRequests reports the in-flight call count for a backend.
func (p *Pool) ActiveRequests(backendID string) int64 {
	p.mu.Lock()
	e := p.entries[backendID]
	p.mu.Unlock()
	if e == nil {
		return 0
	}
	return e.active.Load()
}

// Stats reports materialized connections and total in-flight calls,
// for the telemetry gauges.
func (p *Pool) Stats() (connections int, active int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		connections++
		active += e.active.Load()
	}
	return connections, active
}

func (p *Pool) evictionLoop() {
	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

// evictIdle releases smart-mode backends that have been unused past the
// idle timeout. Draining entries are the drain call's business.
func (p *Pool) evictIdle() {
	now := time.Now().UnixNano()
	p.mu.Lock()
	var victims []string
	for id, e := range p.entries {
		if e.backend.Mode != vmcp.ModeSmart {
			continue
		}
		e.mu.Lock()
		draining := e.draining
		e.mu.Unlock()
		if draining || e.active.Load() > 0 {
			continue
		}
		if now-e.lastUsed.Load() > int64(p.cfg.IdleTimeout) {
			victims = append(victims, id)
		}
	}
	p.mu.Unlock()

	for _, id := range victims {
		logger.Infow("evicting idle backend connection", "backend_id", id)
		p.Release(context.Background(), id)
	}
}

// CloseAll stops the scanner and disconnects every backend.
func (p *Pool) CloseAll(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	for id, e := range entries {
		e.mu.Lock()
		t := e.transport
		e.mu.Unlock()
		if t != nil {
			_ = t.Disconnect(ctx)
		}
		logger.Debugw("backend connection closed on shutdown", "backend_id", id)
	}
}
