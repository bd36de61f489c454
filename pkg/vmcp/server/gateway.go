// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"reflect"
	"sync"

	"github.com/stacklok/vmcp/pkg/logger"
	"github.com/stacklok/vmcp/pkg/telemetry"
	"github.com/stacklok/vmcp/pkg/vmcp"
	"github.com/stacklok/vmcp/pkg/vmcp/config"
	"github.com/stacklok/vmcp/pkg/vmcp/correlator"
	"github.com/stacklok/vmcp/pkg/vmcp/pool"
	"github.com/stacklok/vmcp/pkg/vmcp/registry"
	"github.com/stacklok/vmcp/pkg/vmcp/router"
	"github.com/stacklok/vmcp/pkg/vmcp/subscription"
)

// Gateway assembles the core: pool, registry, router, subscription
// manager, correlator and the front server, wired per the loaded
// configuration. It is the single owner of all shared state; nothing
// outlives CloseAll.
type Gateway struct {
	*Server

	applyMu  sync.Mutex
	backends map[string]vmcp.Backend
}

// NewGateway builds a gateway from configuration. Call Start to
// connect backends and begin serving.
func NewGateway(cfg *config.Config, srvCfg Config) (*Gateway, error) {
	srvCfg.setDefaults()

	srv := &Server{
		cfg:      srvCfg,
		reg:      registry.New(),
		sessions: newSessionStore(),
		corr:     correlator.New(correlator.DefaultConfig()),
		debounce: newDebouncer(srvCfg.ListChangedDebounce),
	}

	poolCfg := pool.DefaultConfig()
	poolCfg.IdleTimeout = cfg.Policy.IdleTimeout.Std()
	poolCfg.DrainTimeout = cfg.Policy.DrainTimeout.Std()
	srv.pool = pool.New(poolCfg, srv)

	srv.router = router.New(srv.pool, srv.reg, router.Config{
		DefaultTimeout:  cfg.Policy.DefaultTimeout.Std(),
		OutputSizeLimit: cfg.Policy.OutputSizeLimit,
	})
	srv.subs = subscription.NewManager(srv.router, srv.reg, cfg.Policy.MaxSubscriptionsPerClient)

	metrics, err := telemetry.New(srv.pool.Stats)
	if err != nil {
		return nil, err
	}
	srv.metrics = metrics

	gw := &Gateway{Server: srv, backends: make(map[string]vmcp.Backend)}
	for _, b := range cfg.ToBackends() {
		gw.backends[b.ID] = b
		srv.pool.Register(b)
	}
	return gw, nil
}

// Metrics exposes the instrument set for the front listener.
func (g *Gateway) Metrics() *telemetry.Metrics { return g.metrics }

// Pool exposes the transport pool for the health monitor.
func (g *Gateway) Pool() *pool.Pool { return g.pool }

// Registry exposes the capability index.
func (g *Gateway) Registry() *registry.Registry { return g.reg }

// Backends lists the currently applied backend configurations.
func (g *Gateway) Backends() []vmcp.Backend {
	g.applyMu.Lock()
	defer g.applyMu.Unlock()
	out := make([]vmcp.Backend, 0, len(g.backends))
	for _, b := range g.backends {
		out = append(out, b)
	}
	return out
}

// Start launches the pool's eviction scanner and connects every
// enabled backend to discover its capabilities. A backend that cannot
// be reached is logged and skipped; it recovers lazily.
func (g *Gateway) Start(ctx context.Context) {
	g.pool.Start()

	g.applyMu.Lock()
	backends := make([]vmcp.Backend, 0, len(g.backends))
	for _, b := range g.backends {
		backends = append(backends, b)
	}
	g.applyMu.Unlock()

	for _, b := range backends {
		if !b.Enabled {
			continue
		}
		g.connectAndRegister(ctx, b)
	}
}

func (g *Gateway) connectAndRegister(ctx context.Context, b vmcp.Backend) {
	c, err := g.pool.Get(ctx, b.ID)
	if err != nil {
		logger.Warnw("backend unavailable at startup, will retry lazily",
			"code", vmcp.LogConnectFailed, "backend_id", b.ID, "error", err)
		return
	}
	if err := g.reg.AddBackend(ctx, b, c); err != nil {
		logger.Warnw("capability discovery failed",
			"backend_id", b.ID, "error", err)
	}
}

// ApplyConfig reconciles a hot-reloaded configuration: backends absent
// from the new config are drain-removed, new ones are added, changed
// ones are drained and reconnected with their new settings.
func (g *Gateway) ApplyConfig(ctx context.Context, cfg *config.Config) {
	g.applyMu.Lock()
	defer g.applyMu.Unlock()

	fresh := make(map[string]vmcp.Backend)
	for _, b := range cfg.ToBackends() {
		fresh[b.ID] = b
	}

	for id, old := range g.backends {
		next, keep := fresh[id]
		if keep && reflect.DeepEqual(old, next) {
			continue
		}
		logger.Infow("drain-removing backend", "backend_id", id)
		_ = g.pool.Drain(ctx, id)
		g.OnBackendClosed(id, nil)
		g.pool.Deregister(id)
		delete(g.backends, id)
		if keep {
			// Re-added below with its new configuration.
			continue
		}
	}

	for id, b := range fresh {
		if _, exists := g.backends[id]; exists {
			continue
		}
		g.backends[id] = b
		g.pool.Register(b)
		if b.Enabled {
			g.connectAndRegister(ctx, b)
		}
	}
}

// DrainBackend gracefully removes one backend from rotation.
func (g *Gateway) DrainBackend(ctx context.Context, backendID string) error {
	if err := g.pool.Drain(ctx, backendID); err != nil {
		return err
	}
	g.OnBackendClosed(backendID, nil)
	return nil
}

// Shutdown drains every backend and tears the pool down. Sessions are
// terminated; no frame is delivered past this point.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.applyMu.Lock()
	ids := make([]string, 0, len(g.backends))
	for id := range g.backends {
		ids = append(ids, id)
	}
	g.applyMu.Unlock()

	for _, id := range ids {
		_ = g.pool.Drain(ctx, id)
	}
	g.pool.CloseAll(ctx)

	g.sessions.mu.Lock()
	clientIDs := make([]string, 0, len(g.sessions.sessions))
	for id := range g.sessions.sessions {
		clientIDs = append(clientIDs, id)
	}
	g.sessions.mu.Unlock()
	for _, id := range clientIDs {
		g.Disconnect(ctx, id)
	}
}
