// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package health periodically probes connected backends and releases
// connections that stop answering, so the next call reconnects lazily
// instead of hitting a dead pipe.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/vmcp/pkg/logger"
	"github.com/stacklok/vmcp/pkg/vmcp"
	"github.com/stacklok/vmcp/pkg/vmcp/pool"
)

// Prober is the pool slice the monitor consumes.
type Prober interface {
	HealthCheck(ctx context.Context, backendID string) error
	MarkUnhealthy(backendID string)
}

// MonitorConfig tunes the sweep.
type MonitorConfig struct {
	// CheckInterval is the time between sweeps.
	CheckInterval time.Duration

	// UnhealthyThreshold is the number of consecutive failed probes
	// before the connection is released.
	UnhealthyThreshold int

	// Timeout bounds each individual probe.
	Timeout time.Duration
}

// Validate rejects unusable configurations.
func (c MonitorConfig) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be positive")
	}
	if c.UnhealthyThreshold <= 0 {
		return fmt.Errorf("unhealthy threshold must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// Monitor sweeps connected backends on an interval. It only observes
// existing connections; it never dials.
type Monitor struct {
	cfg      MonitorConfig
	prober   Prober
	backends func() []vmcp.Backend

	mu       sync.Mutex
	failures map[string]int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMonitor validates the config and builds a monitor. backends
// yields the current backend set, so hot reloads are picked up
// naturally.
func NewMonitor(cfg MonitorConfig, prober Prober, backends func() []vmcp.Backend) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}
	return &Monitor{
		cfg:      cfg,
		prober:   prober,
		backends: backends,
		failures: make(map[string]int),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start runs the sweep loop until Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// sweep probes every enabled backend concurrently.
func (m *Monitor) sweep(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range m.backends() {
		if !b.Enabled {
			continue
		}
		backendID := b.ID
		g.Go(func() error {
			m.probe(gctx, backendID)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) probe(ctx context.Context, backendID string) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	err := m.prober.HealthCheck(probeCtx, backendID)
	if errors.Is(err, pool.ErrNotMaterialized) {
		// Nothing connected; nothing to watch.
		m.reset(backendID)
		return
	}
	if err == nil {
		m.reset(backendID)
		return
	}

	m.mu.Lock()
	m.failures[backendID]++
	count := m.failures[backendID]
	m.mu.Unlock()

	logger.Warnw("backend health probe failed",
		"backend_id", backendID, "consecutive", count, "error", err)
	if count < m.cfg.UnhealthyThreshold {
		return
	}
	logger.Infow("releasing unhealthy backend connection",
		"backend_id", backendID, "failures", count)
	m.prober.MarkUnhealthy(backendID)
	m.reset(backendID)
}

func (m *Monitor) reset(backendID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, backendID)
}
