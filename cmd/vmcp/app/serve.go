// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/stacklok/vmcp/pkg/logger"
	"github.com/stacklok/vmcp/pkg/vmcp/config"
	"github.com/stacklok/vmcp/pkg/vmcp/health"
	"github.com/stacklok/vmcp/pkg/vmcp/server"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, listen)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "vmcp.yaml", "path to the gateway configuration file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides configuration)")
	return cmd
}

func runServe(ctx context.Context, configPath, listenOverride string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenOverride != "" {
		cfg.Listen = listenOverride
	}

	gw, err := server.NewGateway(cfg, server.Config{Name: cfg.Name, Version: Version})
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	gw.Start(startCtx)
	cancel()

	monitor, err := health.NewMonitor(health.MonitorConfig{
		CheckInterval:      30 * time.Second,
		UnhealthyThreshold: 3,
		Timeout:            10 * time.Second,
	}, gw.Pool(), gw.Backends)
	if err != nil {
		return err
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	watchCtx, stopWatch := context.WithCancel(ctx)
	reloadDone := watchConfig(watchCtx, configPath, gw)
	defer func() {
		stopWatch()
		<-reloadDone
	}()

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("gateway listening", "addr", cfg.Listen, "name", cfg.Name)
		serveErr <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	gw.Shutdown(shutdownCtx)
	_ = gw.Metrics().Shutdown(shutdownCtx)
	return nil
}

// watchConfig reloads the configuration when the file changes and
// applies it to the running gateway. Editors replace files rather than
// writing in place, so the parent directory is watched and events are
// debounced.
func watchConfig(ctx context.Context, path string, gw *server.Gateway) <-chan struct{} {
	done := make(chan struct{})

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnw("config watching disabled", "error", err)
		close(done)
		return done
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		logger.Warnw("config watching disabled", "path", dir, "error", err)
		_ = watcher.Close()
		close(done)
		return done
	}

	go func() {
		defer close(done)
		defer watcher.Close()

		var pending *time.Timer
		reload := func() {
			cfg, err := config.Load(path)
			if err != nil {
				logger.Errorw("ignoring invalid configuration reload", "error", err)
				return
			}
			logger.Infow("applying reloaded configuration", "path", path)
			applyCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
			gw.ApplyConfig(applyCtx, cfg)
			cancel()
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(250*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnw("config watcher error", "error", err)
			}
		}
	}()
	return done
}
