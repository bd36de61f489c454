// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package router resolves namespaced capability ids to their owning
// backends and dispatches calls with deadline enforcement and
// active-request bracketing. Retries never happen at this layer:
// idempotency of individual calls is not asserted, and connection
// retries belong to the pool.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/vmcp/pkg/logger"
	"github.com/stacklok/vmcp/pkg/vmcp"
	"github.com/stacklok/vmcp/pkg/vmcp/registry"
)

// Pool is the slice of the transport pool the router consumes.
type Pool interface {
	Get(ctx context.Context, backendID string) (vmcp.BackendClient, error)
	IncrementActive(backendID string)
	DecrementActive(backendID string)
}

// Config tunes per-call behavior.
type Config struct {
	// DefaultTimeout caps every dispatched call. A caller-requested
	// timeout can only shorten it.
	DefaultTimeout time.Duration

	// OutputSizeLimit rejects backend results larger than this many
	// bytes. Zero disables the check.
	OutputSizeLimit int
}

// Router dispatches namespaced calls. It is stateless; all shared
// state lives in the pool and the registry it is handed.
type Router struct {
	pool Pool
	reg  *registry.Registry
	cfg  Config
}

// New builds a router over the given pool and registry.
func New(pool Pool, reg *registry.Registry, cfg Config) *Router {
	return &Router{pool: pool, reg: reg, cfg: cfg}
}

// CallTool resolves a namespaced tool name and invokes it on the
// owning backend with its backend-native name.
func (r *Router) CallTool(ctx context.Context, nsName string, args map[string]any, requested time.Duration) (json.RawMessage, error) {
	target, err := r.reg.ResolveTool(nsName)
	if err != nil {
		logger.Debugw("tool route not found",
			"code", vmcp.LogRouteNotFound, "name", nsName)
		return nil, err
	}
	return r.dispatch(ctx, target.WorkloadID, requested, vmcp.MethodToolsCall,
		func(ctx context.Context, c vmcp.BackendClient) (json.RawMessage, error) {
			return c.CallTool(ctx, target.NativeName, args)
		})
}

// GetPrompt resolves a namespaced prompt name and fetches it.
func (r *Router) GetPrompt(ctx context.Context, nsName string, args map[string]any) (json.RawMessage, error) {
	target, err := r.reg.ResolvePrompt(nsName)
	if err != nil {
		return nil, err
	}
	return r.dispatch(ctx, target.WorkloadID, 0, vmcp.MethodPromptsGet,
		func(ctx context.Context, c vmcp.BackendClient) (json.RawMessage, error) {
			return c.GetPrompt(ctx, target.NativeName, args)
		})
}

// ReadResource resolves a namespaced resource URI and reads it.
func (r *Router) ReadResource(ctx context.Context, nsURI string) (json.RawMessage, error) {
	target, err := r.reg.ResolveResource(nsURI)
	if err != nil {
		return nil, err
	}
	return r.dispatch(ctx, target.WorkloadID, 0, vmcp.MethodResourcesRead,
		func(ctx context.Context, c vmcp.BackendClient) (json.RawMessage, error) {
			return c.ReadResource(ctx, target.NativeName)
		})
}

// SubscribeResource forwards a resources/subscribe to the backend that
// owns the native URI.
func (r *Router) SubscribeResource(ctx context.Context, backendID, nativeURI string) error {
	_, err := r.dispatch(ctx, backendID, 0, vmcp.MethodResourcesSubscribe,
		func(ctx context.Context, c vmcp.BackendClient) (json.RawMessage, error) {
			return nil, c.SubscribeResource(ctx, nativeURI)
		})
	return err
}

// UnsubscribeResource forwards a resources/unsubscribe to the backend.
func (r *Router) UnsubscribeResource(ctx context.Context, backendID, nativeURI string) error {
	_, err := r.dispatch(ctx, backendID, 0, vmcp.MethodResourcesUnsubscribe,
		func(ctx context.Context, c vmcp.BackendClient) (json.RawMessage, error) {
			return nil, c.UnsubscribeResource(ctx, nativeURI)
		})
	return err
}

// Complete forwards a completion request to one backend. The
// aggregation across backends happens in the correlator.
func (r *Router) Complete(ctx context.Context, backendID string, params json.RawMessage) (*vmcp.CompletionResult, error) {
	var result *vmcp.CompletionResult
	_, err := r.dispatch(ctx, backendID, 0, vmcp.MethodCompletionComplete,
		func(ctx context.Context, c vmcp.BackendClient) (json.RawMessage, error) {
			var cerr error
			result, cerr = c.Complete(ctx, params)
			return nil, cerr
		})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Ping checks one backend's liveness through the pool.
func (r *Router) Ping(ctx context.Context, backendID string) error {
	_, err := r.dispatch(ctx, backendID, 0, vmcp.MethodPing,
		func(ctx context.Context, c vmcp.BackendClient) (json.RawMessage, error) {
			return nil, c.Ping(ctx)
		})
	return err
}

// dispatch brackets one backend call: pool checkout, refcount, deadline
// arming, and error translation. Backend-reported wire errors pass
// through verbatim; only deadline expiry is rewritten, to the
// gateway's tool-timeout code.
func (r *Router) dispatch(ctx context.Context, backendID string, requested time.Duration, method string,
	fn func(ctx context.Context, c vmcp.BackendClient) (json.RawMessage, error),
) (json.RawMessage, error) {
	c, err := r.pool.Get(ctx, backendID)
	if err != nil {
		if errors.Is(err, vmcp.ErrBackendDraining) {
			logger.Debugw("refusing call to draining backend",
				"code", vmcp.LogRouteDraining, "backend_id", backendID, "method", method)
		}
		return nil, err
	}

	r.pool.IncrementActive(backendID)
	defer r.pool.DecrementActive(backendID)

	timeout := r.cfg.DefaultTimeout
	if requested > 0 && requested < timeout {
		timeout = requested
	}
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := fn(callCtx, c)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			logger.Warnw("backend call exceeded deadline",
				"code", vmcp.LogToolTimeout, "backend_id", backendID,
				"method", method, "timeout", timeout)
			return nil, &jsonrpc2.WireError{
				Code:    vmcp.CodeToolTimeout,
				Message: fmt.Sprintf("%s after %s", vmcp.ErrToolTimeout, timeout),
			}
		}
		return nil, err
	}

	if r.cfg.OutputSizeLimit > 0 && len(result) > r.cfg.OutputSizeLimit {
		logger.Warnw("backend result exceeds output size limit",
			"code", vmcp.LogOutputTooLarge, "backend_id", backendID,
			"method", method, "size", len(result), "limit", r.cfg.OutputSizeLimit)
		return nil, fmt.Errorf("%w (%d bytes > %d)",
			vmcp.ErrOutputTooLarge, len(result), r.cfg.OutputSizeLimit)
	}
	return result, nil
}
