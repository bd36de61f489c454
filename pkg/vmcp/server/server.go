// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server implements the front-facing gateway: the JSON-RPC
// endpoint clients talk to, the per-session handshake state machine,
// notification fan-out, and the glue between the pool, registry,
// router, subscription manager and correlator.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/vmcp/pkg/logger"
	"github.com/stacklok/vmcp/pkg/telemetry"
	"github.com/stacklok/vmcp/pkg/vmcp"
	"github.com/stacklok/vmcp/pkg/vmcp/correlator"
	"github.com/stacklok/vmcp/pkg/vmcp/pool"
	"github.com/stacklok/vmcp/pkg/vmcp/registry"
	"github.com/stacklok/vmcp/pkg/vmcp/router"
	"github.com/stacklok/vmcp/pkg/vmcp/subscription"
)

// SupportedProtocolVersions is the allow-list for version negotiation,
// ascending. The last element is the newest the gateway speaks.
var SupportedProtocolVersions = []string{
	"2025-03-26",
	"2025-06-18",
	"2025-11-05",
	"2025-11-25",
}

// Config tunes the gateway server.
type Config struct {
	// Name and Version identify the gateway in initialize replies.
	Name    string
	Version string

	// ProtocolVersions overrides the default allow-list. Rarely set.
	ProtocolVersions []string

	// CompletionTimeout bounds each backend during completion
	// aggregation.
	CompletionTimeout time.Duration

	// ListChangedDebounce coalesces bursts of listChanged
	// notifications from one backend.
	ListChangedDebounce time.Duration
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "vmcp"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if len(c.ProtocolVersions) == 0 {
		c.ProtocolVersions = SupportedProtocolVersions
	}
	if c.CompletionTimeout == 0 {
		c.CompletionTimeout = 5 * time.Second
	}
	if c.ListChangedDebounce == 0 {
		c.ListChangedDebounce = 100 * time.Millisecond
	}
}

// Server is the front-facing gateway endpoint. One instance owns the
// session store and fans backend notifications out to clients.
type Server struct {
	cfg Config

	pool     *pool.Pool
	reg      *registry.Registry
	router   *router.Router
	subs     *subscription.Manager
	corr     *correlator.Correlator
	sessions *sessionStore
	metrics  *telemetry.Metrics

	debounce *debouncer
}

// HandleFrame processes one frame from a client. Calls yield an
// encoded response frame; notifications and responses yield nil. The
// returned error is non-nil only for frames that cannot be decoded at
// all.
func (s *Server) HandleFrame(ctx context.Context, clientID string, frame []byte) ([]byte, error) {
	msg, err := jsonrpc2.DecodeMessage(frame)
	if err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	sess := s.sessions.getOrCreate(clientID)

	switch m := msg.(type) {
	case *jsonrpc2.Response:
		s.handleClientResponse(m)
		return nil, nil
	case *jsonrpc2.Request:
		if !m.IsCall() {
			s.handleClientNotification(sess, m)
			return nil, nil
		}
		start := time.Now()
		result, herr := s.dispatchCall(ctx, sess, m)
		s.metrics.RecordRequest(ctx, m.Method, time.Since(start), herr)
		if herr != nil {
			s.logHandlerError(sess, m, herr)
			herr = toWireError(herr)
			result = nil
		}
		resp, merr := jsonrpc2.NewResponse(m.ID, result, herr)
		if merr != nil {
			resp, _ = jsonrpc2.NewResponse(m.ID, nil, jsonrpc2.ErrInternal)
		}
		return jsonrpc2.EncodeMessage(resp)
	default:
		return nil, fmt.Errorf("unsupported message type %T", msg)
	}
}

// Connect attaches the front transport's sender for a client, creating
// its session.
func (s *Server) Connect(clientID string, sender Sender) {
	sess := s.sessions.getOrCreate(clientID)
	sess.mu.Lock()
	sess.sender = sender
	sess.mu.Unlock()
}

// Disconnect terminates a client's session and cascades cleanup:
// subscriptions released, outstanding correlations cancelled. No frame
// is delivered to the client afterwards.
func (s *Server) Disconnect(ctx context.Context, clientID string) {
	if _, ok := s.sessions.remove(clientID); !ok {
		return
	}
	s.subs.CleanupClient(ctx, clientID)
	s.corr.CancelClient(clientID)
	logger.Debugw("client session terminated", "client_id", clientID)
}

// dispatchCall gates a call on the session state machine, then routes
// it by method name. Only initialize is allowed before the handshake
// completes.
func (s *Server) dispatchCall(ctx context.Context, sess *Session, req *jsonrpc2.Request) (any, error) {
	if req.Method == vmcp.MethodInitialize {
		return s.handleInitialize(sess, req.Params)
	}

	if sess.State() != StateInitialized {
		return nil, &jsonrpc2.WireError{
			Code:    -32600,
			Message: "not initialized",
		}
	}

	switch req.Method {
	case vmcp.MethodPing:
		return struct{}{}, nil
	case vmcp.MethodToolsList:
		return s.handleToolsList()
	case vmcp.MethodToolsCall:
		return s.handleToolsCall(ctx, sess, req.Params)
	case vmcp.MethodPromptsList:
		return s.handlePromptsList()
	case vmcp.MethodPromptsGet:
		return s.handlePromptsGet(ctx, req.Params)
	case vmcp.MethodResourcesList:
		return s.handleResourcesList()
	case vmcp.MethodResourcesTemplatesList:
		return s.handleResourceTemplatesList()
	case vmcp.MethodResourcesRead:
		return s.handleResourcesRead(ctx, req.Params)
	case vmcp.MethodResourcesSubscribe:
		return s.handleResourcesSubscribe(ctx, sess, req.Params)
	case vmcp.MethodResourcesUnsubscribe:
		return s.handleResourcesUnsubscribe(ctx, sess, req.Params)
	case vmcp.MethodCompletionComplete:
		return s.handleCompletionComplete(ctx, req.Params)
	case vmcp.MethodRootsList:
		return rootsListResult{Roots: []rootEntry{}}, nil
	case vmcp.MethodLoggingSetLevel:
		return s.handleLoggingSetLevel(sess, req.Params)
	default:
		return nil, &jsonrpc2.WireError{
			Code:    -32601,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		}
	}
}

// handleClientNotification processes client-to-gateway notifications.
func (s *Server) handleClientNotification(sess *Session, req *jsonrpc2.Request) {
	switch req.Method {
	case vmcp.NotificationInitialized:
		sess.mu.Lock()
		if sess.state == StateInitializing {
			sess.state = StateInitialized
		} else {
			logger.Debugw("unexpected initialized notification",
				"client_id", sess.ID, "state", sess.state)
		}
		sess.mu.Unlock()
	case vmcp.NotificationCancelled:
		// Best-effort cancellation is not propagated per-call; the
		// per-call deadline still bounds the backend.
		logger.Debugw("client cancelled request", "client_id", sess.ID)
	case vmcp.NotificationRootsListChanged:
		logger.Debugw("client roots changed", "client_id", sess.ID)
	default:
		logger.Debugw("ignoring client notification",
			"client_id", sess.ID, "method", req.Method)
	}
}

// handleClientResponse routes a client's reply to a server-initiated
// request back through the correlator. Late or unknown replies are
// discarded there.
func (s *Server) handleClientResponse(resp *jsonrpc2.Response) {
	gatewayID, ok := resp.ID.Raw().(string)
	if !ok {
		logger.Debugw("discarding client response with non-string id", "id", resp.ID.Raw())
		return
	}
	s.corr.Resolve(gatewayID, resp.Result, resp.Error)
}

func (s *Server) logHandlerError(sess *Session, req *jsonrpc2.Request, err error) {
	logger.Debugw("request failed",
		"client_id", sess.ID,
		"method", req.Method,
		"request_id", req.ID.Raw(),
		"error", err)
}

// toWireError maps core errors to the gateway's JSON-RPC code
// catalogue. Backend wire errors pass through untouched.
func toWireError(err error) error {
	var wireErr *jsonrpc2.WireError
	if errors.As(err, &wireErr) {
		return wireErr
	}
	code := int64(-32603)
	switch {
	case errors.Is(err, vmcp.ErrRouteNotFound):
		code = -32602
	case errors.Is(err, vmcp.ErrSubscriptionNotFound):
		code = vmcp.CodeSubscriptionNotFound
	case errors.Is(err, vmcp.ErrSubscriptionLimit):
		code = vmcp.CodeSubscriptionLimit
	case errors.Is(err, vmcp.ErrNoCapableClient):
		code = vmcp.CodeNoCapableClient
	case errors.Is(err, context.DeadlineExceeded):
		code = vmcp.CodeToolTimeout
	}
	return &jsonrpc2.WireError{Code: code, Message: err.Error()}
}

// marshalData is a helper for error payloads.
func marshalData(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
