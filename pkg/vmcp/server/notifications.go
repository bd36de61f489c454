// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/vmcp/pkg/logger"
	"github.com/stacklok/vmcp/pkg/vmcp"
	"github.com/stacklok/vmcp/pkg/vmcp/correlator"
)

// debouncer coalesces bursts of listChanged notifications per
// (backend, kind). The final state after the last burst always wins,
// because the refresh runs after the window closes.
type debouncer struct {
	window time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{window: window, timers: make(map[string]*time.Timer)}
}

func (d *debouncer) trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		delete(d.timers, key)
		d.mu.Unlock()
		fn()
	})
}

// OnBackendNotification fans backend notifications in: listChanged
// refreshes the registry then reaches every initialized session;
// resources/updated reaches exactly the subscribed sessions; log
// messages reach sessions that enabled reception, filtered by level.
func (s *Server) OnBackendNotification(backendID, method string, params json.RawMessage) {
	switch method {
	case vmcp.NotificationToolsListChanged,
		vmcp.NotificationPromptsListChanged,
		vmcp.NotificationResourcesChanged:
		s.debounce.trigger(backendID+"|"+method, func() {
			s.refreshAndBroadcast(backendID, method)
		})
	case vmcp.NotificationResourcesUpdated:
		s.fanOutResourceUpdated(backendID, params)
	case vmcp.NotificationMessage:
		s.fanOutLogMessage(backendID, params)
	case vmcp.NotificationProgress:
		// Progress tokens are call-scoped; without the originating
		// call id there is no client to route to.
		logger.Debugw("dropping backend progress notification", "backend_id", backendID)
	default:
		logger.Debugw("ignoring backend notification",
			"backend_id", backendID, "method", method)
	}
}

// refreshAndBroadcast re-queries one backend's capability lists and
// forwards an equivalent listChanged to every initialized session.
func (s *Server) refreshAndBroadcast(backendID, method string) {
	if !s.reg.HasBackend(backendID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := s.pool.Get(ctx, backendID)
	if err != nil {
		logger.Warnw("cannot refresh capabilities",
			"backend_id", backendID, "error", err)
		return
	}
	if err := s.reg.RefreshBackend(ctx, backendID, c); err != nil {
		logger.Warnw("capability refresh failed",
			"backend_id", backendID, "error", err)
		return
	}
	s.broadcastNotification(method, struct{}{})
}

type resourceUpdatedParams struct {
	URI    string `json:"uri"`
	Status string `json:"status,omitempty"`
}

func (s *Server) fanOutResourceUpdated(backendID string, params json.RawMessage) {
	var p uriParams
	if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
		logger.Debugw("malformed resources/updated from backend",
			"backend_id", backendID, "error", err)
		return
	}
	nsURI := s.reg.ResourceNsID(backendID, p.URI)
	for _, clientID := range s.subs.SubscribersFor(nsURI) {
		s.sendToClient(clientID, vmcp.NotificationResourcesUpdated,
			resourceUpdatedParams{URI: nsURI})
	}
}

type logMessageParams struct {
	Level  string          `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (s *Server) fanOutLogMessage(backendID string, params json.RawMessage) {
	var p logMessageParams
	if err := json.Unmarshal(params, &p); err != nil {
		logger.Debugw("malformed log message from backend",
			"backend_id", backendID, "error", err)
		return
	}
	rank, known := logLevelRank[p.Level]
	if !known {
		rank = logLevelRank["info"]
	}
	for _, sess := range s.sessions.initialized() {
		sess.mu.Lock()
		minLevel := sess.logLevel
		sess.mu.Unlock()
		if minLevel == "" || rank < logLevelRank[minLevel] {
			continue
		}
		s.sendToClient(sess.ID, vmcp.NotificationMessage, json.RawMessage(params))
	}
}

// OnBackendRequest proxies a backend-initiated request (sampling,
// elicitation, roots) to a capable client through the correlator and
// blocks until the client answers, the deadline passes, or the client
// disconnects.
func (s *Server) OnBackendRequest(ctx context.Context, backendID string, req *jsonrpc2.Request) (any, error) {
	var kind correlator.Kind
	var candidates []string
	switch req.Method {
	case vmcp.MethodSamplingCreateMessage:
		kind = correlator.KindSampling
		candidates = s.sessions.capable(func(c ClientCapabilities) bool { return c.Sampling })
	case vmcp.MethodElicitationCreate:
		kind = correlator.KindElicitation
		candidates = s.sessions.capable(func(c ClientCapabilities) bool { return c.Elicitation })
	case vmcp.MethodRootsList:
		kind = correlator.KindRoots
		candidates = s.sessions.capable(func(c ClientCapabilities) bool { return c.Roots })
	default:
		return nil, jsonrpc2.ErrMethodNotFound
	}

	pending, err := s.corr.Register(kind, backendID, req.ID.Raw(), "", candidates)
	if err != nil {
		return nil, &jsonrpc2.WireError{
			Code:    vmcp.CodeNoCapableClient,
			Message: err.Error(),
		}
	}

	sess, ok := s.sessions.get(pending.ClientID)
	if !ok {
		s.corr.Resolve(pending.GatewayID, nil, cancelErrorFor(kind))
	} else {
		fwd := &jsonrpc2.Request{
			ID:     jsonrpc2.StringID(pending.GatewayID),
			Method: req.Method,
			Params: req.Params,
		}
		if serr := sess.send(ctx, fwd); serr != nil {
			logger.Warnw("forwarding backend request to client failed",
				"backend_id", backendID, "client_id", pending.ClientID, "error", serr)
			s.corr.Resolve(pending.GatewayID, nil, cancelErrorFor(kind))
		}
	}

	result, err := s.corr.Await(ctx, pending.GatewayID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func cancelErrorFor(kind correlator.Kind) error {
	if kind == correlator.KindSampling {
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

// OnBackendClosed cascades a lost backend: registry entries dropped,
// dangling subscriptions removed with a synthetic unavailable
// notification, and listChanged broadcast so clients re-list.
func (s *Server) OnBackendClosed(backendID string, err error) {
	if !s.reg.HasBackend(backendID) {
		return
	}
	s.reg.RemoveBackend(backendID)

	for _, removed := range s.subs.OnBackendRemoved(backendID) {
		s.sendToClient(removed.ClientID, vmcp.NotificationResourcesUpdated,
			resourceUpdatedParams{URI: removed.NsURI, Status: "unavailable"})
	}

	logger.Infow("backend removed from aggregation",
		"backend_id", backendID, "error", err)
	s.broadcastListChanged()
}

// broadcastListChanged tells every initialized session that all three
// capability lists may have changed.
func (s *Server) broadcastListChanged() {
	s.broadcastNotification(vmcp.NotificationToolsListChanged, struct{}{})
	s.broadcastNotification(vmcp.NotificationPromptsListChanged, struct{}{})
	s.broadcastNotification(vmcp.NotificationResourcesChanged, struct{}{})
}

func (s *Server) broadcastNotification(method string, params any) {
	for _, sess := range s.sessions.initialized() {
		s.sendSessionNotification(sess, method, params)
	}
}

func (s *Server) sendToClient(clientID, method string, params any) {
	sess, ok := s.sessions.get(clientID)
	if !ok {
		return
	}
	s.sendSessionNotification(sess, method, params)
}

func (s *Server) sendSessionNotification(sess *Session, method string, params any) {
	note, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		logger.Errorw("marshaling notification failed", "method", method, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.send(ctx, note); err != nil {
		logger.Debugw("notification delivery failed",
			"client_id", sess.ID, "method", method, "error", err)
	}
}
