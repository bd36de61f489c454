// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/vmcp/pkg/logger"
	"github.com/stacklok/vmcp/pkg/vmcp"
	"github.com/stacklok/vmcp/pkg/vmcp/correlator"
	"github.com/stacklok/vmcp/pkg/vmcp/registry"
)

// Wire shapes for the front protocol.

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	Capabilities    struct {
		Sampling    *struct{} `json:"sampling,omitempty"`
		Elicitation *struct{} `json:"elicitation,omitempty"`
		Roots       *struct {
			ListChanged bool `json:"listChanged,omitempty"`
		} `json:"roots,omitempty"`
	} `json:"capabilities"`
	ClientInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

type listChangedCap struct {
	ListChanged bool `json:"listChanged"`
}

type resourcesCap struct {
	ListChanged bool `json:"listChanged"`
	Subscribe   bool `json:"subscribe"`
}

type advertisedCapabilities struct {
	Tools       listChangedCap `json:"tools"`
	Prompts     listChangedCap `json:"prompts"`
	Resources   resourcesCap   `json:"resources"`
	Completions struct{}       `json:"completions"`
	Logging     struct{}       `json:"logging"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    advertisedCapabilities `json:"capabilities"`
	ServerInfo      serverInfo             `json:"serverInfo"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

type listToolsResult struct {
	Tools []wireTool `json:"tools"`
}

type wirePrompt struct {
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Arguments   []vmcp.PromptArgument `json:"arguments,omitempty"`
}

type listPromptsResult struct {
	Prompts []wirePrompt `json:"prompts"`
}

type wireResource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

type listResourcesResult struct {
	Resources []wireResource `json:"resources"`
}

type wireResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

type listResourceTemplatesResult struct {
	ResourceTemplates []wireResourceTemplate `json:"resourceTemplates"`
}

type rootEntry struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

type rootsListResult struct {
	Roots []rootEntry `json:"roots"`
}

type uriParams struct {
	URI string `json:"uri"`
}

// handleInitialize runs version negotiation. An unsupported version is
// refused with the allow-list in the error data and leaves the session
// Uninitialized; a supported one moves it to Initializing until the
// initialized notification lands.
func (s *Server) handleInitialize(sess *Session, raw json.RawMessage) (any, error) {
	var params initializeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &jsonrpc2.WireError{Code: -32602, Message: "malformed initialize params"}
	}

	supported := false
	for _, v := range s.cfg.ProtocolVersions {
		if v == params.ProtocolVersion {
			supported = true
			break
		}
	}
	if !supported {
		return nil, &jsonrpc2.WireError{
			Code:    -32602,
			Message: fmt.Sprintf("Unsupported protocol version: %s", params.ProtocolVersion),
			Data:    marshalData(map[string]any{"supported": s.cfg.ProtocolVersions}),
		}
	}

	sess.mu.Lock()
	if sess.state != StateUninitialized {
		sess.mu.Unlock()
		return nil, &jsonrpc2.WireError{Code: -32600, Message: "already initialized"}
	}
	sess.state = StateInitializing
	sess.protocolVersion = params.ProtocolVersion
	sess.clientName = params.ClientInfo.Name
	sess.caps = ClientCapabilities{
		Sampling:    params.Capabilities.Sampling != nil,
		Elicitation: params.Capabilities.Elicitation != nil,
		Roots:       params.Capabilities.Roots != nil,
	}
	sess.mu.Unlock()

	logger.Infow("client session initializing",
		"client_id", sess.ID, "client", params.ClientInfo.Name,
		"protocol_version", params.ProtocolVersion)

	return initializeResult{
		ProtocolVersion: params.ProtocolVersion,
		Capabilities: advertisedCapabilities{
			Tools:     listChangedCap{ListChanged: true},
			Prompts:   listChangedCap{ListChanged: true},
			Resources: resourcesCap{ListChanged: true, Subscribe: true},
		},
		ServerInfo: serverInfo{Name: s.cfg.Name, Version: s.cfg.Version},
	}, nil
}

func (s *Server) handleToolsList() (any, error) {
	tools := s.reg.ListTools()
	out := listToolsResult{Tools: make([]wireTool, 0, len(tools))}
	for _, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out.Tools = append(out.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out, nil
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (s *Server) handleToolsCall(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var params toolsCallParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &jsonrpc2.WireError{Code: -32602, Message: "malformed tools/call params"}
	}
	result, err := s.routeTool(ctx, params.Name, params.Arguments)
	if err != nil {
		logger.Debugw("tool call failed",
			"client_id", sess.ID, "tool", params.Name, "error", err)
		return nil, err
	}
	return json.RawMessage(result), nil
}

// routeTool dispatches through the router, lazily re-registering a
// disconnected backend's capabilities when its namespace prefix still
// matches a registered backend. This keeps the registry's
// connected-only invariant while letting evicted smart-mode backends
// recover on the next call.
func (s *Server) routeTool(ctx context.Context, nsName string, args map[string]any) (json.RawMessage, error) {
	result, err := s.router.CallTool(ctx, nsName, args, 0)
	if err != nil && errors.Is(err, vmcp.ErrRouteNotFound) {
		if s.reviveBackendFor(ctx, nsName) {
			return s.router.CallTool(ctx, nsName, args, 0)
		}
	}
	return result, err
}

// reviveBackendFor reconnects the backend a namespaced id points at,
// provided it is registered with the pool, enabled and not draining.
// Reports whether the registry now has fresh entries for it.
func (s *Server) reviveBackendFor(ctx context.Context, nsID string) bool {
	backendID, _, err := registry.ParseToolID(nsID)
	if err != nil {
		return false
	}
	return s.reviveBackend(ctx, backendID)
}

func (s *Server) reviveBackend(ctx context.Context, backendID string) bool {
	if s.reg.HasBackend(backendID) {
		return false
	}
	backend, ok := s.pool.BackendConfig(backendID)
	if !ok || !backend.Enabled {
		return false
	}
	c, err := s.pool.Get(ctx, backendID)
	if err != nil {
		return false
	}
	if err := s.reg.AddBackend(ctx, backend, c); err != nil {
		logger.Warnw("rediscovery failed", "backend_id", backendID, "error", err)
		return false
	}
	s.broadcastListChanged()
	return true
}

func (s *Server) handlePromptsList() (any, error) {
	prompts := s.reg.ListPrompts()
	out := listPromptsResult{Prompts: make([]wirePrompt, 0, len(prompts))}
	for _, p := range prompts {
		out.Prompts = append(out.Prompts, wirePrompt{
			Name:        p.Name,
			Description: p.Description,
			Arguments:   p.Arguments,
		})
	}
	return out, nil
}

type promptsGetParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (s *Server) handlePromptsGet(ctx context.Context, raw json.RawMessage) (any, error) {
	var params promptsGetParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &jsonrpc2.WireError{Code: -32602, Message: "malformed prompts/get params"}
	}
	result, err := s.router.GetPrompt(ctx, params.Name, params.Arguments)
	if err != nil && errors.Is(err, vmcp.ErrRouteNotFound) {
		if s.reviveBackendFor(ctx, params.Name) {
			result, err = s.router.GetPrompt(ctx, params.Name, params.Arguments)
		}
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(result), nil
}

func (s *Server) handleResourcesList() (any, error) {
	resources := s.reg.ListResources()
	out := listResourcesResult{Resources: make([]wireResource, 0, len(resources))}
	for _, r := range resources {
		out.Resources = append(out.Resources, wireResource{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MIMEType:    r.MIMEType,
		})
	}
	return out, nil
}

func (s *Server) handleResourceTemplatesList() (any, error) {
	templates := s.reg.ListResourceTemplates()
	out := listResourceTemplatesResult{ResourceTemplates: make([]wireResourceTemplate, 0, len(templates))}
	for _, rt := range templates {
		out.ResourceTemplates = append(out.ResourceTemplates, wireResourceTemplate{
			URITemplate: rt.URITemplate,
			Name:        rt.Name,
			Description: rt.Description,
			MIMEType:    rt.MIMEType,
		})
	}
	return out, nil
}

func (s *Server) handleResourcesRead(ctx context.Context, raw json.RawMessage) (any, error) {
	var params uriParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &jsonrpc2.WireError{Code: -32602, Message: "malformed resources/read params"}
	}
	result, err := s.router.ReadResource(ctx, params.URI)
	if err != nil && errors.Is(err, vmcp.ErrRouteNotFound) {
		if backendID, _, perr := registry.ParseResourceID(params.URI); perr == nil {
			if s.reviveBackend(ctx, backendID) {
				result, err = s.router.ReadResource(ctx, params.URI)
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(result), nil
}

func (s *Server) handleResourcesSubscribe(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var params uriParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &jsonrpc2.WireError{Code: -32602, Message: "malformed resources/subscribe params"}
	}
	if err := s.subs.Subscribe(ctx, sess.ID, params.URI); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *Server) handleResourcesUnsubscribe(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var params uriParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &jsonrpc2.WireError{Code: -32602, Message: "malformed resources/unsubscribe params"}
	}
	if err := s.subs.Unsubscribe(ctx, sess.ID, params.URI); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// completionRef is the part of completion params the gateway rewrites:
// namespaced prompt names and resource URIs become backend-native per
// queried backend.
type completionParams struct {
	Ref struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
		URI  string `json:"uri,omitempty"`
	} `json:"ref"`
	Argument json.RawMessage `json:"argument"`
	Context  json.RawMessage `json:"context,omitempty"`
}

// handleCompletionComplete aggregates completions across every backend
// exposing the capability, bounded per backend; late responses are
// discarded by the aggregation deadline.
func (s *Server) handleCompletionComplete(ctx context.Context, raw json.RawMessage) (any, error) {
	var params completionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &jsonrpc2.WireError{Code: -32602, Message: "malformed completion/complete params"}
	}

	backends := s.reg.CompletionBackends()
	result := correlator.AggregateCompletions(ctx, backends, s.cfg.CompletionTimeout,
		func(ctx context.Context, backendID string) (*vmcp.CompletionResult, error) {
			translated, err := s.translateCompletionParams(backendID, params, raw)
			if err != nil {
				return nil, err
			}
			return s.router.Complete(ctx, backendID, translated)
		})
	return result, nil
}

// translateCompletionParams rewrites the completion ref into the
// queried backend's native namespace. Refs owned by other backends
// pass through verbatim; the owning backend simply rejects or ignores
// them.
func (s *Server) translateCompletionParams(backendID string, params completionParams, raw json.RawMessage) (json.RawMessage, error) {
	native := ""
	switch {
	case params.Ref.Name != "":
		if owner, name, err := registry.ParseToolID(params.Ref.Name); err == nil && owner == backendID {
			native = name
		}
	case params.Ref.URI != "":
		if owner, uri, err := registry.ParseResourceID(params.Ref.URI); err == nil && owner == backendID {
			native = uri
		}
	}
	if native == "" {
		return raw, nil
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	ref := map[string]any{"type": params.Ref.Type}
	if params.Ref.Name != "" {
		ref["name"] = native
	} else {
		ref["uri"] = native
	}
	refRaw, err := json.Marshal(ref)
	if err != nil {
		return nil, err
	}
	generic["ref"] = refRaw
	return json.Marshal(generic)
}

type setLevelParams struct {
	Level string `json:"level"`
}

// logLevelRank orders MCP logging levels for the minimum-level filter.
var logLevelRank = map[string]int{
	"debug":     0,
	"info":      1,
	"notice":    2,
	"warning":   3,
	"error":     4,
	"critical":  5,
	"alert":     6,
	"emergency": 7,
}

func (s *Server) handleLoggingSetLevel(sess *Session, raw json.RawMessage) (any, error) {
	var params setLevelParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &jsonrpc2.WireError{Code: -32602, Message: "malformed logging/setLevel params"}
	}
	if _, ok := logLevelRank[params.Level]; !ok {
		return nil, &jsonrpc2.WireError{
			Code:    -32602,
			Message: fmt.Sprintf("unknown logging level %q", params.Level),
		}
	}
	sess.mu.Lock()
	sess.logLevel = params.Level
	sess.mu.Unlock()
	return struct{}{}, nil
}
