// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client provides the typed MCP client the gateway uses to talk
// to a single backend over an established transport.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/vmcp/pkg/logger"
	"github.com/stacklok/vmcp/pkg/vmcp"
	"github.com/stacklok/vmcp/pkg/vmcp/transport"
)

// latestProtocolVersion is offered to backends during the handshake.
const latestProtocolVersion = "2025-11-25"

// Client implements vmcp.BackendClient over a transport.
type Client struct {
	backendID string
	transport transport.Transport

	caps            vmcp.BackendCapabilities
	protocolVersion string
}

var _ vmcp.BackendClient = (*Client)(nil)

// New wraps an established transport in a typed backend client.
func New(backend vmcp.Backend, t transport.Transport) *Client {
	return &Client{backendID: backend.ID, transport: t}
}

// Transport exposes the underlying transport so the pool can attach
// notification and close handlers.
func (c *Client) Transport() transport.Transport { return c.transport }

// initializeParams is the handshake request payload.
type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    clientCapabilities `json:"capabilities"`
	ClientInfo      implementation     `json:"clientInfo"`
}

type implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type clientCapabilities struct {
	Sampling    *struct{}        `json:"sampling,omitempty"`
	Elicitation *struct{}        `json:"elicitation,omitempty"`
	Roots       *rootsCapability `json:"roots,omitempty"`
}

type rootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      implementation     `json:"serverInfo"`
}

type listChangedCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type resourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

type serverCapabilities struct {
	Tools       *listChangedCapability `json:"tools,omitempty"`
	Prompts     *listChangedCapability `json:"prompts,omitempty"`
	Resources   *resourcesCapability   `json:"resources,omitempty"`
	Completions *struct{}              `json:"completions,omitempty"`
	Logging     *struct{}              `json:"logging,omitempty"`
}

// Initialize performs the MCP handshake. The gateway advertises
// sampling, elicitation and roots on behalf of its own clients, since
// it proxies those requests through to them.
func (c *Client) Initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: latestProtocolVersion,
		Capabilities: clientCapabilities{
			Sampling:    &struct{}{},
			Elicitation: &struct{}{},
			Roots:       &rootsCapability{ListChanged: true},
		},
		ClientInfo: implementation{Name: "vmcp", Version: "dev"},
	}
	raw, err := c.transport.Call(ctx, vmcp.MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize handshake with %s: %w", c.backendID, err)
	}
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("parsing initialize result from %s: %w", c.backendID, err)
	}

	c.protocolVersion = result.ProtocolVersion
	c.caps = vmcp.BackendCapabilities{}
	if t := result.Capabilities.Tools; t != nil {
		c.caps.Tools = true
		c.caps.ToolsListChanged = t.ListChanged
	}
	if p := result.Capabilities.Prompts; p != nil {
		c.caps.Prompts = true
		c.caps.PromptsListChanged = p.ListChanged
	}
	if r := result.Capabilities.Resources; r != nil {
		c.caps.Resources = true
		c.caps.ResourcesSubscribe = r.Subscribe
		c.caps.ResourcesChanged = r.ListChanged
	}
	c.caps.Completions = result.Capabilities.Completions != nil
	c.caps.Logging = result.Capabilities.Logging != nil

	if err := c.transport.Notify(ctx, vmcp.NotificationInitialized, struct{}{}); err != nil {
		return fmt.Errorf("sending initialized notification to %s: %w", c.backendID, err)
	}
	return nil
}

// Capabilities reports what the backend advertised during Initialize.
func (c *Client) Capabilities() vmcp.BackendCapabilities { return c.caps }

// Ping checks backend liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.transport.Call(ctx, vmcp.MethodPing, struct{}{})
	return err
}

type paginatedParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListTools queries the backend's tools, following pagination cursors.
// Backends without the tools capability yield an empty list.
func (c *Client) ListTools(ctx context.Context) ([]vmcp.Tool, error) {
	if !c.caps.Tools {
		return nil, nil
	}
	var out []vmcp.Tool
	cursor := ""
	for {
		raw, err := c.transport.Call(ctx, vmcp.MethodToolsList, paginatedParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("listing tools on %s: %w", c.backendID, err)
		}
		var page mcp.ListToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("parsing tools from %s: %w", c.backendID, err)
		}
		for _, t := range page.Tools {
			out = append(out, convertTool(c.backendID, t))
		}
		cursor = string(page.NextCursor)
		if cursor == "" {
			return out, nil
		}
	}
}

// ListPrompts queries the backend's prompts, following pagination.
func (c *Client) ListPrompts(ctx context.Context) ([]vmcp.Prompt, error) {
	if !c.caps.Prompts {
		return nil, nil
	}
	var out []vmcp.Prompt
	cursor := ""
	for {
		raw, err := c.transport.Call(ctx, vmcp.MethodPromptsList, paginatedParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("listing prompts on %s: %w", c.backendID, err)
		}
		var page mcp.ListPromptsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("parsing prompts from %s: %w", c.backendID, err)
		}
		for _, p := range page.Prompts {
			out = append(out, convertPrompt(c.backendID, p))
		}
		cursor = string(page.NextCursor)
		if cursor == "" {
			return out, nil
		}
	}
}

// ListResources queries the backend's resources, following pagination.
func (c *Client) ListResources(ctx context.Context) ([]vmcp.Resource, error) {
	if !c.caps.Resources {
		return nil, nil
	}
	var out []vmcp.Resource
	cursor := ""
	for {
		raw, err := c.transport.Call(ctx, vmcp.MethodResourcesList, paginatedParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("listing resources on %s: %w", c.backendID, err)
		}
		var page mcp.ListResourcesResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("parsing resources from %s: %w", c.backendID, err)
		}
		for _, r := range page.Resources {
			out = append(out, convertResource(c.backendID, r))
		}
		cursor = string(page.NextCursor)
		if cursor == "" {
			return out, nil
		}
	}
}

// ListResourceTemplates queries the backend's resource templates. Some
// backends do not implement the method at all; method-not-found is
// treated as an empty list.
func (c *Client) ListResourceTemplates(ctx context.Context) ([]vmcp.ResourceTemplate, error) {
	if !c.caps.Resources {
		return nil, nil
	}
	raw, err := c.transport.Call(ctx, vmcp.MethodResourcesTemplatesList, struct{}{})
	if err != nil {
		if isMethodNotFound(err) {
			logger.Debugw("backend does not support resource templates", "backend_id", c.backendID)
			return nil, nil
		}
		return nil, fmt.Errorf("listing resource templates on %s: %w", c.backendID, err)
	}
	var page mcp.ListResourceTemplatesResult
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("parsing resource templates from %s: %w", c.backendID, err)
	}
	var out []vmcp.ResourceTemplate
	for _, rt := range page.ResourceTemplates {
		out = append(out, convertResourceTemplate(c.backendID, rt))
	}
	return out, nil
}

// CallTool invokes a tool by its backend-native name. The result is
// returned verbatim; the gateway does not reinterpret tool output.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	params := map[string]any{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	return c.transport.Call(ctx, vmcp.MethodToolsCall, params)
}

// GetPrompt fetches a prompt by its backend-native name, verbatim.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	params := map[string]any{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	return c.transport.Call(ctx, vmcp.MethodPromptsGet, params)
}

// ReadResource reads a resource by its backend-native URI, verbatim.
func (c *Client) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	return c.transport.Call(ctx, vmcp.MethodResourcesRead, map[string]any{"uri": uri})
}

// SubscribeResource subscribes to update notifications for a
// backend-native resource URI.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	_, err := c.transport.Call(ctx, vmcp.MethodResourcesSubscribe, map[string]any{"uri": uri})
	return err
}

// UnsubscribeResource removes a resource subscription.
func (c *Client) UnsubscribeResource(ctx context.Context, uri string) error {
	_, err := c.transport.Call(ctx, vmcp.MethodResourcesUnsubscribe, map[string]any{"uri": uri})
	return err
}

// Complete forwards a completion request. The params are the client's
// own payload with the ref already translated to backend-native names.
func (c *Client) Complete(ctx context.Context, params json.RawMessage) (*vmcp.CompletionResult, error) {
	raw, err := c.transport.Call(ctx, vmcp.MethodCompletionComplete, params)
	if err != nil {
		return nil, err
	}
	var result vmcp.CompletionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing completion from %s: %w", c.backendID, err)
	}
	return &result, nil
}

// Close tears down the underlying transport.
func (c *Client) Close(ctx context.Context) error {
	return c.transport.Disconnect(ctx)
}
