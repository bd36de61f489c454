// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package vmcp defines the domain types shared by the virtual MCP gateway:
// backend descriptions, aggregated capabilities, routing targets, and the
// client interface used to talk to a single backend.
package vmcp

import (
	"context"
	"encoding/json"
)

// TransportType identifies how the gateway reaches a backend.
type TransportType string

// Supported backend transport types.
const (
	TransportStdio          TransportType = "stdio"
	TransportSSE            TransportType = "sse"
	TransportStreamableHTTP TransportType = "streamable-http"
)

// BackendMode controls the connection lifecycle for a backend.
//
// Stateful backends are connected eagerly and kept alive. Smart backends
// connect lazily and are evicted after an idle period. Stateless backends
// connect lazily and are never evicted on idle.
type BackendMode string

// Supported backend modes.
const (
	ModeStateful  BackendMode = "stateful"
	ModeSmart     BackendMode = "smart"
	ModeStateless BackendMode = "stateless"
)

// Backend describes a single configured upstream MCP server.
type Backend struct {
	// ID uniquely identifies the backend. It is restricted to
	// lowercase letters, digits and dashes so that namespaced
	// capability ids parse unambiguously.
	ID string

	// Name is a human-readable label. Defaults to ID.
	Name string

	// TransportType selects the wire transport.
	TransportType TransportType

	// BaseURL is the endpoint for sse and streamable-http transports.
	BaseURL string

	// Command and Args spawn the child process for stdio transports.
	Command string
	Args    []string

	// Env is merged into the child process environment (stdio only).
	Env map[string]string

	// Mode controls connection lifecycle. Defaults to smart.
	Mode BackendMode

	// Enabled gates whether the backend participates in aggregation.
	Enabled bool
}

// BackendTarget is the result of resolving a namespaced capability id:
// the owning backend plus the backend-native name to invoke.
type BackendTarget struct {
	// WorkloadID is the backend id.
	WorkloadID string

	// WorkloadName is the backend's human-readable name.
	WorkloadName string

	// BaseURL is the backend endpoint, when applicable.
	BaseURL string

	// TransportType is the backend's wire transport.
	TransportType TransportType

	// NativeName is the capability name (or resource URI) as the
	// backend knows it, with the gateway namespace stripped.
	NativeName string
}

// Tool is an aggregated tool definition.
type Tool struct {
	// Name is the namespaced name exposed to gateway clients.
	Name        string
	Description string
	InputSchema map[string]any

	// BackendID is the owning backend.
	BackendID string
}

// PromptArgument describes one argument accepted by a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is an aggregated prompt definition.
type Prompt struct {
	Name        string
	Description string
	Arguments   []PromptArgument
	BackendID   string
}

// Resource is an aggregated resource definition. URI is the namespaced
// mcp:// form exposed to gateway clients.
type Resource struct {
	URI         string
	Name        string
	Description string
	MIMEType    string
	BackendID   string
}

// ResourceTemplate is an aggregated resource template definition.
type ResourceTemplate struct {
	URITemplate string
	Name        string
	Description string
	MIMEType    string
	BackendID   string
}

// CompletionValues is the payload of a completion/complete result.
type CompletionValues struct {
	Values  []string `json:"values"`
	Total   int      `json:"total,omitempty"`
	HasMore bool     `json:"hasMore,omitempty"`
}

// CompletionResult wraps CompletionValues the way the wire protocol does.
type CompletionResult struct {
	Completion CompletionValues `json:"completion"`
}

// BackendClient is a typed MCP client bound to one backend connection.
// Call-style operations return the backend's result payload verbatim;
// the gateway forwards tool, prompt and resource results without
// reinterpreting them.
type BackendClient interface {
	// Initialize performs the MCP handshake with the backend.
	Initialize(ctx context.Context) error

	// Ping checks liveness.
	Ping(ctx context.Context) error

	// Capabilities reports what the backend advertised during the
	// handshake. Valid only after Initialize.
	Capabilities() BackendCapabilities

	ListTools(ctx context.Context) ([]Tool, error)
	ListPrompts(ctx context.Context) ([]Prompt, error)
	ListResources(ctx context.Context) ([]Resource, error)
	ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error)

	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	GetPrompt(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	ReadResource(ctx context.Context, uri string) (json.RawMessage, error)

	SubscribeResource(ctx context.Context, uri string) error
	UnsubscribeResource(ctx context.Context, uri string) error

	Complete(ctx context.Context, params json.RawMessage) (*CompletionResult, error)

	// Close tears down the underlying transport.
	Close(ctx context.Context) error
}

// BackendCapabilities is the subset of backend-advertised capabilities
// the gateway acts on.
type BackendCapabilities struct {
	Tools              bool
	ToolsListChanged   bool
	Prompts            bool
	PromptsListChanged bool
	Resources          bool
	ResourcesSubscribe bool
	ResourcesChanged   bool
	Completions        bool
	Logging            bool
}
