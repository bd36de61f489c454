// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/vmcp/pkg/vmcp"
)

// convertTool maps an MCP SDK tool to the gateway's domain type. The
// returned Name is still the backend-native one; namespacing happens in
// the registry.
func convertTool(backendID string, t mcp.Tool) vmcp.Tool {
	return vmcp.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: convertToolInputSchema(t.InputSchema),
		BackendID:   backendID,
	}
}

// convertToolInputSchema flattens the SDK's schema struct into the
// plain map the gateway serves back out.
func convertToolInputSchema(s mcp.ToolInputSchema) map[string]any {
	schema := map[string]any{}
	if s.Type != "" {
		schema["type"] = s.Type
	}
	if s.Properties != nil {
		schema["properties"] = s.Properties
	}
	if len(s.Required) > 0 {
		schema["required"] = s.Required
	}
	if s.Defs != nil {
		schema["$defs"] = s.Defs
	}
	return schema
}

func convertPrompt(backendID string, p mcp.Prompt) vmcp.Prompt {
	prompt := vmcp.Prompt{
		Name:        p.Name,
		Description: p.Description,
		BackendID:   backendID,
	}
	for _, a := range p.Arguments {
		prompt.Arguments = append(prompt.Arguments, vmcp.PromptArgument{
			Name:        a.Name,
			Description: a.Description,
			Required:    a.Required,
		})
	}
	return prompt
}

func convertResource(backendID string, r mcp.Resource) vmcp.Resource {
	return vmcp.Resource{
		URI:         r.URI,
		Name:        r.Name,
		Description: r.Description,
		MIMEType:    r.MIMEType,
		BackendID:   backendID,
	}
}

func convertResourceTemplate(backendID string, rt mcp.ResourceTemplate) vmcp.ResourceTemplate {
	out := vmcp.ResourceTemplate{
		Name:        rt.Name,
		Description: rt.Description,
		MIMEType:    rt.MIMEType,
		BackendID:   backendID,
	}
	if rt.URITemplate != nil && rt.URITemplate.Template != nil {
		out.URITemplate = rt.URITemplate.Raw()
	}
	return out
}

// isMethodNotFound reports whether err is a backend-side "method not
// found" wire error.
func isMethodNotFound(err error) bool {
	var wireErr *jsonrpc2.WireError
	if errors.As(err, &wireErr) {
		return wireErr.Code == -32601
	}
	return false
}
