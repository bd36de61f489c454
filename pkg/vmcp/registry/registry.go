// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registry maintains the gateway's capability index: every
// tool, prompt, resource and resource template advertised by a
// connected backend, keyed by namespaced id, plus a fuzzy search index
// over names and descriptions.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stacklok/vmcp/pkg/logger"
	"github.com/stacklok/vmcp/pkg/vmcp"
)

// CapabilityKind discriminates registry entries.
type CapabilityKind string

// Capability kinds.
const (
	KindTool             CapabilityKind = "tool"
	KindPrompt           CapabilityKind = "prompt"
	KindResource         CapabilityKind = "resource"
	KindResourceTemplate CapabilityKind = "resource_template"
)

// backendRecord is everything the registry keeps per connected backend.
type backendRecord struct {
	backend   vmcp.Backend
	caps      vmcp.BackendCapabilities
	tools     map[string]vmcp.Tool             // nsID -> namespaced definition
	prompts   map[string]vmcp.Prompt           // nsID -> namespaced definition
	resources map[string]vmcp.Resource         // nsURI -> namespaced definition
	templates map[string]vmcp.ResourceTemplate // nsID -> namespaced definition
	natives   map[string]string                // nsID/nsURI -> backend-native name or URI
}

// Registry is the shared capability index. Mutations are serialized by
// the writer lock; lookups take the read lock. The search index is
// rebuilt under the writer lock on every mutation.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*backendRecord
	index    searchIndex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{backends: make(map[string]*backendRecord)}
}

// AddBackend queries the backend's capability lists through c and
// indexes them. Items that fail validation (empty names, duplicate
// native names within the same backend) are skipped with a log; the
// backend connection is not torn down for a bad item.
func (r *Registry) AddBackend(ctx context.Context, backend vmcp.Backend, c vmcp.BackendClient) error {
	rec, err := r.discover(ctx, backend, c)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[backend.ID] = rec
	r.rebuildIndexLocked()
	logger.Infow("backend capabilities registered",
		"backend_id", backend.ID,
		"tools", len(rec.tools), "prompts", len(rec.prompts),
		"resources", len(rec.resources), "resource_templates", len(rec.templates))
	return nil
}

// RefreshBackend re-queries a connected backend after a listChanged
// notification and swaps its entries atomically.
func (r *Registry) RefreshBackend(ctx context.Context, backendID string, c vmcp.BackendClient) error {
	r.mu.RLock()
	rec, ok := r.backends[backendID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", vmcp.ErrBackendNotFound, backendID)
	}
	fresh, err := r.discover(ctx, rec.backend, c)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, still := r.backends[backendID]; !still {
		// Backend disconnected while we were querying it.
		return nil
	}
	r.backends[backendID] = fresh
	r.rebuildIndexLocked()
	return nil
}

// discover queries all four capability lists and validates them.
func (*Registry) discover(ctx context.Context, backend vmcp.Backend, c vmcp.BackendClient) (*backendRecord, error) {
	rec := &backendRecord{
		backend:   backend,
		caps:      c.Capabilities(),
		tools:     make(map[string]vmcp.Tool),
		prompts:   make(map[string]vmcp.Prompt),
		resources: make(map[string]vmcp.Resource),
		templates: make(map[string]vmcp.ResourceTemplate),
		natives:   make(map[string]string),
	}

	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering tools on %s: %w", backend.ID, err)
	}
	seen := make(map[string]bool)
	for _, t := range tools {
		if t.Name == "" {
			logger.Warnw("skipping tool with empty name",
				"code", vmcp.LogSchemaViolation, "backend_id", backend.ID)
			continue
		}
		if seen[t.Name] {
			logger.Warnw("skipping duplicate tool name",
				"code", vmcp.LogSchemaViolation, "backend_id", backend.ID, "tool", t.Name)
			continue
		}
		seen[t.Name] = true
		nsID := ToolID(backend.ID, t.Name)
		namespaced := t
		namespaced.Name = nsID
		rec.tools[nsID] = namespaced
		rec.natives[nsID] = t.Name
	}

	prompts, err := c.ListPrompts(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering prompts on %s: %w", backend.ID, err)
	}
	seen = make(map[string]bool)
	for _, p := range prompts {
		if p.Name == "" {
			logger.Warnw("skipping prompt with empty name",
				"code", vmcp.LogSchemaViolation, "backend_id", backend.ID)
			continue
		}
		if seen[p.Name] {
			logger.Warnw("skipping duplicate prompt name",
				"code", vmcp.LogSchemaViolation, "backend_id", backend.ID, "prompt", p.Name)
			continue
		}
		seen[p.Name] = true
		nsID := ToolID(backend.ID, p.Name)
		namespaced := p
		namespaced.Name = nsID
		rec.prompts[nsID] = namespaced
		rec.natives[nsID] = p.Name
	}

	resources, err := c.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering resources on %s: %w", backend.ID, err)
	}
	seen = make(map[string]bool)
	for _, res := range resources {
		if res.URI == "" {
			logger.Warnw("skipping resource with empty URI",
				"code", vmcp.LogSchemaViolation, "backend_id", backend.ID)
			continue
		}
		if seen[res.URI] {
			logger.Warnw("skipping duplicate resource URI",
				"code", vmcp.LogSchemaViolation, "backend_id", backend.ID, "uri", res.URI)
			continue
		}
		seen[res.URI] = true
		nsURI := ResourceID(backend.ID, res.URI)
		namespaced := res
		namespaced.URI = nsURI
		rec.resources[nsURI] = namespaced
		rec.natives[nsURI] = res.URI
	}

	templates, err := c.ListResourceTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering resource templates on %s: %w", backend.ID, err)
	}
	seen = make(map[string]bool)
	for _, rt := range templates {
		if rt.URITemplate == "" {
			logger.Warnw("skipping resource template with empty URI template",
				"code", vmcp.LogSchemaViolation, "backend_id", backend.ID)
			continue
		}
		if seen[rt.URITemplate] {
			logger.Warnw("skipping duplicate resource template",
				"code", vmcp.LogSchemaViolation, "backend_id", backend.ID, "template", rt.URITemplate)
			continue
		}
		seen[rt.URITemplate] = true
		nsID := ResourceID(backend.ID, rt.URITemplate)
		namespaced := rt
		namespaced.URITemplate = nsID
		rec.templates[nsID] = namespaced
		rec.natives[nsID] = rt.URITemplate
	}

	return rec, nil
}

// RemoveBackend drops every entry owned by the backend.
func (r *Registry) RemoveBackend(backendID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[backendID]; !ok {
		return
	}
	delete(r.backends, backendID)
	r.rebuildIndexLocked()
}

// HasBackend reports whether the backend has registered entries.
func (r *Registry) HasBackend(backendID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.backends[backendID]
	return ok
}

func (r *Registry) target(rec *backendRecord, native string) *vmcp.BackendTarget {
	return &vmcp.BackendTarget{
		WorkloadID:    rec.backend.ID,
		WorkloadName:  rec.backend.Name,
		BaseURL:       rec.backend.BaseURL,
		TransportType: rec.backend.TransportType,
		NativeName:    native,
	}
}

// ResolveTool maps a namespaced tool name to its owning backend.
func (r *Registry) ResolveTool(nsID string) (*vmcp.BackendTarget, error) {
	backendID, _, err := ParseToolID(nsID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", vmcp.ErrRouteNotFound, nsID)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.backends[backendID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vmcp.ErrRouteNotFound, nsID)
	}
	if _, ok := rec.tools[nsID]; !ok {
		return nil, fmt.Errorf("%w: %s", vmcp.ErrRouteNotFound, nsID)
	}
	return r.target(rec, rec.natives[nsID]), nil
}

// ResolvePrompt maps a namespaced prompt name to its owning backend.
func (r *Registry) ResolvePrompt(nsID string) (*vmcp.BackendTarget, error) {
	backendID, _, err := ParseToolID(nsID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", vmcp.ErrRouteNotFound, nsID)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.backends[backendID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vmcp.ErrRouteNotFound, nsID)
	}
	if _, ok := rec.prompts[nsID]; !ok {
		return nil, fmt.Errorf("%w: %s", vmcp.ErrRouteNotFound, nsID)
	}
	return r.target(rec, rec.natives[nsID]), nil
}

// ResolveResource maps a namespaced resource URI to its owning backend.
// When the backend has registered at least one resource template, any
// URI under its prefix resolves even if it is not individually listed;
// the URI is not checked against the templates themselves.
func (r *Registry) ResolveResource(nsURI string) (*vmcp.BackendTarget, error) {
	backendID, native, err := ParseResourceID(nsURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", vmcp.ErrRouteNotFound, nsURI)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.backends[backendID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vmcp.ErrRouteNotFound, nsURI)
	}
	if _, listed := rec.resources[nsURI]; !listed && len(rec.templates) == 0 {
		return nil, fmt.Errorf("%w: %s", vmcp.ErrRouteNotFound, nsURI)
	}
	return r.target(rec, native), nil
}

// ResourceNsID converts a backend-native resource URI into the
// namespaced form exposed to clients.
func (*Registry) ResourceNsID(backendID, nativeURI string) string {
	return ResourceID(backendID, nativeURI)
}

// ListTools returns every aggregated tool in lexicographic nsId order.
func (r *Registry) ListTools() []vmcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []vmcp.Tool
	for _, rec := range r.backends {
		for _, t := range rec.tools {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListPrompts returns every aggregated prompt in lexicographic nsId
// order.
func (r *Registry) ListPrompts() []vmcp.Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []vmcp.Prompt
	for _, rec := range r.backends {
		for _, p := range rec.prompts {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListResources returns every aggregated resource in lexicographic
// nsURI order.
func (r *Registry) ListResources() []vmcp.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []vmcp.Resource
	for _, rec := range r.backends {
		for _, res := range rec.resources {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// ListResourceTemplates returns every aggregated resource template in
// lexicographic order.
func (r *Registry) ListResourceTemplates() []vmcp.ResourceTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []vmcp.ResourceTemplate
	for _, rec := range r.backends {
		for _, rt := range rec.templates {
			out = append(out, rt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URITemplate < out[j].URITemplate })
	return out
}

// CompletionBackends lists backends advertising the completions
// capability, in stable order.
func (r *Registry) CompletionBackends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, rec := range r.backends {
		if rec.caps.Completions {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// SubscribableResource reports whether the nsURI belongs to a backend
// that supports resource subscriptions, and is known to the registry.
func (r *Registry) SubscribableResource(nsURI string) (backendID, nativeURI string, err error) {
	target, err := r.ResolveResource(nsURI)
	if err != nil {
		return "", "", err
	}
	r.mu.RLock()
	rec := r.backends[target.WorkloadID]
	r.mu.RUnlock()
	if rec == nil || !rec.caps.ResourcesSubscribe {
		return "", "", fmt.Errorf("%w: backend %s does not support subscriptions",
			vmcp.ErrRouteNotFound, target.WorkloadID)
	}
	return target.WorkloadID, target.NativeName, nil
}
