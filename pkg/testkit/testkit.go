// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package testkit provides in-process fake MCP backends for tests: an
// httptest-backed SSE server, a streamable HTTP server, and a pure
// in-memory transport, all scriptable with tools, prompts and
// resources.
package testkit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/jsonrpc2"
)

// SSE separators accepted by NewSplitSSE.
const (
	LFSep   = "\n\n"
	CRLFSep = "\r\n\r\n"
)

// NewSplitSSE returns a bufio.SplitFunc that yields one SSE event per
// token, using the given event separator.
func NewSplitSSE(sep string) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.Index(data, []byte(sep)); i >= 0 {
			return i + len(sep), data[:i], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

// ToolHandler produces a tool's text result.
type ToolHandler func() string

type fakeTool struct {
	name        string
	description string
	handler     ToolHandler
}

type fakeResource struct {
	uri      string
	name     string
	mimeType string
	text     string
}

type fakePrompt struct {
	name        string
	description string
}

// TestMCPServerOption configures a fake backend.
type TestMCPServerOption func(*fakeBackendState)

// WithTool registers a tool whose calls return the handler's text.
func WithTool(name, description string, handler ToolHandler) TestMCPServerOption {
	return func(s *fakeBackendState) {
		s.tools = append(s.tools, fakeTool{name: name, description: description, handler: handler})
	}
}

// WithResource registers a readable resource.
func WithResource(uri, name, mimeType, text string) TestMCPServerOption {
	return func(s *fakeBackendState) {
		s.resources = append(s.resources, fakeResource{uri: uri, name: name, mimeType: mimeType, text: text})
	}
}

// WithPrompt registers a prompt returning a single user message.
func WithPrompt(name, description string) TestMCPServerOption {
	return func(s *fakeBackendState) {
		s.prompts = append(s.prompts, fakePrompt{name: name, description: description})
	}
}

// WithSubscriptions advertises the resources subscribe capability.
func WithSubscriptions() TestMCPServerOption {
	return func(s *fakeBackendState) { s.subscribe = true }
}

// WithCompletions advertises the completions capability and scripts
// the values returned for any completion request.
func WithCompletions(values ...string) TestMCPServerOption {
	return func(s *fakeBackendState) {
		s.completions = values
		s.hasCompletions = true
	}
}

// fakeBackendState is the scripted behavior shared by all fake
// transports and servers.
type fakeBackendState struct {
	mu             sync.Mutex
	tools          []fakeTool
	resources      []fakeResource
	prompts        []fakePrompt
	subscribe      bool
	hasCompletions bool
	completions    []string

	subscribed map[string]bool // native URIs with active subscriptions
	calls      []string        // method log
}

func newFakeBackendState(opts ...TestMCPServerOption) *fakeBackendState {
	s := &fakeBackendState{subscribed: make(map[string]bool)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Calls returns the methods handled so far.
func (s *fakeBackendState) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Subscribed reports whether the backend holds a subscription for the
// native URI.
func (s *fakeBackendState) Subscribed(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed[uri]
}

// handle serves one request and returns the result payload or a wire
// error.
func (s *fakeBackendState) handle(method string, params json.RawMessage) (any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, method)
	s.mu.Unlock()

	switch method {
	case "initialize":
		caps := map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"prompts":   map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true, "subscribe": s.subscribe},
			"logging":   map[string]any{},
		}
		if s.hasCompletions {
			caps["completions"] = map[string]any{}
		}
		return map[string]any{
			"protocolVersion": "2025-11-25",
			"capabilities":    caps,
			"serverInfo":      map[string]any{"name": "testkit", "version": "0.0.1"},
		}, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		tools := []map[string]any{}
		for _, t := range s.tools {
			tools = append(tools, map[string]any{
				"name":        t.name,
				"description": t.description,
				"inputSchema": map[string]any{"type": "object"},
			})
		}
		return map[string]any{"tools": tools}, nil
	case "tools/call":
		var p struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(params, &p)
		for _, t := range s.tools {
			if t.name == p.Name {
				return map[string]any{
					"content": []map[string]any{{"type": "text", "text": t.handler()}},
				}, nil
			}
		}
		return nil, jsonrpc2.NewError(-32602, fmt.Sprintf("unknown tool: %s", p.Name))
	case "prompts/list":
		prompts := []map[string]any{}
		for _, p := range s.prompts {
			prompts = append(prompts, map[string]any{
				"name":        p.name,
				"description": p.description,
			})
		}
		return map[string]any{"prompts": prompts}, nil
	case "prompts/get":
		var p struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(params, &p)
		for _, pr := range s.prompts {
			if pr.name == p.Name {
				return map[string]any{
					"messages": []map[string]any{{
						"role":    "user",
						"content": map[string]any{"type": "text", "text": pr.description},
					}},
				}, nil
			}
		}
		return nil, jsonrpc2.NewError(-32602, fmt.Sprintf("unknown prompt: %s", p.Name))
	case "resources/list":
		resources := []map[string]any{}
		for _, r := range s.resources {
			resources = append(resources, map[string]any{
				"uri":      r.uri,
				"name":     r.name,
				"mimeType": r.mimeType,
			})
		}
		return map[string]any{"resources": resources}, nil
	case "resources/templates/list":
		return map[string]any{"resourceTemplates": []any{}}, nil
	case "resources/read":
		var p struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(params, &p)
		for _, r := range s.resources {
			if r.uri == p.URI {
				return map[string]any{
					"contents": []map[string]any{{
						"uri":      r.uri,
						"mimeType": r.mimeType,
						"text":     r.text,
					}},
				}, nil
			}
		}
		return nil, jsonrpc2.NewError(-32602, fmt.Sprintf("unknown resource: %s", p.URI))
	case "resources/subscribe":
		var p struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(params, &p)
		s.mu.Lock()
		s.subscribed[p.URI] = true
		s.mu.Unlock()
		return map[string]any{}, nil
	case "resources/unsubscribe":
		var p struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(params, &p)
		s.mu.Lock()
		delete(s.subscribed, p.URI)
		s.mu.Unlock()
		return map[string]any{}, nil
	case "completion/complete":
		return map[string]any{
			"completion": map[string]any{"values": s.completions},
		}, nil
	default:
		return nil, jsonrpc2.NewError(-32601, fmt.Sprintf("method not found: %s", method))
	}
}

// TestMCPServer is an httptest-backed fake backend.
type TestMCPServer struct {
	*fakeBackendState

	// URL is the endpoint to configure a backend against.
	URL string

	server *httptest.Server

	mu      sync.Mutex
	streams []chan []byte // open SSE streams (SSE flavor only)
}

// Close shuts the server down.
func (s *TestMCPServer) Close() {
	s.server.Close()
}

// EmitNotification pushes a notification to every open stream.
func (s *TestMCPServer) EmitNotification(method string, params any) error {
	note, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := jsonrpc2.EncodeMessage(note)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.streams {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// serveStream holds a push stream open and relays emitted
// notifications to it.
func (s *TestMCPServer) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "no flusher", http.StatusInternalServerError)
		return
	}
	ch := make(chan []byte, 16)
	s.mu.Lock()
	s.streams = append(s.streams, ch)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-ch:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// NewStreamableTestServer builds a fake backend speaking streamable
// HTTP: every POST returns its response as application/json, with a
// server-assigned session id, and GET opens a push stream.
func NewStreamableTestServer(opts ...TestMCPServerOption) (*TestMCPServer, error) {
	state := newFakeBackendState(opts...)
	srv := &TestMCPServer{fakeBackendState: state}
	sessionID := uuid.NewString()

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var raw json.RawMessage
			if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
				http.Error(w, "bad body", http.StatusBadRequest)
				return
			}
			msg, err := jsonrpc2.DecodeMessage(raw)
			if err != nil {
				http.Error(w, "bad message", http.StatusBadRequest)
				return
			}
			req, ok := msg.(*jsonrpc2.Request)
			if !ok {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			w.Header().Set("Mcp-Session-Id", sessionID)
			if !req.IsCall() {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			result, herr := state.handle(req.Method, req.Params)
			resp, _ := jsonrpc2.NewResponse(req.ID, result, herr)
			data, _ := jsonrpc2.EncodeMessage(resp)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(data)
		case http.MethodGet:
			srv.serveStream(w, r)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	srv.server = httptest.NewServer(mux)
	srv.URL = srv.server.URL + "/mcp"
	return srv, nil
}

// NewSSETestServer builds a fake backend speaking HTTP+SSE: GET /sse
// opens the event stream and announces the message endpoint; POSTs to
// the endpoint are answered over the stream.
func NewSSETestServer(opts ...TestMCPServerOption) (*TestMCPServer, error) {
	state := newFakeBackendState(opts...)
	srv := &TestMCPServer{fakeBackendState: state}

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "no flusher", http.StatusInternalServerError)
			return
		}
		ch := make(chan []byte, 16)
		srv.mu.Lock()
		srv.streams = append(srv.streams, ch)
		srv.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "event: endpoint\ndata: /messages\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case data := <-ch:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		msg, err := jsonrpc2.DecodeMessage(raw)
		if err != nil {
			http.Error(w, "bad message", http.StatusBadRequest)
			return
		}
		req, ok := msg.(*jsonrpc2.Request)
		if !ok || !req.IsCall() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		result, herr := state.handle(req.Method, req.Params)
		resp, _ := jsonrpc2.NewResponse(req.ID, result, herr)
		data, _ := jsonrpc2.EncodeMessage(resp)
		srv.mu.Lock()
		for _, ch := range srv.streams {
			select {
			case ch <- data:
			default:
			}
		}
		srv.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})

	srv.server = httptest.NewServer(mux)
	srv.URL = srv.server.URL + "/sse"
	return srv, nil
}
