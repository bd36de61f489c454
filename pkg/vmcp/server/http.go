// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/vmcp/pkg/logger"
)

const (
	clientSessionHeader   = "Mcp-Session-Id"
	protocolVersionHeader = "MCP-Protocol-Version"

	maxFrameBytes = 16 * 1024 * 1024
)

// sseSender pushes server-to-client messages over the session's event
// stream. Messages queue in a buffer of 64; when it is full, Send
// blocks until the caller's context ends and then returns its error.
type sseSender struct {
	ch chan jsonrpc2.Message
}

func newSSESender() *sseSender {
	return &sseSender{ch: make(chan jsonrpc2.Message, 64)}
}

// Send implements Sender.
func (s *sseSender) Send(ctx context.Context, msg jsonrpc2.Message) error {
	select {
	case s.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler builds the front HTTP surface: the streamable MCP endpoint
// at /mcp, a liveness probe and the metrics scrape endpoint.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/mcp", g.handlePost)
	r.Get("/mcp", g.handleStream)
	r.Delete("/mcp", g.handleDelete)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", g.metrics.Handler())
	return r
}

// handlePost accepts one JSON-RPC frame per request. The first frame
// from a new client is assigned a session id, returned in the
// Mcp-Session-Id header and required on every later request.
func (g *Gateway) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes+1))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	if len(body) > maxFrameBytes {
		http.Error(w, "frame too large", http.StatusRequestEntityTooLarge)
		return
	}

	clientID := r.Header.Get(clientSessionHeader)
	if clientID == "" {
		clientID = uuid.NewString()
	}

	resp, err := g.HandleFrame(r.Context(), clientID, body)
	if err != nil {
		logger.Debugw("rejecting undecodable frame", "client_id", clientID, "error", err)
		http.Error(w, fmt.Sprintf("bad frame: %v", err), http.StatusBadRequest)
		return
	}

	w.Header().Set(clientSessionHeader, clientID)
	if sess, ok := g.sessions.get(clientID); ok {
		if v := sess.ProtocolVersion(); v != "" {
			w.Header().Set(protocolVersionHeader, v)
		}
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

// handleStream opens the session's server-push event stream. Closing
// the stream detaches delivery but keeps the session; DELETE ends it.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(clientSessionHeader)
	if clientID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sender := newSSESender()
	g.Connect(clientID, sender)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			// Detach the sender but keep session state; the client
			// may reconnect its stream.
			if sess, live := g.sessions.get(clientID); live {
				sess.mu.Lock()
				if sess.sender == sender {
					sess.sender = nil
				}
				sess.mu.Unlock()
			}
			return
		case msg := <-sender.ch:
			data, err := jsonrpc2.EncodeMessage(msg)
			if err != nil {
				logger.Errorw("encoding push message failed", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleDelete terminates a session explicitly.
func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(clientSessionHeader)
	if clientID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	g.Disconnect(r.Context(), clientID)
	w.WriteHeader(http.StatusNoContent)
}
