// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/exp/jsonrpc2"
)

// SessionState is the per-client handshake state machine.
type SessionState string

// Session states. Transitions: Uninitialized -> Initializing (on a
// successful initialize reply) -> Initialized (on the initialized
// notification) -> Terminated (on disconnect).
const (
	StateUninitialized SessionState = "uninitialized"
	StateInitializing  SessionState = "initializing"
	StateInitialized   SessionState = "initialized"
	StateTerminated    SessionState = "terminated"
)

// Sender pushes a server-to-client frame. Implemented by the front
// transport adapter.
type Sender interface {
	Send(ctx context.Context, msg jsonrpc2.Message) error
}

// ClientCapabilities is what the client advertised in initialize.
type ClientCapabilities struct {
	Sampling    bool
	Elicitation bool
	Roots       bool
}

// Session is the gateway-side state for one connected client.
type Session struct {
	ID string

	mu              sync.Mutex
	state           SessionState
	protocolVersion string
	clientName      string
	caps            ClientCapabilities
	logLevel        string // empty until the client enables logging
	sender          Sender
}

// State returns the current handshake state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProtocolVersion returns the negotiated version, if any.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// Capabilities returns what the client advertised.
func (s *Session) Capabilities() ClientCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// send pushes a message to the client, if a sender is attached and the
// session is not terminated. Nothing is delivered past termination.
func (s *Session) send(ctx context.Context, msg jsonrpc2.Message) error {
	s.mu.Lock()
	sender := s.sender
	state := s.state
	s.mu.Unlock()
	if sender == nil || state == StateTerminated {
		return nil
	}
	return sender.Send(ctx, msg)
}

// sessionStore indexes sessions by client id.
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*Session)}
}

// getOrCreate returns the session for clientID, creating it in
// Uninitialized state on first sight.
func (st *sessionStore) getOrCreate(clientID string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[clientID]; ok {
		return s
	}
	s := &Session{ID: clientID, state: StateUninitialized}
	st.sessions[clientID] = s
	return s
}

func (st *sessionStore) get(clientID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[clientID]
	return s, ok
}

// remove terminates and forgets a session.
func (st *sessionStore) remove(clientID string) (*Session, bool) {
	st.mu.Lock()
	s, ok := st.sessions[clientID]
	delete(st.sessions, clientID)
	st.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.state = StateTerminated
		s.sender = nil
		s.mu.Unlock()
	}
	return s, ok
}

// initialized lists sessions past the handshake, in stable order.
func (st *sessionStore) initialized() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []*Session
	for _, s := range st.sessions {
		if s.State() == StateInitialized {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// capable lists initialized sessions matching pred, in stable order.
func (st *sessionStore) capable(pred func(ClientCapabilities) bool) []string {
	var out []string
	for _, s := range st.initialized() {
		if pred(s.Capabilities()) {
			out = append(out, s.ID)
		}
	}
	return out
}
