// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package subscription tracks which clients subscribed to which
// namespaced resource URIs, in both directions, and forwards
// subscribe/unsubscribe to backends on first/last subscriber.
package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stacklok/vmcp/pkg/logger"
	"github.com/stacklok/vmcp/pkg/vmcp"
)

// Forwarder sends subscribe/unsubscribe calls to a backend.
type Forwarder interface {
	SubscribeResource(ctx context.Context, backendID, nativeURI string) error
	UnsubscribeResource(ctx context.Context, backendID, nativeURI string) error
}

// Resolver validates a namespaced URI and yields its owning backend.
type Resolver interface {
	SubscribableResource(nsURI string) (backendID, nativeURI string, err error)
}

// owner pins the backend a subscription was created against, so
// removal stays atomic even if the registry changes underneath.
type owner struct {
	backendID string
	nativeURI string
}

// Removed describes one subscription dropped by a backend removal.
type Removed struct {
	ClientID string
	NsURI    string
}

// Manager keeps the two subscription indices in lock-step. Every
// operation is serialized by one mutex, which also orders backend
// forwarding relative to index mutation: a client observing an update
// notification is guaranteed its subscribe was already acknowledged.
type Manager struct {
	fwd          Forwarder
	resolver     Resolver
	maxPerClient int

	mu       sync.Mutex
	byURI    map[string]map[string]bool // nsURI -> set of clientIDs
	byClient map[string]map[string]bool // clientID -> set of nsURIs
	owners   map[string]owner           // nsURI -> owning backend
}

// NewManager builds an empty subscription manager. maxPerClient <= 0
// means unlimited.
func NewManager(fwd Forwarder, resolver Resolver, maxPerClient int) *Manager {
	return &Manager{
		fwd:          fwd,
		resolver:     resolver,
		maxPerClient: maxPerClient,
		byURI:        make(map[string]map[string]bool),
		byClient:     make(map[string]map[string]bool),
		owners:       make(map[string]owner),
	}
}

// Subscribe records (clientID, nsURI) and forwards resources/subscribe
// to the backend iff this is the first subscriber for the URI.
func (m *Manager) Subscribe(ctx context.Context, clientID, nsURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.byClient[clientID][nsURI] {
		return nil
	}
	if m.maxPerClient > 0 && len(m.byClient[clientID]) >= m.maxPerClient {
		logger.Warnw("subscription limit exceeded",
			"code", vmcp.LogSubLimit, "client_id", clientID, "limit", m.maxPerClient)
		return fmt.Errorf("%w: client %s at %d subscriptions",
			vmcp.ErrSubscriptionLimit, clientID, m.maxPerClient)
	}

	backendID, nativeURI, err := m.resolver.SubscribableResource(nsURI)
	if err != nil {
		return err
	}

	first := len(m.byURI[nsURI]) == 0
	if first {
		if err := m.fwd.SubscribeResource(ctx, backendID, nativeURI); err != nil {
			return fmt.Errorf("forwarding subscribe for %s: %w", nsURI, err)
		}
	}

	if m.byURI[nsURI] == nil {
		m.byURI[nsURI] = make(map[string]bool)
	}
	m.byURI[nsURI][clientID] = true
	if m.byClient[clientID] == nil {
		m.byClient[clientID] = make(map[string]bool)
	}
	m.byClient[clientID][nsURI] = true
	m.owners[nsURI] = owner{backendID: backendID, nativeURI: nativeURI}
	return nil
}

// Unsubscribe removes (clientID, nsURI) from both indices and forwards
// resources/unsubscribe iff this was the last subscriber.
func (m *Manager) Unsubscribe(ctx context.Context, clientID, nsURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.byClient[clientID][nsURI] {
		return fmt.Errorf("%w: %s for client %s", vmcp.ErrSubscriptionNotFound, nsURI, clientID)
	}
	m.removeLocked(ctx, clientID, nsURI, true)
	return nil
}

// removeLocked drops one subscription from both indices. When forward
// is set and the last subscriber leaves, the backend is told.
func (m *Manager) removeLocked(ctx context.Context, clientID, nsURI string, forward bool) {
	delete(m.byClient[clientID], nsURI)
	if len(m.byClient[clientID]) == 0 {
		delete(m.byClient, clientID)
	}
	delete(m.byURI[nsURI], clientID)
	if len(m.byURI[nsURI]) > 0 {
		return
	}
	delete(m.byURI, nsURI)
	own, ok := m.owners[nsURI]
	delete(m.owners, nsURI)
	if !forward || !ok {
		return
	}
	if err := m.fwd.UnsubscribeResource(ctx, own.backendID, own.nativeURI); err != nil {
		// The index is already consistent; the backend just keeps an
		// orphan subscription until it drops the connection.
		logger.Warnw("forwarding unsubscribe failed",
			"code", vmcp.LogSubDangling, "backend_id", own.backendID,
			"uri", nsURI, "error", err)
	}
}

// CleanupClient removes every subscription held by a disconnecting
// client, forwarding unsubscribes where it held the last reference.
func (m *Manager) CleanupClient(ctx context.Context, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for nsURI := range m.byClient[clientID] {
		m.removeLocked(ctx, clientID, nsURI, true)
	}
}

// OnBackendRemoved drops every subscription owned by the backend and
// returns the (client, uri) pairs removed so the caller can emit
// synthetic unavailable notifications. No unsubscribes are forwarded;
// the backend is gone.
func (m *Manager) OnBackendRemoved(backendID string) []Removed {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []Removed
	for nsURI, own := range m.owners {
		if own.backendID != backendID {
			continue
		}
		for clientID := range m.byURI[nsURI] {
			removed = append(removed, Removed{ClientID: clientID, NsURI: nsURI})
			m.removeLocked(context.Background(), clientID, nsURI, false)
		}
	}
	sort.Slice(removed, func(i, j int) bool {
		if removed[i].NsURI != removed[j].NsURI {
			return removed[i].NsURI < removed[j].NsURI
		}
		return removed[i].ClientID < removed[j].ClientID
	})
	return removed
}

// SubscribersFor lists the clients subscribed to nsURI in stable order.
func (m *Manager) SubscribersFor(nsURI string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.byURI[nsURI]
	out := make([]string, 0, len(subs))
	for clientID := range subs {
		out = append(out, clientID)
	}
	sort.Strings(out)
	return out
}

// Subscriptions lists a client's subscribed URIs in stable order.
func (m *Manager) Subscriptions(clientID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.byClient[clientID]
	out := make([]string, 0, len(subs))
	for nsURI := range subs {
		out = append(out, nsURI)
	}
	sort.Strings(out)
	return out
}
