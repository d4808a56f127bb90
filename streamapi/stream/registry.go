// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package stream

import (
	"sort"
	"sync"

	"github.com/element-hq/matrix-sse/streamapi/notifier"
)

// Registry is the set of live connections. It is read by the dispatcher
// and heartbeat loops and modified by HTTP handlers.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	nextSeq uint64
	wake    *notifier.Signal
}

func NewRegistry(wake *notifier.Signal) *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		wake:  wake,
	}
}

// Add registers c and wakes the dispatcher so that c gets its first query
// without waiting for another connection's activity.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	if _, ok := r.conns[c.ID]; ok {
		r.mu.Unlock()
		return
	}
	r.nextSeq++
	c.seq = r.nextSeq
	r.conns[c.ID] = c
	r.mu.Unlock()

	activeConnections.Inc()
	c.logger.Info("Client connected")
	r.wake.Notify()
}

// Remove unregisters c and closes it. It reports whether c was registered.
func (r *Registry) Remove(c *Connection) bool {
	r.mu.Lock()
	registered := r.conns[c.ID] == c
	if registered {
		delete(r.conns, c.ID)
	}
	r.mu.Unlock()

	c.Close()
	if registered {
		activeConnections.Dec()
		c.logger.Info("Client disconnected")
	}
	return registered
}

func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the registered connections in the order they were
// added. Later changes to the registry don't affect the returned slice.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].seq < conns[j].seq
	})
	return conns
}

// RemoveAll closes and unregisters every connection.
func (r *Registry) RemoveAll() {
	for _, c := range r.Snapshot() {
		r.Remove(c)
	}
}
