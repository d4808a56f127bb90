// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package stream

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const heartbeatComment = "heartbeat"

// Heartbeat periodically writes a comment to every connection that has
// been idle for longer than its heartbeat interval, so that proxies and
// clients don't time the stream out.
type Heartbeat struct {
	registry *Registry
	period   time.Duration
	stop     chan struct{}
	stopOnce *atomic.Bool
}

func NewHeartbeat(registry *Registry, period time.Duration) *Heartbeat {
	return &Heartbeat{
		registry: registry,
		period:   period,
		stop:     make(chan struct{}),
		stopOnce: atomic.NewBool(false),
	}
}

// Run ticks until Stop is called.
func (h *Heartbeat) Run() {
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

// Stop asks Run to return. It does not wait for it to do so.
func (h *Heartbeat) Stop() {
	if h.stopOnce.CompareAndSwap(false, true) {
		close(h.stop)
	}
}

func (h *Heartbeat) beat() {
	for _, c := range h.registry.Snapshot() {
		if !c.HeartbeatRequired() {
			continue
		}
		err := c.SendComment(heartbeatComment)
		switch {
		case err == nil:
			heartbeatsSent.Inc()
		case errors.Is(err, ErrConnectionClosed):
		default:
			c.logger.WithError(err).Info("Heartbeat to client failed")
			h.registry.Remove(c)
		}
	}
}
