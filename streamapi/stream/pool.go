// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package stream multiplexes SSE connections onto long-poll /sync queries.
//
// Each connection has at most one query outstanding. Queries run on their
// own goroutines and wake a single dispatcher loop when they finish; the
// dispatcher delivers results in order, advances the connection's cursor
// and submits the next query. A separate heartbeat loop keeps idle
// streams alive.
package stream

import (
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/element-hq/matrix-sse/setup/config"
	"github.com/element-hq/matrix-sse/streamapi/notifier"
)

// Pool owns the connection registry together with the dispatcher and
// heartbeat loops that service it.
type Pool struct {
	cfg        *config.Stream
	syncer     Syncer
	wake       *notifier.Signal
	registry   *Registry
	dispatcher *Dispatcher
	heartbeat  *Heartbeat
	group      errgroup.Group
	started    *atomic.Bool
	stopped    *atomic.Bool
	startTime  time.Time
}

func NewPool(cfg *config.Stream, syncer Syncer) *Pool {
	wake := notifier.NewSignal()
	registry := NewRegistry(wake)
	return &Pool{
		cfg:        cfg,
		syncer:     syncer,
		wake:       wake,
		registry:   registry,
		dispatcher: NewDispatcher(registry, wake),
		heartbeat:  NewHeartbeat(registry, cfg.HeartbeatPeriod),
		started:    atomic.NewBool(false),
		stopped:    atomic.NewBool(false),
	}
}

// Start launches the dispatcher and heartbeat loops. Calling it more than
// once has no effect.
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.startTime = time.Now()
	p.group.Go(func() error {
		p.dispatcher.Run()
		return nil
	})
	p.group.Go(func() error {
		p.heartbeat.Run()
		return nil
	})
	logrus.WithFields(logrus.Fields{
		"heartbeat_period":  p.cfg.HeartbeatPeriod,
		"default_heartbeat": p.cfg.DefaultHeartbeat,
		"shape":             p.cfg.Shaping.String(),
	}).Info("Stream pool started")
}

// Stop closes every connection, cancelling their queries, and waits for
// both loops to exit.
func (p *Pool) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	p.dispatcher.Stop()
	p.heartbeat.Stop()
	_ = p.group.Wait()
	p.registry.RemoveAll()
	logrus.Info("Stream pool stopped")
}

// NewConnection creates a connection writing to sink. It is not serviced
// until passed to Add.
func (p *Pool) NewConnection(opts ConnectionOptions, sink Sink) *Connection {
	return newConnection(opts, sink, p.syncer, p.wake, p.cfg)
}

func (p *Pool) Add(c *Connection) { p.registry.Add(c) }

func (p *Pool) Remove(c *Connection) bool { return p.registry.Remove(c) }

func (p *Pool) Registry() *Registry { return p.registry }

func (p *Pool) Dispatcher() *Dispatcher { return p.dispatcher }
