// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package stream

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/element-hq/matrix-sse/streamapi/notifier"
	"github.com/element-hq/matrix-sse/streamapi/shaping"
)

// DispatcherState is what the dispatcher loop is currently doing.
type DispatcherState int32

const (
	// Parked means waiting for a query to finish or a connection to
	// arrive.
	DispatcherParked DispatcherState = iota
	DispatcherDispatching
	DispatcherStopped
)

func (s DispatcherState) String() string {
	switch s {
	case DispatcherParked:
		return "parked"
	case DispatcherDispatching:
		return "dispatching"
	case DispatcherStopped:
		return "stopped"
	}
	return "unknown"
}

// Dispatcher is the single loop that owns query submission and result
// delivery for every registered connection. It sleeps until woken by a
// finished query or a new connection, then walks all connections once.
type Dispatcher struct {
	registry *Registry
	wake     *notifier.Signal
	state    *atomic.Int32
	stop     chan struct{}
	stopOnce *atomic.Bool
}

func NewDispatcher(registry *Registry, wake *notifier.Signal) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		wake:     wake,
		state:    atomic.NewInt32(int32(DispatcherParked)),
		stop:     make(chan struct{}),
		stopOnce: atomic.NewBool(false),
	}
}

func (d *Dispatcher) State() DispatcherState {
	return DispatcherState(d.state.Load())
}

// Run services connections until Stop is called.
func (d *Dispatcher) Run() {
	defer d.state.Store(int32(DispatcherStopped))
	for {
		d.state.Store(int32(DispatcherParked))
		select {
		case <-d.stop:
			return
		case <-d.wake.C():
		}
		// Receiving from the signal reset it, so anything finishing while
		// we work below wakes us again straight away.
		d.state.Store(int32(DispatcherDispatching))
		for _, c := range d.registry.Snapshot() {
			select {
			case <-d.stop:
				return
			default:
			}
			d.dispatch(c)
		}
	}
}

// Stop asks Run to return. It does not wait for it to do so.
func (d *Dispatcher) Stop() {
	if d.stopOnce.CompareAndSwap(false, true) {
		close(d.stop)
	}
}

// dispatch advances a single connection by at most one step. A fault here
// is confined to c: it is logged, c is dropped and the pass moves on.
func (d *Dispatcher) dispatch(c *Connection) {
	defer func() {
		if r := recover(); r != nil {
			dispatchFaults.Inc()
			sentry.CurrentHub().Recover(r)
			c.logger.WithField("panic", r).Error("Failed to service connection")
			d.registry.Remove(c)
		}
	}()

	if c.Closed() {
		return
	}
	task := c.PendingQuery()
	if task == nil {
		c.SubmitQuery()
		return
	}
	if task.State() == QueryRunning {
		return
	}
	if !c.complete(task) {
		return
	}

	var nextBatch string
	var payload []byte
	result, err := task.Result()
	if err == nil {
		nextBatch, payload, err = shaping.ExtractNextBatch(result.Raw)
	}
	if err != nil {
		observeQuery(outcomeFailure, time.Since(task.started))
		c.recordFailure()
		c.logger.WithError(err).WithField("failures", c.Failures()).Warn("Sync query failed")
		if werr := c.SendEvent(SyncErrorEventName, encodeError(err), ""); werr != nil {
			d.drop(c, werr)
			return
		}
	} else {
		observeQuery(outcomeSuccess, time.Since(task.started))
		c.recordSuccess(nextBatch)
		if werr := c.SendData(payload, nextBatch); werr != nil {
			d.drop(c, werr)
			return
		}
	}
	c.SubmitQuery()
}

func (d *Dispatcher) drop(c *Connection, err error) {
	if !errors.Is(err, ErrConnectionClosed) {
		c.logger.WithError(err).Info("Write to client failed")
	}
	d.registry.Remove(c)
}
