// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package stream

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/matrix-sse/internal/sse"
	"github.com/element-hq/matrix-sse/setup/config"
	"github.com/element-hq/matrix-sse/streamapi/notifier"
	"github.com/element-hq/matrix-sse/streamapi/shaping"
	"github.com/element-hq/matrix-sse/streamapi/types"
)

// ErrConnectionClosed is returned when writing to a connection that has
// been closed.
var ErrConnectionClosed = errors.New("connection closed")

// Sink is the client end of a connection. Writes are flushed explicitly
// so that each event reaches the client as soon as it is written. Once the
// write deadline passes, Write and Flush must fail instead of blocking.
type Sink interface {
	io.Writer
	Flush() error
	SetWriteDeadline(deadline time.Time) error
}

// ConnectionOptions are the per-client settings taken from the HTTP
// request that opened the stream.
type ConnectionOptions struct {
	AccessToken string
	// Since is the initial cursor. Empty performs an initial sync.
	Since       string
	Filter      string
	FullState   string
	SetPresence string
	// Zero uses the configured default.
	HeartbeatInterval time.Duration
	// Nil uses the configured default.
	Shape *types.ShapeMode

	RemoteAddr string
	UserAgent  string
}

// Connection is one open SSE stream and the state of its /sync polling.
type Connection struct {
	ID                string
	accessToken       string
	params            types.SyncRequest
	heartbeatInterval time.Duration
	writeTimeout      time.Duration
	shape             types.ShapeMode
	remoteAddr        string
	userAgent         string
	created           time.Time

	syncer  Syncer
	wake    *notifier.Signal
	backoff config.Backoff
	now     func() time.Time
	logger  *logrus.Entry

	// writeMu serialises everything written to sink, so a multi-part
	// event is never interleaved with a heartbeat.
	writeMu sync.Mutex
	sink    Sink
	closed  *atomic.Bool

	lastSend   *atomic.Time
	eventsSent *atomic.Uint64

	// mu guards the polling state below.
	mu         sync.Mutex
	cursor     string
	pending    *QueryTask
	generation uint64
	failures   int

	seq       uint64
	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(opts ConnectionOptions, sink Sink, syncer Syncer, wake *notifier.Signal, cfg *config.Stream) *Connection {
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = cfg.DefaultHeartbeat
	}
	shape := cfg.Shaping
	if opts.Shape != nil {
		shape = *opts.Shape
	}
	id := uuid.NewString()
	c := &Connection{
		ID:          id,
		accessToken: opts.AccessToken,
		params: types.SyncRequest{
			Filter:      opts.Filter,
			FullState:   opts.FullState,
			SetPresence: opts.SetPresence,
		},
		heartbeatInterval: heartbeat,
		writeTimeout:      cfg.WriteTimeout,
		shape:             shape,
		remoteAddr:        opts.RemoteAddr,
		userAgent:         opts.UserAgent,
		syncer:            syncer,
		wake:              wake,
		backoff:           cfg.ErrorBackoff,
		now:               time.Now,
		logger:            logrus.WithField("conn_id", id),
		sink:              sink,
		closed:            atomic.NewBool(false),
		lastSend:          atomic.NewTime(time.Time{}),
		eventsSent:        atomic.NewUint64(0),
		cursor:            opts.Since,
		done:              make(chan struct{}),
	}
	c.created = c.now()
	c.lastSend.Store(c.created)
	return c
}

// Cursor returns the next_batch token the next query will resume from.
func (c *Connection) Cursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// PendingQuery returns the outstanding query, if any.
func (c *Connection) PendingQuery() *QueryTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// SubmitQuery starts a /sync query from the current cursor. If a query is
// already pending that one is returned instead, so at most one query per
// connection is ever outstanding. Returns nil once the connection is
// closed.
func (c *Connection) SubmitQuery() *QueryTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return c.pending
	}
	if c.closed.Load() {
		return nil
	}
	c.generation++
	req := c.params
	req.Since = c.cursor
	delay := c.backoff.Delay(c.failures)
	if delay > 0 {
		c.logger.WithField("delay", delay).Debug("Backing off before next sync")
	}
	c.pending = startQuery(c.generation, queryParams{
		syncer:      c.syncer,
		accessToken: c.accessToken,
		request:     req,
		delay:       delay,
		wake:        c.wake,
	})
	return c.pending
}

// CancelQuery aborts the pending query, if any. Whatever it returns is
// discarded.
func (c *Connection) CancelQuery() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return
	}
	if c.pending.Cancel() {
		observeQuery(outcomeCancelled, 0)
	}
	c.pending = nil
}

// complete takes ownership of a finished query so its outcome can be
// delivered. It returns false if the query was cancelled or replaced in
// the meantime, in which case the outcome must be dropped.
func (c *Connection) complete(t *QueryTask) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != t || t.Cancelled() {
		return false
	}
	c.pending = nil
	return true
}

func (c *Connection) recordSuccess(nextBatch string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = nextBatch
	c.failures = 0
}

func (c *Connection) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
}

// Failures is the number of consecutive failed queries.
func (c *Connection) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// HeartbeatRequired reports whether nothing has been written for longer
// than the connection's heartbeat interval.
func (c *Connection) HeartbeatRequired() bool {
	return c.now().Sub(c.lastSend.Load()) > c.heartbeatInterval
}

// SendComment writes an SSE comment.
func (c *Connection) SendComment(text string) error {
	c.logger.Trace("Sending comment")
	return c.write(sse.AppendComment(nil, text))
}

// SendEvent writes a single event. An empty id omits the id field.
func (c *Connection) SendEvent(name string, data []byte, id string) error {
	c.logger.WithField("event", name).Debug("Sending event")
	if err := c.write(sse.AppendEvent(nil, name, id, data)); err != nil {
		return err
	}
	c.countEvent(name)
	return nil
}

// SendData shapes a sync payload for this connection and writes the
// resulting events as one unit. When the payload is split into several
// events only the last one carries id, so a client resuming from its
// Last-Event-ID never skips part of a batch. Nothing is written if the
// payload shapes to no events.
func (c *Connection) SendData(payload []byte, id string) error {
	events := shaping.Shape(payload, c.shape)
	if len(events) == 0 {
		c.logger.WithField("next_batch", id).Debug("Nothing to send after pruning")
		return nil
	}
	c.logger.WithFields(logrus.Fields{
		"events":     len(events),
		"next_batch": id,
	}).Debug("Sending sync data")

	var b []byte
	for i, ev := range events {
		evID := ""
		if i == len(events)-1 {
			evID = id
		}
		b = sse.AppendEvent(b, ev.Name, evID, ev.Data)
	}
	if err := c.write(b); err != nil {
		return err
	}
	for _, ev := range events {
		c.countEvent(ev.Name)
	}
	return nil
}

func (c *Connection) countEvent(name string) {
	c.eventsSent.Inc()
	eventsSent.WithLabelValues(name).Inc()
}

func (c *Connection) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	// A client that stops reading must not hold the dispatcher or the
	// heartbeat loop for longer than writeTimeout.
	if c.writeTimeout > 0 {
		if err := c.sink.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	if _, err := c.sink.Write(b); err != nil {
		return err
	}
	if err := c.sink.Flush(); err != nil {
		return err
	}
	c.lastSend.Store(c.now())
	return nil
}

// Close stops all further writes and cancels the pending query. Done is
// closed once it returns. Safe to call repeatedly.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed.Store(true)
		c.writeMu.Unlock()
		c.CancelQuery()
		close(c.done)
		c.logger.Debug("Connection closed")
	})
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool { return c.closed.Load() }
