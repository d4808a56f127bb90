// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package stream

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/element-hq/matrix-sse/streamapi/notifier"
	"github.com/element-hq/matrix-sse/streamapi/types"
)

// Syncer performs a single /sync request. Implementations must return
// promptly once ctx is cancelled.
type Syncer interface {
	Sync(ctx context.Context, accessToken string, req types.SyncRequest) (*types.SyncResult, error)
}

// QueryState is where a QueryTask is in its lifecycle. A task leaves
// QueryRunning exactly once.
type QueryState int32

const (
	QueryRunning QueryState = iota
	QuerySucceeded
	QueryFailed
	QueryCancelled
)

func (s QueryState) String() string {
	switch s {
	case QueryRunning:
		return "running"
	case QuerySucceeded:
		return "succeeded"
	case QueryFailed:
		return "failed"
	case QueryCancelled:
		return "cancelled"
	}
	return "unknown"
}

// QueryTask is one in-flight /sync request for a connection. It wakes the
// dispatcher exactly once, when it finishes for any reason.
type QueryTask struct {
	generation uint64
	cancel     context.CancelFunc
	state      *atomic.Int32
	done       chan struct{}
	started    time.Time

	// Written once before state leaves QueryRunning.
	result *types.SyncResult
	err    error
}

type queryParams struct {
	syncer      Syncer
	accessToken string
	request     types.SyncRequest
	delay       time.Duration
	wake        *notifier.Signal
}

func startQuery(generation uint64, p queryParams) *QueryTask {
	ctx, cancel := context.WithCancel(context.Background())
	t := &QueryTask{
		generation: generation,
		cancel:     cancel,
		state:      atomic.NewInt32(int32(QueryRunning)),
		done:       make(chan struct{}),
		started:    time.Now(),
	}
	go t.run(ctx, p)
	return t
}

func (t *QueryTask) run(ctx context.Context, p queryParams) {
	defer p.wake.Notify()
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.result, t.err = nil, fmt.Errorf("sync query panicked: %v", r)
		}
		final := QuerySucceeded
		if t.err != nil {
			final = QueryFailed
		}
		// Loses to a Cancel that got in first.
		t.state.CompareAndSwap(int32(QueryRunning), int32(final))
	}()
	defer t.cancel()

	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			t.err = ctx.Err()
			return
		}
	}
	t.result, t.err = p.syncer.Sync(ctx, p.accessToken, p.request)
	if t.err == nil && t.result == nil {
		t.err = fmt.Errorf("sync query returned no result")
	}
}

// Generation is the per-connection sequence number of this query.
func (t *QueryTask) Generation() uint64 { return t.generation }

// Done is closed once the query has finished.
func (t *QueryTask) Done() <-chan struct{} { return t.done }

// Cancel aborts the query if it is still running and reports whether it
// did. The outcome of a cancelled query is never delivered. Once the query
// has finished Cancel does nothing. Safe to call repeatedly.
func (t *QueryTask) Cancel() bool {
	if !t.state.CompareAndSwap(int32(QueryRunning), int32(QueryCancelled)) {
		return false
	}
	t.cancel()
	return true
}

// Cancelled reports whether Cancel stopped the query before it finished.
func (t *QueryTask) Cancelled() bool { return t.State() == QueryCancelled }

func (t *QueryTask) State() QueryState {
	return QueryState(t.state.Load())
}

// Result returns the outcome of a finished query. It must not be called
// before Done is closed.
func (t *QueryTask) Result() (*types.SyncResult, error) {
	return t.result, t.err
}
