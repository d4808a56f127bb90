// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package stream

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/element-hq/matrix-sse/setup/config"
	"github.com/element-hq/matrix-sse/streamapi/notifier"
	"github.com/element-hq/matrix-sse/streamapi/types"
)

// received is one parsed item from an event stream. Comments have an
// empty Name and their text in Data.
type received struct {
	Comment bool
	Name    string
	ID      string
	Data    string
}

type memorySink struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	writes  int
	failErr error
	onWrite func()
}

func (s *memorySink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onWrite != nil {
		s.onWrite()
	}
	if s.failErr != nil {
		return 0, s.failErr
	}
	s.writes++
	return s.buf.Write(p)
}

func (s *memorySink) Flush() error { return nil }

func (s *memorySink) SetWriteDeadline(time.Time) error { return nil }

// stallingSink is a client that never reads: every write blocks until the
// write deadline passes and then fails.
type stallingSink struct {
	mu       sync.Mutex
	deadline time.Time
	stalls   int
}

func (s *stallingSink) SetWriteDeadline(deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = deadline
	return nil
}

func (s *stallingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	deadline := s.deadline
	s.stalls++
	s.mu.Unlock()
	if deadline.IsZero() {
		select {}
	}
	time.Sleep(time.Until(deadline))
	return 0, os.ErrDeadlineExceeded
}

func (s *stallingSink) Flush() error { return nil }

func (s *memorySink) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *memorySink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// received parses everything written so far. Blocks are separated by a
// blank line and every block written by a connection is complete.
func (s *memorySink) received() []received {
	var out []received
	for _, block := range strings.Split(s.String(), "\n\n") {
		if block == "" {
			continue
		}
		var r received
		var data []string
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, ": "):
				r.Comment = true
				data = append(data, strings.TrimPrefix(line, ": "))
			case strings.HasPrefix(line, "event: "):
				r.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "id: "):
				r.ID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				data = append(data, strings.TrimPrefix(line, "data: "))
			}
		}
		r.Data = strings.Join(data, "\n")
		out = append(out, r)
	}
	return out
}

func (s *memorySink) events() []received {
	var out []received
	for _, r := range s.received() {
		if !r.Comment {
			out = append(out, r)
		}
	}
	return out
}

type syncCall struct {
	Token   string
	Request types.SyncRequest
}

// fakeSyncer answers from a per-token script. Once a token's script is
// used up, further queries block until cancelled.
type fakeSyncer struct {
	mu      sync.Mutex
	scripts map[string][]syncStep
	calls   []syncCall
	active  map[string]int
	overlap bool
}

type syncStep struct {
	nextBatch string
	body      string
	err       error
	delay     time.Duration
	// If set, the step waits for this channel to close before answering.
	release chan struct{}
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{
		scripts: make(map[string][]syncStep),
		active:  make(map[string]int),
	}
}

func (f *fakeSyncer) script(token string, steps ...syncStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[token] = append(f.scripts[token], steps...)
}

func (f *fakeSyncer) Sync(ctx context.Context, token string, req types.SyncRequest) (*types.SyncResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, syncCall{Token: token, Request: req})
	f.active[token]++
	if f.active[token] > 1 {
		f.overlap = true
	}
	var step *syncStep
	if steps := f.scripts[token]; len(steps) > 0 {
		step = &steps[0]
		f.scripts[token] = steps[1:]
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active[token]--
		f.mu.Unlock()
	}()

	if step == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.delay > 0 {
		select {
		case <-time.After(step.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.release != nil {
		select {
		case <-step.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.err != nil {
		return nil, step.err
	}
	body := step.body
	if body == "" {
		body = `{"rooms":{}}`
	}
	rest := strings.TrimPrefix(body, "{")
	if rest != "}" {
		rest = "," + rest
	}
	raw := fmt.Sprintf(`{"next_batch":%q%s`, step.nextBatch, rest)
	return &types.SyncResult{NextBatch: step.nextBatch, Raw: []byte(raw)}, nil
}

func (f *fakeSyncer) callsFor(token string) []types.SyncRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var reqs []types.SyncRequest
	for _, c := range f.calls {
		if c.Token == token {
			reqs = append(reqs, c.Request)
		}
	}
	return reqs
}

func (f *fakeSyncer) sawOverlap() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlap
}

func testStreamConfig() *config.Stream {
	cfg := &config.Stream{}
	cfg.Defaults()
	cfg.HeartbeatPeriod = 10 * time.Millisecond
	cfg.ErrorBackoff = config.Backoff{}
	return cfg
}

// fakeClock is a settable time source for heartbeat tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestConnection(opts ConnectionOptions, sink Sink, syncer Syncer, wake *notifier.Signal, clock *fakeClock) *Connection {
	if wake == nil {
		wake = notifier.NewSignal()
	}
	c := newConnection(opts, sink, syncer, wake, testStreamConfig())
	if clock != nil {
		c.now = clock.Now
		c.created = clock.Now()
		c.lastSend.Store(c.created)
	}
	return c
}
