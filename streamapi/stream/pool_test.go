// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package stream

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/matrix-sse/streamapi/notifier"
)

func TestRegistrySnapshotOrder(t *testing.T) {
	wake := notifier.NewSignal()
	registry := NewRegistry(wake)
	var conns []*Connection
	for i := 0; i < 10; i++ {
		c := newTestConnection(ConnectionOptions{}, &memorySink{}, newFakeSyncer(), wake, nil)
		conns = append(conns, c)
		registry.Add(c)
	}
	assert.True(t, wake.IsSet(), "adding a connection wakes the dispatcher")
	registry.Add(conns[0])
	assert.Equal(t, 10, registry.Len())

	snapshot := registry.Snapshot()
	assert.Equal(t, conns, snapshot)

	registry.Remove(conns[3])
	assert.Len(t, snapshot, 10, "snapshots are unaffected by later changes")
	assert.Equal(t, append(append([]*Connection{}, conns[:3]...), conns[4:]...), registry.Snapshot())
	assert.Same(t, conns[4], registry.Get(conns[4].ID))
	assert.Nil(t, registry.Get(conns[3].ID))
}

func TestPoolStopCancelsQueries(t *testing.T) {
	syncer := newFakeSyncer()
	p := NewPool(testStreamConfig(), syncer)
	p.Start()
	p.Start()

	gaugeBefore := testutil.ToFloat64(activeConnections)
	var conns []*Connection
	for i := 0; i < 3; i++ {
		c := p.NewConnection(ConnectionOptions{AccessToken: "alice"}, &memorySink{})
		p.Add(c)
		conns = append(conns, c)
	}
	assert.Equal(t, gaugeBefore+3, testutil.ToFloat64(activeConnections))
	require.Eventually(t, func() bool {
		for _, c := range conns {
			if c.PendingQuery() == nil {
				return false
			}
		}
		return true
	}, eventually, 5*time.Millisecond)
	tasks := make([]*QueryTask, len(conns))
	for i, c := range conns {
		tasks[i] = c.PendingQuery()
	}

	p.Stop()
	p.Stop()
	assert.Equal(t, DispatcherStopped, p.Dispatcher().State())
	assert.Equal(t, 0, p.Registry().Len())
	assert.Equal(t, gaugeBefore, testutil.ToFloat64(activeConnections))
	for i, c := range conns {
		assert.True(t, c.Closed())
		waitDone(t, tasks[i])
		assert.Equal(t, QueryCancelled, tasks[i].State())
	}
	assert.Equal(t, "stopped", p.Status().Status)
}

func TestPoolStatus(t *testing.T) {
	syncer := newFakeSyncer()
	syncer.script("alice", syncStep{nextBatch: "s1"})
	p := startTestPool(t, syncer)
	sink := &memorySink{}
	c := p.NewConnection(ConnectionOptions{
		AccessToken: "alice",
		RemoteAddr:  "10.0.0.1",
		UserAgent:   "curl/8",
	}, sink)
	p.Add(c)
	require.Eventually(t, func() bool { return len(sink.events()) == 1 }, eventually, 5*time.Millisecond)

	status := p.Status()
	assert.Equal(t, "OK", status.Status)
	assert.Equal(t, uint64(1), status.EventsSent)
	require.Len(t, status.Connections, 1)
	cs := status.Connections[0]
	assert.Equal(t, c.ID, cs.ID)
	assert.Equal(t, "10.0.0.1", cs.ClientIP)
	assert.Equal(t, "curl/8", cs.UserAgent)
	assert.Equal(t, "plain", cs.Shape)
	assert.Equal(t, "5s", cs.HeartbeatInterval)
	assert.Equal(t, uint64(1), cs.EventsSent)
}
