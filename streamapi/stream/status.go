// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package stream

import "time"

// Status is a point-in-time report of the pool for the admin endpoint.
type Status struct {
	Status      string             `json:"status"`
	Dispatcher  string             `json:"dispatcher"`
	Reported    int64              `json:"reported_at"`
	StartupTime int64              `json:"startup_time"`
	EventsSent  uint64             `json:"events_sent"`
	Degraded    []string           `json:"degraded,omitempty"`
	Connections []ConnectionStatus `json:"connections"`
}

// ConnectionStatus describes a single connection. Access tokens and sync
// cursors are never reported.
type ConnectionStatus struct {
	ID                string `json:"id"`
	ClientIP          string `json:"client_ip"`
	UserAgent         string `json:"user_agent"`
	Created           int64  `json:"created_at"`
	HeartbeatInterval string `json:"heartbeat_interval"`
	Shape             string `json:"shape"`
	EventsSent        uint64 `json:"events_sent"`
	Query             string `json:"query"`
	Failures          int    `json:"failures"`
}

func (c *Connection) Status() ConnectionStatus {
	query := "idle"
	if t := c.PendingQuery(); t != nil {
		query = t.State().String()
	}
	return ConnectionStatus{
		ID:                c.ID,
		ClientIP:          c.remoteAddr,
		UserAgent:         c.userAgent,
		Created:           c.created.Unix(),
		HeartbeatInterval: c.heartbeatInterval.String(),
		Shape:             c.shape.String(),
		EventsSent:        c.eventsSent.Load(),
		Query:             query,
		Failures:          c.Failures(),
	}
}

func (p *Pool) Status() Status {
	conns := p.registry.Snapshot()
	s := Status{
		Status:      "OK",
		Dispatcher:  p.dispatcher.State().String(),
		Reported:    time.Now().Unix(),
		StartupTime: p.startTime.Unix(),
		Connections: make([]ConnectionStatus, 0, len(conns)),
	}
	if p.stopped.Load() {
		s.Status = "stopped"
	}
	for _, c := range conns {
		cs := c.Status()
		s.EventsSent += cs.EventsSent
		s.Connections = append(s.Connections, cs)
	}
	return s
}
