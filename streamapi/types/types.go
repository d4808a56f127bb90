// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SyncRequest holds the query parameters forwarded to the homeserver's
// /sync endpoint. Empty fields are omitted from the request.
type SyncRequest struct {
	Since       string
	Filter      string
	FullState   string
	SetPresence string
	Timeout     time.Duration
}

// QueryParams returns the request as URL query parameters, leaving out
// anything that isn't set.
func (r SyncRequest) QueryParams() map[string]string {
	params := map[string]string{}
	if r.Since != "" {
		params["since"] = r.Since
	}
	if r.Filter != "" {
		params["filter"] = r.Filter
	}
	if r.FullState != "" {
		params["full_state"] = r.FullState
	}
	if r.SetPresence != "" {
		params["set_presence"] = r.SetPresence
	}
	if r.Timeout > 0 {
		params["timeout"] = fmt.Sprintf("%d", r.Timeout.Milliseconds())
	}
	return params
}

// SyncResult is a successful /sync response. Raw is the body exactly as
// the homeserver returned it; the stream layer never interprets anything
// beyond next_batch and, when pruning, emptiness.
type SyncResult struct {
	NextBatch string
	Raw       json.RawMessage
}

// ShapeMode selects how a sync result is turned into SSE events for a
// connection. The zero value sends the whole result as one "sync" event.
type ShapeMode struct {
	Prune bool `yaml:"prune"`
	Split bool `yaml:"split"`
}

func (m ShapeMode) String() string {
	switch {
	case m.Prune && m.Split:
		return "prune,split"
	case m.Prune:
		return "prune"
	case m.Split:
		return "split"
	default:
		return "plain"
	}
}

// ParseShapeMode parses the "shape" query parameter. Accepted values are
// "plain", "prune", "split" and "prune,split" (in either order).
func ParseShapeMode(s string) (ShapeMode, error) {
	var mode ShapeMode
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "plain", "":
		case "prune":
			mode.Prune = true
		case "split":
			mode.Split = true
		default:
			return ShapeMode{}, fmt.Errorf("unknown shape %q", part)
		}
	}
	return mode, nil
}

// Event is a single named SSE event ready to be framed.
type Event struct {
	Name string
	Data []byte
}
