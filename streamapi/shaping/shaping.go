// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package shaping turns raw /sync response bodies into the SSE events sent
// to a client. All transforms work on the raw JSON so anything they keep is
// copied through byte for byte, in the order the homeserver sent it.
package shaping

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/element-hq/matrix-sse/streamapi/types"
)

// SyncEventName is the event name used when a result is sent whole.
const SyncEventName = "sync"

var ErrNoNextBatch = errors.New("sync response has no next_batch")

// ExtractNextBatch returns the next_batch token of a sync response and
// the response with that key removed.
func ExtractNextBatch(raw []byte) (string, []byte, error) {
	nextBatch := gjson.GetBytes(raw, "next_batch")
	if nextBatch.Type != gjson.String || nextBatch.Str == "" {
		return "", nil, ErrNoNextBatch
	}
	stripped, err := sjson.DeleteBytes(raw, "next_batch")
	if err != nil {
		return "", nil, err
	}
	return nextBatch.Str, stripped, nil
}

// Shape applies mode to a sync payload. It returns no events when pruning
// leaves nothing worth sending.
func Shape(raw []byte, mode types.ShapeMode) []types.Event {
	if mode.Prune {
		raw = Prune(raw)
		if raw == nil {
			return nil
		}
	}
	if mode.Split {
		return Split(raw)
	}
	return []types.Event{{Name: SyncEventName, Data: raw}}
}

// Prune removes empty branches from a sync payload: top-level keys, the
// membership buckets under "rooms", the rooms within each bucket and the
// sections of each room. Returns nil if the whole payload is empty.
func Prune(raw []byte) []byte {
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return raw
	}
	if isEmpty(root) {
		return nil
	}
	return filterObject(root, func(key string, value gjson.Result) string {
		if key == "rooms" && value.IsObject() {
			return string(filterObject(value, pruneMembership))
		}
		return value.Raw
	})
}

func pruneMembership(_ string, bucket gjson.Result) string {
	if !bucket.IsObject() {
		return bucket.Raw
	}
	return string(filterObject(bucket, pruneRoom))
}

func pruneRoom(_ string, room gjson.Result) string {
	if !room.IsObject() {
		return room.Raw
	}
	return string(filterObject(room, func(_ string, section gjson.Result) string {
		return section.Raw
	}))
}

// filterObject rewrites a JSON object, dropping empty members and
// replacing the rest with whatever rewrite returns for them.
func filterObject(obj gjson.Result, rewrite func(key string, value gjson.Result) string) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	obj.ForEach(func(key, value gjson.Result) bool {
		if isEmpty(value) {
			return true
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.WriteString(rawKey(key))
		buf.WriteByte(':')
		buf.WriteString(rewrite(key.Str, value))
		return true
	})
	buf.WriteByte('}')
	return buf.Bytes()
}

func rawKey(key gjson.Result) string {
	if key.Raw != "" {
		return key.Raw
	}
	b, _ := json.Marshal(key.Str)
	return string(b)
}

// isEmpty reports whether a value carries no information: null, an empty
// array, or an object whose members are all themselves empty.
func isEmpty(v gjson.Result) bool {
	switch {
	case v.Type == gjson.Null:
		return true
	case v.IsArray():
		empty := true
		v.ForEach(func(_, _ gjson.Result) bool {
			empty = false
			return false
		})
		return empty
	case v.IsObject():
		empty := true
		v.ForEach(func(_, member gjson.Result) bool {
			if !isEmpty(member) {
				empty = false
				return false
			}
			return true
		})
		return empty
	}
	return false
}

// Split emits one event per item of every top-level list, named after the
// list's key. A top-level object holding an "events" list, as presence and
// account_data do, counts as that list. Any other non-empty value is sent
// as a single event.
func Split(raw []byte) []types.Event {
	var events []types.Event
	gjson.ParseBytes(raw).ForEach(func(key, value gjson.Result) bool {
		items := value
		if value.IsObject() {
			if inner := value.Get("events"); inner.IsArray() {
				items = inner
			}
		}
		if items.IsArray() {
			items.ForEach(func(_, item gjson.Result) bool {
				events = append(events, types.Event{Name: key.Str, Data: []byte(item.Raw)})
				return true
			})
			return true
		}
		if !isEmpty(value) {
			events = append(events, types.Event{Name: key.Str, Data: []byte(value.Raw)})
		}
		return true
	})
	return events
}
