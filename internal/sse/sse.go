// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sse implements the Server-Sent Events wire format.
//
// See https://html.spec.whatwg.org/multipage/server-sent-events.html#event-stream-interpretation
package sse

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"time"
)

// AppendEvent appends a framed event to b. Each line of data becomes its
// own "data:" line so that payloads containing newlines survive intact on
// the client. An empty id omits the "id:" line. Line breaks are dropped
// from name and id.
func AppendEvent(b []byte, name, id string, data []byte) []byte {
	name, id = singleLine(name), singleLine(id)
	if name != "" {
		b = append(b, "event: "...)
		b = append(b, name...)
		b = append(b, '\n')
	}
	if id != "" {
		b = append(b, "id: "...)
		b = append(b, id...)
		b = append(b, '\n')
	}
	data = normaliseNewlines(data)
	for {
		line := data
		i := bytes.IndexByte(data, '\n')
		if i >= 0 {
			line = data[:i]
		}
		b = append(b, "data: "...)
		b = append(b, line...)
		b = append(b, '\n')
		if i < 0 {
			break
		}
		data = data[i+1:]
	}
	return append(b, '\n')
}

// AppendComment appends a comment line, which clients ignore. Used for
// keep-alives.
func AppendComment(b []byte, text string) []byte {
	b = append(b, ": "...)
	b = append(b, singleLine(text)...)
	return append(b, '\n', '\n')
}

// singleLine removes CR and LF, either of which would end a field early
// and let the rest of the value be read as another field.
func singleLine(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, s)
}

// CR and CRLF are line terminators in the event stream format too, so fold
// them into LF before splitting.
func normaliseNewlines(data []byte) []byte {
	if bytes.IndexByte(data, '\r') < 0 {
		return data
	}
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(data, []byte("\r"), []byte("\n"))
}

// ResponseSink adapts an http.ResponseWriter for streaming. Each Flush
// pushes buffered bytes to the client immediately.
type ResponseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func NewResponseSink(w http.ResponseWriter) *ResponseSink {
	return &ResponseSink{w: w, rc: http.NewResponseController(w)}
}

func (s *ResponseSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *ResponseSink) Flush() error {
	return s.rc.Flush()
}

// SetWriteDeadline bounds how long Write and Flush may block on a client
// that has stopped reading. Writers that can't take a deadline, such as
// httptest.ResponseRecorder, never block and are accepted as they are.
func (s *ResponseSink) SetWriteDeadline(deadline time.Time) error {
	if err := s.rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// SetHeaders writes the response headers for an event stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Stops nginx from buffering the stream.
	h.Set("X-Accel-Buffering", "no")
}
