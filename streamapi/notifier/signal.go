// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package notifier provides the wake-up primitive shared between query
// tasks and the stream dispatcher.
package notifier

// Signal is a resettable binary flag. Any number of producers may call
// Notify; a single consumer parks on C until the flag is set. Receiving
// from C clears the flag, so a consumer which receives before doing its
// work never misses a Notify that arrives while it is busy: that Notify
// sets the flag again and the next receive returns immediately.
type Signal struct {
	ch chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify sets the flag. It never blocks, and repeated calls while the flag
// is already set are coalesced.
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the channel to wait on. A successful receive resets the flag.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}

// Reset clears the flag without waiting.
func (s *Signal) Reset() {
	select {
	case <-s.ch:
	default:
	}
}

// IsSet reports whether a Notify is pending.
func (s *Signal) IsSet() bool {
	return len(s.ch) > 0
}
