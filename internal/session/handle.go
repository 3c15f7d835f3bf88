// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import "sync/atomic"

// HandleState is the observable state of the cancellation slot.
type HandleState int

const (
	// HandleUnset means no streaming session holds a handle.
	HandleUnset HandleState = iota
	// HandleArmed means a session is starting or streaming and can be cancelled.
	HandleArmed
	// HandleCancelled means cancellation was requested but the session has
	// not yet observed it.
	HandleCancelled
)

func (s HandleState) String() string {
	switch s {
	case HandleUnset:
		return "unset"
	case HandleArmed:
		return "armed"
	case HandleCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// cancelHandle is a single-shot cancellation signal. It moves from armed to
// cancelled at most once.
type cancelHandle struct {
	done      chan struct{}
	cancelled atomic.Bool
}

func newCancelHandle() *cancelHandle {
	return &cancelHandle{done: make(chan struct{})}
}

// Done is closed once the handle has been cancelled.
func (h *cancelHandle) Done() <-chan struct{} {
	return h.done
}

// cancel fires the signal. It reports false when the handle was already
// cancelled.
func (h *cancelHandle) cancel() bool {
	if !h.cancelled.CompareAndSwap(false, true) {
		return false
	}
	close(h.done)
	return true
}

func (h *cancelHandle) state() HandleState {
	if h == nil {
		return HandleUnset
	}
	if h.cancelled.Load() {
		return HandleCancelled
	}
	return HandleArmed
}
