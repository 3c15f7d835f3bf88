// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"sync"
	"sync/atomic"

	"github.com/jeranaias/jarvish/internal/session"
)

// =============================================================================
// EVENT HUB
// =============================================================================

// DefaultHubBuffer is the per-subscriber queue length.
const DefaultHubBuffer = 256

// Hub fans UI events out to every subscriber of the event channel. It
// implements session.Emitter. Publishing never blocks: a subscriber whose
// queue is full misses tokens, but a terminal event takes the place of the
// oldest queued one so the subscriber always learns how the session ended.
type Hub struct {
	mu      sync.Mutex
	subs    map[chan session.Event]struct{}
	buffer  int
	closed  bool
	dropped atomic.Int64
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultHubBuffer
	}
	return &Hub{
		subs:   make(map[chan session.Event]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned channel is closed when
// cancel is called or the hub closes; cancel may be called more than once.
func (h *Hub) Subscribe() (<-chan session.Event, func()) {
	ch := make(chan session.Event, h.buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish delivers ev to every subscriber. Tokens are skipped for a full
// subscriber; terminal events evict its oldest queued event instead.
func (h *Hub) Publish(ev session.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	terminal := session.IsTerminal(ev.Type)
	for ch := range h.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		h.dropped.Add(1)
		if !terminal {
			continue
		}

		// Only Publish sends, under mu, so one receive makes room.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many events were lost to full subscribers, whether
// skipped or evicted.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close ends every subscription. Later subscribers get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}

func (h *Hub) Token(text string) {
	h.Publish(session.Event{Type: session.EventToken, Data: text})
}

func (h *Hub) Complete() {
	h.Publish(session.Event{Type: session.EventComplete, Data: session.CompleteMessage})
}

func (h *Hub) Cancelled(reason string) {
	h.Publish(session.Event{Type: session.EventCancelled, Data: reason})
}

func (h *Hub) Error(message string) {
	h.Publish(session.Event{Type: session.EventError, Data: message})
}
