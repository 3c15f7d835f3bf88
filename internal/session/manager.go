// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/jeranaias/jarvish/internal/ollama"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoActiveStream is returned by Abort when there is nothing to cancel,
	// including when the running session was already asked to stop.
	ErrNoActiveStream = errors.New("no active stream to abort")

	// ErrStreamActive is returned by Stream when another session is still
	// starting or streaming.
	ErrStreamActive = errors.New("a stream is already in progress")
)

// =============================================================================
// SESSION MANAGER
// =============================================================================

// Generator opens generation streams. *ollama.Client satisfies it.
type Generator interface {
	OpenGenerateStream(ctx context.Context, req ollama.GenerateRequest) (*ollama.GenerateStream, error)
}

// State is the lifecycle position of the manager's single session slot.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Manager owns the shared session state: the generation context carried
// between requests and the cancellation slot of the one active session.
//
// The two slots are locked independently and never held together. The
// context slot is a plain mutex with short critical sections; the
// cancellation slot is a weighted semaphore so callers waiting on it can
// give up through their context.
type Manager struct {
	gen    Generator
	logger zerolog.Logger

	ctxMu  sync.Mutex
	genCtx ollama.Context

	slot   *semaphore.Weighted
	state  State
	handle *cancelHandle
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for session lifecycle messages.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a session manager that opens streams through gen.
func NewManager(gen Generator, opts ...Option) *Manager {
	m := &Manager{
		gen:    gen,
		logger: zerolog.Nop(),
		slot:   semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =============================================================================
// GENERATION CONTEXT
// =============================================================================

// Context returns a copy of the stored generation context.
func (m *Manager) Context() ollama.Context {
	m.ctxMu.Lock()
	defer m.ctxMu.Unlock()
	return m.genCtx.Clone()
}

// ResetContext clears the stored generation context so the next request
// starts a fresh conversation.
func (m *Manager) ResetContext() {
	m.ctxMu.Lock()
	defer m.ctxMu.Unlock()
	m.genCtx = nil
}

// replaceContext stores c as the generation context. Updates replace, they
// never merge.
func (m *Manager) replaceContext(c ollama.Context) {
	m.ctxMu.Lock()
	defer m.ctxMu.Unlock()
	m.genCtx = c.Clone()
	if m.genCtx == nil {
		m.genCtx = ollama.Context{}
	}
}

// =============================================================================
// CANCELLATION SLOT
// =============================================================================

// Abort asks the active session to stop. Cancellation is cooperative: the
// session observes it before handling its next chunk.
//
// It fails with ErrNoActiveStream when no session is starting or streaming,
// or when the active session was already cancelled.
func (m *Manager) Abort(ctx context.Context) error {
	if err := m.slot.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.slot.Release(1)

	if m.handle == nil || !m.handle.cancel() {
		return ErrNoActiveStream
	}
	m.logger.Info().Msg("Cancellation requested")
	return nil
}

// HandleState reports the state of the cancellation slot.
func (m *Manager) HandleState() HandleState {
	m.lockSlot()
	defer m.slot.Release(1)
	return m.handle.state()
}

// State reports where the session slot is in its lifecycle.
func (m *Manager) State() State {
	m.lockSlot()
	defer m.slot.Release(1)
	return m.state
}

// lockSlot takes the cancellation slot without a deadline. It is used on
// paths that must run to completion, such as session teardown.
func (m *Manager) lockSlot() {
	// Acquire with a background context cannot fail.
	_ = m.slot.Acquire(context.Background(), 1)
}

// begin moves the slot from idle to starting and installs a fresh, armed
// handle for the new session.
func (m *Manager) begin(ctx context.Context) (*cancelHandle, error) {
	if err := m.slot.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.slot.Release(1)

	if m.state != StateIdle {
		return nil, ErrStreamActive
	}
	h := newCancelHandle()
	m.handle = h
	m.state = StateStarting
	return h, nil
}

// markStreaming records that the stream is open.
func (m *Manager) markStreaming() {
	m.lockSlot()
	defer m.slot.Release(1)
	m.state = StateStreaming
}

// finish returns the slot to idle and discards the handle. It runs on every
// exit path of a session.
func (m *Manager) finish() {
	m.lockSlot()
	defer m.slot.Release(1)

	m.handle = nil
	m.state = StateIdle
}
