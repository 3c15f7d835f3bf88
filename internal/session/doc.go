// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session runs streaming generation sessions against Ollama.
//
// A Manager is built once at startup and shared with the command layer. It
// owns the generation context carried from one request to the next and the
// cancellation slot of the single active session.
//
// # Key Types
//
//   - Manager: session state owner and streaming controller
//   - Emitter: receiver of UI notifications (token, completion, cancelled, error)
//   - Outcome: how a session ended
//
// # Lifecycle
//
// A session moves Idle -> Starting -> Streaming -> {Completed, Cancelled,
// Failed} -> Idle. The cancellation handle is installed when the session
// enters Starting, so Abort also stops a request the server has not answered
// yet, and it is always cleared before Stream returns.
//
//	mgr := session.NewManager(ollama.NewClient(), session.WithLogger(logger))
//	go func() {
//	    <-stop
//	    mgr.Abort(ctx)
//	}()
//	outcome, err := mgr.Stream(ctx, ollama.GenerateRequest{Model: m, Prompt: p}, emitter)
//
// # Cancellation
//
// Abort is cooperative. It is observed between chunks, never in the middle
// of decoding one, and closes the upstream connection as the session exits.
package session
