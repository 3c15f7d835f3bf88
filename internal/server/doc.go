// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the chat backend to the desktop UI over local HTTP.
//
// Every command the UI can issue is a JSON endpoint, and the UI event channel
// is a long-lived NDJSON response that pushes token, completion, cancelled
// and error notifications as they happen.
//
// # Endpoints
//
//   - POST   /api/stream                  - Run one streaming session
//   - POST   /api/abort                   - Cancel the active session
//   - POST   /api/context/reset           - Forget the generation context
//   - GET    /api/session                 - Session slot state
//   - GET    /api/events                  - NDJSON stream of UI events
//   - GET    /api/models                  - Installed model names
//   - GET    /api/models/info?name=       - Model details
//   - GET    /api/health                  - Inference server reachability
//   - GET    /api/conversations           - Conversation previews
//   - POST   /api/conversations           - Save a conversation
//   - POST   /api/conversations/new       - Fresh, unsaved conversation
//   - GET    /api/conversations/{id}      - Load a conversation
//   - DELETE /api/conversations/{id}      - Delete a conversation
//   - PUT    /api/conversations/{id}/title - Title from the first message
//   - GET    /api/preferences             - Editor preferences
//   - PUT    /api/preferences             - Save editor preferences
//   - POST   /api/log                     - Forward a UI log line
//   - GET    /metrics                     - Prometheus metrics
//
// # Middleware
//
// Requests pass through request IDs, panic recovery, security headers,
// structured request logging, metrics, CORS for the webview origins and a
// per-client token bucket rate limit.
//
// # Usage
//
//	srv := server.New(server.Config{Listen: "127.0.0.1:7878"}, manager, client).
//		WithConversations(convs).
//		WithPreferences(prefs).
//		WithLogger(logger)
//	if err := srv.ListenAndServe(ctx); err != nil {
//		log.Fatal(err)
//	}
package server
