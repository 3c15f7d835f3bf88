// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the jarvish command line.
//
// # Commands
//
//   - serve: run the HTTP bridge for the desktop UI
//   - ask: stream one answer to the terminal (Ctrl-C aborts the stream)
//   - models, show, health: query the Ollama server
//   - config: show, get, set and locate the configuration
//   - history: list, show, export and delete saved conversations
//   - version: print build information
//
// Every command accepts --config, --log-level and --ollama-url. Commands
// that print data accept --json and then emit a JSONResponse on stdout.
//
// # Exit Codes
//
// Errors map onto exit codes by category (usage, config, network, not
// found); see GetExitCode.
package cli
