// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared by the storage, config and cli
// packages.
//
//   - AtomicWriteFile: crash-safe file replacement with fsync
//   - TruncateRunes, Ellipsize: UTF-8 safe shortening for titles and previews
//   - SingleLine, PadRight, TruncateWidth: column-aware table formatting for terminal listings
package util
