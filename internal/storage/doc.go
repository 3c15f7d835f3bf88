// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversations and editor preferences in sqlite.
//
// Each store owns one database file under the data directory:
// conversations.db for transcripts and editor_preferences.db for the single
// preferences row. The driver is modernc.org/sqlite, so no cgo is needed.
//
// # Key Types
//
//   - ConversationStore: save, list, load, delete and retitle conversations
//   - PreferencesStore: load and save Preferences
//   - Conversation, ConversationPreview: stored and listing forms
//
// # Usage
//
//	store, err := storage.NewConversationStore(dataDir)
//	conv := storage.NewConversation("llama3.2")
//	conv.Messages = append(conv.Messages, storage.Message{Role: "user", Content: prompt, Timestamp: storage.Now()})
//	id, err := store.Save(ctx, &conv)
//	previews, err := store.List(ctx)
package storage
