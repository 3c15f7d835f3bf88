// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/jarvish/internal/util"
)

// =============================================================================
// CONVERSATION TYPES
// =============================================================================

// Message is one turn of a saved conversation.
type Message struct {
	Role      string `json:"role"` // "user", "assistant", "system"
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Conversation is a persisted chat transcript.
type Conversation struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Messages   []Message `json:"messages"`
	Model      string    `json:"model"`
	CreatedAt  string    `json:"created_at"`
	UpdatedAt  string    `json:"updated_at"`
	TokenCount int64     `json:"token_count"`
}

// ConversationPreview is the listing form of a conversation.
type ConversationPreview struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Preview      string `json:"preview"` // Last message, shortened
	Model        string `json:"model"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	TokenCount   int64  `json:"token_count"`
	MessageCount int64  `json:"message_count"`
}

const (
	defaultTitle      = "New Conversation"
	emptyPreview      = "Empty conversation"
	previewMaxRunes   = 100
	titleMaxRunes     = 50
	conversationIDTag = "conv"
)

// =============================================================================
// CONVERSATION STORE
// =============================================================================

const conversationsSchema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    model TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    token_count INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    position INTEGER NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, position);
`

// ConversationStore persists conversations in a sqlite database.
type ConversationStore struct {
	db   *sql.DB
	path string
}

// NewConversationStore opens the conversation database in dataDir.
func NewConversationStore(dataDir string) (*ConversationStore, error) {
	path := filepath.Join(dataDir, ConversationsDBName)
	db, err := openDB(path, conversationsSchema)
	if err != nil {
		return nil, err
	}
	return &ConversationStore{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *ConversationStore) Path() string {
	return s.path
}

// Close releases the database.
func (s *ConversationStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// SAVE OPERATIONS
// =============================================================================

// Save writes conv and all its messages, replacing any previous version with
// the same ID, and returns the ID. The token count is recomputed from the
// messages and stored on conv. A conversation without an ID gets a fresh one.
func (s *ConversationStore) Save(ctx context.Context, conv *Conversation) (string, error) {
	if conv.ID == "" {
		conv.ID = NewConversationID()
	}
	if conv.Title == "" {
		conv.Title = defaultTitle
	}
	now := Now()
	if conv.CreatedAt == "" {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt == "" {
		conv.UpdatedAt = now
	}

	var total int64
	for _, msg := range conv.Messages {
		total += EstimateTokens(msg.Content)
	}
	conv.TokenCount = total

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("start transaction: %w", err)
	}
	defer tx.Rollback()

	// Upsert rather than INSERT OR REPLACE: a replace deletes the row first,
	// which would cascade into the messages table.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, model, created_at, updated_at, token_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			model = excluded.model,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			token_count = excluded.token_count`,
		conv.ID, conv.Title, conv.Model, conv.CreatedAt, conv.UpdatedAt, total)
	if err != nil {
		return "", fmt.Errorf("save conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conv.ID); err != nil {
		return "", fmt.Errorf("delete old messages: %w", err)
	}

	for position, msg := range conv.Messages {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, role, content, timestamp, position)
			VALUES (?, ?, ?, ?, ?)`,
			conv.ID, msg.Role, msg.Content, msg.Timestamp, position)
		if err != nil {
			return "", fmt.Errorf("save message %d: %w", position, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return conv.ID, nil
}

// UpdateTitle sets the title of conversation id from the first message the
// user sent in it.
func (s *ConversationStore) UpdateTitle(ctx context.Context, id, firstMessage string) (string, error) {
	title := GenerateTitle(firstMessage)
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return "", fmt.Errorf("update title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}
	return title, nil
}

// =============================================================================
// LOAD OPERATIONS
// =============================================================================

// Load retrieves a conversation and its messages in order.
func (s *ConversationStore) Load(ctx context.Context, id string) (*Conversation, error) {
	conv := &Conversation{Messages: []Message{}}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, model, created_at, updated_at, token_count
		FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Title, &conv.Model, &conv.CreatedAt, &conv.UpdatedAt, &conv.TokenCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, timestamp
		FROM messages
		WHERE conversation_id = ?
		ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		conv.Messages = append(conv.Messages, msg)
	}
	return conv, rows.Err()
}

// =============================================================================
// LIST OPERATIONS
// =============================================================================

// List returns previews of all conversations, most recently updated first.
// The preview is the last message of each conversation.
func (s *ConversationStore) List(ctx context.Context) ([]ConversationPreview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.model, c.created_at, c.updated_at, c.token_count,
		       COUNT(m.id) AS message_count,
		       (SELECT content FROM messages
		        WHERE conversation_id = c.id
		        ORDER BY position DESC LIMIT 1) AS last_message
		FROM conversations c
		LEFT JOIN messages m ON c.id = m.conversation_id
		GROUP BY c.id
		ORDER BY c.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	previews := []ConversationPreview{}
	for rows.Next() {
		var p ConversationPreview
		var last sql.NullString
		if err := rows.Scan(&p.ID, &p.Title, &p.Model, &p.CreatedAt, &p.UpdatedAt,
			&p.TokenCount, &p.MessageCount, &last); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		p.Preview = emptyPreview
		if last.Valid {
			p.Preview = util.Ellipsize(last.String, previewMaxRunes)
		}
		previews = append(previews, p)
	}
	return previews, rows.Err()
}

// =============================================================================
// DELETE OPERATIONS
// =============================================================================

// Delete removes a conversation. Its messages go with it.
func (s *ConversationStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// lastIDMillis is the millisecond reading used by the previous ID.
var lastIDMillis atomic.Int64

// NewConversation returns an unsaved, empty conversation for model.
func NewConversation(model string) Conversation {
	now := Now()
	return Conversation{
		ID:        NewConversationID(),
		Title:     defaultTitle,
		Messages:  []Message{},
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewConversationID returns an ID of the form conv-<unix ms>-<hex>. The
// millisecond part strictly increases within the process, so IDs created
// back to back still sort in creation order.
func NewConversationID() string {
	ms := nextMillis(time.Now().UnixMilli())
	u := uuid.New()
	return fmt.Sprintf("%s-%d-%x", conversationIDTag, ms, binary.BigEndian.Uint32(u[:4]))
}

func nextMillis(now int64) int64 {
	for {
		prev := lastIDMillis.Load()
		next := now
		if next <= prev {
			next = prev + 1
		}
		if lastIDMillis.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// EstimateTokens approximates the token count of text as one token per four
// bytes, rounded up.
func EstimateTokens(text string) int64 {
	return int64((len(text) + 3) / 4)
}

// GenerateTitle derives a conversation title from the first user message:
// surrounding whitespace is trimmed and anything past 50 characters is
// replaced by "...".
func GenerateTitle(firstMessage string) string {
	return util.Ellipsize(strings.TrimSpace(firstMessage), titleMaxRunes)
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrNotFound is returned when a conversation doesn't exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &StoreError{Message: "conversation not found"}

// StoreError is a storage error that can be compared with errors.Is.
type StoreError struct {
	Message string
}

func (e *StoreError) Error() string {
	return e.Message
}

// Is matches store errors by message.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}
