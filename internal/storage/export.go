// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"strconv"
	"strings"

	"github.com/jeranaias/jarvish/internal/util"
)

// =============================================================================
// LIST FORMATTING
// =============================================================================

// FormatConversationList renders previews as a fixed-width table for the
// terminal.
func FormatConversationList(previews []ConversationPreview) string {
	if len(previews) == 0 {
		return "No conversations found."
	}

	var sb strings.Builder
	rule := strings.Repeat("-", 72) + "\n"
	sb.WriteString(rule)
	sb.WriteString(util.PadRight("ID", 28) + " " + util.PadRight("Updated", 16) + " " + util.PadRight("Msgs", 5) + " Title\n")
	sb.WriteString(rule)

	for _, p := range previews {
		updated := p.UpdatedAt
		if len(updated) >= 16 {
			// 2006-01-02T15:04 -> 2006-01-02 15:04
			updated = strings.Replace(updated[:16], "T", " ", 1)
		}
		sb.WriteString(util.PadRight(p.ID, 28) + " " +
			util.PadRight(updated, 16) + " " +
			util.PadRight(strconv.FormatInt(p.MessageCount, 10), 5) + " " +
			util.TruncateWidth(util.SingleLine(p.Title), 30) + "\n")
	}
	return sb.String()
}

// =============================================================================
// CONVERSATION EXPORT
// =============================================================================

// ExportMarkdown renders the conversation as Markdown with a role label per
// message.
func (c *Conversation) ExportMarkdown() string {
	var sb strings.Builder
	sb.WriteString("# " + c.Title + "\n\n")
	sb.WriteString("Model: " + c.Model + "  \n")
	sb.WriteString("Created: " + c.CreatedAt + "\n\n")
	sb.WriteString("---\n\n")

	for _, msg := range c.Messages {
		role := "**User**"
		switch msg.Role {
		case "assistant":
			role = "**Assistant**"
		case "system":
			role = "**System**"
		}
		sb.WriteString(role)
		if msg.Timestamp != "" {
			sb.WriteString(" (" + msg.Timestamp + ")")
		}
		sb.WriteString(":\n\n")
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n---\n\n")
	}
	return sb.String()
}
