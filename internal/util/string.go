// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// UNICODE: all lengths below count runes, never bytes, so a cut never lands
// inside a multi-byte character.

// TruncateRunes shortens s to at most maxRunes runes. When s is cut the
// result ends in "..." and the ellipsis counts toward maxRunes.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// Ellipsize keeps the first keep runes of s and appends "..." when anything
// was dropped. Unlike TruncateRunes the ellipsis is extra, so the result can
// be up to keep+3 runes long.
func Ellipsize(s string, keep int) string {
	if keep < 0 {
		keep = 0
	}
	runes := []rune(s)
	if len(runes) <= keep {
		return s
	}
	return string(runes[:keep]) + "..."
}

// SingleLine replaces line breaks with spaces for one-line displays.
func SingleLine(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\r", "")
}

// PadRight pads s with spaces to width terminal columns. Wide characters
// count as two columns. Longer strings are returned unchanged.
func PadRight(s string, width int) string {
	n := runewidth.StringWidth(s)
	if n >= width {
		return s
	}
	return s + strings.Repeat(" ", width-n)
}

// TruncateWidth shortens s to at most width terminal columns, ending in
// "..." when cut.
func TruncateWidth(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return runewidth.Truncate(s, width, "...")
}

// RuneLen returns the number of runes in s.
func RuneLen(s string) int {
	return len([]rune(s))
}
