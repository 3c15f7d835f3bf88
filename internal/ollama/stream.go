// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// =============================================================================
// GENERATE STREAM
// =============================================================================

// chunkSize bounds a single Next read. Reads return as soon as any bytes are
// available, so most chunks are whatever the server flushed.
const chunkSize = 32 * 1024

// GenerateStream is an open /api/generate response body.
//
// Next hands out network chunks as they arrive; it is meant for a single
// reader goroutine. Close may be called from any goroutine, at any time,
// and unblocks a pending Next.
type GenerateStream struct {
	body      io.ReadCloser
	buf       []byte
	closeOnce sync.Once
}

func newGenerateStream(body io.ReadCloser) *GenerateStream {
	return &GenerateStream{
		body: body,
		buf:  make([]byte, chunkSize),
	}
}

// Next returns the next chunk of the response body. The returned slice is
// owned by the caller. At the end of the stream it returns io.EOF.
func (s *GenerateStream) Next() ([]byte, error) {
	for {
		n, err := s.body.Read(s.buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, s.buf[:n])
			// A trailing error is reported by the following call.
			return chunk, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Close abandons the stream and releases the connection. It never fails.
func (s *GenerateStream) Close() error {
	s.closeOnce.Do(func() {
		s.body.Close()
	})
	return nil
}

// =============================================================================
// STREAM DECODER
// =============================================================================

// EventKind classifies a decoded stream event.
type EventKind int

const (
	// EventToken carries generated text.
	EventToken EventKind = iota
	// EventContext carries a replacement generation context.
	EventContext
	// EventComplete marks the server-reported end of generation.
	EventComplete
	// EventUnparseable carries a line that was not valid JSON.
	EventUnparseable
)

func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventContext:
		return "context"
	case EventComplete:
		return "complete"
	case EventUnparseable:
		return "unparseable"
	default:
		return "unknown"
	}
}

// Event is one decoded signal from a stream line.
type Event struct {
	Kind    EventKind
	Text    string  // EventToken
	Context Context // EventContext
	Raw     string  // EventUnparseable
}

// ErrInvalidUTF8 is returned by DecodeChunk when a chunk is not valid UTF-8.
// The whole chunk is dropped.
var ErrInvalidUTF8 = errors.New("stream chunk is not valid UTF-8")

// DecodeChunk turns one network chunk into events.
//
// The chunk is split on newlines and each non-empty line is parsed as a JSON
// object on its own. Fields are inspected independently, in the order
// response, context, done, so one line can yield several events and a line
// with none of them yields nothing.
//
// No partial line is carried over between chunks: an object split across a
// chunk boundary surfaces as two EventUnparseable halves.
func DecodeChunk(chunk []byte) ([]Event, error) {
	if _, _, err := transform.Bytes(encoding.UTF8Validator, chunk); err != nil {
		return nil, ErrInvalidUTF8
	}

	var events []Event
	for _, line := range bytes.Split(chunk, []byte{'\n'}) {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		events = appendLineEvents(events, line)
	}
	return events, nil
}

func appendLineEvents(events []Event, line []byte) []Event {
	if !json.Valid(line) {
		return append(events, Event{Kind: EventUnparseable, Raw: string(line)})
	}
	// Values that are valid JSON but not objects carry no signals.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(line, &obj); err != nil {
		return events
	}

	// Each field is checked on its own; a wrongly typed field is ignored.
	if resp := obj["response"]; len(resp) > 0 && resp[0] == '"' {
		var text string
		if json.Unmarshal(resp, &text) == nil {
			events = append(events, Event{Kind: EventToken, Text: text})
		}
	}

	if ctx := obj["context"]; len(ctx) > 0 && ctx[0] == '[' {
		var raw []json.RawMessage
		if json.Unmarshal(ctx, &raw) == nil {
			events = append(events, Event{Kind: EventContext, Context: contextFromRaw(raw)})
		}
	}

	var done bool
	if d := obj["done"]; len(d) > 0 && json.Unmarshal(d, &done) == nil && done {
		events = append(events, Event{Kind: EventComplete})
	}

	return events
}
