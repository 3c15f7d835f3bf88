// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

// =============================================================================
// UI EVENTS
// =============================================================================

// Event names as seen by the UI.
const (
	EventToken     = "ollama-token"
	EventComplete  = "ollama-complete"
	EventCancelled = "ollama-cancelled"
	EventError     = "ollama-error"
)

// CompleteMessage is the payload of EventComplete.
const CompleteMessage = "Stream completed"

// IsTerminal reports whether an event of this type ends a session.
func IsTerminal(eventType string) bool {
	switch eventType {
	case EventComplete, EventCancelled, EventError:
		return true
	}
	return false
}

// Emitter receives the UI-facing notifications of a streaming session.
// Notifications are pushed without acknowledgement; implementations must
// not block for long, since they run on the session's loop.
type Emitter interface {
	Token(text string)
	Complete()
	Cancelled(reason string)
	Error(message string)
}

// Event is a UI notification in wire form.
type Event struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ChannelEmitter forwards notifications onto a channel as Event values.
type ChannelEmitter chan<- Event

func (c ChannelEmitter) Token(text string) {
	c <- Event{Type: EventToken, Data: text}
}

func (c ChannelEmitter) Complete() {
	c <- Event{Type: EventComplete, Data: CompleteMessage}
}

func (c ChannelEmitter) Cancelled(reason string) {
	c <- Event{Type: EventCancelled, Data: reason}
}

func (c ChannelEmitter) Error(message string) {
	c <- Event{Type: EventError, Data: message}
}

// EmitterFuncs adapts plain functions to Emitter. Nil fields are skipped.
type EmitterFuncs struct {
	OnToken     func(text string)
	OnComplete  func()
	OnCancelled func(reason string)
	OnError     func(message string)
}

func (f EmitterFuncs) Token(text string) {
	if f.OnToken != nil {
		f.OnToken(text)
	}
}

func (f EmitterFuncs) Complete() {
	if f.OnComplete != nil {
		f.OnComplete()
	}
}

func (f EmitterFuncs) Cancelled(reason string) {
	if f.OnCancelled != nil {
		f.OnCancelled(reason)
	}
}

func (f EmitterFuncs) Error(message string) {
	if f.OnError != nil {
		f.OnError(message)
	}
}

// multiEmitter fans notifications out to several emitters in order.
type multiEmitter []Emitter

// Tee returns an Emitter that forwards every notification to each of emitters.
func Tee(emitters ...Emitter) Emitter {
	return multiEmitter(emitters)
}

func (m multiEmitter) Token(text string) {
	for _, e := range m {
		e.Token(text)
	}
}

func (m multiEmitter) Complete() {
	for _, e := range m {
		e.Complete()
	}
}

func (m multiEmitter) Cancelled(reason string) {
	for _, e := range m {
		e.Cancelled(reason)
	}
}

func (m multiEmitter) Error(message string) {
	for _, e := range m {
		e.Error(message)
	}
}
