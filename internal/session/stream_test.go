// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/jarvish/internal/ollama"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const waitTimeout = 2 * time.Second

// scriptedOllama is a fake /api/generate endpoint. Every string sent on
// chunks is written and flushed as its own network chunk; closing chunks
// ends the response normally. gone receives a signal whenever the client
// disconnects before the script ends.
type scriptedOllama struct {
	chunks chan string
	bodies chan map[string]json.RawMessage
	gone   chan struct{}
}

func newScriptedOllama(t *testing.T) (*scriptedOllama, *ollama.Client) {
	t.Helper()
	f := &scriptedOllama{
		chunks: make(chan string),
		bodies: make(chan map[string]json.RawMessage, 8),
		gone:   make(chan struct{}, 8),
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: srv.URL})
}

func (f *scriptedOllama) serve(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	json.NewDecoder(r.Body).Decode(&body)
	f.bodies <- body

	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher.Flush()
	for {
		select {
		case chunk, ok := <-f.chunks:
			if !ok {
				return
			}
			io.WriteString(w, chunk)
			flusher.Flush()
		case <-r.Context().Done():
			select {
			case f.gone <- struct{}{}:
			default:
			}
			return
		}
	}
}

// send hands one chunk to the server or fails the test.
func (f *scriptedOllama) send(t *testing.T, chunk string) {
	t.Helper()
	select {
	case f.chunks <- chunk:
	case <-time.After(waitTimeout):
		t.Fatalf("server did not accept chunk %q", chunk)
	}
}

// loadingOllama holds its response headers until release is closed, the way
// Ollama does while a model loads. entered receives a signal per request and
// gone one per client that left before release.
type loadingOllama struct {
	release chan struct{}
	entered chan struct{}
	gone    chan struct{}
}

func newLoadingOllama(t *testing.T) (*loadingOllama, *ollama.Client) {
	t.Helper()
	f := &loadingOllama{
		release: make(chan struct{}),
		entered: make(chan struct{}, 8),
		gone:    make(chan struct{}, 8),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.entered <- struct{}{}
		select {
		case <-f.release:
			io.WriteString(w, `{"response":"a"}`+"\n"+`{"response":"b","done":true}`+"\n")
		case <-r.Context().Done():
			f.gone <- struct{}{}
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		select {
		case <-f.release:
		default:
			close(f.release)
		}
	})
	return f, ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: srv.URL})
}

// logLines is a zerolog writer that hands every log line to a channel.
type logLines chan string

func (l logLines) Write(p []byte) (int, error) {
	select {
	case l <- string(p):
	default:
	}
	return len(p), nil
}

// waitLog waits for a log line containing msg.
func waitLog(t *testing.T, lines logLines, msg string) {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case line := <-lines:
			if strings.Contains(line, msg) {
				return
			}
		case <-timeout:
			t.Fatalf("no log line containing %q", msg)
		}
	}
}

// statusOllama always answers /api/generate with status.
func statusOllama(t *testing.T, status int) *ollama.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		io.WriteString(w, `{"error":"model runner crashed"}`)
	}))
	t.Cleanup(srv.Close)
	return ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: srv.URL})
}

type result struct {
	out Outcome
	err error
}

// startStream runs Stream in the background and returns its result channel.
func startStream(ctx context.Context, m *Manager, em Emitter) <-chan result {
	done := make(chan result, 1)
	go func() {
		out, err := m.Stream(ctx, ollama.GenerateRequest{Model: "llama3.2", Prompt: "hi"}, em)
		done <- result{out, err}
	}()
	return done
}

func waitResult(t *testing.T, done <-chan result) result {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("stream did not finish")
		return result{}
	}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("no event received")
		return Event{}
	}
}

func drain(events chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// waitState polls until the manager reports want.
func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, waitTimeout, time.Millisecond)
}

// =============================================================================
// COMPLETION PATHS
// =============================================================================

func TestStream_ThreeLineChunkCompletes(t *testing.T) {
	fake, client := newScriptedOllama(t)
	m := NewManager(client)
	events := make(chan Event, 16)

	done := startStream(context.Background(), m, ChannelEmitter(events))
	fake.send(t, "{\"response\":\"Hi\"}\n{\"response\":\" there\",\"context\":[1,2,3]}\n{\"done\":true}\n")

	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, Completed, r.out.State)
	assert.Equal(t, 2, r.out.Tokens)
	assert.NotEmpty(t, r.out.ID)

	assert.Equal(t, []Event{
		{Type: EventToken, Data: "Hi"},
		{Type: EventToken, Data: " there"},
		{Type: EventComplete, Data: "Stream completed"},
	}, drain(events))
	assert.Equal(t, ollama.Context{1, 2, 3}, m.Context())
	assert.Equal(t, HandleUnset, m.HandleState())
	assert.Equal(t, StateIdle, m.State())
}

func TestStream_CompletionSkipsRestOfChunk(t *testing.T) {
	fake, client := newScriptedOllama(t)
	m := NewManager(client)
	events := make(chan Event, 16)

	done := startStream(context.Background(), m, ChannelEmitter(events))
	fake.send(t, "{\"response\":\"a\",\"done\":true}\n{\"response\":\"late\",\"context\":[9]}\n")

	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, Completed, r.out.State)
	assert.Equal(t, []Event{
		{Type: EventToken, Data: "a"},
		{Type: EventComplete, Data: "Stream completed"},
	}, drain(events))
	assert.Nil(t, m.Context(), "context after the completion flag must not be applied")
}

func TestStream_EndOfStreamWithoutDoneCompletesSilently(t *testing.T) {
	fake, client := newScriptedOllama(t)
	m := NewManager(client)
	events := make(chan Event, 16)

	done := startStream(context.Background(), m, ChannelEmitter(events))
	fake.send(t, `{"response":"partial"}`+"\n")
	close(fake.chunks)

	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, Completed, r.out.State)
	assert.Equal(t, []Event{{Type: EventToken, Data: "partial"}}, drain(events))
	assert.Equal(t, HandleUnset, m.HandleState())
}

func TestStream_BadChunksDoNotStopTheLoop(t *testing.T) {
	fake, client := newScriptedOllama(t)
	lines := make(logLines, 64)
	m := NewManager(client, WithLogger(zerolog.New(lines).Level(zerolog.DebugLevel)))
	events := make(chan Event, 16)

	// Each chunk is read on its own before the next is written; the client
	// would otherwise be free to merge them into one read.
	done := startStream(context.Background(), m, ChannelEmitter(events))
	fake.send(t, "not json\n")
	waitLog(t, lines, "Failed to parse JSON line")
	fake.send(t, string([]byte{0xff, 0xfe, '\n'}))
	waitLog(t, lines, "Dropping undecodable chunk")
	fake.send(t, `{"response":"ok","done":true}`+"\n")

	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, Completed, r.out.State)
	assert.Equal(t, []Event{
		{Type: EventToken, Data: "ok"},
		{Type: EventComplete, Data: "Stream completed"},
	}, drain(events))
}

// Known limitation: invalid UTF-8 drops its whole read, so a completion flag
// that arrived in the same read is lost and the session only ends when the
// server closes the stream.
func TestHandleChunk_InvalidBytesLoseCompletionInSameRead(t *testing.T) {
	m := NewManager(ollama.NewClient())
	events := make(chan Event, 4)
	tokens := 0

	chunk := append([]byte{0xff, 0xfe, '\n'}, `{"response":"ok","done":true}`+"\n"...)
	done := m.handleChunk(chunk, ChannelEmitter(events), &tokens, zerolog.Nop())

	assert.False(t, done)
	assert.Zero(t, tokens)
	assert.Empty(t, drain(events))
}

// =============================================================================
// GENERATION CONTEXT
// =============================================================================

func TestStream_ContextIsLastWriteWins(t *testing.T) {
	fake, client := newScriptedOllama(t)
	m := NewManager(client)
	events := make(chan Event, 16)

	done := startStream(context.Background(), m, ChannelEmitter(events))
	<-fake.bodies
	fake.send(t, `{"context":[1]}`+"\n")
	fake.send(t, `{"context":[2,2]}`+"\n")
	fake.send(t, `{"context":[3,3,3]}`+"\n"+`{"done":true}`+"\n")
	require.NoError(t, waitResult(t, done).err)

	assert.Equal(t, ollama.Context{3, 3, 3}, m.Context())

	// The stored context rides along with the next request.
	done = startStream(context.Background(), m, ChannelEmitter(events))
	body := <-fake.bodies
	assert.JSONEq(t, `[3,3,3]`, string(body["context"]))
	fake.send(t, `{"done":true}`+"\n")
	require.NoError(t, waitResult(t, done).err)

	// After a reset the field is omitted entirely.
	m.ResetContext()
	assert.Nil(t, m.Context())
	done = startStream(context.Background(), m, ChannelEmitter(events))
	body = <-fake.bodies
	_, present := body["context"]
	assert.False(t, present)
	fake.send(t, `{"done":true}`+"\n")
	require.NoError(t, waitResult(t, done).err)
}

// =============================================================================
// FAILURE PATHS
// =============================================================================

// slotRecorder records the cancellation slot while the stream opens.
type slotRecorder struct {
	inner Generator
	m     *Manager
	seen  []HandleState
}

func (r *slotRecorder) OpenGenerateStream(ctx context.Context, req ollama.GenerateRequest) (*ollama.GenerateStream, error) {
	r.seen = append(r.seen, r.m.HandleState())
	return r.inner.OpenGenerateStream(ctx, req)
}

func TestStream_OpenFailureClearsHandle(t *testing.T) {
	rec := &slotRecorder{inner: statusOllama(t, http.StatusInternalServerError)}
	m := NewManager(rec)
	rec.m = m
	events := make(chan Event, 16)

	out, err := m.Stream(context.Background(), ollama.GenerateRequest{Model: "m", Prompt: "p"}, ChannelEmitter(events))

	assert.ErrorIs(t, err, ollama.ErrUpstream)
	assert.Equal(t, http.StatusInternalServerError, ollama.StatusCode(err))
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, err, out.Err)
	assert.Zero(t, out.Tokens)

	got := drain(events)
	require.Len(t, got, 1)
	assert.Equal(t, EventError, got[0].Type)
	assert.Contains(t, got[0].Data, "model runner crashed")

	assert.Equal(t, []HandleState{HandleArmed}, rec.seen, "handle is armed while the stream opens")
	assert.Equal(t, HandleUnset, m.HandleState())
	assert.Equal(t, StateIdle, m.State())
}

func TestStream_UnreachableServerFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	m := NewManager(ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: url}))
	events := make(chan Event, 4)

	out, err := m.Stream(context.Background(), ollama.GenerateRequest{Model: "m", Prompt: "p"}, ChannelEmitter(events))

	assert.ErrorIs(t, err, ollama.ErrUnavailable)
	assert.Equal(t, Failed, out.State)
	assert.Len(t, drain(events), 1)
	assert.Equal(t, HandleUnset, m.HandleState())
}

func TestStream_TransportErrorMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"response":"before"}`+"\n")
		w.(http.Flusher).Flush()
		// Drop the connection without finishing the chunked body.
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	t.Cleanup(srv.Close)
	m := NewManager(ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: srv.URL}))
	events := make(chan Event, 16)

	out, err := m.Stream(context.Background(), ollama.GenerateRequest{Model: "m", Prompt: "p"}, ChannelEmitter(events))

	require.Error(t, err)
	assert.ErrorIs(t, err, ollama.ErrUnavailable)
	assert.Equal(t, Failed, out.State)

	got := drain(events)
	require.Len(t, got, 2)
	assert.Equal(t, Event{Type: EventToken, Data: "before"}, got[0], "tokens streamed before a failure stay delivered")
	assert.Equal(t, EventError, got[1].Type)
	assert.Contains(t, got[1].Data, "Stream error")
	assert.Equal(t, HandleUnset, m.HandleState())
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestStream_CancelBetweenChunks(t *testing.T) {
	fake, client := newScriptedOllama(t)
	m := NewManager(client)
	events := make(chan Event, 16)

	done := startStream(context.Background(), m, ChannelEmitter(events))
	fake.send(t, `{"response":"first"}`+"\n")
	assert.Equal(t, Event{Type: EventToken, Data: "first"}, nextEvent(t, events))

	assert.Equal(t, HandleArmed, m.HandleState())
	assert.Equal(t, StateStreaming, m.State())
	require.NoError(t, m.Abort(context.Background()))

	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, Cancelled, r.out.State)
	assert.Equal(t, 1, r.out.Tokens)
	assert.Equal(t, []Event{{Type: EventCancelled, Data: "Stream cancelled by user"}}, drain(events))
	assert.Equal(t, HandleUnset, m.HandleState())

	select {
	case <-fake.gone:
	case <-time.After(waitTimeout):
		t.Fatal("upstream connection was not closed after cancellation")
	}
}

func TestStream_CallerContextCancels(t *testing.T) {
	fake, client := newScriptedOllama(t)
	m := NewManager(client)
	events := make(chan Event, 16)
	ctx, cancel := context.WithCancel(context.Background())

	done := startStream(ctx, m, ChannelEmitter(events))
	fake.send(t, `{"response":"x"}`+"\n")
	nextEvent(t, events)
	cancel()

	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, Cancelled, r.out.State)
	assert.Equal(t, []Event{{Type: EventCancelled, Data: context.Canceled.Error()}}, drain(events))
	assert.Equal(t, HandleUnset, m.HandleState())
}

func TestStream_AbortWhileStarting(t *testing.T) {
	fake, client := newLoadingOllama(t)
	m := NewManager(client)
	events := make(chan Event, 16)

	done := startStream(context.Background(), m, ChannelEmitter(events))
	<-fake.entered
	assert.Equal(t, StateStarting, m.State())
	assert.Equal(t, HandleArmed, m.HandleState())

	require.NoError(t, m.Abort(context.Background()))

	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, Cancelled, r.out.State)
	assert.Zero(t, r.out.Tokens)
	assert.Equal(t, []Event{{Type: EventCancelled, Data: "Stream cancelled by user"}}, drain(events))
	assert.Equal(t, HandleUnset, m.HandleState())
	assert.Equal(t, StateIdle, m.State())

	select {
	case <-fake.gone:
	case <-time.After(waitTimeout):
		t.Fatal("pending request was not abandoned after abort")
	}
}

func TestStream_CallerContextCancelsWhileStarting(t *testing.T) {
	fake, client := newLoadingOllama(t)
	m := NewManager(client)
	events := make(chan Event, 16)
	ctx, cancel := context.WithCancel(context.Background())

	done := startStream(ctx, m, ChannelEmitter(events))
	<-fake.entered
	cancel()

	r := waitResult(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, Cancelled, r.out.State)
	assert.Nil(t, r.out.Err)
	assert.Equal(t, []Event{{Type: EventCancelled, Data: context.Canceled.Error()}}, drain(events))
	assert.Equal(t, HandleUnset, m.HandleState())
}

func TestAbort_NoActiveStream(t *testing.T) {
	m := NewManager(ollama.NewClient())

	assert.ErrorIs(t, m.Abort(context.Background()), ErrNoActiveStream)
	assert.Equal(t, HandleUnset, m.HandleState())
}

func TestAbort_SecondCallFails(t *testing.T) {
	fake, client := newScriptedOllama(t)
	m := NewManager(client)
	events := make(chan Event, 16)

	done := startStream(context.Background(), m, ChannelEmitter(events))
	<-fake.bodies
	waitState(t, m, StateStreaming)

	require.NoError(t, m.Abort(context.Background()))
	// Whether or not the session has observed the first request yet, there
	// is nothing left to cancel.
	assert.ErrorIs(t, m.Abort(context.Background()), ErrNoActiveStream)

	assert.Equal(t, Cancelled, waitResult(t, done).out.State)
	assert.ErrorIs(t, m.Abort(context.Background()), ErrNoActiveStream)
}

func TestAbort_HonoursContextWhileSlotBusy(t *testing.T) {
	m := NewManager(ollama.NewClient())
	m.lockSlot()
	defer m.slot.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Abort(ctx), context.DeadlineExceeded)
}

// =============================================================================
// SINGLE ACTIVE SESSION
// =============================================================================

func TestStream_SecondSessionRejectedWhileActive(t *testing.T) {
	fake, client := newScriptedOllama(t)
	m := NewManager(client)
	events := make(chan Event, 16)

	done := startStream(context.Background(), m, ChannelEmitter(events))
	<-fake.bodies
	waitState(t, m, StateStreaming)

	other := make(chan Event, 4)
	out, err := m.Stream(context.Background(), ollama.GenerateRequest{Model: "m", Prompt: "again"}, ChannelEmitter(other))
	assert.ErrorIs(t, err, ErrStreamActive)
	assert.Equal(t, NotStarted, out.State)
	assert.NotEmpty(t, out.ID)
	assert.Empty(t, drain(other))

	// The first session's handle was not displaced.
	assert.Equal(t, HandleArmed, m.HandleState())
	require.NoError(t, m.Abort(context.Background()))
	assert.Equal(t, Cancelled, waitResult(t, done).out.State)

	// Once the first session is gone a new one may start.
	done = startStream(context.Background(), m, ChannelEmitter(events))
	<-fake.bodies
	fake.send(t, `{"done":true}`+"\n")
	assert.Equal(t, Completed, waitResult(t, done).out.State)
}

func TestStream_HandleClearedAfterEveryTerminalState(t *testing.T) {
	fake, client := newScriptedOllama(t)
	m := NewManager(client)
	events := make(chan Event, 32)

	// Completed
	done := startStream(context.Background(), m, ChannelEmitter(events))
	fake.send(t, `{"done":true}`+"\n")
	assert.Equal(t, Completed, waitResult(t, done).out.State)
	assert.Equal(t, HandleUnset, m.HandleState())

	// Cancelled
	done = startStream(context.Background(), m, ChannelEmitter(events))
	<-fake.bodies // completed request
	<-fake.bodies
	waitState(t, m, StateStreaming)
	require.NoError(t, m.Abort(context.Background()))
	assert.Equal(t, Cancelled, waitResult(t, done).out.State)
	assert.Equal(t, HandleUnset, m.HandleState())

	// Failed
	failing := NewManager(statusOllama(t, http.StatusBadGateway))
	out, err := failing.Stream(context.Background(), ollama.GenerateRequest{Model: "m", Prompt: "p"}, ChannelEmitter(events))
	require.Error(t, err)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, HandleUnset, failing.HandleState())
}

// =============================================================================
// TYPE TESTS
// =============================================================================

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "not_started", NotStarted.String())
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "cancelled", Cancelled.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unset", HandleUnset.String())
	assert.Equal(t, "armed", HandleArmed.String())
	assert.Equal(t, "cancelled", HandleCancelled.String())
}
