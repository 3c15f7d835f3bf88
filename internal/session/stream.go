// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/jarvish/internal/ollama"
)

// =============================================================================
// OUTCOME
// =============================================================================

// TerminalState is how a streaming session ended.
type TerminalState int

const (
	// NotStarted marks an Outcome of a Stream call that was refused before
	// a session began, e.g. with ErrStreamActive.
	NotStarted TerminalState = iota
	Completed
	Cancelled
	Failed
)

func (s TerminalState) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome summarizes a finished streaming session.
type Outcome struct {
	ID       string
	State    TerminalState
	Tokens   int
	Duration time.Duration
	// Err is set when State is Failed.
	Err error
}

// cancelReasonUser is sent with the cancelled notification for Abort.
const cancelReasonUser = "Stream cancelled by user"

// =============================================================================
// STREAMING SESSION
// =============================================================================

// chunkResult is one read from the generation stream.
type chunkResult struct {
	data []byte
	err  error
}

// Stream runs one streaming session: it opens a generation stream for req
// using the stored generation context, forwards tokens to em and keeps the
// stored context up to date until the server reports completion, the
// stream ends, an error occurs or the session is cancelled.
//
// Every terminal path sends at most one of Complete, Cancelled or Error to
// em; a stream that simply ends sends nothing. Tokens already delivered are
// never retracted.
//
// Only one session runs at a time. A call made while another session is
// starting or streaming fails with ErrStreamActive and leaves that session
// untouched. Cancelling ctx stops the session like Abort does.
//
// The returned error is non-nil when the session could not run or ended in
// the Failed state. A session refused before it began reports NotStarted.
//
// The cancellation handle is armed from the moment the session starts, so
// Abort also stops a request that is still waiting for the server to answer.
func (m *Manager) Stream(ctx context.Context, req ollama.GenerateRequest, em Emitter) (Outcome, error) {
	out := Outcome{ID: uuid.NewString(), State: NotStarted}
	log := m.logger.With().Str("session", out.ID).Str("model", req.Model).Logger()

	handle, err := m.begin(ctx)
	if err != nil {
		return out, err
	}
	defer m.finish()

	start := time.Now()
	req.Context = m.Context()
	log.Info().Int("prompt_len", len(req.Prompt)).Int("context_len", len(req.Context)).Msg("Starting stream")

	// The request lives until the session ends; Abort cancels it.
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	go func() {
		select {
		case <-handle.Done():
			cancelStream()
		case <-streamCtx.Done():
		}
	}()

	stream, err := m.gen.OpenGenerateStream(streamCtx, req)
	if err != nil {
		out.Duration = time.Since(start)
		switch {
		case handle.state() == HandleCancelled:
			out.State, out.Err = m.cancelled(em, cancelReasonUser, log)
		case ctx.Err() != nil:
			out.State, out.Err = m.cancelled(em, ctx.Err().Error(), log)
		default:
			out.State = Failed
			out.Err = err
			log.Error().Err(err).Msg("Failed to open stream")
			em.Error(err.Error())
		}
		return out, out.Err
	}

	m.markStreaming()
	out.State, out.Err = m.consume(ctx, stream, handle, em, &out.Tokens, log)
	out.Duration = time.Since(start)

	log.Info().
		Str("state", out.State.String()).
		Int("tokens", out.Tokens).
		Dur("elapsed", out.Duration).
		Msg("Stream finished")
	return out, out.Err
}

// consume drives the read loop. A reader goroutine feeds chunks into a
// channel so each wait is a select between the next chunk and cancellation.
// The stream is closed and the reader joined before consume returns.
func (m *Manager) consume(ctx context.Context, stream *ollama.GenerateStream, handle *cancelHandle, em Emitter, tokens *int, log zerolog.Logger) (TerminalState, error) {
	chunks := make(chan chunkResult)
	stop := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		for {
			data, err := stream.Next()
			select {
			case chunks <- chunkResult{data: data, err: err}:
			case <-stop:
				return nil
			}
			if err != nil {
				return nil
			}
		}
	})
	defer func() {
		close(stop)
		stream.Close()
		g.Wait()
	}()

	for {
		// A cancellation that is already pending wins over a ready chunk.
		select {
		case <-handle.Done():
			return m.cancelled(em, cancelReasonUser, log)
		case <-ctx.Done():
			return m.cancelled(em, ctx.Err().Error(), log)
		default:
		}

		select {
		case <-handle.Done():
			return m.cancelled(em, cancelReasonUser, log)

		case <-ctx.Done():
			return m.cancelled(em, ctx.Err().Error(), log)

		case c := <-chunks:
			if c.err != nil {
				// A read that failed because the session was stopped is a
				// cancellation, not a transport failure.
				if handle.state() == HandleCancelled {
					return m.cancelled(em, cancelReasonUser, log)
				}
				if ctx.Err() != nil {
					return m.cancelled(em, ctx.Err().Error(), log)
				}
				if errors.Is(c.err, io.EOF) {
					log.Debug().Msg("Stream ended without completion flag")
					return Completed, nil
				}
				err := &ollama.ClientError{
					Type:    ollama.ErrTypeUnavailable,
					Message: "stream interrupted",
					Cause:   c.err,
				}
				log.Error().Err(c.err).Msg("Stream error")
				em.Error("Stream error: " + c.err.Error())
				return Failed, err
			}

			if m.handleChunk(c.data, em, tokens, log) {
				log.Debug().Msg("Server reported completion")
				em.Complete()
				return Completed, nil
			}
		}
	}
}

// handleChunk applies the events of one chunk in order. It reports true when
// the chunk carried the completion flag; events after it are not applied.
func (m *Manager) handleChunk(data []byte, em Emitter, tokens *int, log zerolog.Logger) bool {
	events, err := ollama.DecodeChunk(data)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping undecodable chunk")
		return false
	}

	for _, ev := range events {
		switch ev.Kind {
		case ollama.EventToken:
			*tokens++
			em.Token(ev.Text)
		case ollama.EventContext:
			m.replaceContext(ev.Context)
		case ollama.EventComplete:
			return true
		case ollama.EventUnparseable:
			log.Debug().Str("line", ev.Raw).Msg("Failed to parse JSON line")
		}
	}
	return false
}

func (m *Manager) cancelled(em Emitter, reason string, log zerolog.Logger) (TerminalState, error) {
	log.Info().Str("reason", reason).Msg("Stream cancelled")
	em.Cancelled(reason)
	return Cancelled, nil
}
