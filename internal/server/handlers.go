// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jeranaias/jarvish/internal/logging"
	"github.com/jeranaias/jarvish/internal/ollama"
	"github.com/jeranaias/jarvish/internal/session"
	"github.com/jeranaias/jarvish/internal/storage"
)

// ============================================================================
// STREAMING SESSION
// ============================================================================

// StreamResponse reports how a streaming session ended. The tokens
// themselves travel over the event channel.
type StreamResponse struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Tokens     int    `json:"tokens"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// SessionResponse is the body of GET /api/session.
type SessionResponse struct {
	State      string `json:"state"`
	Handle     string `json:"handle"`
	ContextLen int    `json:"context_len"`
}

// handleStream runs one session for the lifetime of the request. The
// session ends early if the client goes away or the server shuts down.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req ollama.GenerateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		req.Model = s.cfg.DefaultModel
	}
	if strings.TrimSpace(req.Model) == "" {
		writeError(w, badRequest("model is required"))
		return
	}
	if req.Prompt == "" {
		writeError(w, badRequest("prompt is required"))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	out, err := s.sessions.Stream(ctx, req, session.Tee(s.hub, s.metrics.Emitter()))
	if out.State == session.NotStarted {
		s.metrics.ObserveRejectedSession()
		writeError(w, err)
		return
	}
	s.metrics.ObserveSession(out)

	resp := StreamResponse{
		ID:         out.ID,
		State:      out.State.String(),
		Tokens:     out.Tokens,
		DurationMS: out.Duration.Milliseconds(),
	}
	status := http.StatusOK
	if out.Err != nil {
		resp.Error = out.Err.Error()
		status = statusFor(out.Err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Abort(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetContext(w http.ResponseWriter, r *http.Request) {
	s.sessions.ResetContext()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SessionResponse{
		State:      s.sessions.State().String(),
		Handle:     s.sessions.HandleState().String(),
		ContextLen: len(s.sessions.Context()),
	})
}

// handleEvents pushes UI events as NDJSON until the client disconnects or
// the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				s.logger.Debug().Err(err).Msg("Event subscriber write failed")
				return
			}
			flusher.Flush()
		}
	}
}

// ============================================================================
// MODELS
// ============================================================================

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.models.ListModels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		writeError(w, badRequest("name is required"))
		return
	}
	info, err := s.models.GetModelInfo(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"healthy": s.models.CheckHealth(r.Context())})
}

// ============================================================================
// CONVERSATIONS
// ============================================================================

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if s.convs == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errStoreMissing.Error())
		return
	}
	previews, err := s.convs.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, previews)
}

func (s *Server) handleSaveConversation(w http.ResponseWriter, r *http.Request) {
	if s.convs == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errStoreMissing.Error())
		return
	}
	var conv storage.Conversation
	if err := decodeJSON(w, r, &conv); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.convs.Save(r.Context(), &conv)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// handleNewConversation returns a fresh conversation without saving it.
func (s *Server) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	if body.Model == "" {
		body.Model = s.cfg.DefaultModel
	}
	writeJSON(w, http.StatusOK, storage.NewConversation(body.Model))
}

func (s *Server) handleLoadConversation(w http.ResponseWriter, r *http.Request) {
	if s.convs == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errStoreMissing.Error())
		return
	}
	conv, err := s.convs.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if s.convs == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errStoreMissing.Error())
		return
	}
	if err := s.convs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	if s.convs == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errStoreMissing.Error())
		return
	}
	var body struct {
		FirstMessage string `json:"first_message"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	title, err := s.convs.UpdateTitle(r.Context(), chi.URLParam(r, "id"), body.FirstMessage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"title": title})
}

// ============================================================================
// PREFERENCES AND LOGGING
// ============================================================================

func (s *Server) handleLoadPreferences(w http.ResponseWriter, r *http.Request) {
	if s.prefs == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errStoreMissing.Error())
		return
	}
	prefs, err := s.prefs.Load(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handleSavePreferences(w http.ResponseWriter, r *http.Request) {
	if s.prefs == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errStoreMissing.Error())
		return
	}
	prefs := storage.DefaultPreferences()
	if err := decodeJSON(w, r, &prefs); err != nil {
		writeError(w, err)
		return
	}
	if err := s.prefs.Save(r.Context(), prefs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// LogRequest is a log line forwarded by the UI.
type LogRequest struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var req LogRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	logging.Process(s.logger, req.Message, req.Level, logging.Frontend)
	w.WriteHeader(http.StatusNoContent)
}
