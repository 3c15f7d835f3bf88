// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/jeranaias/jarvish/internal/ollama"
	"github.com/jeranaias/jarvish/internal/session"
	"github.com/jeranaias/jarvish/internal/storage"
)

// DefaultListen is the loopback address the bridge binds to.
const DefaultListen = "127.0.0.1:7878"

// ============================================================================
// COLLABORATORS
// ============================================================================

// ModelService answers the non-streaming model questions. *ollama.Client
// satisfies it.
type ModelService interface {
	ListModels(ctx context.Context) ([]string, error)
	GetModelInfo(ctx context.Context, name string) (*ollama.ModelInfo, error)
	CheckHealth(ctx context.Context) bool
}

// ConversationStore persists chat transcripts. *storage.ConversationStore
// satisfies it.
type ConversationStore interface {
	Save(ctx context.Context, conv *storage.Conversation) (string, error)
	Load(ctx context.Context, id string) (*storage.Conversation, error)
	List(ctx context.Context) ([]storage.ConversationPreview, error)
	Delete(ctx context.Context, id string) error
	UpdateTitle(ctx context.Context, id, firstMessage string) (string, error)
}

// PreferencesStore persists editor preferences. *storage.PreferencesStore
// satisfies it.
type PreferencesStore interface {
	Save(ctx context.Context, p storage.Preferences) error
	Load(ctx context.Context) (storage.Preferences, error)
}

// errStoreMissing is returned by persistence routes when no store is wired.
var errStoreMissing = errors.New("persistence is not configured")

// ============================================================================
// SERVER
// ============================================================================

// Config configures the HTTP bridge.
type Config struct {
	// Listen is the host:port to bind; empty means DefaultListen
	Listen string
	// AllowedOrigins are the CORS origins of the UI
	AllowedOrigins []string
	// RateLimit is requests per second per client; 0 disables limiting
	RateLimit float64
	// RateBurst is the token bucket size
	RateBurst int
	// DefaultModel fills in generate requests that name no model
	DefaultModel string
}

// Server is the HTTP bridge between the UI and the session manager.
type Server struct {
	cfg      Config
	sessions *session.Manager
	models   ModelService
	convs    ConversationStore
	prefs    PreferencesStore
	logger   zerolog.Logger

	hub     *Hub
	metrics *Metrics
	limiter *RateLimiter

	// baseCtx is cancelled on Shutdown so running sessions stop with the server.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	handlerOnce sync.Once
	handler     http.Handler

	mu     sync.Mutex
	server *http.Server
}

// New creates a server around the session manager and model service.
func New(cfg Config, sessions *session.Manager, models ModelService) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	hub := NewHub(DefaultHubBuffer)
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		sessions:   sessions,
		models:     models,
		logger:     zerolog.Nop(),
		hub:        hub,
		metrics:    NewMetrics(hub),
		limiter:    NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
}

// WithConversations wires the conversation store.
func (s *Server) WithConversations(store ConversationStore) *Server {
	s.convs = store
	return s
}

// WithPreferences wires the preferences store.
func (s *Server) WithPreferences(store PreferencesStore) *Server {
	s.prefs = store
	return s
}

// WithLogger sets the logger for requests and forwarded UI log lines.
func (s *Server) WithLogger(l zerolog.Logger) *Server {
	s.logger = l
	return s
}

// Hub returns the UI event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.cfg.Listen
}

// ============================================================================
// ROUTES
// ============================================================================

// Handler returns the fully wrapped router. It is built on first use, so
// the With* setters must be called before.
func (s *Server) Handler() http.Handler {
	s.handlerOnce.Do(func() {
		s.handler = s.routes()
	})
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RecoveryMiddleware(&s.logger))
	r.Use(SecurityHeadersMiddleware())
	r.Use(LoggingMiddleware(&s.logger))
	r.Use(s.metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(RateLimitMiddleware(s.limiter, &s.logger, s.metrics.rejected.Inc))

	r.Route("/api", func(r chi.Router) {
		r.Post("/stream", s.handleStream)
		r.Post("/abort", s.handleAbort)
		r.Post("/context/reset", s.handleResetContext)
		r.Get("/session", s.handleSessionState)
		r.Get("/events", s.handleEvents)

		r.Get("/models", s.handleModels)
		r.Get("/models/info", s.handleModelInfo)
		r.Get("/health", s.handleHealth)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", s.handleListConversations)
			r.Post("/", s.handleSaveConversation)
			r.Post("/new", s.handleNewConversation)
			r.Get("/{id}", s.handleLoadConversation)
			r.Delete("/{id}", s.handleDeleteConversation)
			r.Put("/{id}/title", s.handleUpdateTitle)
		})

		r.Get("/preferences", s.handleLoadPreferences)
		r.Put("/preferences", s.handleSavePreferences)
		r.Post("/log", s.handleLog)
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start binds the listen address and serves until Shutdown. It returns nil
// after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	s.mu.Lock()
	s.server = srv
	stopped := s.baseCtx.Err() != nil
	s.mu.Unlock()
	if stopped {
		ln.Close()
		return nil
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops running sessions, ends event subscriptions and waits for
// in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Server shutting down")
	s.mu.Lock()
	s.cancelBase()
	srv := s.server
	s.mu.Unlock()
	s.hub.Close()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
