// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/jarvish/internal/config"
	"github.com/jeranaias/jarvish/internal/logging"
	"github.com/jeranaias/jarvish/internal/server"
	"github.com/jeranaias/jarvish/internal/session"
	"github.com/jeranaias/jarvish/internal/storage"
)

// shutdownTimeout bounds the graceful shutdown of serve.
const shutdownTimeout = 5 * time.Second

func (a *app) newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP bridge for the desktop UI",
		Long: `Run the HTTP bridge the desktop UI talks to.

The bridge exposes the chat commands as JSON endpoints under /api, pushes
UI events on /api/events and serves Prometheus metrics on /metrics. Changes
to log.level in the config file apply without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				a.cfg.Server.Listen = listen
			}
			return a.runServe(cmd)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides server.listen)")
	return cmd
}

func (a *app) runServe(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	convs, err := storage.NewConversationStore(a.cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer convs.Close()

	prefs, err := storage.NewPreferencesStore(a.cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer prefs.Close()

	client := a.client()
	manager := session.NewManager(client,
		session.WithLogger(a.logger.With().Str("component", "session").Logger()))

	srv := server.New(server.Config{
		Listen:         a.cfg.Server.Listen,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		RateLimit:      a.cfg.Server.RateLimit,
		RateBurst:      a.cfg.Server.RateBurst,
		DefaultModel:   a.cfg.Ollama.DefaultModel,
	}, manager, client).
		WithConversations(convs).
		WithPreferences(prefs).
		WithLogger(a.logger.With().Str("component", "server").Logger())

	if !client.CheckHealth(ctx) {
		a.logger.Warn().Str("url", client.BaseURL()).Msg("Ollama is not reachable; model requests fail until it is")
	}
	a.logger.Info().
		Str("listen", a.cfg.Server.Listen).
		Str("ollama", client.BaseURL()).
		Str("data_dir", a.cfg.Storage.DataDir).
		Msg("Starting jarvish")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if path, err := a.resolveConfigPath(); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			g.Go(func() error {
				return config.Watch(gctx, path, a.onConfigReload)
			})
		}
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// onConfigReload applies what can change while serving: the log level.
func (a *app) onConfigReload(cfg *config.Config, err error) {
	if err != nil {
		a.logger.Warn().Err(err).Msg("Config reload failed, keeping current settings")
		return
	}
	if a.logLevel == "" && cfg.Log.Level != a.cfg.Log.Level {
		if err := logging.SetLevel(cfg.Log.Level); err != nil {
			a.logger.Warn().Err(err).Msg("Ignoring log level from reloaded config")
		} else {
			a.logger.Info().Str("level", cfg.Log.Level).Msg("Log level changed")
			a.cfg.Log.Level = cfg.Log.Level
		}
	}
	if !reflect.DeepEqual(cfg.Server, a.cfg.Server) || cfg.Ollama != a.cfg.Ollama || cfg.Storage != a.cfg.Storage {
		a.logger.Warn().Msg("Config changed; restart jarvish serve to apply settings other than log.level")
	}
}
