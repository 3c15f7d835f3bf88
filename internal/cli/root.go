// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jeranaias/jarvish/internal/config"
	"github.com/jeranaias/jarvish/internal/logging"
	"github.com/jeranaias/jarvish/internal/ollama"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// ROOT COMMAND
// =============================================================================

// app is the state shared by every command of one invocation.
type app struct {
	// flags
	configPath string
	logLevel   string
	ollamaURL  string
	jsonMode   bool

	// resolved in PersistentPreRunE
	cfg    *config.Config
	logger zerolog.Logger
}

// NewRootCommand builds the jarvish command tree.
func NewRootCommand() *cobra.Command {
	a := &app{logger: zerolog.Nop()}

	root := &cobra.Command{
		Use:   "jarvish",
		Short: "Chat backend for a local Ollama server",
		Long: `jarvish bridges a desktop chat UI to a local Ollama server and keeps
the chat history in a local database.

Examples:
  jarvish serve                          # run the bridge for the UI
  jarvish ask "why is the sky blue?"     # stream one answer
  jarvish models                         # list installed models
  jarvish history list                   # saved conversations
  jarvish config set ollama.default_model llama3.2`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Config file (default ~/.jarvish/config.toml)")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	flags.StringVar(&a.ollamaURL, "ollama-url", "", "Ollama base URL (overrides config)")
	flags.BoolVar(&a.jsonMode, "json", false, "Output as JSON")

	root.AddCommand(
		a.newServeCommand(),
		a.newAskCommand(),
		a.newModelsCommand(),
		a.newShowCommand(),
		a.newHealthCommand(),
		a.newConfigCommand(),
		a.newHistoryCommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return ExecuteContext(context.Background(), os.Args[1:])
}

// ExecuteContext runs the command line with args and returns the exit code.
func ExecuteContext(ctx context.Context, args []string) int {
	return execute(ctx, args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteContextC(ctx)
	if err != nil {
		jsonMode, _ := root.PersistentFlags().GetBool("json")
		name := root.Name()
		if cmd != nil {
			name = cmd.Name()
		}
		DisplayError(root.ErrOrStderr(), name, err, jsonMode)
		return GetExitCode(err)
	}
	return ExitSuccess
}

// =============================================================================
// SHARED SETUP
// =============================================================================

// resolveConfigPath returns --config or the default location.
func (a *app) resolveConfigPath() (string, error) {
	if a.configPath != "" {
		return a.configPath, nil
	}
	return config.ConfigPath()
}

// load reads the configuration, applies flag overrides and builds the
// logger. A missing config file means the defaults.
func (a *app) load(cmd *cobra.Command) error {
	path, err := a.resolveConfigPath()
	if err != nil {
		return &ConfigError{Err: err}
	}

	var cfg *config.Config
	if _, statErr := os.Stat(path); statErr == nil {
		cfg, err = config.LoadFromPath(path)
	} else {
		cfg = config.Default()
		cfg.ApplyEnvOverrides()
		err = cfg.Validate()
	}
	if err != nil {
		return &ConfigError{Err: err}
	}

	if a.ollamaURL != "" {
		cfg.Ollama.BaseURL = strings.TrimRight(a.ollamaURL, "/")
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return &ConfigError{Err: err}
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

// client returns an Ollama client for the configured server.
func (a *app) client() *ollama.Client {
	return ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL: a.cfg.Ollama.BaseURL,
		Timeout: time.Duration(a.cfg.Ollama.TimeoutSecs) * time.Second,
	})
}

// resolveModel picks the model: the flag, then the configured default,
// then the first installed model.
func (a *app) resolveModel(ctx context.Context, models interface {
	ListModels(ctx context.Context) ([]string, error)
}, flagModel string) (string, error) {
	if flagModel != "" {
		return flagModel, nil
	}
	if a.cfg.Ollama.DefaultModel != "" {
		return a.cfg.Ollama.DefaultModel, nil
	}
	names, err := models.ListModels(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", &UsageError{
			Message: "no models installed and no model given",
			Example: "ollama pull llama3.2",
		}
	}
	return names[0], nil
}

// printJSON writes data as a successful JSONResponse.
func (a *app) printJSON(cmd *cobra.Command, data any) error {
	return NewJSONResponse(cmd.Name(), data).Print(cmd.OutOrStdout())
}

// exactArgs is cobra.ExactArgs with a usage error and an example.
func exactArgs(n int, example string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return &UsageError{
				Message: fmt.Sprintf("%s takes %d argument(s), got %d", cmd.CommandPath(), n, len(args)),
				Example: example,
			}
		}
		return nil
	}
}

// isNotExist reports whether err means a missing file.
func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
