// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/jarvish/internal/config"
	"github.com/jeranaias/jarvish/internal/ollama"
	"github.com/jeranaias/jarvish/internal/session"
	"github.com/jeranaias/jarvish/internal/storage"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates configuration file or settings error
	ExitConfigError = 3
	// ExitNetworkError indicates the Ollama server could not be reached or failed
	ExitNetworkError = 5
	// ExitNotFoundError indicates a resource was not found
	ExitNotFoundError = 7
	// ExitCancelled indicates the user interrupted the command
	ExitCancelled = 130
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UsageError is a mistake in how the command was invoked.
type UsageError struct {
	Message string
	Example string
}

func (e *UsageError) Error() string {
	if e.Example != "" {
		return fmt.Sprintf("%s\nExample: %s", e.Message, e.Example)
	}
	return e.Message
}

// ConfigError wraps a failure to load, validate or save the configuration.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// errCancelled is returned when the user interrupts a stream.
var errCancelled = errors.New("cancelled")

// =============================================================================
// ERROR HANDLING
// =============================================================================

// GetExitCode determines the exit code for err.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var usageErr *UsageError
	var configErr *ConfigError
	var validateErrs config.ValidateErrors
	switch {
	case errors.As(err, &usageErr):
		return ExitUsageError
	case errors.As(err, &configErr), errors.As(err, &validateErrs):
		return ExitConfigError
	case errors.Is(err, errCancelled):
		return ExitCancelled
	case errors.Is(err, storage.ErrNotFound):
		return ExitNotFoundError
	case errors.Is(err, ollama.ErrUnavailable),
		errors.Is(err, ollama.ErrUpstream),
		errors.Is(err, ollama.ErrMalformedResponse),
		errors.Is(err, session.ErrStreamActive):
		return ExitNetworkError
	default:
		return ExitGeneralError
	}
}

// DisplayError prints err to w, as a JSONResponse in JSON mode.
func DisplayError(w io.Writer, command string, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		_ = NewJSONErrorResponse(command, err).Print(w)
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}
