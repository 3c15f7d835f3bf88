// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and saves the jarvish configuration.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (JARVISH_*, OLLAMA_HOST)
//   - ~/.jarvish/config.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	client := ollama.NewClientWithConfig(&ollama.ClientConfig{
//	    BaseURL: cfg.Ollama.BaseURL,
//	    Timeout: time.Duration(cfg.Ollama.TimeoutSecs) * time.Second,
//	})
//
// Watch reloads the file on change so a running server can pick up a new
// log level without a restart.
package config
