// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/jeranaias/jarvish/internal/config"
)

// =============================================================================
// CONFIG COMMAND
// =============================================================================

func (a *app) newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show and edit the configuration",
		Long: `Show and edit ~/.jarvish/config.toml.

Keys use dot notation, e.g. ollama.base_url. List values such as
server.allowed_origins take a comma-separated string.

Examples:
  jarvish config show
  jarvish config get ollama.base_url
  jarvish config set ollama.default_model llama3.2
  jarvish config set server.allowed_origins "tauri://localhost,http://localhost:1420"`,
	}

	cmd.AddCommand(
		a.newConfigShowCommand(),
		a.newConfigPathCommand(),
		a.newConfigGetCommand(),
		a.newConfigSetCommand(),
		a.newConfigKeysCommand(),
		a.newConfigInitCommand(),
	)
	return cmd
}

func (a *app) newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.jsonMode {
				return a.printJSON(cmd, a.cfg)
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(a.cfg)
		},
	}
}

func (a *app) newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.resolveConfigPath()
			if err != nil {
				return &ConfigError{Err: err}
			}
			if a.jsonMode {
				_, statErr := os.Stat(path)
				return a.printJSON(cmd, map[string]any{"path": path, "exists": statErr == nil})
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func (a *app) newConfigGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one setting",
		Args:  exactArgs(1, "jarvish config get ollama.base_url"),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := a.cfg.Get(args[0])
			if err != nil {
				return &UsageError{Message: err.Error(), Example: "jarvish config keys"}
			}
			if a.jsonMode {
				return a.printJSON(cmd, map[string]any{"key": args[0], "value": value})
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatValue(value))
			return nil
		},
	}
}

func (a *app) newConfigSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one setting in the config file",
		Args:  exactArgs(2, "jarvish config set ollama.default_model llama3.2"),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.resolveConfigPath()
			if err != nil {
				return &ConfigError{Err: err}
			}

			// Edit the file contents only; environment and flag overrides
			// must not leak into it.
			cfg := config.Default()
			if _, statErr := os.Stat(path); statErr == nil {
				if err := config.LoadTOML(cfg, path); err != nil {
					return &ConfigError{Err: err}
				}
			}

			key, value := args[0], args[1]
			if err := cfg.Set(key, value); err != nil {
				return &UsageError{Message: err.Error(), Example: "jarvish config keys"}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.SaveTOML(cfg, path); err != nil {
				return &ConfigError{Err: err}
			}

			newValue, _ := cfg.Get(key)
			if a.jsonMode {
				return a.printJSON(cmd, map[string]any{"key": key, "value": newValue, "path": path})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, formatValue(newValue))
			return nil
		},
	}
}

func (a *app) newConfigKeysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List the settable keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.jsonMode {
				return a.printJSON(cmd, config.Keys())
			}
			for _, key := range config.Keys() {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		},
	}
}

func (a *app) newConfigInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.resolveConfigPath()
			if err != nil {
				return &ConfigError{Err: err}
			}
			if _, statErr := os.Stat(path); statErr == nil && !force {
				return &UsageError{
					Message: fmt.Sprintf("%s already exists", path),
					Example: "jarvish config init --force",
				}
			} else if statErr != nil && !isNotExist(statErr) {
				return &ConfigError{Err: statErr}
			}

			if err := config.SaveTOML(config.Default(), path); err != nil {
				return &ConfigError{Err: err}
			}
			if a.jsonMode {
				return a.printJSON(cmd, map[string]any{"path": path})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}
