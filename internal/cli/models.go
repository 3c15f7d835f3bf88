// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/jarvish/internal/ollama"
)

// =============================================================================
// MODELS COMMAND
// =============================================================================

func (a *app) newModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models installed in Ollama",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := a.client().ListModels(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonMode {
				return a.printJSON(cmd, map[string]any{"models": names})
			}

			out := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintln(out, "No models installed. Pull one with: ollama pull llama3.2")
				return nil
			}
			for _, name := range names {
				marker := "  "
				if name == a.cfg.Ollama.DefaultModel {
					marker = "* "
				}
				fmt.Fprintln(out, marker+name)
			}
			return nil
		},
	}
}

// =============================================================================
// SHOW COMMAND
// =============================================================================

func (a *app) newShowCommand() *cobra.Command {
	var showTemplate bool

	cmd := &cobra.Command{
		Use:   "show <model>",
		Short: "Show details of an installed model",
		Args:  exactArgs(1, "jarvish show llama3.2"),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := a.client().GetModelInfo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonMode {
				return a.printJSON(cmd, info)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Model:          %s\n", args[0])
			if d := info.Details; d != nil {
				fmt.Fprintf(out, "Family:         %s\n", orDash(d.Family))
				fmt.Fprintf(out, "Size:           %s\n", orDash(d.ParameterSize))
				fmt.Fprintf(out, "Quantization:   %s\n", orDash(d.QuantizationLevel))
				fmt.Fprintf(out, "Format:         %s\n", orDash(d.Format))
			}
			caps := append([]string(nil), info.Capabilities...)
			sort.Strings(caps)
			fmt.Fprintf(out, "Capabilities:   %s\n", orDash(strings.Join(caps, ", ")))

			if info.Parameters != "" {
				fmt.Fprintln(out, "\nParameters:")
				for _, line := range strings.Split(strings.TrimSpace(info.Parameters), "\n") {
					fmt.Fprintln(out, "  "+line)
				}
			}
			if showTemplate && info.Template != "" {
				fmt.Fprintln(out, "\nTemplate:")
				fmt.Fprintln(out, strings.TrimRight(info.Template, "\n"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showTemplate, "template", false, "Also print the prompt template")
	return cmd
}

// =============================================================================
// HEALTH COMMAND
// =============================================================================

// HealthResult is the --json output of health.
type HealthResult struct {
	Healthy bool   `json:"healthy"`
	BaseURL string `json:"base_url"`
}

func (a *app) newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that Ollama is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := a.client()
			if !client.CheckHealth(cmd.Context()) {
				return fmt.Errorf("%w: no answer from %s", ollama.ErrUnavailable, client.BaseURL())
			}
			if a.jsonMode {
				return a.printJSON(cmd, HealthResult{Healthy: true, BaseURL: client.BaseURL()})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ollama is reachable at %s\n", client.BaseURL())
			return nil
		},
	}
}
