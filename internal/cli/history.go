// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/jarvish/internal/storage"
	"github.com/jeranaias/jarvish/internal/util"
)

// =============================================================================
// HISTORY COMMAND
// =============================================================================

func (a *app) newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"hist"},
		Short:   "Browse saved conversations",
		Long: `Browse the conversations saved by the UI or by ask --save.

Examples:
  jarvish history list
  jarvish history show conv-1718000000000-ab12cd34
  jarvish history show conv-1718000000000-ab12cd34 -o chat.md
  jarvish history delete conv-1718000000000-ab12cd34`,
	}

	cmd.AddCommand(
		a.newHistoryListCommand(),
		a.newHistoryShowCommand(),
		a.newHistoryDeleteCommand(),
	)
	return cmd
}

// openConversations opens the conversation store in the data directory.
func (a *app) openConversations() (*storage.ConversationStore, error) {
	return storage.NewConversationStore(a.cfg.Storage.DataDir)
}

func (a *app) newHistoryListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List conversations, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openConversations()
			if err != nil {
				return err
			}
			defer store.Close()

			previews, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonMode {
				if previews == nil {
					previews = []storage.ConversationPreview{}
				}
				return a.printJSON(cmd, previews)
			}
			fmt.Fprint(cmd.OutOrStdout(), storage.FormatConversationList(previews))
			if len(previews) == 0 {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
}

func (a *app) newHistoryShowCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation as Markdown",
		Args:  exactArgs(1, "jarvish history show <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openConversations()
			if err != nil {
				return err
			}
			defer store.Close()

			conv, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonMode {
				return a.printJSON(cmd, conv)
			}

			md := conv.ExportMarkdown()
			if output == "" {
				fmt.Fprint(cmd.OutOrStdout(), md)
				return nil
			}
			if err := util.AtomicWriteFile(output, []byte(md), 0600, 0700); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the Markdown to a file")
	return cmd
}

func (a *app) newHistoryDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a conversation",
		Args:    exactArgs(1, "jarvish history delete <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openConversations()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			if a.jsonMode {
				return a.printJSON(cmd, map[string]any{"deleted": args[0]})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}
