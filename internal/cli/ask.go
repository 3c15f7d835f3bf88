// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jeranaias/jarvish/internal/ollama"
	"github.com/jeranaias/jarvish/internal/session"
	"github.com/jeranaias/jarvish/internal/storage"
)

// askOptions holds the flags of the ask command.
type askOptions struct {
	model  string
	system string
	format string
	raw    bool
	save   bool
}

// AskResult is the --json output of ask.
type AskResult struct {
	ID             string `json:"id"`
	Model          string `json:"model"`
	Response       string `json:"response"`
	State          string `json:"state"`
	Tokens         int    `json:"tokens"`
	DurationMS     int64  `json:"duration_ms"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (a *app) newAskCommand() *cobra.Command {
	opts := &askOptions{}

	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Stream one answer to the terminal",
		Long: `Send a prompt to Ollama and stream the answer as it is generated.

Press Ctrl-C to stop the answer early; the tokens already printed stay.

Examples:
  jarvish ask "explain goroutines in one paragraph"
  jarvish ask -m mistral --system "answer tersely" "what is a monad?"
  jarvish ask --save "draft a commit message for a typo fix"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runAsk(cmd, strings.Join(args, " "), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.model, "model", "m", "", "Model to use (default: ollama.default_model or the first installed model)")
	flags.StringVarP(&opts.system, "system", "s", "", "System prompt")
	flags.StringVar(&opts.format, "format", "", `Response format, e.g. "json"`)
	flags.BoolVar(&opts.raw, "raw", false, "Send the prompt without the model's template")
	flags.BoolVar(&opts.save, "save", false, "Save the exchange to the conversation history")
	return cmd
}

func (a *app) runAsk(cmd *cobra.Command, prompt string, opts *askOptions) error {
	if strings.TrimSpace(prompt) == "" {
		return &UsageError{Message: "prompt is empty", Example: `jarvish ask "hello"`}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	client := a.client()
	model, err := a.resolveModel(ctx, client, opts.model)
	if err != nil {
		return err
	}

	// Session chatter is noise on a terminal unless asked for.
	log := a.logger
	if a.logLevel == "" {
		log = log.Level(zerolog.WarnLevel)
	}
	manager := session.NewManager(client, session.WithLogger(log))

	// Ctrl-C aborts the stream; before the stream is open it cancels the
	// request instead.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			if err := manager.Abort(ctx); err != nil {
				cancel()
			}
		case <-ctx.Done():
		}
	}()

	req := ollama.GenerateRequest{
		Model:  model,
		Prompt: prompt,
		System: opts.system,
		Format: opts.format,
	}
	if opts.raw {
		req.Raw = ollama.Bool(true)
	}

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	var answer strings.Builder
	em := session.EmitterFuncs{
		OnToken: func(text string) {
			answer.WriteString(text)
			if !a.jsonMode {
				fmt.Fprint(out, text)
			}
		},
		OnCancelled: func(reason string) {
			if !a.jsonMode {
				fmt.Fprintf(errOut, "\n[%s]\n", reason)
			}
		},
	}

	outcome, err := manager.Stream(ctx, req, em)
	if err != nil {
		if ctx.Err() != nil {
			return errCancelled
		}
		return err
	}
	if !a.jsonMode && answer.Len() > 0 && !strings.HasSuffix(answer.String(), "\n") {
		fmt.Fprintln(out)
	}

	var convID string
	if opts.save && answer.Len() > 0 {
		convID, err = a.saveExchange(ctx, model, prompt, answer.String())
		if err != nil {
			return fmt.Errorf("save conversation: %w", err)
		}
	}

	if a.jsonMode {
		if err := a.printJSON(cmd, AskResult{
			ID:             outcome.ID,
			Model:          model,
			Response:       answer.String(),
			State:          outcome.State.String(),
			Tokens:         outcome.Tokens,
			DurationMS:     outcome.Duration.Milliseconds(),
			ConversationID: convID,
		}); err != nil {
			return err
		}
	} else {
		if IsTerminal(errOut) {
			fmt.Fprintf(errOut, "(%s, %d tokens, %s)\n", model, outcome.Tokens, formatDuration(outcome.Duration))
		}
		if convID != "" {
			fmt.Fprintf(errOut, "Saved conversation %s\n", convID)
		}
	}

	if outcome.State == session.Cancelled {
		return errCancelled
	}
	return nil
}

// saveExchange stores prompt and answer as a new conversation titled from
// the prompt.
func (a *app) saveExchange(ctx context.Context, model, prompt, answer string) (string, error) {
	store, err := storage.NewConversationStore(a.cfg.Storage.DataDir)
	if err != nil {
		return "", err
	}
	defer store.Close()

	conv := storage.NewConversation(model)
	now := storage.Now()
	conv.Messages = []storage.Message{
		{Role: "user", Content: prompt, Timestamp: now},
		{Role: "assistant", Content: answer, Timestamp: now},
	}
	conv.UpdatedAt = now

	id, err := store.Save(ctx, &conv)
	if err != nil {
		return "", err
	}
	if _, err := store.UpdateTitle(ctx, id, prompt); err != nil {
		return "", err
	}
	return id, nil
}
