package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/roach88/inapp/internal/model"
)

// DispatchResult lists the messages published for an event.
type DispatchResult struct {
	Event    string   `json:"event"`
	Messages []string `json:"messages"`
}

// RenderText implements TextRenderer.
func (r DispatchResult) RenderText(w io.Writer) {
	if len(r.Messages) == 0 {
		fmt.Fprintf(w, "%s: no messages\n", r.Event)
		return
	}
	fmt.Fprintf(w, "%s: %s\n", r.Event, strings.Join(r.Messages, ", "))
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		flags     eventFlags
		syncFirst bool
	)

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Evaluate an event against the cached messages",
		Long: `Builds an analytics event from the flags, evaluates it against every
provider's cached messages and prints the ids of the messages that would
be delivered.

Example:
  inapp dispatch --event checkout --attr plan=pro --metric total=80`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			ctx := cmd.Context()

			event, err := flags.event()
			if err != nil {
				return formatter.report(err)
			}

			rt, err := newRuntime(ctx, rootOpts, cmd.ErrOrStderr(), runtimeOptions{})
			if err != nil {
				return formatter.report(err)
			}
			defer rt.Close(ctx)

			if syncFirst {
				if err := rt.engine.SyncMessages(ctx); err != nil {
					return formatter.fail(ExitFailure, ErrCodeProvider, "sync failed", err)
				}
			}

			received := &receivedIDs{}
			sub, err := rt.engine.OnMessagesReceived(received.collect)
			if err != nil {
				return formatter.fail(ExitFailure, ErrCodeUsage, "subscribe failed", err)
			}
			defer sub.Remove()

			if err := rt.engine.DispatchEvent(ctx, event); err != nil {
				return formatter.fail(ExitFailure, ErrCodeProvider, "dispatch failed", err)
			}
			return formatter.Success(DispatchResult{Event: event.Name, Messages: received.list()})
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&syncFirst, "sync", false, "sync providers before dispatching")
	return cmd
}

// receivedIDs accumulates message ids from messagesReceived notifications.
type receivedIDs struct {
	mu  sync.Mutex
	ids []string
}

func (r *receivedIDs) collect(_ context.Context, messages []model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range messages {
		r.ids = append(r.ids, m.ID)
	}
}

func (r *receivedIDs) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}
