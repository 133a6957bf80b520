package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/inapp/internal/engine"
)

// SyncResult lists the cache state of every provider after a sync.
type SyncResult struct {
	Providers []engine.ProviderSummary `json:"providers"`
}

// RenderText implements TextRenderer.
func (r SyncResult) RenderText(w io.Writer) {
	if len(r.Providers) == 0 {
		fmt.Fprintln(w, "no providers registered")
		return
	}
	for _, p := range r.Providers {
		if !p.Readable {
			fmt.Fprintf(w, "%s: unreadable\n", p.Name)
			continue
		}
		fmt.Fprintf(w, "%s: %d messages\n", p.Name, p.Messages)
	}
}

// ClearResult reports the providers whose slots were cleared.
type ClearResult struct {
	Cleared []string `json:"cleared"`
}

// RenderText implements TextRenderer.
func (r ClearResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "cleared %d providers\n", len(r.Cleared))
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Fetch every provider's messages into the cache",
		Long: `Fetches messages from every registered provider and writes them to the
configured storage. Prints the number of cached messages per provider.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, rootOpts, cmd.ErrOrStderr(), runtimeOptions{})
			if err != nil {
				return formatter.report(err)
			}
			defer rt.Close(ctx)

			if err := rt.engine.SyncMessages(ctx); err != nil {
				return formatter.fail(ExitFailure, ErrCodeProvider, "sync failed", err)
			}
			return formatter.Success(SyncResult{Providers: rt.engine.Summaries(ctx)})
		},
	}
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear every provider's cached messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, rootOpts, cmd.ErrOrStderr(), runtimeOptions{})
			if err != nil {
				return formatter.report(err)
			}
			defer rt.Close(ctx)

			if err := rt.engine.ClearMessages(ctx); err != nil {
				return formatter.fail(ExitFailure, ErrCodeStorage, "clear failed", err)
			}
			return formatter.Success(ClearResult{Cleared: rt.engine.Providers()})
		},
	}
}
