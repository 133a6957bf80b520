package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// ProviderMessages is one provider's cached message ids.
type ProviderMessages struct {
	Name     string   `json:"name"`
	Readable bool     `json:"readable"`
	Messages []string `json:"messages"`
}

// InspectResult lists cached message ids per provider.
type InspectResult struct {
	Providers []ProviderMessages `json:"providers"`
}

// RenderText implements TextRenderer.
func (r InspectResult) RenderText(w io.Writer) {
	for _, p := range r.Providers {
		switch {
		case !p.Readable:
			fmt.Fprintf(w, "%s: unreadable\n", p.Name)
		case len(p.Messages) == 0:
			fmt.Fprintf(w, "%s: empty\n", p.Name)
		default:
			fmt.Fprintf(w, "%s: %s\n", p.Name, strings.Join(p.Messages, ", "))
		}
	}
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [provider]",
		Short: "Show cached message ids",
		Long: `Reads the cached messages of every provider, or of the named provider,
without fetching.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, rootOpts, cmd.ErrOrStderr(), runtimeOptions{})
			if err != nil {
				return formatter.report(err)
			}
			defer rt.Close(ctx)

			names := rt.engine.Providers()
			if len(args) == 1 {
				if _, ok := rt.engine.GetPluggable(args[0]); !ok {
					return formatter.report(NewExitError(ExitCommandError, fmt.Sprintf("unknown provider %q", args[0])))
				}
				names = args[:1]
			}

			result := InspectResult{Providers: make([]ProviderMessages, 0, len(names))}
			for _, name := range names {
				messages, ok := rt.engine.CachedMessages(ctx, name)
				ids := make([]string, 0, len(messages))
				for _, m := range messages {
					ids = append(ids, m.ID)
				}
				result.Providers = append(result.Providers, ProviderMessages{Name: name, Readable: ok, Messages: ids})
			}
			return formatter.Success(result)
		},
	}
}
