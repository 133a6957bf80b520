package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/inapp/internal/bridge"
	"github.com/roach88/inapp/internal/model"
)

// RecordResult reports a published analytics record.
type RecordResult struct {
	Subject string `json:"subject"`
	Event   string `json:"event"`
}

// RenderText implements TextRenderer.
func (r RecordResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "published %s to %s\n", r.Event, r.Subject)
}

// NewRecordCommand creates the record command.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	var flags eventFlags

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Publish an analytics record to the bus",
		Long: `Publishes a record payload on the analytics topic of the configured
NATS bus. A running "inapp serve" subscribed to the same bus dispatches it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			ctx := cmd.Context()

			event, err := flags.event()
			if err != nil {
				return formatter.report(err)
			}
			payload, err := model.NewRecordPayload(event)
			if err != nil {
				return formatter.report(WrapExitError(ExitCommandError, "invalid event", err))
			}

			cfg, err := loadConfig(rootOpts.ConfigPath)
			if err != nil {
				return formatter.report(setupError(ErrCodeConfig, "failed to load config", err))
			}
			bus, err := publisher(cfg, newLogger(cmd.ErrOrStderr(), rootOpts.Verbose))
			if err != nil {
				return formatter.report(err)
			}
			defer bus.Close()

			if err := bus.Publish(ctx, bridge.Topic, payload); err != nil {
				return formatter.fail(ExitFailure, ErrCodeBus, "publish failed", err)
			}
			return formatter.Success(RecordResult{Subject: bus.Subject(bridge.Topic), Event: event.Name})
		},
	}

	flags.register(cmd)
	return cmd
}
