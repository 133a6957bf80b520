package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/inapp/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP server",
		Long: `Builds the engine from the host configuration, subscribes it to the
analytics bus when one is configured and serves the admin API, metrics
and the lifecycle stream until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			rt, err := newRuntime(ctx, rootOpts, cmd.ErrOrStderr(), runtimeOptions{withBus: true})
			if err != nil {
				return formatter.report(err)
			}
			defer rt.Close(context.WithoutCancel(ctx))

			go func() {
				select {
				case sig := <-sigChan:
					rt.logger.Info("received signal, shutting down", "signal", sig)
					cancel()
				case <-ctx.Done():
				}
			}()

			if addr == "" {
				addr = rt.cfg.Server.Addr
			}
			srv := server.New(rt.engine,
				server.WithLogger(rt.logger),
				server.WithMetrics(rt.metrics),
				server.WithGatherer(rt.registry),
			)
			rt.logger.Debug("engine ready", "providers", rt.engine.Providers(), "listening", rt.engine.Listening())

			if err := srv.ListenAndServe(ctx, addr); err != nil {
				return formatter.fail(ExitFailure, ErrCodeUsage, "server failed", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
