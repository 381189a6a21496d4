package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"transcription-engine/internal/api"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the job queue over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, logger, err := newApp(cmd, root)
			if err != nil {
				return err
			}
			defer app.Close()

			if watch {
				if err := app.Config.Watch(); err != nil {
					logger.WithError(err).Warn("config hot reload disabled")
				}
			}
			if addr == "" {
				addr = app.Settings().ListenAddr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return api.NewServer(app, logger).ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default listen_addr from config)")
	cmd.Flags().BoolVar(&watch, "watch-config", true, "reload the config file when it changes")
	return cmd
}
