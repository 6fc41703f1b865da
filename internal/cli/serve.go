package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/caam/internal/serve"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local REST API for account status and rotation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := flags.app()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = app.Config.Serve.Addr
			}

			srv := serve.New(serve.Options{
				Pool:     app.Pool,
				Accounts: app.Accounts,
				Tracker:  app.Tracker,
				Logger:   app.Logger,
				Version:  Version,
			})
			if err := srv.Start(); err != nil {
				return err
			}
			defer srv.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app.Logger.Info("[Serve] listening", "addr", addr)
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}
