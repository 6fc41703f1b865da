package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/caam/internal/output"
)

func newTokenCmd(flags *rootFlags) *cobra.Command {
	var sessionKey string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "token <mode>",
		Short: "Acquire a usable access token for an auth mode",
		Long: `Selects an account by the configured rotation strategy, refreshing its
access token if expired, and prints the token. With --session the selection
honors session affinity; use a scheme-prefixed key like tmux:myproject or
pid:12345.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := args[0]
			app, err := flags.app()
			if err != nil {
				return err
			}

			cred, err := app.Pool.Acquire(cmd.Context(), mode, sessionKey)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if jsonOut {
				return output.JSON(w, map[string]any{
					"access_token": cred.Access,
					"account_id":   cred.AccountID,
					"identity_key": cred.IdentityKey,
					"label":        cred.Label,
					"expires_at":   time.UnixMilli(cred.ExpiresAt).UTC(),
					"refreshed":    cred.Refreshed,
				})
			}
			fmt.Fprintln(w, cred.Access)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionKey, "session", "", "Session key for affinity-aware selection")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output token details as JSON")
	return cmd
}
