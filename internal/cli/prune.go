package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/caam/internal/session"
)

func newPruneCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Drop session affinity entries whose sessions no longer exist",
		Long: `Checks each recorded session key against its backing session (tmux
sessions, process IDs) and removes assignments for sessions that have gone
away. Recently touched entries are kept for a grace period.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := flags.app()
			if err != nil {
				return err
			}
			grace := app.Config.Rotation.SessionGrace.Std()
			if err := app.Pool.PruneSessions(session.NewRouter(), grace); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "pruned stale session assignments")
			return nil
		},
	}
}
