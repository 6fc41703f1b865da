package cli

import (
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/caam/internal/account"
	"github.com/Dicklesworthstone/caam/internal/fetch"
	"github.com/Dicklesworthstone/caam/internal/output"
)

func newListCmd(flags *rootFlags) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list [mode]",
		Short: "List accounts, optionally for one auth mode",
		Long: `Lists configured accounts. With --json the output is a flat array of
account objects across all modes (or the one given), for consumption by
other tools.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := flags.app()
			if err != nil {
				return err
			}

			doc := app.Accounts.Load()
			now := time.Now()
			usage := app.Tracker.All()

			modes := make([]string, 0, len(doc.Modes))
			for mode := range doc.Modes {
				modes = append(modes, mode)
			}
			sort.Strings(modes)
			if len(args) == 1 {
				modes = []string{args[0]}
			}

			flat := make([]output.Account, 0)
			for _, mode := range modes {
				dom := account.GetDomain(&doc, mode)
				flat = append(flat, output.AccountsFor(mode, dom, now, usage)...)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return output.JSON(out, flat)
			}
			for _, mode := range modes {
				dom := account.GetDomain(&doc, mode)
				output.AccountTable(out, mode, output.AccountsFor(mode, dom, now, usage), now)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output a JSON array of accounts")
	return cmd
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	var jsonOut bool
	var refreshQuota bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show account health across all auth modes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := flags.app()
			if err != nil {
				return err
			}

			doc := app.Accounts.Load()
			now := time.Now()

			if refreshQuota {
				refreshQuotaSnapshots(cmd, app, &doc, now)
			}
			usage := app.Tracker.All()

			report := output.StatusReport{
				GeneratedAt: now.UTC(),
				Modes:       make(map[string][]output.Account, len(doc.Modes)),
			}
			for mode, dom := range doc.Modes {
				report.Modes[mode] = output.AccountsFor(mode, dom, now, usage)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return output.JSON(out, report)
			}
			output.StatusTables(out, report, now)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the status report as JSON")
	cmd.Flags().BoolVar(&refreshQuota, "refresh-quota", false, "Fetch fresh usage data before reporting")
	return cmd
}

// refreshQuotaSnapshots queries the usage endpoint for the account each mode
// would serve next. An account reporting hard rate limiting is parked until
// its window resets.
func refreshQuotaSnapshots(cmd *cobra.Command, app *App, doc *account.Document, now time.Time) {
	for mode := range doc.Modes {
		rec := app.Pool.SelectForBackground(mode)
		if rec == nil || rec.Access == "" {
			continue
		}
		snap, err := app.Tracker.Query(cmd.Context(), mode, rec.IdentityKey, rec.Access)
		if err != nil {
			app.Logger.Warn("[Status] quota_fetch_failed", "mode", mode, "error", err)
			continue
		}
		if snap == nil || !snap.IsLimited {
			continue
		}
		until := snap.ResetAt
		if until.IsZero() {
			cooldown := app.Config.Rotation.RateLimitCooldown.Std()
			if cooldown <= 0 {
				cooldown = fetch.DefaultRateLimitCooldown
			}
			until = now.Add(cooldown)
		}
		if err := app.Pool.SetCooldown(mode, rec.IdentityKey, until); err != nil {
			app.Logger.Warn("[Status] cooldown_set_failed", "mode", mode, "error", err)
		}
	}
}
