package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/caam/internal/account"
	"github.com/Dicklesworthstone/caam/internal/history"
	"github.com/Dicklesworthstone/caam/internal/output"
	"github.com/Dicklesworthstone/caam/internal/rotation"
)

func newAccountsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the account pool",
	}
	cmd.AddCommand(
		newAccountsImportCmd(flags),
		newAccountsEnableCmd(flags),
		newAccountsDisableCmd(flags),
		newAccountsRemoveCmd(flags),
		newAccountsSetStrategyCmd(flags),
		newAccountsHistoryCmd(flags),
	)
	return cmd
}

// importedAccount is the accepted import shape, one object or an array.
type importedAccount struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Plan      string `json:"plan"`
	Label     string `json:"label"`
	Access    string `json:"access"`
	Refresh   string `json:"refresh"`
	ExpiresAt int64  `json:"expires_at"`
}

func newAccountsImportCmd(flags *rootFlags) *cobra.Command {
	var fromFile string

	cmd := &cobra.Command{
		Use:   "import <mode>",
		Short: "Import account credentials from a JSON file or stdin",
		Long: `Reads one credential object (or an array) and merges it into the mode's
pool. Existing accounts are matched by identity and updated in place; new
accounts are appended.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := args[0]
			app, err := flags.app()
			if err != nil {
				return err
			}

			var r io.Reader = cmd.InOrStdin()
			if fromFile != "" {
				f, err := os.Open(fromFile)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			incoming, err := decodeImports(r)
			if err != nil {
				return err
			}
			if len(incoming) == 0 {
				return fmt.Errorf("no accounts in input")
			}

			imported := 0
			_, err = app.Accounts.Update(func(doc *account.Document) error {
				dom := account.EnsureDomain(doc, mode)
				for _, in := range incoming {
					rec := account.Record{
						AccountID: in.AccountID,
						Email:     in.Email,
						Plan:      in.Plan,
						Label:     in.Label,
						Enabled:   true,
						Access:    in.Access,
						Refresh:   in.Refresh,
						ExpiresAt: in.ExpiresAt,
					}
					rec.EnsureIdentityKey()
					account.Upsert(dom, rec)
					imported++
				}
				dom.ReconcileActiveKey()
				return nil
			})
			if err != nil {
				return err
			}

			for _, in := range incoming {
				label := in.Label
				if label == "" {
					label = in.Email
				}
				_ = app.History.Record(history.Event{
					Type:  history.EventAccountImported,
					Mode:  mode,
					Label: label,
				})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "imported %d account(s) into %s\n", imported, mode)
			return nil
		},
	}

	cmd.Flags().StringVarP(&fromFile, "file", "f", "", "Read credentials from a file instead of stdin")
	return cmd
}

func decodeImports(r io.Reader) ([]importedAccount, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var many []importedAccount
	if err := json.Unmarshal(data, &many); err == nil {
		return many, nil
	}
	var one importedAccount
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return []importedAccount{one}, nil
}

// mutateAccount locates an account by identity key, email, or label and
// applies fn under the store lock.
func mutateAccount(app *App, mode, ref string, fn func(dom *account.Domain, idx int)) error {
	found := false
	_, err := app.Accounts.Update(func(doc *account.Document) error {
		dom := account.GetDomain(doc, mode)
		if dom == nil {
			return fmt.Errorf("no accounts for mode %q", mode)
		}
		idx := findAccount(dom, ref)
		if idx < 0 {
			return fmt.Errorf("no account matching %q in mode %q", ref, mode)
		}
		found = true
		fn(dom, idx)
		dom.ReconcileActiveKey()
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no account matching %q in mode %q", ref, mode)
	}
	return nil
}

func findAccount(dom *account.Domain, ref string) int {
	if idx := dom.FindByIdentityKey(ref); idx >= 0 {
		return idx
	}
	for i := range dom.Accounts {
		rec := &dom.Accounts[i]
		if rec.Email == ref || rec.Label == ref {
			return i
		}
	}
	return -1
}

func newAccountsEnableCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <mode> <account>",
		Short: "Re-enable a disabled account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := flags.app()
			if err != nil {
				return err
			}
			return mutateAccount(app, args[0], args[1], func(dom *account.Domain, idx int) {
				dom.Accounts[idx].Enabled = true
				dom.Accounts[idx].CooldownUntil = 0
			})
		},
	}
}

func newAccountsDisableCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <mode> <account>",
		Short: "Disable an account so it is never selected",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := flags.app()
			if err != nil {
				return err
			}
			err = mutateAccount(app, args[0], args[1], func(dom *account.Domain, idx int) {
				dom.Accounts[idx].Enabled = false
			})
			if err != nil {
				return err
			}
			_ = app.History.Record(history.Event{
				Type:   history.EventAccountDisabled,
				Mode:   args[0],
				Label:  args[1],
				Detail: "disabled manually",
			})
			return nil
		},
	}
}

func newAccountsRemoveCmd(flags *rootFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "remove <mode> <account>",
		Short: "Remove an account from the pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := flags.app()
			if err != nil {
				return err
			}
			if !force && !output.Confirm(fmt.Sprintf("remove account %q from %s?", args[1], args[0])) {
				fmt.Fprintln(cmd.OutOrStdout(), "aborted")
				return nil
			}
			return mutateAccount(app, args[0], args[1], func(dom *account.Domain, idx int) {
				dom.Accounts = append(dom.Accounts[:idx], dom.Accounts[idx+1:]...)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Remove without confirmation")
	return cmd
}

func newAccountsSetStrategyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set-strategy <mode> <round_robin|sticky|hybrid>",
		Short: "Set the rotation strategy for an auth mode",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, name := args[0], args[1]
			switch rotation.Strategy(name) {
			case rotation.StrategyRoundRobin, rotation.StrategySticky, rotation.StrategyHybrid:
			default:
				return fmt.Errorf("unknown strategy %q", name)
			}

			app, err := flags.app()
			if err != nil {
				return err
			}
			_, err = app.Accounts.Update(func(doc *account.Document) error {
				account.EnsureDomain(doc, mode).Strategy = name
				return nil
			})
			return err
		},
	}
}

func newAccountsHistoryCmd(flags *rootFlags) *cobra.Command {
	var limit int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent account lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := flags.app()
			if err != nil {
				return err
			}

			events, err := app.History.Tail(limit)
			if err != nil {
				if errors.Is(err, history.ErrNoHistory) {
					fmt.Fprintln(cmd.OutOrStdout(), "no history yet")
					return nil
				}
				return err
			}

			w := cmd.OutOrStdout()
			if jsonOut {
				return output.JSON(w, events)
			}
			for _, ev := range events {
				line := fmt.Sprintf("%s  %-16s %s %s",
					ev.Time.Local().Format(time.DateTime), ev.Type, ev.Mode, ev.Label)
				if ev.Detail != "" {
					line += "  (" + ev.Detail + ")"
				}
				fmt.Fprintln(w, line)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of events to show")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output events as JSON")
	return cmd
}
