package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/caam/internal/output"
)

func newSwitchCmd(flags *rootFlags) *cobra.Command {
	var next bool
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "switch <mode>",
		Short: "Switch the active account for an auth mode",
		Long: `Advances the active account pointer to the next usable account. With
--json the result is printed as a single JSON object; failures still exit
zero so callers can branch on the "success" field.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !next {
				return fmt.Errorf("only --next switching is supported")
			}

			mode := args[0]
			app, err := flags.app()
			if err != nil {
				return err
			}

			out, switchErr := app.Pool.RotateNext(mode)
			result := output.SwitchResult{
				Success:           switchErr == nil,
				Provider:          mode,
				PreviousAccount:   out.Previous,
				NewAccount:        out.New,
				AccountsRemaining: out.Remaining,
			}
			if switchErr != nil {
				result.Error = switchErr.Error()
			}

			w := cmd.OutOrStdout()
			if jsonOut {
				if err := output.JSON(w, result); err != nil {
					return err
				}
				return nil
			}

			if switchErr != nil {
				return switchErr
			}
			fmt.Fprintf(w, "switched %s: %s -> %s (%d other accounts usable)\n",
				mode, out.Previous, out.New, out.Remaining)
			return nil
		},
	}

	cmd.Flags().BoolVar(&next, "next", false, "Switch to the next usable account")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the switch result as JSON")
	return cmd
}
