package cli

import (
	"errors"
	"os"

	"github.com/Dicklesworthstone/caam/internal/authpool"
	"github.com/Dicklesworthstone/caam/internal/output"
)

// printCommandError writes a failure for humans, surfacing the remediation
// text on classified auth failures.
func printCommandError(err error) {
	var ae *authpool.AuthError
	if errors.As(err, &ae) {
		output.PrintError(os.Stderr, ae.Error(), ae.Remediation())
		return
	}
	output.PrintError(os.Stderr, err.Error(), "")
}
