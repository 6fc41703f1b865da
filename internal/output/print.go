package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Styles used by human-readable rendering.
var (
	styleHeader   = lipgloss.NewStyle().Bold(true)
	styleActive   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	styleDisabled = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Strikethrough(true)
	styleCooling  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleError    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleDim      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// IsTerminal reports whether w is an interactive terminal. Color and table
// rendering are disabled otherwise, and NO_COLOR always wins.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// JSON writes v as indented JSON.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintError writes an error for humans, including remediation when present.
func PrintError(w io.Writer, msg, remediation string) {
	if IsTerminal(w) {
		fmt.Fprintln(w, styleError.Render("error: ")+msg)
		if remediation != "" {
			fmt.Fprintln(w, styleDim.Render("  hint: "+remediation))
		}
		return
	}
	fmt.Fprintln(w, "error: "+msg)
	if remediation != "" {
		fmt.Fprintln(w, "  hint: "+remediation)
	}
}

// AccountTable renders accounts for one mode as an aligned table.
func AccountTable(w io.Writer, mode string, accounts []Account, now time.Time) {
	color := IsTerminal(w)

	header := fmt.Sprintf("%s (%d accounts)", mode, len(accounts))
	if color {
		header = styleHeader.Render(header)
	}
	fmt.Fprintln(w, header)

	if len(accounts) == 0 {
		fmt.Fprintln(w, "  no accounts; run 'caam accounts import'")
		return
	}

	rows := make([][3]string, 0, len(accounts))
	for _, acct := range accounts {
		marker := " "
		if acct.Active {
			marker = "*"
		}
		name := acct.Label
		if name == "" {
			name = acct.ID
		}
		rows = append(rows, [3]string{marker, name, describeState(acct, now)})
	}

	nameWidth := 0
	for _, row := range rows {
		if len(row[1]) > nameWidth {
			nameWidth = len(row[1])
		}
	}

	for i, row := range rows {
		line := fmt.Sprintf("  %s %-*s  %s", row[0], nameWidth, row[1], row[2])
		if color {
			acct := accounts[i]
			switch {
			case !acct.Enabled:
				line = styleDisabled.Render(line)
			case acct.RateLimited:
				line = styleCooling.Render(line)
			case acct.Active:
				line = styleActive.Render(line)
			}
		}
		fmt.Fprintln(w, line)
	}
}

// StatusTables renders the full status report, modes sorted by name.
func StatusTables(w io.Writer, report StatusReport, now time.Time) {
	modes := make([]string, 0, len(report.Modes))
	for mode := range report.Modes {
		modes = append(modes, mode)
	}
	sort.Strings(modes)

	for i, mode := range modes {
		if i > 0 {
			fmt.Fprintln(w)
		}
		AccountTable(w, mode, report.Modes[mode], now)
	}
	if len(modes) == 0 {
		fmt.Fprintln(w, "no accounts configured")
	}
}

func describeState(acct Account, now time.Time) string {
	parts := []string{}
	switch {
	case !acct.Enabled:
		parts = append(parts, "disabled")
	case acct.RateLimited && acct.CooldownUntil != nil:
		parts = append(parts, fmt.Sprintf("cooling down %s", formatWait(acct.CooldownUntil.Sub(now))))
	case acct.RateLimited:
		parts = append(parts, "cooling down")
	default:
		parts = append(parts, "ready")
	}
	if acct.UsagePct != nil {
		parts = append(parts, fmt.Sprintf("%.0f%% used", *acct.UsagePct))
	}
	if acct.LastUsed != nil {
		parts = append(parts, "last used "+formatAgo(now.Sub(*acct.LastUsed)))
	}
	return strings.Join(parts, ", ")
}

func formatWait(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	return d.Round(time.Second).String()
}

func formatAgo(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
