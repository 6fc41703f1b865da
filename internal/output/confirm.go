package output

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Confirm prompts the user for a y/N confirmation, defaulting to no.
func Confirm(prompt string) bool {
	return ConfirmWriter(os.Stdout, os.Stdin, prompt)
}

// ConfirmWriter prompts using the given writer and reader.
func ConfirmWriter(w io.Writer, r io.Reader, prompt string) bool {
	hint := "[y/N]"
	if IsTerminal(w) {
		icon := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true).Render("⚠")
		fmt.Fprintf(w, "%s %s %s ", icon, prompt, styleDim.Render(hint))
	} else {
		fmt.Fprintf(w, "%s %s ", prompt, hint)
	}

	reader := bufio.NewReader(r)
	answer, _ := reader.ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "y" || answer == "yes"
}
