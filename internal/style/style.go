// Package style provides shared terminal styling for CLI output.
// Styles degrade to plain text when the terminal does not support
// color or when NO_COLOR is set.
package style

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/squadhq/squad/internal/ui"
)

// Core styles used across commands.
var (
	Bold    = lipgloss.NewStyle().Bold(true)
	Dim     = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	Warning = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	Error   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	Info    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

// Named colors for callers that compose their own styles.
var (
	Green  = lipgloss.Color("76")
	Yellow = lipgloss.Color("214")
	Red    = lipgloss.Color("196")
	Cyan   = lipgloss.Color("86")
)

// Pre-rendered status prefixes for aligned list output.
var (
	SuccessPrefix = Success.Render("✓")
	WarningPrefix = Warning.Render("⚠")
	ErrorPrefix   = Error.Render("✗")
	ArrowPrefix   = Info.Render("→")
)

func init() {
	// lipgloss consults the default termenv profile, so downgrade it
	// once here. SQUAD_PLAIN wins over CLICOLOR_FORCE.
	if ui.IsPlainMode() || !ui.ShouldUseColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// PrintWarning writes a styled warning line to stderr.
func PrintWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", WarningPrefix, fmt.Sprintf(format, args...))
}
