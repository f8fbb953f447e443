package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"toolbridge/internal/model"
)

// palette holds the ANSI-256 color values used throughout the CLI.
var (
	clrBrand  = lipgloss.Color("214") // orange
	clrGreen  = lipgloss.Color("114")
	clrRed    = lipgloss.Color("203")
	clrYellow = lipgloss.Color("220")
	clrDim    = lipgloss.Color("245")
	clrWhite  = lipgloss.Color("255")
)

// styles wraps lipgloss renderers that respect TTY detection.
// When output is not a terminal (piped, redirected, --json), all
// styling is disabled and raw text is emitted.
type styles struct {
	enabled bool

	Header  lipgloss.Style
	Key     lipgloss.Style
	Value   lipgloss.Style
	Dim     lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Success lipgloss.Style
}

// newStyles creates a styles instance. Colors are enabled only when w
// points to a terminal file descriptor and jsonMode is false.
func newStyles(w io.Writer, jsonMode bool) styles {
	enabled := false
	if !jsonMode {
		if f, ok := w.(*os.File); ok {
			enabled = term.IsTerminal(int(f.Fd()))
		}
	}

	s := styles{enabled: enabled}
	if !enabled {
		noop := lipgloss.NewStyle()
		s.Header, s.Key, s.Value, s.Dim = noop, noop, noop, noop
		s.Warning, s.Error, s.Success = noop, noop, noop
		return s
	}

	s.Header = lipgloss.NewStyle().Bold(true).Foreground(clrBrand)
	s.Key = lipgloss.NewStyle().Foreground(clrDim)
	s.Value = lipgloss.NewStyle().Foreground(clrWhite)
	s.Dim = lipgloss.NewStyle().Foreground(clrDim)
	s.Warning = lipgloss.NewStyle().Foreground(clrYellow).Bold(true)
	s.Error = lipgloss.NewStyle().Foreground(clrRed).Bold(true)
	s.Success = lipgloss.NewStyle().Foreground(clrGreen)
	return s
}

// kv formats a key-value pair like "  Key:  value".
func (s styles) kv(key, value string) string {
	if !s.enabled {
		return fmt.Sprintf("  %-16s %s", key+":", value)
	}
	return fmt.Sprintf("  %s %s",
		s.Key.Render(fmt.Sprintf("%-16s", key+":")),
		s.Value.Render(value),
	)
}

func (s styles) sectionHeader(title string) string {
	if !s.enabled {
		return title
	}
	return s.Header.Render(title)
}

func (s styles) dim(text string) string {
	if !s.enabled {
		return text
	}
	return s.Dim.Render(text)
}

// errPrefix returns a styled "ERROR:" prefix.
func (s styles) errPrefix() string {
	if !s.enabled {
		return "ERROR:"
	}
	return s.Error.Render("ERROR:")
}

// status colors a health status: ok green, anything else yellow.
func (s styles) status(status string) string {
	if !s.enabled {
		return status
	}
	if status == model.HealthStatusOK {
		return s.Success.Render(status)
	}
	return s.Warning.Render(status)
}

// separator returns a thin horizontal rule.
func (s styles) separator(width int) string {
	if width <= 0 {
		width = 40
	}
	line := strings.Repeat("─", width)
	if !s.enabled {
		return line
	}
	return s.Dim.Render(line)
}
