package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/glamour/styles"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/digital-farmer-service/bharat-vistaar/internal/config"
)

// renderer turns markdown answers into terminal output.
type renderer struct {
	md    *glamour.TermRenderer
	width int
}

// newRenderer picks glamour for terminals and plain wrapped text otherwise.
// mode is one of auto, glamour or plain.
func newRenderer(mode, style string, width int, isTerminal bool) (*renderer, error) {
	if width <= 0 {
		width = 80
	}
	r := &renderer{width: width}

	useGlamour := mode == "glamour" || (mode == "auto" && isTerminal)
	if !useGlamour {
		return r, nil
	}

	md, err := glamour.NewTermRenderer(
		glamour.WithColorProfile(lipgloss.ColorProfile()),
		glamourStyle(style),
		glamour.WithWordWrap(width),
		glamour.WithPreservedNewLines(),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create renderer: %w", err)
	}
	r.md = md
	return r, nil
}

func glamourStyle(style string) glamour.TermRendererOption {
	switch {
	case style == "" || style == styles.AutoStyle:
		if termenv.HasDarkBackground() {
			return glamour.WithStandardStyle(styles.DarkStyle)
		}
		return glamour.WithStandardStyle(styles.LightStyle)
	case styles.DefaultStyles[style] != nil:
		return glamour.WithStandardStyle(style)
	default:
		return glamour.WithStylePath(config.ExpandPath(style))
	}
}

// Render formats a complete answer.
func (r *renderer) Render(markdown string) string {
	if r.md != nil {
		out, err := r.md.Render(markdown)
		if err == nil {
			return out
		}
	}
	return wordwrap.String(strings.TrimSpace(markdown), r.width) + "\n"
}

// Rich reports whether output is styled.
func (r *renderer) Rich() bool { return r.md != nil }

// terminalWidth returns the configured width, or the terminal's capped at
// 120 columns.
func terminalWidth(configured uint, isTerminal bool) int {
	if configured > 0 {
		return int(configured) //nolint:gosec
	}
	if isTerminal {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
			return min(w, 120)
		}
	}
	return 80
}

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
