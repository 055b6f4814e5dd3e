package commands

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/GriffinCanCode/scribe/internal/orchestrator"
)

// stageColumn fits the longest stage name.
const stageColumn = 22

type stateStyle struct {
	symbol string
	style  lipgloss.Style
}

var (
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
	nameStyle = lipgloss.NewStyle().Bold(true)

	stateStyles = map[orchestrator.State]stateStyle{
		orchestrator.StateRunning:   {"…", lipgloss.NewStyle().Foreground(lipgloss.Color("#58a6ff"))},
		orchestrator.StateCompleted: {"✓", lipgloss.NewStyle().Foreground(lipgloss.Color("#00ff9f"))},
		orchestrator.StateRestored:  {"↺", lipgloss.NewStyle().Foreground(lipgloss.Color("#00ff9f"))},
		orchestrator.StateDegraded:  {"!", lipgloss.NewStyle().Foreground(lipgloss.Color("#d29922"))},
		orchestrator.StateSkipped:   {"-", dimStyle},
		orchestrator.StateFailed:    {"✗", lipgloss.NewStyle().Foreground(lipgloss.Color("#f85149"))},
		orchestrator.StateCancelled: {"■", lipgloss.NewStyle().Foreground(lipgloss.Color("#d29922"))},
	}
)

// progress prints one line per run event.
type progress struct {
	w io.Writer
}

func newProgress(w io.Writer) *progress {
	return &progress{w: w}
}

func (p *progress) print(e orchestrator.Event) {
	fmt.Fprintln(p.w, renderEvent(e))
}

func renderEvent(e orchestrator.Event) string {
	st, ok := stateStyles[e.State]
	if !ok {
		st = stateStyle{"?", dimStyle}
	}
	name := "run"
	if e.Stage != nil {
		name = e.Stage.String()
	}
	line := st.style.Render(st.symbol) + " " +
		nameStyle.Render(fmt.Sprintf("%-*s", stageColumn, name)) + " " +
		st.style.Render(fmt.Sprintf("%-10s", e.State))
	if e.Detail != "" {
		line += " " + dimStyle.Render(e.Detail)
	}
	if e.Error != "" {
		line += " " + stateStyles[orchestrator.StateFailed].style.Render(e.Error)
	}
	return line
}
