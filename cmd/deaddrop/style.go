package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"deaddrop/pkg/task"
)

// Status colors for unit states.
var (
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#d7af00"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5fafff"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5faf5f")).Bold(true)
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#d75f5f")).Bold(true)
	labelStyle   = lipgloss.NewStyle().Faint(true)
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// styler renders with lipgloss only when writing to a terminal.
type styler struct {
	color bool
}

func newStyler(w io.Writer) styler {
	return styler{color: isTerminal(w)}
}

func (s styler) render(st lipgloss.Style, text string) string {
	if !s.color {
		return text
	}
	return st.Render(text)
}

func (s styler) status(st task.Status) string {
	switch st {
	case task.StatusPending:
		return s.render(pendingStyle, string(st))
	case task.StatusRunning:
		return s.render(runningStyle, string(st))
	case task.StatusSuccess:
		return s.render(successStyle, string(st))
	case task.StatusFailure:
		return s.render(failureStyle, string(st))
	}
	return string(st)
}

func (s styler) label(text string) string {
	return s.render(labelStyle, text)
}

// writeJSON writes v as indented JSON followed by a newline.
func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
