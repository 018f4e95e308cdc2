package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"deaddrop/pkg/eventlog"
	"deaddrop/pkg/task"
)

// newTaskCmd creates the "deaddrop task" subcommand.
func newTaskCmd(g *globalFlags) *cobra.Command {
	var events bool
	cmd := &cobra.Command{
		Use:   "task <task-id>",
		Short: "Show a task unit's status and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				ctx := cmd.Context()
				w := cmd.OutOrStdout()
				s := newStyler(w)
				u, err := a.console.Task(ctx, args[0])
				if err != nil {
					return err
				}
				printUnit(w, s, u)
				if !events {
					return nil
				}
				evs, err := eventlog.NewReaderDB(a.store.DB()).Task(ctx, u.ID)
				if err != nil {
					return err
				}
				fmt.Fprintln(w)
				for _, e := range evs {
					formatEvent(w, s, e)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&events, "events", "e", false, "also list the unit's journal events")
	return cmd
}

// printUnit writes a human-readable summary of u.
func printUnit(w io.Writer, s styler, u task.Unit) {
	fmt.Fprintf(w, "%s %s\n", s.label("task:   "), u.ID)
	fmt.Fprintf(w, "%s %s\n", s.label("name:   "), u.Name)
	fmt.Fprintf(w, "%s %s\n", s.label("status: "), s.status(u.Status))
	if u.CreatorID != nil {
		fmt.Fprintf(w, "%s %d\n", s.label("user:   "), *u.CreatorID)
	}
	if u.DoneAt != "" {
		fmt.Fprintf(w, "%s %s\n", s.label("done:   "), u.DoneAt)
	}
	if len(u.Result) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, u.Result, "  ", "  "); err != nil {
		buf.Reset()
		buf.Write(u.Result)
	}
	fmt.Fprintf(w, "%s\n  %s\n", s.label("result:"), buf.String())
}

// formatEvent writes one journal event as a single line.
func formatEvent(w io.Writer, s styler, e eventlog.Event) {
	line := fmt.Sprintf("%s %-20s %-12s", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Type, e.Source)
	if e.TaskID != "" {
		line += " task=" + e.TaskID
	}
	if e.EndpointID != "" {
		line += " endpoint=" + e.EndpointID
	}
	if e.Payload != "" {
		line += " " + strings.ReplaceAll(e.Payload, "\n", `\n`)
	}
	if strings.HasSuffix(e.Type, "failed") || strings.HasPrefix(e.Type, "duplicate") {
		line = s.render(failureStyle, line)
	}
	fmt.Fprintln(w, line)
}
