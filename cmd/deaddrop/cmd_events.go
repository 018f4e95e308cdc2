package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"deaddrop/internal/config"
	"deaddrop/pkg/eventlog"
)

// eventsConfig holds configuration for the events command.
type eventsConfig struct {
	evType     string
	source     string
	taskID     string
	endpointID string
	since      time.Duration
	limit      int
	json       bool
}

// newEventsCmd creates the "deaddrop events" subcommand. It reads the
// database read-only, so it is safe to run next to serve.
func newEventsCmd(g *globalFlags) *cobra.Command {
	var cfg eventsConfig

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the server's event journal",
		Long:  "Lists journal events, newest first: task lifecycle, messages sent and\nreceived, handler logs, and skipped duplicates.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(g.config)
			if err != nil {
				return err
			}
			r, err := eventlog.NewReader(c.DBPath)
			if err != nil {
				return err
			}
			defer r.Close()

			opts := eventlog.QueryOpts{
				Type:       cfg.evType,
				Source:     cfg.source,
				TaskID:     cfg.taskID,
				EndpointID: cfg.endpointID,
				Limit:      cfg.limit,
			}
			if cfg.since > 0 {
				after := time.Now().Add(-cfg.since)
				opts.After = &after
			}
			events, err := r.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if cfg.json {
				return writeJSON(w, events)
			}
			if len(events) == 0 {
				fmt.Fprintln(w, "no events found")
				return nil
			}
			s := newStyler(w)
			for _, e := range events {
				formatEvent(w, s, e)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.evType, "type", "", "only events of this type")
	cmd.Flags().StringVar(&cfg.source, "source", "", "only events from this component (queue, messaging, orchestrator)")
	cmd.Flags().StringVar(&cfg.taskID, "task", "", "only events of this task unit")
	cmd.Flags().StringVar(&cfg.endpointID, "endpoint", "", "only events concerning this endpoint")
	cmd.Flags().DurationVar(&cfg.since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&cfg.limit, "limit", 50, "maximum number of events (0 = all)")
	cmd.Flags().BoolVar(&cfg.json, "json", false, "print events as JSON")
	return cmd
}
