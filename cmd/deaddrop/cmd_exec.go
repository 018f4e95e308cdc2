package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"deaddrop/pkg/orchestrator"
	"deaddrop/pkg/validate"
)

// execConfig holds configuration for the exec command.
type execConfig struct {
	argsJSON string
	kv       []string
	user     int64
	run      bool
}

// newExecCmd creates the "deaddrop exec" subcommand.
func newExecCmd(g *globalFlags) *cobra.Command {
	var cfg execConfig

	cmd := &cobra.Command{
		Use:   "exec <endpoint-id> <command>",
		Short: "Validate and schedule a command for an endpoint",
		Long:  "Validates the arguments against the command's schema and schedules a\ndispatch unit. The unit id is printed. With --run the scheduled units are\nprocessed in this process instead of by a running server.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdArgs, err := cfg.arguments()
			if err != nil {
				return err
			}
			return withApp(cmd, g, func(a *app) error {
				ctx := cmd.Context()
				w := cmd.OutOrStdout()
				id, err := a.console.Execute(ctx, args[0], args[1], cmdArgs, userFlag(cmd, cfg.user))
				var ae *validate.ArgumentErrors
				if errors.As(err, &ae) {
					_ = writeJSON(w, ae)
					return err
				}
				if err != nil {
					return err
				}
				if !cfg.run {
					fmt.Fprintln(w, id)
					return nil
				}
				if _, err := a.queue.Drain(ctx); err != nil {
					return err
				}
				return printChain(cmd, a, w, id)
			})
		},
	}

	cmd.Flags().StringVar(&cfg.argsJSON, "args", "", "command arguments as a JSON object")
	cmd.Flags().StringArrayVarP(&cfg.kv, "arg", "a", nil, "command argument as key=value (value parsed as JSON when possible)")
	cmd.Flags().Int64Var(&cfg.user, "user", 0, "id of the initiating user")
	cmd.Flags().BoolVar(&cfg.run, "run", false, "run the scheduled units here and print their results")
	return cmd
}

// arguments merges --args and --arg into one argument object.
func (c execConfig) arguments() (map[string]any, error) {
	out := map[string]any{}
	if c.argsJSON != "" {
		if err := json.Unmarshal([]byte(c.argsJSON), &out); err != nil {
			return nil, fmt.Errorf("--args: %w", err)
		}
		if out == nil {
			out = map[string]any{}
		}
	}
	for _, kv := range c.kv {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--arg %q: want key=value", kv)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			parsed = v
		}
		out[k] = parsed
	}
	return out, nil
}

// userFlag returns the --user value, or nil when the flag was not given.
func userFlag(cmd *cobra.Command, user int64) *int64 {
	if !cmd.Flags().Changed("user") {
		return nil
	}
	return &user
}

// printChain prints a dispatch unit and, when it scheduled one, its receive
// unit.
func printChain(cmd *cobra.Command, a *app, w io.Writer, dispatchID string) error {
	ctx := cmd.Context()
	s := newStyler(w)
	u, err := a.console.Task(ctx, dispatchID)
	if err != nil {
		return err
	}
	printUnit(w, s, u)

	var res orchestrator.DispatchResult
	if u.Name != orchestrator.TaskDispatch || json.Unmarshal(u.Result, &res) != nil || res.ReceiveTaskID == "" {
		return nil
	}
	recv, err := a.console.Task(ctx, res.ReceiveTaskID)
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	printUnit(w, s, recv)
	return nil
}

// newFetchCmd creates the "deaddrop fetch" subcommand.
func newFetchCmd(g *globalFlags) *cobra.Command {
	var (
		user int64
		run  bool
	)
	cmd := &cobra.Command{
		Use:   "fetch <endpoint-id>",
		Short: "Schedule a receive of every new message from an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				ctx := cmd.Context()
				w := cmd.OutOrStdout()
				id, err := a.console.FetchMessages(ctx, args[0], userFlag(cmd, user))
				if err != nil {
					return err
				}
				if !run {
					fmt.Fprintln(w, id)
					return nil
				}
				if _, err := a.queue.Drain(ctx); err != nil {
					return err
				}
				return printChain(cmd, a, w, id)
			})
		},
	}
	cmd.Flags().Int64Var(&user, "user", 0, "id of the initiating user")
	cmd.Flags().BoolVar(&run, "run", false, "run the receive here and print its result")
	return cmd
}
