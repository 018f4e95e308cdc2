package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// newFormCmd creates the "deaddrop form" subcommand group.
func newFormCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "form",
		Short: "Print form schemas for commands and agent configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "command <endpoint-id> [command]",
			Short: "Print the command forms for an endpoint, or one command's form",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, g, func(a *app) error {
					if len(args) == 2 {
						form, err := a.console.CommandForm(cmd.Context(), args[0], args[1])
						if err != nil {
							return err
						}
						return writeJSON(cmd.OutOrStdout(), form)
					}
					forms, err := a.console.CommandForms(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), forms)
				})
			},
		},
		&cobra.Command{
			Use:   "agent <agent-id>",
			Short: "Print the configuration form for a new endpoint of an agent",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				agentID, err := parseID(args[0])
				if err != nil {
					return err
				}
				return withApp(cmd, g, func(a *app) error {
					form, err := a.console.AgentForm(cmd.Context(), agentID)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), form)
				})
			},
		},
	)
	return cmd
}

// newCommandsCmd creates the "deaddrop commands" subcommand.
func newCommandsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "commands <agent-id>",
		Short: "Print an agent's command metadata as shipped in its package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, g, func(a *app) error {
				cmds, err := a.console.RawCommands(cmd.Context(), agentID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), cmds)
			})
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}
