package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"deaddrop/pkg/protocol"
)

// newRegisterCmd creates the "deaddrop register" subcommand group. It holds
// only what is needed to resolve users, agents and endpoints.
func newRegisterCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register users, agent packages and endpoints",
	}
	cmd.AddCommand(newRegisterUserCmd(g), newRegisterAgentCmd(g), newRegisterEndpointCmd(g))
	return cmd
}

func newRegisterUserCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "user <username>",
		Short: "Register an operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				u, err := a.store.CreateUser(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), u.ID)
				return nil
			})
		},
	}
}

func newRegisterAgentCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "agent <name> <version> [package-dir]",
		Short: "Register an unpacked agent package",
		Long: "Registers an agent whose package is already unpacked at package-dir,\n" +
			"or at <packages_dir>/<name>/<version> when package-dir is omitted.\n" +
			"The directory must hold agent.json, commands.json and protocols.json.",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				dir := a.cfg.AgentPackageDir(args[0], args[1])
				if len(args) == 3 {
					var err error
					if dir, err = filepath.Abs(args[2]); err != nil {
						return fmt.Errorf("resolve package dir: %w", err)
					}
				}
				if _, err := os.Stat(filepath.Join(dir, protocol.CommandsMetadataFile)); err != nil {
					return fmt.Errorf("agent package %s: %w", dir, err)
				}
				id, err := a.store.CreateAgent(cmd.Context(), protocol.Agent{Name: args[0], Version: args[1], PackagePath: dir})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}

// endpointConfig holds configuration for the register endpoint command.
type endpointConfig struct {
	agentID  int64
	name     string
	hostname string
	address  string
	protocol string
	agentCfg string
}

func newRegisterEndpointCmd(g *globalFlags) *cobra.Command {
	var cfg endpointConfig
	cmd := &cobra.Command{
		Use:   "endpoint <endpoint-id>",
		Short: "Register an endpoint of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.agentCfg != "" && !json.Valid([]byte(cfg.agentCfg)) {
				return fmt.Errorf("--agent-cfg is not valid JSON")
			}
			return withApp(cmd, g, func(a *app) error {
				ep := protocol.Endpoint{
					ID:          args[0],
					Name:        cfg.name,
					Hostname:    cfg.hostname,
					Address:     cfg.address,
					AgentID:     cfg.agentID,
					Protocol:    cfg.protocol,
					AgentConfig: json.RawMessage(cfg.agentCfg),
				}
				if err := a.store.CreateEndpoint(cmd.Context(), ep); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ep.ID)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&cfg.agentID, "agent", 0, "agent id (required)")
	cmd.Flags().StringVar(&cfg.name, "name", "", "display name")
	cmd.Flags().StringVar(&cfg.hostname, "hostname", "", "endpoint hostname")
	cmd.Flags().StringVar(&cfg.address, "address", "", "endpoint address")
	cmd.Flags().StringVar(&cfg.protocol, "protocol", protocol.DefaultProtocol, "messaging transport: package or nats")
	cmd.Flags().StringVar(&cfg.agentCfg, "agent-cfg", "", "endpoint configuration JSON ({\"agent_config\":...,\"protocol_config\":...})")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}
