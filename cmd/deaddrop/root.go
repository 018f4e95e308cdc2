package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"deaddrop/internal/appversion"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	config  string
	verbose bool
}

// newRootCmd creates the root deaddrop command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:           "deaddrop",
		Short:         "Command and control server for deaddrop agents",
		Long:          "deaddrop validates operator commands against agent package schemas,\ndelivers them to endpoints through the agent's messaging handler,\nand ingests the credentials and files endpoints report back.",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&g.config, "config", "c", "", "config file (.toml, .yaml); default $DEADDROP_HOME/config.toml")
	cmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging on stderr")

	cmd.AddCommand(
		newServeCmd(&g),
		newFormCmd(&g),
		newCommandsCmd(&g),
		newExecCmd(&g),
		newFetchCmd(&g),
		newTaskCmd(&g),
		newEventsCmd(&g),
		newRegisterCmd(&g),
	)
	return cmd
}

func versionString() string {
	v := "deaddrop " + appversion.String()
	if rev := appversion.Revision(); rev != "" {
		v = fmt.Sprintf("%s (%s)", v, rev)
	}
	return v
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, g *globalFlags, fn func(a *app) error) error {
	a, err := openApp(cmd.Context(), g.config, newLogger(cmd.ErrOrStderr(), g.verbose))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
