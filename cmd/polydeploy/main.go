package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3cpo-dev/polydeploy/internal/config"
	"github.com/3cpo-dev/polydeploy/internal/logging"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

// cli carries what the persistent pre-run resolved for the subcommands.
type cli struct {
	cfg config.Config
	v   *viper.Viper
}

func (c *cli) server() string { return c.v.GetString("server") }
func (c *cli) token() string  { return c.v.GetString("token") }

// Create the root command
func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	cmd := &cobra.Command{
		Use:   "polydeploy",
		Short: "polydeploy: dependency-ordered package deployment",
		Long: "polydeploy finds package archives in an intake folder, orders them by their declared\n" +
			"package dependencies and installs them one at a time, locally or through a polydeploy server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().Bool("log-json", false, "Log JSON lines instead of console output")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/polydeploy/config.yaml)")
	cmd.PersistentFlags().String("server", "", "polydeploy server URL (env POLYDEPLOY_SERVER)")
	cmd.PersistentFlags().String("token", "", "API token (env POLYDEPLOY_TOKEN)")

	c.v.SetEnvPrefix("POLYDEPLOY")
	c.v.AutomaticEnv()
	_ = c.v.BindPFlag("server", cmd.PersistentFlags().Lookup("server"))
	_ = c.v.BindPFlag("token", cmd.PersistentFlags().Lookup("token"))

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log")
		asJSON, _ := cmd.Flags().GetBool("log-json")
		logging.SetupWriter(cmd.ErrOrStderr(), level, asJSON)

		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadConfig(cfgPath)
		if err != nil {
			// init is what creates a missing config file.
			if cmd.Name() != "init" || !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			cfg = config.Default()
		}
		c.cfg = cfg
		c.v.SetDefault("server", cfg.Client.Server)
		c.v.SetDefault("token", cfg.Server.Token)
		return nil
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newInitCmd(c))
	cmd.AddCommand(newScanCmd(c))
	cmd.AddCommand(newPlanCmd(c))
	cmd.AddCommand(newDeployCmd(c))
	cmd.AddCommand(newServeCmd(c))
	cmd.AddCommand(newPushCmd(c))
	cmd.AddCommand(newRemoteCmd(c))
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "polydeploy %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// Main entry point
func main() {
	logging.Setup("info", false)
	root := newRootCmd()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
