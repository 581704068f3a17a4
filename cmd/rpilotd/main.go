// Command rpilotd assembles one Controller-owned subtree of bridges and
// staged-pipeline components from a config file and runs it until it
// receives SIGINT or SIGTERM. A fatal subordinate death shuts the subtree
// down through the Controller, but the command keeps waiting for a signal
// before it exits. Grounded on cmd/warren/main.go's
// cobra root command + PersistentFlags + cobra.OnInitialize shape, scaled
// down: loading a cluster topology, joining peers and the rest of the CLI
// surface that drives a running daemon are external-collaborator concerns
// (spec §1 Non-goals).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/radical-go/pilot/pkg/controller"
	"github.com/radical-go/pilot/pkg/rplog"
	"github.com/radical-go/pilot/pkg/rpconfig"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "rpilotd",
	Short:   "rpilotd runs one pilot-runtime Controller subtree",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("rpilotd version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	rplog.Init(rplog.Config{Level: rplog.Level(level), JSONOutput: jsonOut})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bring up bridges and components from a config file and run until stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			return fmt.Errorf("--config is required")
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		cfg, err := rpconfig.Parse(f)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger := rplog.WithComponent(rplog.Logger, cfg.Owner)
		ctrl := controller.New(cfg, logger)

		if err := ctrl.StartBridges(); err != nil {
			return fmt.Errorf("start bridges: %w", err)
		}
		if err := ctrl.StartHeartbeatIfRoot(); err != nil {
			return fmt.Errorf("start heartbeat: %w", err)
		}
		if err := ctrl.StartComponents(); err != nil {
			return fmt.Errorf("start components: %w", err)
		}

		logger.Info().Msg("controller up, bridges bound")
		for name, bh := range ctrl.Addresses() {
			logger.Info().Str("bridge", name).Str("addr_in", bh.AddrIn).Str("addr_out", bh.AddrOut).Msg("bridge address")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("shutting down")
		if err := ctrl.Stop(cfg.TerminationBudget); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	runCmd.Flags().String("config", "", "Path to the Controller config file (required)")
}
