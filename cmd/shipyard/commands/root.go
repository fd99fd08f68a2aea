package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// ErrUnsuccessful is returned when a command ran to completion but its
// outcome is a failure (invalid descriptors, unhealthy deployments). The
// report has already been written.
var ErrUnsuccessful = errors.New("command reported failures")

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "shipyard",
		Short: "Shipyard - application deployment orchestrator",
		Long: `Shipyard validates application descriptors, estimates their cost, and
rolls them out to a container runtime.

A rollout is a persisted state machine:
  - Phase 1 plans and applies shared infrastructure
  - Component images are built and pushed
  - Phase 2 plans and applies workloads with the new images
  - Health checks verify every network-exposed component

Interrupted or failed rollouts resume from the last successful phase.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
			}
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./shipyard.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newEstimateCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newTeardownCommand())
	rootCmd.AddCommand(newRegistryCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
