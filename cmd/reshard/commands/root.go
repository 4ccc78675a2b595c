package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/reshard/pkg/client"
)

const defaultServer = "127.0.0.1:8080"

var (
	// Global flags
	configPath string
	serverAddr string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reshard",
		Short: "Resharding plan executor",
		Long: `reshard runs resharding plans as durable, resumable sequences of phases.

The server command hosts the executor and its administrative API. Every
other command is a client of that API.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultAddr := os.Getenv("RESHARD_SERVER")
	if defaultAddr == "" {
		defaultAddr = defaultServer
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (server)")
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", defaultAddr, "admin API address (env RESHARD_SERVER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServerCommand(version))
	rootCmd.AddCommand(newPhasesCommand())
	rootCmd.AddCommand(newPlansCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newPauseCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newUnholdCommand())
	rootCmd.AddCommand(newArchiveCommand())
	rootCmd.AddCommand(newTuneCommand())
	rootCmd.AddCommand(newStatusCommand())

	return rootCmd
}

func newClient() (*client.Client, error) {
	return client.New(serverAddr, nil)
}
