package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowmesh/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flowmesh",
	Short: "flowmesh workflow engine CLI",
	Long:  "flowmesh — ops tooling for the actor-based workflow engine: inspect persisted events, manage snapshots, and validate trigger schedules.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("flowmesh version %s\n", version))

	rootCmd.AddCommand(cli.NewEventsCmd())
	rootCmd.AddCommand(cli.NewCheckpointsCmd())
	rootCmd.AddCommand(cli.NewValidateCmd())
}
