package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowmesh/trigger"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <schedules.yaml>",
		Short: "Validate a trigger schedule file without running it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	schedules, err := trigger.LoadSchedules(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return exitError(exitValidation, "%s", err)
	}

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(schedules)
	}

	fmt.Fprintf(out, "%s: %d schedule(s) valid\n", filePath, len(schedules))
	for _, s := range schedules {
		destination := "topic " + string(s.Topic)
		if s.Target != "" {
			destination = "executor " + string(s.Target)
		}
		status := ""
		if s.Disabled {
			status = " (disabled)"
		}
		fmt.Fprintf(out, "  %s: %q -> %s as %s%s\n", s.Name, s.Cron, destination, s.Type, status)
	}
	return nil
}
