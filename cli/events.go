package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowmesh/bus"
)

// NewEventsCmd creates the "events" subcommand tree.
func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect persisted workflow events",
	}

	cmd.PersistentFlags().String("db", "flowmesh-events.db", "Path to the event database")

	cmd.AddCommand(newEventsListCmd())
	cmd.AddCommand(newEventsRunsCmd())
	return cmd
}

func newEventsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <run-id>",
		Short: "List the events of a run in sequence order",
		Args:  cobra.ExactArgs(1),
		RunE:  runEventsList,
	}

	cmd.Flags().Uint64("after-seq", 0, "Only events with a higher sequence number")
	cmd.Flags().Int("limit", 0, "Maximum number of events (0 = all)")
	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

func runEventsList(cmd *cobra.Command, args []string) error {
	runID := args[0]
	dbPath, _ := cmd.Flags().GetString("db")
	afterSeq, _ := cmd.Flags().GetUint64("after-seq")
	limit, _ := cmd.Flags().GetInt("limit")
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: dbPath})
	if err != nil {
		return exitError(exitRuntime, "open event store: %s", err)
	}
	defer store.Close()

	events, err := store.List(cmd.Context(), runID, afterSeq, limit)
	if err != nil {
		return exitError(exitRuntime, "list events: %s", err)
	}

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	if len(events) == 0 {
		fmt.Fprintf(out, "no events for run %s\n", runID)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tKIND\tEXECUTOR\tTYPE\tELAPSED")
	for _, e := range events {
		elapsed := ""
		if e.Elapsed > 0 {
			elapsed = e.Elapsed.String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq,
			e.Time.UTC().Format(time.RFC3339),
			e.Kind,
			e.Executor,
			e.Type,
			elapsed,
		)
	}
	return w.Flush()
}

func newEventsRunsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List run IDs present in the event database",
		Args:  cobra.NoArgs,
		RunE:  runEventsRuns,
	}
}

func runEventsRuns(cmd *cobra.Command, _ []string) error {
	dbPath, _ := cmd.Flags().GetString("db")
	out := cmd.OutOrStdout()

	store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: dbPath})
	if err != nil {
		return exitError(exitRuntime, "open event store: %s", err)
	}
	defer store.Close()

	ids, err := store.RunIDs(cmd.Context())
	if err != nil {
		return exitError(exitRuntime, "list runs: %s", err)
	}

	printRunIDs(out, ids)
	return nil
}

func printRunIDs(out io.Writer, ids []string) {
	if len(ids) == 0 {
		fmt.Fprintln(out, "no runs recorded")
		return
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
}
