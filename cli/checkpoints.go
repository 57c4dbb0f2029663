package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowmesh/checkpoint"
)

// NewCheckpointsCmd creates the "checkpoints" subcommand tree.
func NewCheckpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Manage saved workflow snapshots",
	}

	cmd.PersistentFlags().String("db", "flowmesh-checkpoints.db", "Path to the checkpoint database")

	cmd.AddCommand(newCheckpointsListCmd())
	cmd.AddCommand(newCheckpointsShowCmd())
	cmd.AddCommand(newCheckpointsDeleteCmd())
	return cmd
}

func openCheckpointStore(cmd *cobra.Command) (*checkpoint.SQLiteStore, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	store, err := checkpoint.NewSQLiteStore(checkpoint.SQLiteStoreConfig{DSN: dbPath})
	if err != nil {
		return nil, exitError(exitRuntime, "open checkpoint store: %s", err)
	}
	return store, nil
}

func newCheckpointsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved snapshots",
		Args:  cobra.NoArgs,
		RunE:  runCheckpointsList,
	}
}

func runCheckpointsList(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	store, err := openCheckpointStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	infos, err := store.List(cmd.Context())
	if err != nil {
		return exitError(exitRuntime, "list checkpoints: %s", err)
	}

	if len(infos) == 0 {
		fmt.Fprintln(out, "no checkpoints saved")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tRUN\tSAVED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			info.Name,
			info.RunID,
			info.Saved.UTC().Format(time.RFC3339),
		)
	}
	return w.Flush()
}

func newCheckpointsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Print a snapshot as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckpointsShow,
	}

	cmd.Flags().Bool("summary", false, "Print counts instead of the full snapshot")

	return cmd
}

func runCheckpointsShow(cmd *cobra.Command, args []string) error {
	name := args[0]
	summary, _ := cmd.Flags().GetBool("summary")
	out := cmd.OutOrStdout()

	store, err := openCheckpointStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.Load(cmd.Context(), name)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return exitError(exitNotFound, "checkpoint not found: %s", name)
		}
		return exitError(exitRuntime, "load checkpoint: %s", err)
	}

	if summary {
		fmt.Fprintf(out, "name:      %s\n", name)
		fmt.Fprintf(out, "run:       %s\n", snap.RunID)
		fmt.Fprintf(out, "saved:     %s\n", snap.Saved.UTC().Format(time.RFC3339))
		fmt.Fprintf(out, "executors: %d\n", len(snap.Executors))
		fmt.Fprintf(out, "edges:     %d\n", len(snap.Edges))
		fmt.Fprintf(out, "scopes:    %d\n", len(snap.State))
		return nil
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func newCheckpointsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a saved snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckpointsDelete,
	}
}

func runCheckpointsDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	out := cmd.OutOrStdout()

	store, err := openCheckpointStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(cmd.Context(), name); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return exitError(exitNotFound, "checkpoint not found: %s", name)
		}
		return exitError(exitRuntime, "delete checkpoint: %s", err)
	}

	fmt.Fprintf(out, "deleted %s\n", name)
	return nil
}
