package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/zoneq/internal/store"
	"github.com/me/zoneq/pkg/model"
)

// openStore opens and migrates the snapshot database named by --db.
func openStore(ctx context.Context) (*store.SQLiteStore, error) {
	st, err := store.NewSQLiteStore(flagDB, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate %s: %w", flagDB, err)
	}
	return st, nil
}

func newSnapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snapshots",
		Aliases: []string{"snap"},
		Short:   "Inspect stored run snapshots",
	}
	cmd.AddCommand(
		newSnapshotsListCmd(),
		newSnapshotsShowCmd(),
		newSnapshotsDeleteCmd(),
	)
	return cmd
}

func newSnapshotsListCmd() *cobra.Command {
	opts := model.DefaultListOptions()
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			snaps, total, err := st.ListSnapshots(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("list snapshots: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(snaps) == 0 {
				fmt.Fprintln(out, "No snapshots found.")
				return nil
			}

			fmt.Fprintf(out, "%-41s  %-10s  %-20s  %-6s  %-8s  %s\n", "ID", "STATUS", "LABEL", "ZONES", "PROGRESS", "CREATED")
			fmt.Fprintf(out, "%-41s  %-10s  %-20s  %-6s  %-8s  %s\n", "--", "------", "-----", "-----", "--------", "-------")
			for _, s := range snaps {
				fmt.Fprintf(out, "%-41s  %-10s  %-20s  %-6d  %-8s  %s\n",
					s.ID, s.Status, s.Label, s.Metrics.Counts.Total,
					humanize.FormatFloat("#,###.#", s.Metrics.ProgressPercent)+"%",
					humanize.Time(s.CreatedAt))
			}
			if opts.Offset+len(snaps) < total {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(snaps), total)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", opts.Limit, "Maximum snapshots to list")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Snapshots to skip")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Only list snapshots with this queue status")
	return cmd
}

func newSnapshotsShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <snapshot-id>",
		Short: "Show one snapshot with its zones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			snap, err := st.GetSnapshot(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get snapshot: %w", err)
			}
			if snap == nil {
				return fmt.Errorf("snapshot %s not found", args[0])
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			fmt.Fprintf(out, "Snapshot:     %s (%s)\n", snap.ID, humanize.Time(snap.CreatedAt))
			printReport(out, snap, true)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the snapshot as JSON")
	return cmd
}

func newSnapshotsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <snapshot-id>",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteSnapshot(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("delete snapshot: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}
