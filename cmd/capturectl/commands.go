package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/miyaichi/adfit-checker/internal/capture"
	"github.com/miyaichi/adfit-checker/internal/snapshot"
)

var (
	captureNotes  string
	outputPath    string
	snapshotImage string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the panel's hub connection and capture state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient()
		conn, err := c.status(cmd.Context())
		if err != nil {
			return err
		}
		st, err := c.captureState(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "endpoint:     %s\n", conn.Endpoint)
		fmt.Fprintf(out, "connection:   %s\n", conn.State)
		fmt.Fprintf(out, "capture peer: %s\n", conn.CapturePeer)
		fmt.Fprintf(out, "capture:      %s\n", describeState(st))
		return nil
	},
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Reconnect the panel to the hub if the channel was lost",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := apiClient().reconnect(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "connection: %s\n", conn.State)
		return nil
	},
}

var captureCmd = &cobra.Command{
	Use:   "capture <tab-id>",
	Short: "Capture the full page of a tab",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tabID, err := strconv.Atoi(args[0])
		if err != nil || tabID <= 0 {
			return fmt.Errorf("tab id must be a positive integer, got %q", args[0])
		}
		c := apiClient()
		meta, err := c.capture(cmd.Context(), tabID, captureNotes)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "snapshot %s: %dx%d in %d slices (%d ms)\n", meta.ID, meta.Width, meta.Height, meta.Slices, meta.DurationMS)
		if outputPath == "" {
			return nil
		}
		n, err := writeImage(cmd.Context(), c, meta.ID, outputPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s (%d bytes)\n", outputPath, n)
		return nil
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Manage stored snapshots",
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		metas, err := apiClient().listSnapshots(cmd.Context())
		if err != nil {
			return err
		}
		printSnapshots(cmd.OutOrStdout(), metas)
		return nil
	},
}

var snapshotsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show snapshot metadata, optionally saving the image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient()
		meta, err := c.getSnapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if snapshotImage == "" {
			return nil
		}
		_, err = writeImage(cmd.Context(), c, meta.ID, snapshotImage)
		return err
	},
}

var snapshotsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().deleteSnapshot(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

func init() {
	captureCmd.Flags().StringVarP(&captureNotes, "notes", "n", "", "free-form annotation stored with the snapshot")
	captureCmd.Flags().StringVarP(&outputPath, "output", "o", "", "also write the stitched PNG to this file")
	snapshotsGetCmd.Flags().StringVarP(&snapshotImage, "output", "o", "", "write the snapshot image to this file")

	snapshotsCmd.AddCommand(snapshotsListCmd, snapshotsGetCmd, snapshotsDeleteCmd)
	rootCmd.AddCommand(statusCmd, reconnectCmd, captureCmd, snapshotsCmd)
}

func describeState(st capture.State) string {
	switch st.Phase {
	case capture.PhaseCapturingSlice:
		return fmt.Sprintf("capturing slice %d/%d of %s", st.Slice+1, st.TotalSlices, st.Target)
	case capture.PhaseAwaitingGeometry:
		return fmt.Sprintf("measuring %s", st.Target)
	case capture.PhaseStitching:
		return fmt.Sprintf("stitching %d slices of %s", st.TotalSlices, st.Target)
	default:
		return string(st.Phase)
	}
}

func writeImage(ctx context.Context, c *client, id, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := c.snapshotImage(ctx, id, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	return n, nil
}

func printSnapshots(w io.Writer, metas []snapshot.Meta) {
	if len(metas) == 0 {
		fmt.Fprintln(w, "no snapshots")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTAB\tSIZE\tSLICES\tCREATED\tURL")
	for _, m := range metas {
		fmt.Fprintf(tw, "%s\t%d\t%dx%d\t%d\t%s\t%s\n", m.ID, m.TabID, m.Width, m.Height, m.Slices, m.CreatedAt.Format("2006-01-02 15:04:05"), m.URL)
	}
	_ = tw.Flush()
}
