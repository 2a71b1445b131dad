package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger manual syncs",
}

var syncSubmissionsCmd = &cobra.Command{
	Use:   "submissions [submission_id...]",
	Short: "Queue a sync for each approved submission",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		update, _ := cmd.Flags().GetBool("update-existing")
		res, err := newClient().SyncSubmissions(cmd.Context(), args, update)
		if err != nil {
			return err
		}
		printEnqueue(cmd, res)
		return nil
	},
}

var syncRangeCmd = &cobra.Command{
	Use:   "range",
	Short: "Queue a batch sync of every submission approved in a date range",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		res, err := newClient().SyncRange(cmd.Context(), from, to)
		if err != nil {
			return err
		}
		printEnqueue(cmd, res)
		return nil
	},
}

func printEnqueue(cmd *cobra.Command, res EnqueueResult) {
	if res.Degraded {
		cmd.Println("Warning: queue is degraded, some jobs were not stored.")
	}
	cmd.Printf("Queued %d job(s).\n", len(res.Jobs))
	for _, id := range res.Jobs {
		cmd.Printf("   %s\n", id)
	}
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the most recent sync log entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		logs, err := newClient().SyncLogs(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(logs) == 0 {
			cmd.Println("No sync logs found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "TIME\tSUBMISSION\tOPERATION\tSTATUS\tTRIGGER\tERROR")
		for _, l := range logs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				l.CreatedAt.Format(time.RFC3339), l.SubmissionID, l.Operation, l.Status, l.Trigger, truncate(l.Error, 50))
		}
		return w.Flush()
	},
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(logsCmd)
	syncCmd.AddCommand(syncSubmissionsCmd)
	syncCmd.AddCommand(syncRangeCmd)

	syncSubmissionsCmd.Flags().Bool("update-existing", false, "overwrite entries already present in the ledger")
	syncRangeCmd.Flags().String("from", "", "first approval date (YYYY-MM-DD)")
	syncRangeCmd.Flags().String("to", "", "last approval date (YYYY-MM-DD)")
	_ = syncRangeCmd.MarkFlagRequired("from")
	_ = syncRangeCmd.MarkFlagRequired("to")
	logsCmd.Flags().IntP("limit", "l", 20, "number of entries to show")
}
