package cmd

import (
	"fmt"
	"net/url"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Review records held back from the ledger",
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, name := range []string{"status", "priority", "entity_type", "reason", "page", "limit"} {
			if v, _ := cmd.Flags().GetString(name); v != "" {
				q.Set(name, v)
			}
		}
		page, err := newClient().ListQuarantine(cmd.Context(), q)
		if err != nil {
			return err
		}
		if len(page.Records) == 0 {
			cmd.Println("No quarantined records found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tENTITY\tSTATUS\tPRIORITY\tQUARANTINED AT\tREASON")
		for _, r := range page.Records {
			fmt.Fprintf(w, "%s\t%s/%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.EntityType, r.EntityID, r.Status, r.Priority,
				r.QuarantinedAt.Format(time.RFC3339), truncate(r.Reason, 50))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		cmd.Printf("Page %d, %d of %d records.\n", page.Page, len(page.Records), page.Total)
		return nil
	},
}

var quarantineReviewCmd = &cobra.Command{
	Use:   "review [id]",
	Short: "Resolve or reject a quarantined record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		notes, _ := cmd.Flags().GetString("notes")
		rec, err := newClient().ReviewQuarantine(cmd.Context(), args[0], models.QuarantineStatus(status), notes)
		if err != nil {
			return err
		}
		cmd.Printf("Record %s is now %s.\n", rec.ID, rec.Status)
		return nil
	},
}

var quarantineStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the quarantine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := newClient().QuarantineStats(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("Total: %d\n", stats.Total)
		cmd.Printf("Average resolution: %.1fh\n", stats.AvgResolutionHours)
		if stats.OldestUnresolved != nil {
			cmd.Printf("Oldest unresolved: %s\n", stats.OldestUnresolved.Format(time.RFC3339))
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "GROUP\tVALUE\tCOUNT")
		for _, k := range sortedKeys(stats.ByStatus) {
			fmt.Fprintf(w, "status\t%s\t%d\n", k, stats.ByStatus[k])
		}
		for _, k := range sortedKeys(stats.ByPriority) {
			fmt.Fprintf(w, "priority\t%s\t%d\n", k, stats.ByPriority[k])
		}
		for _, k := range sortedKeys(stats.ByReason) {
			fmt.Fprintf(w, "reason\t%s\t%d\n", truncate(k, 50), stats.ByReason[k])
		}
		return w.Flush()
	},
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func init() {
	rootCmd.AddCommand(quarantineCmd)
	quarantineCmd.AddCommand(quarantineListCmd)
	quarantineCmd.AddCommand(quarantineReviewCmd)
	quarantineCmd.AddCommand(quarantineStatsCmd)

	f := quarantineListCmd.Flags()
	f.String("status", "", "quarantined, under_review, resolved or rejected")
	f.String("priority", "", "low, medium, high or critical")
	f.String("entity_type", "", "timesheet, time_entry, project, contact or user")
	f.String("reason", "", "substring of the quarantine reason")
	f.String("page", "", "page number (1-based)")
	f.String("limit", "", "page size")

	quarantineReviewCmd.Flags().String("status", "", "resolved or rejected")
	quarantineReviewCmd.Flags().String("notes", "", "resolution notes")
	_ = quarantineReviewCmd.MarkFlagRequired("status")
}
