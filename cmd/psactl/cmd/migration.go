package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

var migrationCmd = &cobra.Command{
	Use:   "migration",
	Short: "Backfill historical approved submissions into the ledger",
}

func migrationOptions(cmd *cobra.Command) MigrationOptions {
	var o MigrationOptions
	o.BatchSize, _ = cmd.Flags().GetInt("batch-size")
	delay, _ := cmd.Flags().GetDuration("delay")
	o.DelayBetweenBatchesMs = delay.Milliseconds()
	o.MaxRetries, _ = cmd.Flags().GetInt("max-retries")
	o.DryRun, _ = cmd.Flags().GetBool("dry-run")
	o.DateFrom, _ = cmd.Flags().GetString("from")
	o.DateTo, _ = cmd.Flags().GetString("to")
	return o
}

func addMigrationFlags(cmd *cobra.Command, withRun bool) {
	cmd.Flags().String("from", "", "earliest approval date (YYYY-MM-DD)")
	cmd.Flags().String("to", "", "latest approval date (YYYY-MM-DD)")
	cmd.Flags().Int("batch-size", 0, "records per batch (default 50)")
	cmd.Flags().Duration("delay", 0, "pause between batches")
	if withRun {
		cmd.Flags().Int("max-retries", 0, "retries per record for transient failures (default 3)")
		cmd.Flags().Bool("dry-run", false, "validate and transform without writing")
	}
}

var migrationAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Count the submissions a migration would touch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sum, err := newClient().AnalyzeMigration(cmd.Context(), migrationOptions(cmd))
		if err != nil {
			return err
		}
		cmd.Printf("Approved:       %d\n", sum.TotalApproved)
		cmd.Printf("Already synced: %d\n", sum.AlreadySynced)
		cmd.Printf("Pending:        %d\n", sum.Pending)
		if sum.OldestPending != nil && sum.NewestPending != nil {
			cmd.Printf("Approved range: %s to %s\n", sum.OldestPending.Format(time.DateOnly), sum.NewestPending.Format(time.DateOnly))
		}
		cmd.Printf("Estimated time: %s\n", sum.EstimatedDuration)
		return nil
	},
}

var migrationStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a migration run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newClient().StartMigration(cmd.Context(), migrationOptions(cmd))
		if err != nil {
			return err
		}
		cmd.Printf("Migration %s started (%d records in %d batches).\n", p.ID, p.TotalRecords, p.TotalBatches)
		return nil
	},
}

var migrationProgressCmd = &cobra.Command{
	Use:   "progress [migration_id]",
	Short: "Show progress of a migration run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newClient().MigrationProgress(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printProgress(cmd, p)
		return nil
	},
}

func migrationCommandCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [migration_id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newClient().MigrationCommand(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			cmd.Printf("Migration %s is %s.\n", p.ID, p.Status)
			return nil
		},
	}
}

func printProgress(cmd *cobra.Command, p models.BatchMigrationProgress) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", p.ID)
	fmt.Fprintf(w, "Status:\t%s\n", p.Status)
	if p.DryRun {
		fmt.Fprintf(w, "Mode:\tdry run\n")
	}
	fmt.Fprintf(w, "Batch:\t%d/%d\n", p.CurrentBatch, p.TotalBatches)
	fmt.Fprintf(w, "Processed:\t%d/%d\n", p.ProcessedRecords, p.TotalRecords)
	fmt.Fprintf(w, "Succeeded:\t%d\n", p.SuccessfulRecords)
	fmt.Fprintf(w, "Failed:\t%d\n", p.FailedRecords)
	fmt.Fprintf(w, "Validation errors:\t%d\n", p.ValidationErrors)
	if p.EstimatedCompletionAt != nil && p.CompletedAt == nil {
		fmt.Fprintf(w, "ETA:\t%s\n", p.EstimatedCompletionAt.Format(time.RFC3339))
	}
	if p.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:\t%s\n", p.CompletedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
	if n := len(p.Errors); n > 0 {
		last := p.Errors[n-1]
		cmd.Printf("%d error(s), last: %s\n", n, truncate(last.Message, 80))
	}
}

func init() {
	rootCmd.AddCommand(migrationCmd)
	migrationCmd.AddCommand(migrationAnalyzeCmd)
	migrationCmd.AddCommand(migrationStartCmd)
	migrationCmd.AddCommand(migrationProgressCmd)
	migrationCmd.AddCommand(migrationCommandCmd("pause", "Pause a running migration after its current batch"))
	migrationCmd.AddCommand(migrationCommandCmd("resume", "Resume a paused migration"))
	migrationCmd.AddCommand(migrationCommandCmd("cancel", "Stop a migration and mark it failed"))

	addMigrationFlags(migrationAnalyzeCmd, false)
	addMigrationFlags(migrationStartCmd, true)
}
