package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Inspect and control the job queues",
}

var queuesCountsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Show job counts per queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		counts, err := newClient().QueueCounts(cmd.Context())
		if err != nil {
			return err
		}
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "QUEUE\tWAITING\tACTIVE\tDELAYED\tCOMPLETED\tFAILED\tPAUSED")
		for _, name := range names {
			c := counts[name]
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%t\n", name, c.Waiting, c.Active, c.Delayed, c.Completed, c.Failed, c.Paused)
		}
		return w.Flush()
	},
}

// queueActionCmd builds the single-argument queue commands.
func queueActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [queue]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newClient().QueueAction(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			if n, ok := out["retried"]; ok {
				cmd.Printf("Queue %s: %v failed jobs moved back to waiting.\n", args[0], n)
				return nil
			}
			cmd.Printf("Queue %s %v.\n", args[0], out["status"])
			return nil
		},
	}
}

var queuesClearCmd = &cobra.Command{
	Use:   "clear [queue]",
	Short: "Remove finished jobs from a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		n, err := newClient().ClearQueue(cmd.Context(), args[0], models.JobStatus(status), olderThan)
		if err != nil {
			return err
		}
		cmd.Printf("Removed %d %s jobs from %s.\n", n, status, args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queuesCmd)
	queuesCmd.AddCommand(queuesCountsCmd)
	queuesCmd.AddCommand(queueActionCmd("pause", "Stop workers from taking new jobs"))
	queuesCmd.AddCommand(queueActionCmd("resume", "Let workers take jobs again"))
	queuesCmd.AddCommand(queueActionCmd("retry-failed", "Move every failed job back to waiting"))
	queuesCmd.AddCommand(queuesClearCmd)

	queuesClearCmd.Flags().String("status", string(models.JobCompleted), "job status to remove (completed or failed)")
	queuesClearCmd.Flags().Duration("older-than", 0, "only remove jobs finished before this age")
}
