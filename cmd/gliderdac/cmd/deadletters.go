package cmd

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/gliderdac/internal/api"
	"github.com/livinlefevreloca/gliderdac/internal/queue"
)

// deadlettersCmd represents the deadletters command
var deadlettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "List jobs that exhausted their attempts",
	Args:  cobra.NoArgs,
	RunE:  runDeadLetters,
}

// requeueCmd represents the requeue command
var requeueCmd = &cobra.Command{
	Use:   "requeue <dead-letter-id>",
	Short: "Return a dead-lettered job to the queue",
	Long:  `Requeue a dead-lettered job with a fresh attempt budget. A running service picks it up on its next claim.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRequeue,
}

func init() {
	rootCmd.AddCommand(deadlettersCmd)
	rootCmd.AddCommand(requeueCmd)
}

func runDeadLetters(cmd *cobra.Command, args []string) error {
	cfg, database, logger, err := adminEnv(cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	q, err := queue.New(database, cfg.Queue, logger)
	if err != nil {
		return err
	}
	dead, err := api.DeadLetters(cmd.Context(), q)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if isJSONOutput() {
		return printJSON(out, dead)
	}
	if len(dead) == 0 {
		fmt.Fprintln(out, "No dead letters")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("ID", "Kind", "Deployment", "Attempts", "Created", "Requeued", "Reason")
	for _, d := range dead {
		table.Append(
			d.ID,
			d.Kind,
			d.DeploymentID,
			fmt.Sprintf("%d", d.Attempts),
			formatTime(d.CreatedAt),
			formatTimePtr(d.RequeuedAt),
			d.Reason,
		)
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTotal dead letters: %d\n", len(dead))
	return nil
}

func runRequeue(cmd *cobra.Command, args []string) error {
	cfg, database, logger, err := adminEnv(cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	q, err := queue.New(database, cfg.Queue, logger)
	if err != nil {
		return err
	}
	job, err := q.Requeue(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s job %s for deployment %s\n", job.Kind, job.ID, job.DeploymentID)
	return nil
}
