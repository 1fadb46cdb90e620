package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/gliderdac/internal/api"
	"github.com/livinlefevreloca/gliderdac/internal/db"
	"github.com/livinlefevreloca/gliderdac/internal/queue"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [deployment]",
	Short: "Show pipeline state",
	Long: `Without arguments, list every deployment's pipeline state. With a
deployment id, show its dataset, latest validation diagnostics and live jobs.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, database, logger, err := adminEnv(cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		statuses, err := api.Statuses(ctx, database)
		if err != nil {
			return err
		}
		if isJSONOutput() {
			return printJSON(out, statuses)
		}
		return printStatuses(out, statuses)
	}

	q, err := queue.New(database, cfg.Queue, logger)
	if err != nil {
		return err
	}
	detail, err := api.Describe(ctx, database, q, args[0])
	if db.IsNotFound(err) {
		return fmt.Errorf("deployment %s has no pipeline state", args[0])
	}
	if err != nil {
		return err
	}
	if isJSONOutput() {
		return printJSON(out, detail)
	}
	return printDetail(out, detail)
}

func printStatuses(out io.Writer, statuses []api.DeploymentStatus) error {
	if len(statuses) == 0 {
		fmt.Fprintln(out, "No deployments tracked")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Deployment", "State", "Generation", "Last File", "Updated", "Error")
	for _, st := range statuses {
		table.Append(
			st.DeploymentID,
			st.State,
			fmt.Sprintf("%d", st.Generation),
			formatTimePtr(st.LastFileTime),
			formatTime(st.UpdatedAt),
			st.LastError,
		)
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTotal deployments: %d\n", len(statuses))
	return nil
}

func printDetail(out io.Writer, d *api.DeploymentDetail) error {
	fmt.Fprintf(out, "Deployment:  %s\n", d.DeploymentID)
	fmt.Fprintf(out, "State:       %s\n", d.State)
	fmt.Fprintf(out, "Generation:  %d\n", d.Generation)
	fmt.Fprintf(out, "Last file:   %s\n", formatTimePtr(d.LastFileTime))
	fmt.Fprintf(out, "Updated:     %s\n", formatTime(d.UpdatedAt))
	if d.LastError != "" {
		fmt.Fprintf(out, "Last error:  %s\n", d.LastError)
	}

	if d.Dataset != nil {
		fmt.Fprintln(out, "\nDataset:")
		fmt.Fprintf(out, "  Path:           %s\n", d.Dataset.Path)
		fmt.Fprintf(out, "  Version:        %s\n", d.Dataset.CurrentVersion)
		fmt.Fprintf(out, "  Generation:     %d (QC %d)\n", d.Dataset.Generation, d.Dataset.QCGeneration)
		fmt.Fprintf(out, "  Profiles:       %d\n", d.Dataset.ProfileCount)
		fmt.Fprintf(out, "  Aggregated at:  %s\n", formatTime(d.Dataset.AggregatedAt))
	}

	if v := d.Validation; v != nil {
		result := "passed"
		if !v.Passed {
			result = "failed"
		}
		fmt.Fprintf(out, "\nLatest validation (%s): %s\n", result, v.Path)
		if len(v.Diagnostics) > 0 {
			if err := printDiagnostics(out, v.Diagnostics); err != nil {
				return err
			}
		}
	}

	if len(d.Pending) > 0 {
		fmt.Fprintln(out, "\nPending jobs:")
		table := tablewriter.NewWriter(out)
		table.Header("ID", "Kind", "Attempt", "Enqueued", "Owner")
		for _, j := range d.Pending {
			table.Append(j.ID, j.Kind, fmt.Sprintf("%d", j.Attempt), formatTime(j.EnqueuedAt), j.LeaseOwner)
		}
		return table.Render()
	}
	return nil
}

func printDiagnostics(out io.Writer, diags []api.Diagnostic) error {
	table := tablewriter.NewWriter(out)
	table.Header("Severity", "Code", "Field", "Message")
	for _, d := range diags {
		table.Append(d.Severity, d.Code, d.Field, d.Message)
	}
	return table.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}
