package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/gliderdac/internal/pipeline"
	"github.com/livinlefevreloca/gliderdac/internal/records"
)

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset <deployment>",
	Short: "Clear a deployment's ERROR state",
	Long: `Move a deployment from ERROR back to PENDING after the underlying problem
has been repaired. New uploads are processed again once it is reset.`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	_, database, _, err := adminEnv(cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	id := args[0]
	err = pipeline.Reset(cmd.Context(), database, records.NewSQLStore(database), id, time.Now())
	if errors.Is(err, pipeline.ErrNotInError) {
		return fmt.Errorf("deployment %s is not in ERROR", id)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s reset to %s\n", id, pipeline.StatePending)
	return nil
}
