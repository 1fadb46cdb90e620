package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/gliderdac/internal/api"
	"github.com/livinlefevreloca/gliderdac/internal/config"
	"github.com/livinlefevreloca/gliderdac/internal/validator"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a NetCDF profile offline",
	Long: `Run the profile validator against a local file without touching the
state database. Exits non-zero when the file has error diagnostics.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

type validateOutput struct {
	Path        string           `json:"path"`
	Passed      bool             `json:"passed"`
	Diagnostics []api.Diagnostic `json:"diagnostics"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	vocab := validator.DefaultVocabulary()
	if cfg.Validator.VocabularyPath != "" {
		if vocab, err = validator.LoadVocabulary(cfg.Validator.VocabularyPath); err != nil {
			return err
		}
	}

	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	result := validator.New(vocab).Validate(data)
	res := validateOutput{Path: path, Passed: result.Passed, Diagnostics: make([]api.Diagnostic, 0, len(result.Diagnostics))}
	for _, d := range result.Diagnostics {
		res.Diagnostics = append(res.Diagnostics, api.Diagnostic{
			Code:     d.Code,
			Severity: string(d.Severity),
			Field:    d.Field,
			Message:  d.Message,
		})
	}

	out := cmd.OutOrStdout()
	if isJSONOutput() {
		if err := printJSON(out, res); err != nil {
			return err
		}
	} else {
		if len(res.Diagnostics) > 0 {
			if err := printDiagnostics(out, res.Diagnostics); err != nil {
				return err
			}
		}
		if res.Passed {
			fmt.Fprintf(out, "%s: passed\n", path)
		} else {
			fmt.Fprintf(out, "%s: failed\n", path)
		}
	}

	if !result.Passed {
		return fmt.Errorf("validation failed: %s", result.Summary())
	}
	return nil
}
