package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"aqsync/internal/validate"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	ConfigPath string
	File       string
	Sample     int
	Output     string
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate an archive file",
		Long: `Validate the records in an archive file: required fields, parameter
value ranges, and timestamp sanity. Prints a quality report and exits
non-zero when the quality score falls below the configured threshold.

Example:
  aqsync validate --file data/location_3459.json
  aqsync validate --file data/location_3459.json --sample 1000 --output report.txt`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "archive file to validate (required)")
	cmd.Flags().IntVar(&opts.Sample, "sample", 0, "validate a random sample of this size instead of every record")
	cmd.Flags().StringVar(&opts.Output, "output", "", "write the report to this file as well as stdout")
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runValidate(opts *ValidateOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	sample := opts.Sample
	if sample == 0 {
		sample = cfg.Validation.SampleSize
	}

	v := validate.New(cfg.Validation.Rules())
	report, err := v.ValidateFile(opts.File, sample)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to validate file", err)
	}

	rendered := validate.RenderReport(report, time.Now().UTC())
	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, []byte(rendered), 0o644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write report", err)
		}
		formatter.VerboseLog("Report written to %s", opts.Output)
	}

	if formatter.Format == "json" {
		if err := formatter.Success(report); err != nil {
			return err
		}
	} else {
		fmt.Fprint(formatter.Writer, rendered)
	}

	if report.QualityScore < cfg.Validation.QualityThreshold {
		return NewExitError(ExitFailure, fmt.Sprintf("quality score %.2f%% below threshold %.2f%%",
			report.QualityScore, cfg.Validation.QualityThreshold))
	}
	return nil
}
