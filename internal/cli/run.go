package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"aqsync/internal/archive"
	"aqsync/internal/config"
	"aqsync/internal/fetch"
	"aqsync/internal/metrics"
	"aqsync/internal/pipeline"
	"aqsync/internal/state"
	"aqsync/internal/validate"
)

// stateFileName is the cursor file kept alongside the archives.
const stateFileName = ".state.json"

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string
	Locations  []int
	DataDir    string
	APIKey     string
	ResetState bool
	Validate   bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one incremental sync pass",
		Long: `Run one incremental sync pass over the configured locations.

Each location's archive is brought up to date from the OpenAQ API,
fetching only measurements newer than the stored cursor. New records
are merged into location_<id>.json and the cursor is advanced.

Example:
  aqsync run --config config.yaml
  aqsync run --locations 3459,7832 --data-dir ./data --validate`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.Flags().IntSliceVar(&opts.Locations, "locations", nil, "location IDs to sync (overrides config)")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "directory for archives and state (overrides config)")
	cmd.Flags().StringVar(&opts.APIKey, "api-key", "", "OpenAQ API key (overrides config and OPENAQ_API_KEY)")
	cmd.Flags().BoolVar(&opts.ResetState, "reset-state", false, "discard the cursor file and refetch full history")
	cmd.Flags().BoolVar(&opts.Validate, "validate", false, "validate merged archives after each sync")

	return cmd
}

func runSync(opts *RunOptions, cmd *cobra.Command) error {
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

	locations := opts.Locations
	if len(locations) == 0 {
		locations = cfg.Locations
	}
	if len(locations) == 0 {
		return NewExitError(ExitCommandError, "no locations given: use --locations or the config file")
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = cfg.Data.Dir
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return WrapExitError(ExitCommandError, "failed to create data directory", err)
	}

	states := state.NewStore(filepath.Join(dataDir, stateFileName))
	if opts.ResetState {
		if err := states.Reset(); err != nil {
			return WrapExitError(ExitCommandError, "failed to reset state", err)
		}
		slog.Info("state reset, refetching full history")
	}
	archives := archive.NewStore(dataDir)

	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = cfg.API.Key
	}
	client := fetch.New(fetch.ResolveAPIKey(apiKey),
		fetch.WithBaseURL(cfg.API.BaseURL),
		fetch.WithPageDelay(cfg.API.RateLimitDelay()),
	)

	pipelineOpts := []pipeline.Option{pipeline.WithPageSize(cfg.API.PageSize)}
	if opts.Validate || cfg.Validation.Enabled {
		v := validate.New(cfg.Validation.Rules())
		pipelineOpts = append(pipelineOpts,
			pipeline.WithValidation(v, cfg.Validation.QualityThreshold, cfg.Validation.SampleSize))
	}
	if cfg.Monitoring.MetricsDB != "" {
		history, err := metrics.Open(cfg.Monitoring.MetricsDB)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open metrics database", err)
		}
		defer func() {
			if closeErr := history.Close(); closeErr != nil {
				slog.Error("error closing metrics database", "error", closeErr)
			}
		}()
		pipelineOpts = append(pipelineOpts, pipeline.WithHistory(history))
	}

	orch := pipeline.New(states, archives, client, pipelineOpts...)
	summary := orch.RunOnce(cmd.Context(), locations)

	if err := outputSummary(formatter, summary); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d locations failed", summary.Failed, summary.TotalLocations))
	}
	return nil
}

// loadConfig resolves the effective configuration. An explicit path is
// required to exist; with no path, a config.yaml in the working
// directory is used when present, built-in defaults otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return config.Load("config.yaml")
	}
	return config.Default(), nil
}

// outputSummary renders a run summary in the configured format.
func outputSummary(formatter *OutputFormatter, summary pipeline.Summary) error {
	if formatter.Format == "json" {
		return formatter.Success(summary)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Run %s\n", summary.RunID)
	for _, loc := range summary.Locations {
		switch loc.Status {
		case pipeline.StatusSuccess:
			line := fmt.Sprintf("  location %d: %d new, %d duplicates, %d total",
				loc.LocationID, loc.NewRecords, loc.DuplicatesRemoved, loc.TotalRecords)
			if loc.QualityScore != nil {
				line += fmt.Sprintf(", quality %.2f%%", *loc.QualityScore)
			}
			fmt.Fprintln(w, line)
		case pipeline.StatusError:
			fmt.Fprintf(w, "  location %d: FAILED: %s\n", loc.LocationID, loc.Err)
		case pipeline.StatusSkipped:
			fmt.Fprintf(w, "  location %d: skipped\n", loc.LocationID)
		}
	}
	fmt.Fprintf(w, "%d/%d locations synced, %d new records in %s\n",
		summary.Successful, summary.TotalLocations, summary.TotalNewRecords,
		summary.Elapsed.Round(time.Millisecond))
	if summary.Failed > 0 {
		fmt.Fprintf(w, "%d location(s) failed\n", summary.Failed)
	}
	return nil
}

// formatLocations renders a location list for log lines.
func formatLocations(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}
