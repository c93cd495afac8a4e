package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aqsync/internal/alert"
	"aqsync/internal/archive"
	"aqsync/internal/fetch"
	"aqsync/internal/metrics"
	"aqsync/internal/pipeline"
	"aqsync/internal/state"
	"aqsync/internal/validate"
)

// ScheduleOptions holds flags for the schedule command.
type ScheduleOptions struct {
	*RootOptions
	ConfigPath string
	Locations  []int
	DataDir    string
	APIKey     string
	Every      time.Duration
}

// NewScheduleCommand creates the schedule command.
func NewScheduleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScheduleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the sync on a fixed interval",
		Long: `Run the incremental sync on a fixed interval until interrupted. An
immediate pass runs at startup, then one pass per interval. Repeated
failing passes raise a critical alert once the consecutive-failure
threshold is reached. For production deployments an external scheduler
such as cron invoking "aqsync run" works equally well.

Example:
  aqsync schedule --config config.yaml --every 2h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchedule(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.Flags().IntSliceVar(&opts.Locations, "locations", nil, "location IDs to sync (overrides config)")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "directory for archives and state (overrides config)")
	cmd.Flags().StringVar(&opts.APIKey, "api-key", "", "OpenAQ API key (overrides config and OPENAQ_API_KEY)")
	cmd.Flags().DurationVar(&opts.Every, "every", 2*time.Hour, "interval between sync passes")

	return cmd
}

func runSchedule(opts *ScheduleOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Every <= 0 {
		return NewExitError(ExitCommandError, "interval must be positive")
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
	archives := archive.NewStore(dataDir)

	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = cfg.API.Key
	}
	client := fetch.New(fetch.ResolveAPIKey(apiKey),
		fetch.WithBaseURL(cfg.API.BaseURL),
		fetch.WithPageDelay(cfg.API.RateLimitDelay()),
	)

	sink := alert.LogSink{}
	tracker := alert.NewFailureTracker(cfg.Monitoring.Alerts.MaxConsecutiveFailures, sink)

	pipelineOpts := []pipeline.Option{
		pipeline.WithPageSize(cfg.API.PageSize),
		pipeline.WithFailureTracker(tracker),
		pipeline.WithAlertSink(sink),
	}
	if cfg.Validation.Enabled {
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

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	slog.Info("scheduler starting",
		"interval", opts.Every,
		"locations", formatLocations(locations))
	fmt.Fprintf(cmd.OutOrStdout(), "Syncing every %s. Press Ctrl-C to stop.\n", opts.Every)

	ticker := time.NewTicker(opts.Every)
	defer ticker.Stop()

	for {
		summary := orch.RunOnce(ctx, locations)
		slog.Info("pass complete",
			"run_id", summary.RunID,
			"successful", summary.Successful,
			"failed", summary.Failed,
			"new_records", summary.TotalNewRecords)

		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped gracefully")
			return nil
		case <-ticker.C:
		}
	}
}
