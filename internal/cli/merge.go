package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"aqsync/internal/archive"
	"aqsync/internal/merge"
)

// MergeOptions holds flags for the merge command.
type MergeOptions struct {
	*RootOptions
	ConfigPath string
	Locations  []int
	DataDir    string
}

// MergeResult summarizes one archive's reconcile pass.
type MergeResult struct {
	LocationID        int    `json:"location_id"`
	TotalRecords      int    `json:"total_records"`
	DuplicatesRemoved int    `json:"duplicates_removed"`
	Backup            string `json:"backup,omitempty"`
	Skipped           bool   `json:"skipped,omitempty"`
}

// NewMergeCommand creates the merge command.
func NewMergeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MergeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Reconcile existing archive files in place",
		Long: `Reconcile existing archive files: remove duplicate records and sort
by measurement start time. The original file is kept as a .backup
before the archive is rewritten.

Example:
  aqsync merge --locations 3459,7832 --data-dir ./data`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(opts, cmd)
		},
	}

	cmd.Flags().IntSliceVar(&opts.Locations, "locations", nil, "location IDs to reconcile (overrides config)")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "directory holding the archive files (overrides config)")
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")

	return cmd
}

func runMerge(opts *MergeOptions, cmd *cobra.Command) error {
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
	archives := archive.NewStore(dataDir)

	var results []MergeResult
	var failed int
	for _, locationID := range locations {
		result, err := reconcileArchive(archives, locationID)
		if err != nil {
			failed++
			slog.Error("reconcile failed", "location", locationID, "error", err)
			continue
		}
		results = append(results, result)
	}

	if err := outputMergeResults(formatter, results); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d archive(s) could not be reconciled", failed))
	}
	return nil
}

// reconcileArchive rewrites one archive with duplicates removed and
// records sorted, backing up the original first.
func reconcileArchive(archives *archive.Store, locationID int) (MergeResult, error) {
	result := MergeResult{LocationID: locationID}
	if !archives.Exists(locationID) {
		result.Skipped = true
		return result, nil
	}

	records := archives.Load(locationID)
	unique, duplicates := merge.Reconcile(records)
	result.TotalRecords = len(unique)
	result.DuplicatesRemoved = duplicates

	backup, err := archives.Backup(locationID)
	if err != nil {
		return result, fmt.Errorf("backup archive: %w", err)
	}
	result.Backup = backup

	if err := archives.Save(locationID, unique); err != nil {
		// Put the original back so the archive is never lost.
		if restoreErr := os.Rename(backup, archives.Path(locationID)); restoreErr != nil {
			slog.Error("could not restore backup", "location", locationID, "backup", backup, "error", restoreErr)
		}
		return result, fmt.Errorf("rewrite archive: %w", err)
	}
	return result, nil
}

// outputMergeResults renders reconcile results in the configured format.
func outputMergeResults(formatter *OutputFormatter, results []MergeResult) error {
	if formatter.Format == "json" {
		return formatter.Success(results)
	}

	w := formatter.Writer
	for _, r := range results {
		if r.Skipped {
			fmt.Fprintf(w, "location %d: no archive, skipped\n", r.LocationID)
			continue
		}
		fmt.Fprintf(w, "location %d: %d records, %d duplicates removed (backup: %s)\n",
			r.LocationID, r.TotalRecords, r.DuplicatesRemoved, r.Backup)
	}
	return nil
}
