// Package pipeline drives one synchronization run across the
// configured locations.
//
// Locations are processed sequentially, each one completing through
// its state update before the next begins. This single-writer
// discipline is what makes the archive/state pair safe without locks;
// a deployment running multiple orchestrators needs external mutual
// exclusion that this package deliberately does not provide.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"aqsync/internal/alert"
	"aqsync/internal/archive"
	"aqsync/internal/fetch"
	"aqsync/internal/merge"
	"aqsync/internal/metrics"
	"aqsync/internal/record"
	"aqsync/internal/state"
	"aqsync/internal/validate"
)

// Status classifies a per-location outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// LocationStats is the outcome of processing one location.
type LocationStats struct {
	LocationID        int           `json:"location_id"`
	NewRecords        int           `json:"new_records"`
	TotalRecords      int           `json:"total_records"`
	DuplicatesRemoved int           `json:"duplicates_removed"`
	Elapsed           time.Duration `json:"elapsed"`
	Status            Status        `json:"status"`
	QualityScore      *float64      `json:"quality_score,omitempty"`
	Err               string        `json:"error,omitempty"`
}

// Summary is the outcome of one full run.
type Summary struct {
	RunID           string          `json:"run_id"`
	StartTime       time.Time       `json:"start_time"`
	TotalLocations  int             `json:"total_locations"`
	Successful      int             `json:"successful"`
	Failed          int             `json:"failed"`
	TotalNewRecords int             `json:"total_new_records"`
	Elapsed         time.Duration   `json:"elapsed"`
	Locations       []LocationStats `json:"location_stats"`
}

// Fetcher retrieves measurements for a location newer than since.
// Satisfied by *fetch.Client; tests substitute fakes.
type Fetcher interface {
	FetchSince(ctx context.Context, locationID int, since string, pageSize int) ([]record.Measurement, error)
}

var _ Fetcher = (*fetch.Client)(nil)

// Orchestrator wires the stores, the fetcher, and the optional
// validation and monitoring collaborators into the run loop.
type Orchestrator struct {
	states   *state.Store
	archives *archive.Store
	fetcher  Fetcher
	pageSize int

	validator        *validate.Validator
	qualityThreshold float64
	sampleSize       int

	history *metrics.Store
	tracker *alert.FailureTracker
	alerts  alert.Sink

	now      func() time.Time
	newRunID func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithValidation enables the post-merge quality pass. Archives scoring
// below threshold emit a warning alert.
func WithValidation(v *validate.Validator, threshold float64, sampleSize int) Option {
	return func(o *Orchestrator) {
		o.validator = v
		o.qualityThreshold = threshold
		o.sampleSize = sampleSize
	}
}

// WithHistory records run summaries into the metrics store.
func WithHistory(h *metrics.Store) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithFailureTracker wires consecutive-failure escalation.
func WithFailureTracker(t *alert.FailureTracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

// WithAlertSink sets where non-escalation alerts (low quality) go.
func WithAlertSink(s alert.Sink) Option {
	return func(o *Orchestrator) { o.alerts = s }
}

// WithPageSize overrides the fetch page size.
func WithPageSize(n int) Option {
	return func(o *Orchestrator) { o.pageSize = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRunIDGenerator overrides run id generation (tests).
func WithRunIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) { o.newRunID = gen }
}

// New creates an orchestrator over the given stores and fetcher.
func New(states *state.Store, archives *archive.Store, fetcher Fetcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		states:   states,
		archives: archives,
		fetcher:  fetcher,
		pageSize: fetch.DefaultPageSize,
		alerts:   alert.LogSink{},
		now:      time.Now,
		newRunID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunOnce processes every location once, sequentially. A failure in
// one location never aborts the others; a cancelled context stops
// before the next location starts, never mid-location. The returned
// summary is also recorded into the run history and fed to the
// failure tracker when those are wired.
func (o *Orchestrator) RunOnce(ctx context.Context, locations []int) Summary {
	start := o.now()
	summary := Summary{
		RunID:          o.newRunID(),
		StartTime:      start.UTC(),
		TotalLocations: len(locations),
	}

	slog.Info("run starting", "run_id", summary.RunID, "locations", len(locations))

	for _, locationID := range locations {
		if ctx.Err() != nil {
			slog.Info("shutdown requested, skipping remaining locations",
				"run_id", summary.RunID, "location", locationID)
			summary.Locations = append(summary.Locations, LocationStats{
				LocationID: locationID,
				Status:     StatusSkipped,
			})
			continue
		}

		stats := o.processLocation(ctx, locationID)
		summary.Locations = append(summary.Locations, stats)
		switch stats.Status {
		case StatusSuccess:
			summary.Successful++
			summary.TotalNewRecords += stats.NewRecords
		case StatusError:
			summary.Failed++
		}
	}

	summary.Elapsed = o.now().Sub(start)
	o.finishRun(ctx, &summary)

	slog.Info("run complete",
		"run_id", summary.RunID,
		"successful", summary.Successful,
		"failed", summary.Failed,
		"new_records", summary.TotalNewRecords,
		"elapsed", summary.Elapsed)
	return summary
}

// processLocation runs the fetch → merge → persist → state-update
// sequence for one location. The archive write always precedes the
// state update, so the cursor can never point past unpersisted data.
func (o *Orchestrator) processLocation(ctx context.Context, locationID int) LocationStats {
	start := o.now()
	stats := LocationStats{LocationID: locationID, Status: StatusSuccess}
	fail := func(err error) LocationStats {
		stats.Status = StatusError
		stats.Err = err.Error()
		stats.Elapsed = o.now().Sub(start)
		slog.Error("location failed", "location", locationID, "error", err)
		return stats
	}

	since := o.states.LastFetchTime(locationID)
	slog.Info("processing location", "location", locationID, "since", since)

	existing := o.archives.Load(locationID)

	incoming, err := o.fetcher.FetchSince(ctx, locationID, since, o.pageSize)
	if err != nil {
		// Only cancellation reaches here; transient remote errors
		// already degraded to partial results inside the fetcher.
		return fail(fmt.Errorf("fetch aborted: %w", err))
	}

	merged, added, duplicates := merge.Merge(existing, incoming)
	stats.NewRecords = added
	stats.DuplicatesRemoved = duplicates
	stats.TotalRecords = len(merged)

	if added > 0 {
		if err := o.archives.Save(locationID, merged); err != nil {
			return fail(fmt.Errorf("persist archive: %w", err))
		}
	}

	// Advance the cursor to the newest window end in the merged set.
	// Merged is a superset of the pre-run archive, so the cursor never
	// regresses below anything previously observed.
	if cursor := merge.MaxDatetimeTo(merged); cursor != "" {
		if err := o.states.RecordSuccess(locationID, cursor, added); err != nil {
			return fail(fmt.Errorf("persist state: %w", err))
		}
	}

	if o.validator != nil {
		report := o.validator.ValidateDataset(merged, o.sampleSize)
		score := report.QualityScore
		stats.QualityScore = &score
		slog.Info("validation complete",
			"location", locationID,
			"quality_score", score,
			"invalid_records", report.InvalidRecords)
		if len(merged) > 0 && score < o.qualityThreshold {
			o.alerts.Send(alert.NewEvent(
				alert.LevelWarning,
				fmt.Sprintf("Low Data Quality: Location %d", locationID),
				fmt.Sprintf("Data quality score: %.2f%%", score),
				map[string]any{
					"location_id":     locationID,
					"quality_score":   score,
					"invalid_records": report.InvalidRecords,
				},
			))
		}
	}

	stats.Elapsed = o.now().Sub(start)
	slog.Info("location complete",
		"location", locationID,
		"new_records", added,
		"duplicates", duplicates,
		"total_records", len(merged),
		"elapsed", stats.Elapsed)
	return stats
}

// finishRun feeds the summary into the failure tracker and the run
// history. Monitoring failures are logged, never escalated into run
// failures.
func (o *Orchestrator) finishRun(ctx context.Context, summary *Summary) {
	if o.tracker != nil {
		if summary.Failed > 0 {
			o.tracker.RecordFailure(map[string]any{
				"run_id":     summary.RunID,
				"failed":     summary.Failed,
				"successful": summary.Successful,
			})
		} else {
			o.tracker.RecordSuccess()
		}
	}

	if o.history == nil {
		return
	}
	// History is bookkeeping: record it even when the run was cut
	// short by cancellation.
	ctx = context.WithoutCancel(ctx)
	run := metrics.RunRecord{
		ID:         summary.RunID,
		StartedAt:  summary.StartTime,
		FinishedAt: summary.StartTime.Add(summary.Elapsed),
		Locations:  summary.TotalLocations,
		Successful: summary.Successful,
		Failed:     summary.Failed,
		NewRecords: summary.TotalNewRecords,
	}
	if score := averageQuality(summary.Locations); score != nil {
		run.QualityScore = score
	}
	if err := o.history.RecordRun(ctx, run); err != nil {
		slog.Warn("could not record run history", "run_id", summary.RunID, "error", err)
		return
	}
	for _, loc := range summary.Locations {
		if loc.Status != StatusError {
			continue
		}
		if err := o.history.RecordError(ctx, summary.RunID, loc.Err, map[string]any{"location_id": loc.LocationID}); err != nil {
			slog.Warn("could not record run error", "run_id", summary.RunID, "error", err)
		}
	}
}

// averageQuality averages the per-location scores, or nil when no
// location was validated.
func averageQuality(locations []LocationStats) *float64 {
	var sum float64
	var n int
	for _, loc := range locations {
		if loc.QualityScore != nil {
			sum += *loc.QualityScore
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}
