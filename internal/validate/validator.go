// Package validate scores measurement datasets for schema compliance,
// plausible value ranges, and timestamp sanity.
//
// Validation never fails a run: its output is a quality score that
// feeds alerting. Schema and timestamp problems invalidate a record;
// range problems are warnings only, since an implausible value is
// still an observation the station reported.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"aqsync/internal/record"
)

// maxTimestampAge is how far back a measurement may reach before it is
// considered invalid.
const maxTimestampAge = 5 * 365 * 24 * time.Hour

// Range is an inclusive [Min, Max] plausibility window for one
// parameter.
type Range struct {
	Min float64
	Max float64
}

// Rules configures the validator. All fields come from configuration;
// the zero value disables the corresponding check.
type Rules struct {
	// RequiredFields lists wire-level field names that must be present
	// on every record. Recognized names: locationId, parameter, value,
	// period, sensors.
	RequiredFields []string

	// ParameterRanges maps parameter names to plausibility windows.
	ParameterRanges map[string]Range
}

// Result is the validation outcome for a single record.
type Result struct {
	Index    int      `json:"index"`
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// RecordErrors pairs a record index with its hard errors, for report
// sampling.
type RecordErrors struct {
	Index  int      `json:"index"`
	Errors []string `json:"errors"`
}

// Report aggregates validation over a dataset. It is ephemeral:
// recomputed every pass, persisted at most as a report artifact.
type Report struct {
	TotalRecords   int            `json:"total_records"`
	ValidRecords   int            `json:"valid_records"`
	InvalidRecords int            `json:"invalid_records"`
	Warnings       int            `json:"warnings"`
	QualityScore   float64        `json:"quality_score"`
	SampleErrors   []RecordErrors `json:"validation_errors,omitempty"`
	SampleResults  []Result       `json:"sample_validation_results,omitempty"`
	Sampled        bool           `json:"sampled"`
	SampleSize     int            `json:"sample_size,omitempty"`
}

// Validator applies Rules to records and datasets.
type Validator struct {
	rules Rules
	now   func() time.Time
	rng   *rand.Rand
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the time source for timestamp checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithRand overrides the sampling source for deterministic tests.
func WithRand(rng *rand.Rand) Option {
	return func(v *Validator) { v.rng = rng }
}

// New creates a validator with the given rules.
func New(rules Rules, opts ...Option) *Validator {
	v := &Validator{
		rules: rules,
		now:   time.Now,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateRecord runs the three independent checks against one record.
func (v *Validator) ValidateRecord(m record.Measurement, index int) Result {
	result := Result{Index: index, Valid: true}

	if errs := v.checkSchema(m); len(errs) > 0 {
		result.Valid = false
		result.Errors = append(result.Errors, errs...)
	}
	result.Warnings = append(result.Warnings, v.checkRange(m)...)
	if errs := v.checkTimestamp(m); len(errs) > 0 {
		result.Valid = false
		result.Errors = append(result.Errors, errs...)
	}
	return result
}

// ValidateDataset validates records and aggregates a Report. When
// sampleSize is positive and smaller than the dataset, a uniform
// random sample without replacement is validated instead and the score
// is an estimate over that sample only.
func (v *Validator) ValidateDataset(records []record.Measurement, sampleSize int) Report {
	report := Report{TotalRecords: len(records)}
	if len(records) == 0 {
		return report
	}

	toValidate := records
	if sampleSize > 0 && sampleSize < len(records) {
		report.Sampled = true
		report.SampleSize = sampleSize
		toValidate = v.sample(records, sampleSize)
	}

	for i, m := range toValidate {
		result := v.ValidateRecord(m, i)

		if result.Valid {
			report.ValidRecords++
		} else {
			report.InvalidRecords++
			if len(report.SampleErrors) < 10 {
				report.SampleErrors = append(report.SampleErrors, RecordErrors{Index: i, Errors: result.Errors})
			}
		}
		report.Warnings += len(result.Warnings)
		if len(report.SampleResults) < 5 {
			report.SampleResults = append(report.SampleResults, result)
		}
	}

	validated := len(toValidate)
	report.QualityScore = float64(report.ValidRecords) / float64(validated) * 100
	return report
}

// ValidateFile loads an archive file and validates its records.
func (v *Validator) ValidateFile(path string, sampleSize int) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("read %s: %w", path, err)
	}
	var records []record.Measurement
	if err := json.Unmarshal(data, &records); err != nil {
		return Report{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return v.ValidateDataset(records, sampleSize), nil
}

// checkSchema enforces required-field presence and nested structure.
func (v *Validator) checkSchema(m record.Measurement) []string {
	var errs []string

	for _, field := range v.rules.RequiredFields {
		if !hasField(m, field) {
			errs = append(errs, fmt.Sprintf("Missing required field: %s", field))
		}
	}

	if m.Parameter != (record.Parameter{}) {
		if m.Parameter.ID == 0 || m.Parameter.Name == "" {
			errs = append(errs, "'parameter' must have 'id' and 'name' fields")
		}
	}
	if m.Period != (record.Period{}) {
		if m.Period.DatetimeFrom == (record.Timestamps{}) {
			errs = append(errs, "'period' must have 'datetimeFrom' field")
		}
	}
	return errs
}

// checkRange reports warnings for values outside the configured
// plausibility window. Records without a value, parameter, or window
// pass silently; those cases belong to schema validation.
func (v *Validator) checkRange(m record.Measurement) []string {
	if m.Value == nil || m.Parameter.Name == "" {
		return nil
	}
	window, ok := v.rules.ParameterRanges[m.Parameter.Name]
	if !ok {
		return nil
	}

	value := *m.Value
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return []string{fmt.Sprintf("Value is not numeric: %v", value)}
	}
	if value < window.Min || value > window.Max {
		return []string{fmt.Sprintf("%s value %v outside valid range [%v, %v]",
			m.Parameter.Name, value, window.Min, window.Max)}
	}
	return nil
}

// checkTimestamp rejects unparsable, future, and ancient timestamps.
func (v *Validator) checkTimestamp(m record.Measurement) []string {
	ts := m.Period.DatetimeFrom.UTC
	if ts == "" {
		return nil // schema validation's problem
	}

	dt, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return []string{fmt.Sprintf("Invalid timestamp format: %s", ts)}
	}

	now := v.now().UTC()
	if dt.After(now) {
		return []string{fmt.Sprintf("Timestamp is in the future: %s", ts)}
	}
	if now.Sub(dt) > maxTimestampAge {
		return []string{fmt.Sprintf("Timestamp is older than 5 years: %s", ts)}
	}
	return nil
}

// hasField maps wire-level field names onto presence of the typed
// fields. Unknown names count as present so a misconfigured rule list
// cannot invalidate every record.
func hasField(m record.Measurement, field string) bool {
	switch field {
	case "locationId":
		return m.LocationID != 0
	case "parameter":
		return m.Parameter != (record.Parameter{})
	case "value":
		return m.Value != nil
	case "period":
		return m.Period != (record.Period{})
	case "sensors":
		return len(m.Sensors) > 0
	default:
		return true
	}
}

// sample draws n records uniformly without replacement, preserving no
// particular order.
func (v *Validator) sample(records []record.Measurement, n int) []record.Measurement {
	idx := v.rng.Perm(len(records))[:n]
	out := make([]record.Measurement, n)
	for i, j := range idx {
		out[i] = records[j]
	}
	return out
}
