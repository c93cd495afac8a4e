package validate

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aqsync/internal/record"
)

var testNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func testRules() Rules {
	return Rules{
		RequiredFields: []string{"locationId", "parameter", "value", "period"},
		ParameterRanges: map[string]Range{
			"pm25": {Min: 0, Max: 500},
			"o3":   {Min: 0, Max: 0.3},
		},
	}
}

func newTestValidator() *Validator {
	return New(testRules(), WithClock(func() time.Time { return testNow }))
}

func goodRecord(value float64) record.Measurement {
	return record.Measurement{
		LocationID: 3459,
		Parameter:  record.Parameter{ID: 2, Name: "pm25", Units: "µg/m³"},
		Value:      &value,
		Period: record.Period{
			DatetimeFrom: record.Timestamps{UTC: "2026-01-10T08:00:00Z"},
			DatetimeTo:   record.Timestamps{UTC: "2026-01-10T09:00:00Z"},
		},
		Sensors: []record.SensorRef{{ID: 4272}},
	}
}

func TestValidateRecord_Clean(t *testing.T) {
	v := newTestValidator()
	result := v.ValidateRecord(goodRecord(12.5), 0)

	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidateRecord_MissingPeriodIsError(t *testing.T) {
	v := newTestValidator()
	m := goodRecord(12.5)
	m.Period = record.Period{}

	result := v.ValidateRecord(m, 0)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "Missing required field: period")
}

func TestValidateRecord_OutOfRangeIsWarningOnly(t *testing.T) {
	v := newTestValidator()
	result := v.ValidateRecord(goodRecord(9999), 0)

	assert.True(t, result.Valid, "range breaches must not invalidate")
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "outside valid range")
}

func TestValidateRecord_NaNValueIsWarning(t *testing.T) {
	v := newTestValidator()
	result := v.ValidateRecord(goodRecord(math.NaN()), 0)

	assert.True(t, result.Valid)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "not numeric")
}

func TestValidateRecord_UnknownParameterHasNoRangeCheck(t *testing.T) {
	v := newTestValidator()
	m := goodRecord(123456)
	m.Parameter.Name = "radon"

	result := v.ValidateRecord(m, 0)
	assert.Empty(t, result.Warnings)
}

func TestValidateRecord_TimestampErrors(t *testing.T) {
	tests := []struct {
		name string
		utc  string
		want string
	}{
		{"unparsable", "not-a-time", "Invalid timestamp format"},
		{"future", "2026-06-01T00:00:00Z", "Timestamp is in the future"},
		{"ancient", "2019-01-01T00:00:00Z", "older than 5 years"},
	}

	v := newTestValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := goodRecord(10)
			m.Period.DatetimeFrom.UTC = tt.utc

			result := v.ValidateRecord(m, 0)
			assert.False(t, result.Valid)
			require.NotEmpty(t, result.Errors)
			assert.Contains(t, result.Errors[0], tt.want)
		})
	}
}

func TestValidateRecord_ParameterNeedsIDAndName(t *testing.T) {
	v := newTestValidator()
	m := goodRecord(10)
	m.Parameter = record.Parameter{Units: "ppm"} // present but incomplete

	result := v.ValidateRecord(m, 0)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "'parameter' must have 'id' and 'name' fields")
}

// 10 records, one missing period (schema error), one out-of-range
// pm25 value (warning only): warnings do not cost score points.
func TestValidateDataset_ScenarioScore90(t *testing.T) {
	v := newTestValidator()

	records := make([]record.Measurement, 0, 10)
	for i := 0; i < 8; i++ {
		records = append(records, goodRecord(float64(10+i)))
	}
	missingPeriod := goodRecord(10)
	missingPeriod.Period = record.Period{}
	records = append(records, missingPeriod)
	records = append(records, goodRecord(9999))

	report := v.ValidateDataset(records, 0)

	assert.Equal(t, 10, report.TotalRecords)
	assert.Equal(t, 1, report.InvalidRecords)
	assert.Equal(t, 9, report.ValidRecords)
	assert.GreaterOrEqual(t, report.Warnings, 1)
	assert.InDelta(t, 90.0, report.QualityScore, 0.001)
}

func TestValidateDataset_EmptyScoresZero(t *testing.T) {
	v := newTestValidator()
	report := v.ValidateDataset(nil, 0)

	assert.Zero(t, report.TotalRecords)
	assert.Equal(t, 0.0, report.QualityScore)
	assert.False(t, report.Sampled)
}

func TestValidateDataset_ScoreBounds(t *testing.T) {
	v := newTestValidator()

	allGood := []record.Measurement{goodRecord(1), goodRecord(2)}
	report := v.ValidateDataset(allGood, 0)
	assert.Equal(t, 100.0, report.QualityScore, "score is 100 iff no invalid records")
	assert.Zero(t, report.InvalidRecords)

	bad := goodRecord(1)
	bad.Period = record.Period{}
	report = v.ValidateDataset([]record.Measurement{bad}, 0)
	assert.Equal(t, 0.0, report.QualityScore)
	assert.Less(t, report.QualityScore, 100.0)

	mixed := v.ValidateDataset([]record.Measurement{goodRecord(1), bad}, 0)
	assert.GreaterOrEqual(t, mixed.QualityScore, 0.0)
	assert.LessOrEqual(t, mixed.QualityScore, 100.0)
}

func TestValidateDataset_Sampling(t *testing.T) {
	v := New(testRules(),
		WithClock(func() time.Time { return testNow }),
		WithRand(rand.New(rand.NewSource(1))))

	records := make([]record.Measurement, 100)
	for i := range records {
		records[i] = goodRecord(float64(i % 50))
	}

	report := v.ValidateDataset(records, 10)

	assert.True(t, report.Sampled)
	assert.Equal(t, 10, report.SampleSize)
	assert.Equal(t, 100, report.TotalRecords)
	assert.Equal(t, 10, report.ValidRecords+report.InvalidRecords, "only the sample is validated")
	assert.Equal(t, 100.0, report.QualityScore, "estimate over the sample")
}

func TestValidateDataset_SampleLargerThanDatasetValidatesAll(t *testing.T) {
	v := newTestValidator()
	records := []record.Measurement{goodRecord(1), goodRecord(2)}

	report := v.ValidateDataset(records, 10)
	assert.False(t, report.Sampled)
	assert.Equal(t, 2, report.ValidRecords)
}

func TestValidateFile(t *testing.T) {
	v := newTestValidator()
	path := filepath.Join(t.TempDir(), "location_3459.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"locationId":3459,"parameter":{"id":2,"name":"pm25"},"value":12.5,
		 "period":{"datetimeFrom":{"utc":"2026-01-10T08:00:00Z"},"datetimeTo":{"utc":"2026-01-10T09:00:00Z"}},
		 "sensors":[{"id":4272}]}
	]`), 0o644))

	report, err := v.ValidateFile(path, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalRecords)
	assert.Equal(t, 100.0, report.QualityScore)
}

func TestValidateFile_Errors(t *testing.T) {
	v := newTestValidator()

	_, err := v.ValidateFile(filepath.Join(t.TempDir(), "missing.json"), 0)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not":"a list"}`), 0o644))
	_, err = v.ValidateFile(path, 0)
	assert.Error(t, err)
}
