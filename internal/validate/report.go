package validate

import (
	"fmt"
	"strings"
	"time"
)

const reportRule = "============================================================"
const reportSubRule = "------------------------------------------------------------"

// RenderReport produces the human-readable validation report. The
// timestamp is passed in so callers (and golden tests) control it.
func RenderReport(report Report, now time.Time) string {
	var b strings.Builder

	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	line(reportRule)
	line("DATA VALIDATION REPORT")
	line(reportRule)
	line("Timestamp: %s", now.UTC().Format(time.RFC3339))
	line("")
	line("Total Records: %d", report.TotalRecords)
	line("Valid Records: %d", report.ValidRecords)
	line("Invalid Records: %d", report.InvalidRecords)
	line("Warnings: %d", report.Warnings)
	line("Quality Score: %.2f%%", report.QualityScore)
	line("")

	if report.Sampled {
		line("Note: Validated sample of %d records", report.SampleSize)
		line("")
	}

	if len(report.SampleErrors) > 0 {
		line("VALIDATION ERRORS:")
		line(reportSubRule)
		for _, re := range report.SampleErrors {
			line("Record %d:", re.Index)
			for _, msg := range re.Errors {
				line("  - %s", msg)
			}
		}
		if report.InvalidRecords > len(report.SampleErrors) {
			line("... and %d more invalid records", report.InvalidRecords-len(report.SampleErrors))
		}
		line("")
	}

	line(reportRule)
	return b.String()
}
