package record

import (
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Key computes the canonical dedup identity of a measurement.
//
// Two records with the same (locationId, parameterId, sensorId,
// datetimeFrom.utc, datetimeTo.utc) are the same observation, whatever
// their other fields say. Value corrections do not change identity.
//
// Key is total: missing components become empty strings, never errors.
// The result is stable across process runs; timestamps are NFC
// normalized so byte-different but canonically equal strings collide.
func Key(m Measurement) string {
	parts := []string{
		intComponent(m.LocationID),
		intComponent(m.Parameter.ID),
		intComponent(m.SensorID()),
		m.Period.DatetimeFrom.UTC,
		m.Period.DatetimeTo.UTC,
	}
	return norm.NFC.String(strings.Join(parts, "_"))
}

// intComponent renders an id for use in a key, with the zero value
// treated as absent.
func intComponent(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}
