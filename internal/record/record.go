// Package record defines the measurement data model and the canonical
// record identity used for deduplication across overlapping fetches.
package record

// Measurement is one sensor reading as returned by the remote API.
//
// A Measurement is immutable once fetched: the archive owns it after
// merge and no component mutates it afterwards. Optional wire fields
// are modeled explicitly (pointer value, omitted slices) rather than
// as a dynamic map.
type Measurement struct {
	LocationID int         `json:"locationId"`
	Parameter  Parameter   `json:"parameter"`
	Value      *float64    `json:"value,omitempty"`
	Period     Period      `json:"period"`
	Sensors    []SensorRef `json:"sensors,omitempty"`
}

// Parameter identifies what the measurement observed (pm25, o3, ...).
type Parameter struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Units string `json:"units,omitempty"`
}

// Period is the time window a measurement covers.
type Period struct {
	DatetimeFrom Timestamps `json:"datetimeFrom"`
	DatetimeTo   Timestamps `json:"datetimeTo"`
}

// Timestamps carries both the UTC and station-local rendering of an
// instant. UTC is the authoritative value; Local is informational.
type Timestamps struct {
	UTC   string `json:"utc"`
	Local string `json:"local,omitempty"`
}

// SensorRef points at the instrument that produced a measurement.
type SensorRef struct {
	ID int `json:"id"`
}

// SensorID returns the id of the first listed sensor, or 0 when the
// record carries no sensor reference.
func (m Measurement) SensorID() int {
	if len(m.Sensors) == 0 {
		return 0
	}
	return m.Sensors[0].ID
}
