package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// measurementJSON builds a results-page entry with a distinct identity.
func measurementJSON(locationID, sensorID, hour int) map[string]any {
	return map[string]any{
		"locationId": locationID,
		"parameter":  map[string]any{"id": 2, "name": "pm25", "units": "µg/m³"},
		"value":      10.5,
		"period": map[string]any{
			"datetimeFrom": map[string]any{"utc": fmt.Sprintf("2026-01-10T%02d:00:00Z", hour)},
			"datetimeTo":   map[string]any{"utc": fmt.Sprintf("2026-01-10T%02d:00:00Z", hour+1)},
		},
		"sensors": []map[string]any{{"id": sensorID}},
	}
}

func writeResults(t *testing.T, w http.ResponseWriter, results any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"results": results}))
}

func newClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("test-key", WithBaseURL(srv.URL), WithPageDelay(0))
}

func TestFetchSince_BulkPagination(t *testing.T) {
	var pages []string
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/measurements", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		require.Equal(t, "3459", r.URL.Query().Get("location_id"))

		page := r.URL.Query().Get("page")
		pages = append(pages, page)
		switch page {
		case "1":
			// Full page: exactly pageSize records.
			writeResults(t, w, []map[string]any{
				measurementJSON(3459, 1, 8),
				measurementJSON(3459, 1, 9),
			})
		case "2":
			// Short page ends pagination.
			writeResults(t, w, []map[string]any{measurementJSON(3459, 1, 10)})
		default:
			t.Fatalf("unexpected page %s", page)
		}
	}))

	got, err := c.FetchSince(context.Background(), 3459, "", 2)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, []string{"1", "2"}, pages)
	assert.Equal(t, 3459, got[0].LocationID)
	assert.Equal(t, "pm25", got[0].Parameter.Name)
}

func TestFetchSince_NoDateFromOnFullHistory(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present := r.URL.Query()["date_from"]
		assert.False(t, present, "full-history fetch must not send date_from")
		writeResults(t, w, []map[string]any{measurementJSON(3459, 1, 8)})
	}))

	_, err := c.FetchSince(context.Background(), 3459, "", 100)
	require.NoError(t, err)
}

func TestFetchSince_DateFromForwarded(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-01-09T00:00:00Z", r.URL.Query().Get("date_from"))
		writeResults(t, w, []map[string]any{measurementJSON(3459, 1, 8)})
	}))

	_, err := c.FetchSince(context.Background(), 3459, "2026-01-09T00:00:00Z", 100)
	require.NoError(t, err)
}

func TestFetchSince_FallsBackToPerSensor(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/measurements":
			http.Error(w, "nope", http.StatusInternalServerError)
		case "/locations/3459":
			writeResults(t, w, []map[string]any{{
				"id": 3459,
				"sensors": []map[string]any{
					{"id": 11, "parameter": map[string]any{"name": "pm25"}},
				},
			}})
		case "/sensors/11/measurements":
			writeResults(t, w, []map[string]any{measurementJSON(3459, 11, 8)})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	got, err := c.FetchSince(context.Background(), 3459, "", 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 11, got[0].SensorID())
}

func TestFetchSince_PartialSensorFailureKeepsEarlierResults(t *testing.T) {
	sensor22Pages := 0
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/measurements":
			http.Error(w, "bulk unavailable", http.StatusBadGateway)
		case "/locations/3459":
			writeResults(t, w, []map[string]any{{
				"id": 3459,
				"sensors": []map[string]any{
					{"id": 11, "parameter": map[string]any{"name": "pm25"}},
					{"id": 22, "parameter": map[string]any{"name": "o3"}},
					{"id": 33, "parameter": map[string]any{"name": "no2"}},
				},
			}})
		case "/sensors/11/measurements":
			writeResults(t, w, []map[string]any{measurementJSON(3459, 11, 8)})
		case "/sensors/22/measurements":
			// First page succeeds (full page), second page blows up.
			sensor22Pages++
			if sensor22Pages == 1 {
				writeResults(t, w, []map[string]any{
					measurementJSON(3459, 22, 8),
					measurementJSON(3459, 22, 9),
				})
				return
			}
			http.Error(w, "mid-pagination failure", http.StatusInternalServerError)
		case "/sensors/33/measurements":
			writeResults(t, w, []map[string]any{measurementJSON(3459, 33, 8)})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	got, err := c.FetchSince(context.Background(), 3459, "", 2)
	require.NoError(t, err, "partial failure is not a fetch error")

	// Sensor 11's record, both of sensor 22's completed first page, and
	// sensor 33's record all survive.
	assert.Len(t, got, 4)
	var bySensor = map[int]int{}
	for _, m := range got {
		bySensor[m.SensorID()]++
	}
	assert.Equal(t, map[int]int{11: 1, 22: 2, 33: 1}, bySensor)
}

func TestFetchSince_UnknownLocationIsEmpty(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/measurements":
			writeResults(t, w, []map[string]any{})
		case "/locations/404404":
			writeResults(t, w, []map[string]any{})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	got, err := c.FetchSince(context.Background(), 404404, "", 100)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchSince_LocationWithoutSensorsIsEmpty(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/measurements":
			writeResults(t, w, []map[string]any{})
		case "/locations/3459":
			writeResults(t, w, []map[string]any{{"id": 3459, "sensors": []map[string]any{}}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	got, err := c.FetchSince(context.Background(), 3459, "", 100)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchSince_MalformedResultsEndsPagination(t *testing.T) {
	calls := 0
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/measurements":
			calls++
			// results is an object, not a list.
			writeResults(t, w, map[string]any{"oops": true})
		case "/locations/3459":
			writeResults(t, w, []map[string]any{})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	got, err := c.FetchSince(context.Background(), 3459, "", 100)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, calls, "malformed page must not be retried")
}

func TestFetchSince_ContextCancellation(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeResults(t, w, []map[string]any{measurementJSON(3459, 1, 8)})
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchSince(ctx, 3459, "", 100)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("OPENAQ_API_KEY", "")
	assert.Equal(t, "configured", ResolveAPIKey("configured"))
	assert.Equal(t, defaultAPIKey, ResolveAPIKey(""), "built-in development fallback")

	t.Setenv("OPENAQ_API_KEY", "from-env")
	assert.Equal(t, "from-env", ResolveAPIKey(""))
	assert.Equal(t, "configured", ResolveAPIKey("configured"), "config wins over env")
}
