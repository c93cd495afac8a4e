// Package fetch retrieves measurements from the remote OpenAQ-style
// API with paginated requests and a two-tier retrieval strategy.
//
// Transient remote failures never surface as errors from FetchSince:
// whatever was retrieved before the failure is returned and the
// shortfall is logged. The merge layer downstream makes re-fetching
// overlapping windows harmless, so partial data is always preferable
// to no data.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"aqsync/internal/record"
)

const (
	// DefaultBaseURL is the production API endpoint.
	DefaultBaseURL = "https://api.openaq.org/v3"

	// DefaultPageSize is the records-per-page limit sent to the API.
	DefaultPageSize = 1000

	// DefaultPageDelay is the pause between consecutive page requests,
	// a rate-limit courtesy rather than a correctness requirement.
	DefaultPageDelay = 200 * time.Millisecond

	// defaultAPIKey is a development convenience only. Real
	// deployments configure a key or set OPENAQ_API_KEY.
	defaultAPIKey = "e0f9842b3c8da78aa32e1b2489176fe50eb4ebe98dbdf07dca6a10449b68b9ad"
)

// ResolveAPIKey applies the key fallback chain: explicit configuration,
// then the OPENAQ_API_KEY environment variable, then the built-in
// development default.
func ResolveAPIKey(configured string) string {
	if configured != "" {
		return configured
	}
	if key := os.Getenv("OPENAQ_API_KEY"); key != "" {
		return key
	}
	return defaultAPIKey
}

// Client fetches measurements for locations.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (tests point this at an
// httptest server).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithPageDelay sets the inter-request delay between pages. Zero
// disables pacing entirely.
func WithPageDelay(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// New creates a client. The apiKey is sent in the X-API-Key header on
// every request; pass the output of ResolveAPIKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(DefaultPageDelay), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// strategy is one way of retrieving a location's measurements. The
// returned error marks the strategy as failed; records accumulated
// before the failure are still usable.
type strategy struct {
	name  string
	fetch func(ctx context.Context, locationID int, since string, pageSize int) ([]record.Measurement, error)
}

// FetchSince retrieves all measurements for a location newer than
// since (RFC 3339 UTC; empty means full history). Strategies are tried
// in order: the bulk measurements endpoint first, then the per-sensor
// fallback. Results accumulate across strategies; overlap is the merge
// layer's problem.
//
// The only error FetchSince returns is context cancellation. Remote
// failures are logged and produce partial (possibly empty) results.
func (c *Client) FetchSince(ctx context.Context, locationID int, since string, pageSize int) ([]record.Measurement, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	strategies := []strategy{
		{name: "bulk", fetch: c.fetchBulk},
		{name: "per-sensor", fetch: c.fetchPerSensor},
	}

	var all []record.Measurement
	for _, s := range strategies {
		results, err := s.fetch(ctx, locationID, since, pageSize)
		all = append(all, results...)
		if ctx.Err() != nil {
			return all, ctx.Err()
		}
		if err != nil {
			slog.Warn("fetch strategy failed, trying next",
				"strategy", s.name, "location", locationID, "partial_records", len(results), "error", err)
			continue
		}
		if len(results) > 0 {
			slog.Debug("fetch strategy succeeded",
				"strategy", s.name, "location", locationID, "records", len(results))
			break
		}
		// Clean but empty result: let the next strategy have a look.
	}
	return all, nil
}

// fetchBulk pages through the measurements endpoint filtered by
// location id.
func (c *Client) fetchBulk(ctx context.Context, locationID int, since string, pageSize int) ([]record.Measurement, error) {
	endpoint := fmt.Sprintf("%s/measurements", c.baseURL)
	extra := url.Values{"location_id": {strconv.Itoa(locationID)}}
	return c.paginate(ctx, endpoint, extra, since, pageSize)
}

// fetchPerSensor resolves the location's sensor list, then pages
// through each sensor's measurements endpoint. A failing sensor aborts
// only its own pagination; completed pages and other sensors' results
// are retained. An unknown location or one without sensors yields an
// empty result and no error.
func (c *Client) fetchPerSensor(ctx context.Context, locationID int, since string, pageSize int) ([]record.Measurement, error) {
	loc, err := c.lookupLocation(ctx, locationID)
	if err != nil {
		return nil, fmt.Errorf("lookup location %d: %w", locationID, err)
	}
	if loc == nil {
		slog.Info("location not found", "location", locationID)
		return nil, nil
	}
	if len(loc.Sensors) == 0 {
		slog.Info("location has no sensors", "location", locationID)
		return nil, nil
	}
	slog.Debug("resolved sensors", "location", locationID, "sensors", len(loc.Sensors))

	var all []record.Measurement
	for _, s := range loc.Sensors {
		if s.ID == 0 {
			continue
		}
		endpoint := fmt.Sprintf("%s/sensors/%d/measurements", c.baseURL, s.ID)
		results, err := c.paginate(ctx, endpoint, nil, since, pageSize)
		all = append(all, results...)
		if err != nil {
			if ctx.Err() != nil {
				return all, ctx.Err()
			}
			slog.Warn("sensor pagination aborted, keeping partial results",
				"location", locationID, "sensor", s.ID, "parameter", s.Parameter.Name,
				"records_kept", len(results), "error", err)
		}
	}
	return all, nil
}

type apiLocation struct {
	ID      int         `json:"id"`
	Sensors []apiSensor `json:"sensors"`
}

type apiSensor struct {
	ID        int `json:"id"`
	Parameter struct {
		Name string `json:"name"`
	} `json:"parameter"`
}

// lookupLocation fetches the location resource. A nil location with a
// nil error means the API answered but knows no such location.
func (c *Client) lookupLocation(ctx context.Context, locationID int) (*apiLocation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var envelope struct {
		Results []apiLocation `json:"results"`
	}
	u := fmt.Sprintf("%s/locations/%d", c.baseURL, locationID)
	if err := c.getJSON(ctx, u, &envelope); err != nil {
		return nil, err
	}
	if len(envelope.Results) == 0 {
		return nil, nil
	}
	return &envelope.Results[0], nil
}

// paginate walks a measurements endpoint page by page until a short or
// empty page marks the end. A malformed page body counts as "no more
// pages", not as a failure; HTTP failures abort with whatever was
// accumulated plus the error.
func (c *Client) paginate(ctx context.Context, endpoint string, extra url.Values, since string, pageSize int) ([]record.Measurement, error) {
	var all []record.Measurement

	for page := 1; ; page++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return all, err
		}

		q := url.Values{
			"limit": {strconv.Itoa(pageSize)},
			"page":  {strconv.Itoa(page)},
		}
		for k, vs := range extra {
			q[k] = vs
		}
		if since != "" {
			q.Set("date_from", since)
		}

		var envelope struct {
			Results json.RawMessage `json:"results"`
		}
		if err := c.getJSON(ctx, endpoint+"?"+q.Encode(), &envelope); err != nil {
			return all, err
		}

		var results []record.Measurement
		if len(envelope.Results) == 0 {
			return all, nil
		}
		if err := json.Unmarshal(envelope.Results, &results); err != nil {
			slog.Debug("malformed results page, treating as end of data",
				"endpoint", endpoint, "page", page, "error", err)
			return all, nil
		}
		if len(results) == 0 {
			return all, nil
		}

		all = append(all, results...)
		if len(results) < pageSize {
			return all, nil
		}
	}
}

// getJSON performs one GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", u, err)
	}
	return nil
}
