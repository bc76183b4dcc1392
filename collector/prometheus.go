package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const userAgent = "hostwatch/0.1"

// PrometheusSource - reads a single PromQL expression as one metric.

// PrometheusSource implements Source.
// It issues a standard Prometheus HTTP API query (`/api/v1/query`) and
// takes the first sample of the first series.
type PrometheusSource struct {
	Name      string       // metric path reported in readings
	BaseURL   string       // e.g. "http://localhost:9090"
	Query     string       // PromQL expression, e.g. "rate(node_network_receive_bytes_total[1m])"
	HTTP      *http.Client // injected for testability
	Log       *zap.Logger
	UserAgent string
}

// prometheusAPIResponse - minimal subset of the JSON returned by /api/v1/query.
type prometheusAPIResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		ResultType string             `json:"resultType"` // "vector" or "matrix"
		Result     []prometheusSeries `json:"result"`
	} `json:"data"`
}

// prometheusSeries - vector results carry Value, matrix results carry Values.
// Each point is [ <timestamp>, "<value>" ].
type prometheusSeries struct {
	Metric map[string]string `json:"metric"`
	Value  []interface{}     `json:"value"`
	Values [][]interface{}   `json:"values"`
}

// NewPrometheusSource returns a ready-to-use source. An empty name falls
// back to "prometheus.<query>".
func NewPrometheusSource(name, baseURL, query string, log *zap.Logger) *PrometheusSource {
	if name == "" {
		name = "prometheus." + query
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PrometheusSource{
		Name:      name,
		BaseURL:   baseURL,
		Query:     query,
		HTTP:      &http.Client{Timeout: 10 * time.Second},
		Log:       log,
		UserAgent: userAgent,
	}
}

func (p *PrometheusSource) Path() string { return p.Name }

// Sample implements the Source interface.
func (p *PrometheusSource) Sample(ctx context.Context) (float64, error) {
	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return 0, fmt.Errorf("invalid prometheus base url: %w", err)
	}
	u.Path = "/api/v1/query"
	q := u.Query()
	q.Set("query", p.Query)
	u.RawQuery = q.Encode()

	var apiResp prometheusAPIResponse
	if err := getJSON(ctx, p.HTTP, u.String(), p.UserAgent, &apiResp); err != nil {
		return 0, fmt.Errorf("prometheus: %w", err)
	}
	if apiResp.Status != "success" {
		return 0, fmt.Errorf("prometheus query not successful: %s %s", apiResp.Status, apiResp.Error)
	}
	if len(apiResp.Data.Result) == 0 {
		return 0, fmt.Errorf("prometheus query returned no results")
	}

	series := apiResp.Data.Result[0]
	point := series.Value
	if len(point) == 0 && len(series.Values) > 0 {
		point = series.Values[len(series.Values)-1]
	}
	if len(point) < 2 {
		return 0, fmt.Errorf("prometheus series has no samples")
	}
	// point[0] is the timestamp, point[1] the value as a string.
	valStr, ok := point[1].(string)
	if !ok {
		return 0, fmt.Errorf("unexpected value type in prometheus response")
	}
	val, err := strconv.ParseFloat(valStr, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse prometheus value %q: %w", valStr, err)
	}
	p.Log.Debug("prometheus sample", zap.String("query", p.Query), zap.Float64("value", val))
	return val, nil
}

// EndpointSource - reads one numeric field from a JSON endpoint.

// EndpointSource calls a REST endpoint that returns a flat JSON object, e.g.
//
//	{
//	  "latency_ms": 12.3,
//	  "error_rate": "0.02"
//	}
//
// and reports the top-level Field. Numeric strings are accepted.
type EndpointSource struct {
	Name      string
	URL       string
	Field     string
	HTTP      *http.Client
	UserAgent string
}

// NewEndpointSource creates a source for one field of a JSON endpoint.
func NewEndpointSource(name, endpoint, field string) *EndpointSource {
	return &EndpointSource{
		Name:      name,
		URL:       endpoint,
		Field:     field,
		HTTP:      &http.Client{Timeout: 10 * time.Second},
		UserAgent: userAgent,
	}
}

func (e *EndpointSource) Path() string { return e.Name }

// Sample fetches the JSON payload and extracts the configured field.
func (e *EndpointSource) Sample(ctx context.Context) (float64, error) {
	var raw map[string]interface{}
	if err := getJSON(ctx, e.HTTP, e.URL, e.UserAgent, &raw); err != nil {
		return 0, fmt.Errorf("endpoint %s: %w", e.Name, err)
	}
	v, ok := raw[e.Field]
	if !ok {
		return 0, fmt.Errorf("endpoint %s: field %q missing", e.Name, e.Field)
	}
	switch num := v.(type) {
	case float64:
		return num, nil
	case string:
		f, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("endpoint %s: field %q: %w", e.Name, e.Field, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("endpoint %s: field %q is not numeric", e.Name, e.Field)
	}
}

func getJSON(ctx context.Context, client *http.Client, rawURL, agent string, into interface{}) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if agent != "" {
		req.Header.Set("User-Agent", agent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("returned %d: %s", resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
