package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query", r.URL.Path)
		assert.Equal(t, "up", r.URL.Query().Get("query"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPrometheusSourceVector(t *testing.T) {
	srv := promServer(t, http.StatusOK,
		`{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1700000000.1,"1.5"]}]}}`)

	p := NewPrometheusSource("", srv.URL, "up", nil)
	assert.Equal(t, "prometheus.up", p.Path())

	v, err := p.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)
}

func TestPrometheusSourceMatrixTakesLatestPoint(t *testing.T) {
	srv := promServer(t, http.StatusOK,
		`{"status":"success","data":{"resultType":"matrix","result":[{"metric":{},"values":[[1,"1"],[2,"7"]]}]}}`)

	v, err := NewPrometheusSource("up", srv.URL, "up", nil).Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7.0, v)
}

func TestPrometheusSourceErrors(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
		want   string
	}{
		"http status": {http.StatusBadGateway, "upstream down", "returned 502"},
		"no results":  {http.StatusOK, `{"status":"success","data":{"resultType":"vector","result":[]}}`, "no results"},
		"query error": {http.StatusOK, `{"status":"error","error":"parse error"}`, "parse error"},
		"bad value":   {http.StatusOK, `{"status":"success","data":{"result":[{"value":[1,"abc"]}]}}`, "cannot parse"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := promServer(t, tc.status, tc.body)
			_, err := NewPrometheusSource("up", srv.URL, "up", nil).Sample(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestEndpointSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"latency_ms": 12.5, "error_rate": "0.02", "labels": {"a": 1}}`))
	}))
	defer srv.Close()

	v, err := NewEndpointSource("model.latency_ms", srv.URL, "latency_ms").Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	v, err = NewEndpointSource("model.error_rate", srv.URL, "error_rate").Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.02, v)

	_, err = NewEndpointSource("model.labels", srv.URL, "labels").Sample(context.Background())
	assert.ErrorContains(t, err, "not numeric")

	_, err = NewEndpointSource("model.missing", srv.URL, "missing").Sample(context.Background())
	assert.ErrorContains(t, err, "missing")
}
