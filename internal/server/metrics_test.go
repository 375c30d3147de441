package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newMetricsTestServer builds a Server backed by a fresh isolated registry so
// tests do not pollute prometheus.DefaultRegisterer.
func newMetricsTestServer(t *testing.T) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	s := newTestServer()
	s.metrics = newServerMetrics(reg)
	return s, reg
}

// counterValue extracts the value of a labeled counter from gathered metrics.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) (float64, bool) {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue(), true
				}
			}
		}
	}
	return 0, false
}

func Test_Metrics_EndpointReturns200(t *testing.T) {
	t.Parallel()
	_, reg := newMetricsTestServer(t)

	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	t.Cleanup(srv.Close)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/metrics", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("want 200, got %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("want text/plain content-type, got %q", ct)
	}
}

func Test_Metrics_AskCounterIncremented(t *testing.T) {
	t.Parallel()
	s, reg := newMetricsTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/ask", askBody("s", "q"))
	s.handleAsk(httptest.NewRecorder(), req)

	v, found := counterValue(t, reg, "studiora_ask_requests_total", "outcome", "ok")
	if !found {
		t.Fatal("studiora_ask_requests_total{outcome=\"ok\"} not found in gathered metrics")
	}
	if v != 1 {
		t.Errorf("want counter=1, got %v", v)
	}
}

func Test_Metrics_IngestDispositions(t *testing.T) {
	t.Parallel()
	s, reg := newMetricsTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/ingest", ingestBody("s", "n.md", "text"))
	s.handleIngest(httptest.NewRecorder(), req)

	v, found := counterValue(t, reg, "studiora_ingest_jobs_total", "disposition", "accepted")
	if !found {
		t.Fatal("studiora_ingest_jobs_total{disposition=\"accepted\"} not found in gathered metrics")
	}
	if v != 1 {
		t.Errorf("want counter=1, got %v", v)
	}
}

func Test_Metrics_ActiveStreamsGauge(t *testing.T) {
	t.Parallel()
	s, reg := newMetricsTestServer(t)

	s.metrics.askActiveStreams.Inc()
	s.metrics.askActiveStreams.Inc()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	for _, mf := range mfs {
		if mf.GetName() == "studiora_ask_active_streams" {
			v := mf.GetMetric()[0].GetGauge().GetValue()
			if v != 2 {
				t.Errorf("want active_streams=2, got %v", v)
			}
			return
		}
	}
	t.Error("studiora_ask_active_streams not found in gathered metrics")
}

func Test_Metrics_HTTPMiddlewareRecords(t *testing.T) {
	t.Parallel()
	s, reg := newMetricsTestServer(t)

	h := s.httpMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	v, found := counterValue(t, reg, "studiora_http_requests_total", "code", "202")
	if !found {
		t.Fatal("studiora_http_requests_total{code=\"202\"} not found in gathered metrics")
	}
	if v != 1 {
		t.Errorf("want counter=1, got %v", v)
	}
}

func Test_HandlerLabel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want string
	}{
		{"/api/ask", "ask"},
		{"/api/ingest", "ingest"},
		{"/api/jobs/abc123", "jobs"},
		{"/api/exchanges", "exchanges"},
		{"/api/exchanges/42", "exchanges"},
		{"/api/health", "health"},
		{"/api/ready", "ready"},
		{"/metrics", "metrics"},
		{"/favicon.ico", "other"},
	}

	for _, tc := range cases {
		if got := handlerLabel(tc.path); got != tc.want {
			t.Errorf("%s: want %q, got %q", tc.path, tc.want, got)
		}
	}
}
