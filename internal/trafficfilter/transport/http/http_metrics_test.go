package httptransport_test

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	httptransport "trafficfilter/internal/trafficfilter/transport/http"
)

func TestHTTP_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, blockRule())
	server := newTestServer(t, newTestTransport(t, engine, httptransport.HTTPTransportConfig{
		Registry: prometheus.NewRegistry(),
	}))
	defer server.Close()

	resp := postJSON(t, server.URL+"/v1/filter/resolve", httptransport.HTTPResolveRequest{
		SourceIP: "203.0.113.9",
	})
	resp.Body.Close()

	metricsResp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("failed to get metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 got %d", metricsResp.StatusCode)
	}
	body, err := io.ReadAll(metricsResp.Body)
	if err != nil {
		t.Fatalf("failed to read metrics: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, `trafficfilter_http_requests_total{route="resolve",status="200"} 1`) {
		t.Fatalf("expected resolve request counter in metrics, got:\n%s", text)
	}
	if !strings.Contains(text, "trafficfilter_http_request_duration_seconds") {
		t.Fatalf("expected latency histogram in metrics, got:\n%s", text)
	}
}

func TestHTTP_Metrics_CountsErrorStatuses(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, blockRule())
	server := newTestServer(t, newTestTransport(t, engine, httptransport.HTTPTransportConfig{}))
	defer server.Close()

	resp, err := http.Post(server.URL+"/v1/filter/resolve", "application/json", strings.NewReader(`{"sourceIP":"bad"}`))
	if err != nil {
		t.Fatalf("failed to post: %v", err)
	}
	resp.Body.Close()

	metricsResp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("failed to get metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	body, err := io.ReadAll(metricsResp.Body)
	if err != nil {
		t.Fatalf("failed to read metrics: %v", err)
	}
	if !strings.Contains(string(body), `trafficfilter_http_requests_total{route="resolve",status="400"} 1`) {
		t.Fatalf("expected 400 counter in metrics, got:\n%s", string(body))
	}
}
