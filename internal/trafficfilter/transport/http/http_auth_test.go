package httptransport_test

import (
	"net/http"
	"testing"

	httptransport "trafficfilter/internal/trafficfilter/transport/http"
)

func TestHTTP_AdminAuth_RejectsWithoutToken(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, blockRule())
	server := newTestServer(t, newTestTransport(t, engine, httptransport.HTTPTransportConfig{
		EnableAuth: true,
		AdminToken: "token",
	}))
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/admin/rules")
	if err != nil {
		t.Fatalf("failed to list rules: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", resp.StatusCode)
	}

	wrong, err := http.NewRequest(http.MethodGet, server.URL+"/v1/admin/status", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	wrong.Header.Set("Authorization", "Bearer other")
	wrongResp, err := http.DefaultClient.Do(wrong)
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}
	wrongResp.Body.Close()
	if wrongResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", wrongResp.StatusCode)
	}

	resolve := postJSON(t, server.URL+"/v1/filter/resolve", httptransport.HTTPResolveRequest{
		SourceIP: "203.0.113.9",
	})
	resolve.Body.Close()
	if resolve.StatusCode != http.StatusOK {
		t.Fatalf("expected unauthenticated decision path, got %d", resolve.StatusCode)
	}
}

func TestHTTP_AdminAuth_AllowsWithToken(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, blockRule())
	server := newTestServer(t, newTestTransport(t, engine, httptransport.HTTPTransportConfig{
		EnableAuth: true,
		AdminToken: "token",
	}))
	defer server.Close()

	request, err := http.NewRequest(http.MethodGet, server.URL+"/v1/admin/rules", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer token")
	resp, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to list rules: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 got %d", resp.StatusCode)
	}
}
