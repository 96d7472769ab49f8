// Package httptransport provides HTTP handlers.
package httptransport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trafficfilter/internal/trafficfilter/core"
)

const defaultMaxBodyBytes = 1 << 20

type httpErrorResponse struct {
	Error string `json:"error"`
}

func (t *HTTPTransport) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/filter/resolve", t.instrument("resolve", t.handleResolve))
	mux.HandleFunc("/v1/filter/resolve/batch", t.instrument("resolveBatch", t.handleResolveBatch))
	mux.HandleFunc("/v1/admin/rules", t.instrument("adminRules", t.handleRules))
	mux.HandleFunc("/v1/admin/rules/", t.instrument("adminRule", t.handleRuleByID))
	mux.HandleFunc("/v1/admin/reload", t.instrument("adminReload", t.handleReload))
	mux.HandleFunc("/v1/admin/status", t.instrument("adminStatus", t.handleStatus))
	mux.HandleFunc("/v1/admin/mode", t.instrument("adminMode", t.handleMode))
	mux.HandleFunc("/healthz", t.handleHealth)
	mux.HandleFunc("/readyz", t.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
}

func (t *HTTPTransport) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.inflight.Begin() {
		t.writeError(w, r, http.StatusServiceUnavailable, core.Wrap(core.CodeUnavailable, "shutting down", nil))
		return
	}
	defer t.inflight.End()
	var httpReq HTTPResolveRequest
	if err := t.decodeJSON(w, r, &httpReq); err != nil {
		t.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	ev, err := toTrafficEvent(httpReq)
	if err != nil {
		t.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if t.enricher != nil {
		t.enricher.Enrich(&ev)
	}
	decision := t.filter.Resolve(r.Context(), &ev)
	resp := t.responses.Get()
	resp.Action = string(decision.Action)
	resp.RuleID = decision.RuleID
	writeJSON(w, http.StatusOK, resp)
	t.responses.Put(resp)
}

func (t *HTTPTransport) handleResolveBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.inflight.Begin() {
		t.writeError(w, r, http.StatusServiceUnavailable, core.Wrap(core.CodeUnavailable, "shutting down", nil))
		return
	}
	defer t.inflight.End()
	var httpReqs []HTTPResolveRequest
	if err := t.decodeJSON(w, r, &httpReqs); err != nil {
		t.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if len(httpReqs) == 0 {
		t.writeError(w, r, http.StatusBadRequest, core.Wrap(core.CodeInvalidInput, "empty batch", nil))
		return
	}
	if t.maxBatchEvents > 0 && len(httpReqs) > t.maxBatchEvents {
		t.writeError(w, r, http.StatusBadRequest, core.Wrap(core.CodeInvalidInput,
			fmt.Sprintf("batch of %d exceeds limit %d", len(httpReqs), t.maxBatchEvents), nil))
		return
	}
	events := make([]core.TrafficEvent, len(httpReqs))
	for i, req := range httpReqs {
		ev, err := toTrafficEvent(req)
		if err != nil {
			t.writeError(w, r, http.StatusBadRequest, core.Wrap(core.CodeInvalidInput,
				fmt.Sprintf("event %d: %s", i, err.Error()), err))
			return
		}
		events[i] = ev
	}
	result := make([]HTTPResolveResponse, len(events))
	for i := range events {
		if t.enricher != nil {
			t.enricher.Enrich(&events[i])
		}
		decision := t.filter.Resolve(r.Context(), &events[i])
		result[i] = HTTPResolveResponse{Action: string(decision.Action), RuleID: decision.RuleID}
	}
	writeJSON(w, http.StatusOK, result)
}

func (t *HTTPTransport) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.authorizeAdmin(w, r) {
		return
	}
	rules := t.admin.Rules()
	counts := t.admin.MatchCounts()
	resp := make([]HTTPRuleResponse, len(rules))
	for i, rule := range rules {
		resp[i] = fromFilterRule(rule, counts[rule.ID])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (t *HTTPTransport) handleRuleByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.authorizeAdmin(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/admin/rules/")
	if id == "" || strings.Contains(id, "/") {
		t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
		return
	}
	rule, ok := t.admin.Rule(id)
	if !ok {
		t.writeAdminError(w, r, core.Wrap(core.CodeRuleNotFound, "rule "+id+" not found", nil))
		return
	}
	writeJSON(w, http.StatusOK, fromFilterRule(rule, t.admin.MatchCount(id)))
}

func (t *HTTPTransport) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.authorizeAdmin(w, r) {
		return
	}
	if t.reload == nil {
		t.writeError(w, r, http.StatusServiceUnavailable, core.Wrap(core.CodeUnavailable, "no reloadable rule source", nil))
		return
	}
	if err := t.reload.Load(); err != nil {
		t.writeAdminError(w, r, err)
		return
	}
	status := t.admin.Status()
	writeJSON(w, http.StatusOK, HTTPReloadResponse{
		SnapshotVersion: status.SnapshotVersion,
		Rules:           status.Rules,
		Enabled:         status.Enabled,
	})
}

func (t *HTTPTransport) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.authorizeAdmin(w, r) {
		return
	}
	resp := fromEngineStatus(t.admin.Status())
	if t.telemetry != nil {
		stats := t.telemetry()
		resp.Telemetry = &HTTPTelemetryStats{
			Delivered: stats.Delivered,
			Dropped:   stats.Dropped,
			Queued:    stats.Queued,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (t *HTTPTransport) handleMode(w http.ResponseWriter, r *http.Request) {
	if !t.authorizeAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, HTTPModeResponse{Mode: t.admin.Mode().String()})
	case http.MethodPut:
		var httpReq HTTPModeRequest
		if err := t.decodeJSON(w, r, &httpReq); err != nil {
			t.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		mode, err := core.ParseMode(httpReq.Mode)
		if err != nil {
			t.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		t.admin.SetMode(mode)
		writeJSON(w, http.StatusOK, HTTPModeResponse{Mode: mode.String()})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (t *HTTPTransport) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.appReady != nil && t.appReady() && !t.inflight.Draining() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (t *HTTPTransport) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return core.ErrInvalidInput
	}
	maxBytes := t.maxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return core.ErrInvalidInput
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return core.ErrInvalidInput
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (t *HTTPTransport) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if t != nil {
		t.logRequestError(r, status, err)
	}
	writeJSON(w, status, httpErrorResponse{Error: err.Error()})
}

func (t *HTTPTransport) writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForCode(core.CodeOf(err))
	t.writeError(w, r, status, err)
}

func statusForCode(code core.ErrorCode) int {
	switch code {
	case core.CodeInvalidInput, core.CodeInvalidRule:
		return http.StatusBadRequest
	case core.CodeRuleNotFound, core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeUnauthorized:
		return http.StatusUnauthorized
	case core.CodeForbidden:
		return http.StatusForbidden
	case core.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (t *HTTPTransport) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if t == nil || !t.enableAuth {
		return true
	}
	expected := "Bearer " + t.adminToken
	if r.Header.Get("Authorization") != expected {
		t.writeError(w, r, http.StatusUnauthorized, core.Wrap(core.CodeUnauthorized, "unauthorized", nil))
		return false
	}
	return true
}

func (t *HTTPTransport) logRequestError(r *http.Request, status int, err error) {
	if t == nil || t.logger == nil || r == nil || err == nil {
		return
	}
	fields := map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
		"error":  err.Error(),
	}
	if status >= http.StatusInternalServerError {
		t.logger.Error("http request error", fields)
		return
	}
	t.logger.Info("http request error", fields)
}
