package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/transformaps/vera/internal/api"
	"github.com/transformaps/vera/internal/store"
	"github.com/transformaps/vera/internal/vera"
)

func setupTestServer(t *testing.T) http.Handler {
	t.Helper()
	s, err := store.NewSQLite(":memory:", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	svc := vera.New(s, vera.Options{}, zap.NewNop())
	if err := svc.Seed(ctx,
		[]vera.ParameterDef{{Name: "Temperature", IsNumeric: true, Units: "C"}, {Name: "Notes"}},
		[]vera.StatusDef{{Slug: "valid", Name: "Valid", IsValid: true}},
	); err != nil {
		t.Fatal(err)
	}
	return api.NewServer(svc, "8080", zap.NewNop()).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func valueByType(results []api.ResultJSON) map[string]any {
	m := make(map[string]any, len(results))
	for _, r := range results {
		m[r.TypeID] = r.Value
	}
	return m
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	h := setupTestServer(t)

	w := do(t, h, "GET", "/health", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status"`) {
		t.Error("expected status field in JSON response")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	h := setupTestServer(t)

	do(t, h, "GET", "/health", "")
	w := do(t, h, "GET", "/metrics", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "vera_http_requests_total") {
		t.Error("expected vera_http_requests_total in metrics output")
	}
}

func TestPostReport(t *testing.T) {
	t.Parallel()
	h := setupTestServer(t)

	w := do(t, h, "POST", "/reports", `{
		"event": {"site": {"latitude": 45, "longitude": -95.5}, "date": "2014-01-03"},
		"results": [
			{"type_id": "temperature", "value": 6},
			{"type_id": "notes", "value": "Test Observation"}
		]
	}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	receipt := decode[api.ReceiptJSON](t, w)
	if receipt.EventLabel != "45.0, -95.5 on 2014-01-03" {
		t.Errorf("event_label = %q, want %q", receipt.EventLabel, "45.0, -95.5 on 2014-01-03")
	}
	if len(receipt.Results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(receipt.Results))
	}
	values := valueByType(receipt.Results)
	if values["temperature"] != 6.0 {
		t.Errorf("temperature = %v, want 6", values["temperature"])
	}
	if values["notes"] != "Test Observation" {
		t.Errorf("notes = %v, want Test Observation", values["notes"])
	}
}

func TestPostMerge(t *testing.T) {
	t.Parallel()
	h := setupTestServer(t)

	// First report is pending: the event exists but has no results.
	w := do(t, h, "POST", "/reports", `{
		"event": {"site": {"latitude": 45, "longitude": -95.5}, "date": "2014-01-04"},
		"results": [
			{"type_id": "temperature", "value": 6},
			{"type_id": "notes", "value": "Test Observation 2"}
		]
	}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("first post status = %d: %s", w.Code, w.Body.String())
	}
	first := decode[api.ReceiptJSON](t, w)

	event := decode[api.EventJSON](t, do(t, h, "GET", fmt.Sprintf("/events/%d", first.EventID), ""))
	if len(event.Results) != 0 {
		t.Fatalf("results after pending report = %v, want none", event.Results)
	}

	// Second report is valid: one result.
	w = do(t, h, "POST", "/reports", `{
		"event": {"site": {"latitude": 45, "longitude": -95.5}, "date": "2014-01-04"},
		"results": [{"type_id": "temperature", "value": 7}],
		"status": {"slug": "valid"}
	}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("second post status = %d: %s", w.Code, w.Body.String())
	}
	second := decode[api.ReceiptJSON](t, w)
	if second.EventID != first.EventID {
		t.Fatalf("event_id = %d, want %d", second.EventID, first.EventID)
	}
	event = decode[api.EventJSON](t, do(t, h, "GET", fmt.Sprintf("/events/%d", first.EventID), ""))
	if len(event.Results) != 1 {
		t.Fatalf("results after valid report = %v, want 1", event.Results)
	}

	// Validating the first report adds its notes; the newer temperature stays.
	w = do(t, h, "PATCH", fmt.Sprintf("/reports/%d", first.ID), `{"status": {"slug": "valid"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", w.Code, w.Body.String())
	}
	report := decode[api.ReportJSON](t, w)
	if !report.Status.IsValid {
		t.Errorf("patched report status = %+v, want valid", report.Status)
	}

	event = decode[api.EventJSON](t, do(t, h, "GET", fmt.Sprintf("/events/%d", first.EventID), ""))
	if len(event.Results) != 2 {
		t.Fatalf("results after validation = %v, want 2", event.Results)
	}
	values := valueByType(event.Results)
	if values["temperature"] != 7.0 {
		t.Errorf("temperature = %v, want 7", values["temperature"])
	}
	if values["notes"] != "Test Observation 2" {
		t.Errorf("notes = %v, want Test Observation 2", values["notes"])
	}
	if !event.IsValid {
		t.Error("is_valid = false, want true")
	}
}

func TestPostReport_Errors(t *testing.T) {
	t.Parallel()
	h := setupTestServer(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantKind string
	}{
		{
			name:     "unknown parameter",
			body:     `{"event":{"site":{"latitude":45,"longitude":-95.5},"date":"2014-01-03"},"results":[{"type_id":"salinity","value":1}]}`,
			wantCode: http.StatusBadRequest,
			wantKind: "unknown_parameter",
		},
		{
			name:     "non numeric temperature",
			body:     `{"event":{"site":{"latitude":45,"longitude":-95.5},"date":"2014-01-03"},"results":[{"type_id":"temperature","value":"warm"}]}`,
			wantCode: http.StatusBadRequest,
			wantKind: "invalid_value",
		},
		{
			name:     "missing site",
			body:     `{"event":{"date":"2014-01-03"},"results":[]}`,
			wantCode: http.StatusBadRequest,
			wantKind: "invalid_value",
		},
		{
			name:     "bad date",
			body:     `{"event":{"site":{"latitude":45,"longitude":-95.5},"date":"03/01/2014"},"results":[]}`,
			wantCode: http.StatusBadRequest,
			wantKind: "invalid_value",
		},
		{
			name:     "latitude out of range",
			body:     `{"event":{"site":{"latitude":145,"longitude":-95.5},"date":"2014-01-03"},"results":[]}`,
			wantCode: http.StatusBadRequest,
			wantKind: "invalid_value",
		},
		{
			name:     "malformed json",
			body:     `{"event":`,
			wantCode: http.StatusBadRequest,
			wantKind: "invalid_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, "POST", "/reports", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			body := decode[api.ErrorJSON](t, w)
			if body.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", body.Kind, tt.wantKind)
			}
		})
	}
}

func TestUserHeader(t *testing.T) {
	t.Parallel()
	h := setupTestServer(t)

	req := httptest.NewRequest("POST", "/reports", strings.NewReader(
		`{"event":{"site":{"latitude":45,"longitude":-95.5},"date":"2014-01-03"},"results":[]}`))
	req.Header.Set(api.UserHeader, "observer-7")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	receipt := decode[api.ReceiptJSON](t, w)

	report := decode[api.ReportJSON](t, do(t, h, "GET", fmt.Sprintf("/reports/%d", receipt.ID), ""))
	if report.User != "observer-7" {
		t.Errorf("user = %q, want observer-7", report.User)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	h := setupTestServer(t)

	for _, path := range []string{"/events/999", "/reports/999", "/events/abc"} {
		w := do(t, h, "GET", path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, w.Code)
		}
	}
	w := do(t, h, "PATCH", "/reports/999", `{"status":{"slug":"valid"}}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("PATCH missing report = %d, want 404", w.Code)
	}
}

func TestDefinitions(t *testing.T) {
	t.Parallel()
	h := setupTestServer(t)

	w := do(t, h, "PUT", "/parameters", `{"name":"Wind Speed","is_numeric":true,"units":"mph"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT /parameters = %d: %s", w.Code, w.Body.String())
	}
	if p := decode[api.ParameterJSON](t, w); p.Slug != "wind-speed" {
		t.Errorf("slug = %q, want wind-speed", p.Slug)
	}

	params := decode[[]api.ParameterJSON](t, do(t, h, "GET", "/parameters", ""))
	if len(params) != 3 {
		t.Errorf("len(parameters) = %d, want 3", len(params))
	}

	w = do(t, h, "PUT", "/statuses", `{"slug":"rejected","name":"Rejected","is_valid":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT /statuses = %d: %s", w.Code, w.Body.String())
	}
	statuses := decode[[]api.StatusJSON](t, do(t, h, "GET", "/statuses", ""))
	if len(statuses) != 2 {
		t.Errorf("len(statuses) = %d, want 2", len(statuses))
	}

	// Referenced parameters keep their type.
	do(t, h, "POST", "/reports", `{"event":{"site":{"latitude":1,"longitude":2},"date":"2014-01-03"},"results":[{"type_id":"wind-speed","value":3}]}`)
	w = do(t, h, "PUT", "/parameters", `{"name":"Wind Speed","is_numeric":false}`)
	if w.Code != http.StatusConflict {
		t.Errorf("retyping referenced parameter = %d, want 409", w.Code)
	}
}

func TestRebuild(t *testing.T) {
	t.Parallel()
	h := setupTestServer(t)

	do(t, h, "POST", "/reports", `{"event":{"site":{"latitude":45,"longitude":-95.5},"date":"2014-01-03"},"results":[{"type_id":"temperature","value":1}],"status":{"slug":"valid"}}`)

	w := do(t, h, "POST", "/admin/rebuild?from=2014-01-01&to=2014-01-31", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("rebuild = %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Vera-Events"); got != "1" {
		t.Errorf("X-Vera-Events = %q, want 1", got)
	}

	w = do(t, h, "POST", "/admin/rebuild?date=yesterday", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad date = %d, want 400", w.Code)
	}
}
