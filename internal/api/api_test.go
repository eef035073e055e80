package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bcnelson/sandbox-control-plane/internal/api"
	"github.com/bcnelson/sandbox-control-plane/internal/domain"
	"github.com/bcnelson/sandbox-control-plane/internal/metrics"
	"github.com/bcnelson/sandbox-control-plane/internal/service"
	"github.com/bcnelson/sandbox-control-plane/internal/storage/memory"
	"github.com/prometheus/client_golang/prometheus"
)

// testServer creates a test server with in-memory storage
type testServer struct {
	handler      http.Handler
	store        *memory.Store
	lifecycle    *service.Lifecycle
	bootstrapKey string
}

func newTestServer() *testServer {
	store := memory.New()
	bootstrapKey := "test-bootstrap-key"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()

	lifecycle := service.NewLifecycle(store, service.Options{
		Ingress: &domain.IngressConfig{
			Mode: domain.IngressModeGateway,
			Gateway: &domain.GatewayConfig{
				Address: "*.example.com",
				Route:   domain.GatewayRouteModeConfig{Mode: domain.RouteModeWildcard},
			},
		},
		Metrics: metrics.New(reg),
		Logger:  logger,
	})

	handler := api.NewRouter(api.Deps{
		Store:        store,
		Lifecycle:    lifecycle,
		BootstrapKey: bootstrapKey,
		Gatherer:     reg,
		Logger:       logger,
	})

	return &testServer{
		handler:      handler,
		store:        store,
		lifecycle:    lifecycle,
		bootstrapKey: bootstrapKey,
	}
}

func (ts *testServer) request(method, path string, body any, apiKey string) *httptest.ResponseRecorder {
	var reqBody io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reqBody = strings.NewReader(b)
	default:
		jsonBytes, _ := json.Marshal(b)
		reqBody = bytes.NewReader(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func sampleSandboxRequest() map[string]any {
	return map[string]any{
		"image":      map[string]any{"uri": "python:3.11"},
		"timeout":    3600,
		"entrypoint": []string{"python", "-c", "print('Hello from sandbox')"},
		"metadata":   map[string]string{"project": "test-project"},
		"ports":      []int{8080},
	}
}

func (ts *testServer) createSandbox(t *testing.T, metadata map[string]string) domain.CreateSandboxResponse {
	t.Helper()
	req := sampleSandboxRequest()
	if metadata != nil {
		req["metadata"] = metadata
	}
	rr := ts.request("POST", "/v1/sandboxes", req, ts.bootstrapKey)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp domain.CreateSandboxResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding create response: %v", err)
	}
	return resp
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) domain.APIError {
	t.Helper()
	var apiErr domain.APIError
	if err := json.Unmarshal(rr.Body.Bytes(), &apiErr); err != nil {
		t.Fatalf("decoding error body %q: %v", rr.Body.String(), err)
	}
	return apiErr
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer()

	rr := ts.request("GET", "/health", nil, "")

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	var resp map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("Expected status ok, got %s", resp["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer()
	ts.createSandbox(t, nil)

	rr := ts.request("GET", "/metrics", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "sandbox_created_total 1") {
		t.Errorf("Expected created counter in exposition, got:\n%s", rr.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer()

	tests := []struct {
		method string
		path   string
		body   any
	}{
		{"GET", "/v1/sandboxes", nil},
		{"POST", "/v1/sandboxes", sampleSandboxRequest()},
		{"DELETE", "/v1/sandboxes/sbx-001", nil},
		{"POST", "/v1/sandboxes/sbx-001/renew-expiration", map[string]string{"expiresAt": "2030-01-01T00:00:00Z"}},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := ts.request(tt.method, tt.path, tt.body, "")
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("Expected status 401, got %d", rr.Code)
			}
			if code := decodeError(t, rr).Code; code != domain.ErrCodeMissingAPIKey {
				t.Errorf("Expected code %s, got %s", domain.ErrCodeMissingAPIKey, code)
			}
		})
	}

	// Request with invalid API key (no keys in DB, bootstrap key mismatch)
	rr := ts.request("GET", "/v1/sandboxes", nil, "invalid-key")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
	if code := decodeError(t, rr).Code; code != domain.ErrCodeInvalidAPIKey {
		t.Errorf("Expected code %s, got %s", domain.ErrCodeInvalidAPIKey, code)
	}
}

func TestAPIKeyHeader(t *testing.T) {
	ts := newTestServer()

	req := httptest.NewRequest("GET", "/v1/sandboxes", nil)
	req.Header.Set("X-API-Key", ts.bootstrapKey)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 with API key header, got %d", rr.Code)
	}

	// A non-Bearer Authorization header does not hide the API key header
	req = httptest.NewRequest("GET", "/v1/sandboxes", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	req.Header.Set("X-API-Key", ts.bootstrapKey)
	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 with Basic auth and API key header, got %d", rr.Code)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	ts := newTestServer()

	// Create API key using bootstrap key
	rr := ts.request("POST", "/v1/keys", domain.CreateAPIKeyRequest{Name: "ci"}, ts.bootstrapKey)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var createResp domain.CreateAPIKeyResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &createResp)
	if !strings.HasPrefix(createResp.Key, "sbx_") {
		t.Errorf("Expected key with sbx_ prefix, got %q", createResp.Key)
	}

	// Bootstrap key stops working once a real key exists
	rr = ts.request("GET", "/v1/sandboxes", nil, ts.bootstrapKey)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 for bootstrap key, got %d", rr.Code)
	}

	rr = ts.request("GET", "/v1/keys", nil, createResp.Key)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	var keys []*domain.APIKey
	_ = json.Unmarshal(rr.Body.Bytes(), &keys)
	if len(keys) != 1 {
		t.Errorf("Expected 1 key, got %d", len(keys))
	}

	// Empty name is a validation error
	rr = ts.request("POST", "/v1/keys", domain.CreateAPIKeyRequest{}, createResp.Key)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422, got %d", rr.Code)
	}

	rr = ts.request("DELETE", "/v1/keys/missing", nil, createResp.Key)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
	if code := decodeError(t, rr).Code; code != domain.ErrCodeAPIKeyNotFound {
		t.Errorf("Expected code %s, got %s", domain.ErrCodeAPIKeyNotFound, code)
	}

	rr = ts.request("DELETE", "/v1/keys/"+createResp.ID, nil, createResp.Key)
	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rr.Code)
	}

	// Revoking the last key hands control back to the bootstrap key
	rr = ts.request("GET", "/v1/sandboxes", nil, ts.bootstrapKey)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 for bootstrap key, got %d", rr.Code)
	}
}

func TestCreateSandbox(t *testing.T) {
	ts := newTestServer()

	resp := ts.createSandbox(t, nil)

	if resp.Status.State != domain.StatePending {
		t.Errorf("Expected state Pending, got %s", resp.Status.State)
	}
	if resp.Metadata["project"] != "test-project" {
		t.Errorf("Expected metadata project=test-project, got %v", resp.Metadata)
	}
	if got := strings.Join(resp.Entrypoint, " "); got != "python -c print('Hello from sandbox')" {
		t.Errorf("Unexpected entrypoint %q", got)
	}
	if resp.ExpiresAt.Sub(resp.CreatedAt) != time.Hour {
		t.Errorf("Expected expiresAt one hour after createdAt, got %s", resp.ExpiresAt.Sub(resp.CreatedAt))
	}
	if want := resp.ID + "-8080.example.com"; resp.Endpoints[8080] != want {
		t.Errorf("Expected endpoint %s, got %v", want, resp.Endpoints)
	}

	stored, err := ts.lifecycle.Get(context.Background(), resp.ID)
	if err != nil {
		t.Fatalf("sandbox not stored: %v", err)
	}
	if stored.Image.URI != "python:3.11" {
		t.Errorf("Expected image python:3.11, got %s", stored.Image.URI)
	}
}

func TestCreateSandboxValidation(t *testing.T) {
	ts := newTestServer()

	tests := []struct {
		name string
		body any
	}{
		{"timeout only", map[string]any{"timeout": 10}},
		{"missing image", func() map[string]any { r := sampleSandboxRequest(); delete(r, "image"); return r }()},
		{"timeout too large", func() map[string]any { r := sampleSandboxRequest(); r["timeout"] = 86401; return r }()},
		{"bad port", func() map[string]any { r := sampleSandboxRequest(); r["ports"] = []int{0}; return r }()},
		{"malformed json", `{"image":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.request("POST", "/v1/sandboxes", tt.body, ts.bootstrapKey)
			if rr.Code != http.StatusUnprocessableEntity {
				t.Fatalf("Expected status 422, got %d: %s", rr.Code, rr.Body.String())
			}
			if code := decodeError(t, rr).Code; code != domain.ErrCodeValidationError {
				t.Errorf("Expected code %s, got %s", domain.ErrCodeValidationError, code)
			}
		})
	}
}

func TestDeleteSandbox(t *testing.T) {
	ts := newTestServer()
	created := ts.createSandbox(t, nil)

	rr := ts.request("DELETE", "/v1/sandboxes/"+created.ID, nil, ts.bootstrapKey)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Errorf("Expected empty body, got %q", rr.Body.String())
	}

	// Deleting again is idempotent
	rr = ts.request("DELETE", "/v1/sandboxes/"+created.ID, nil, ts.bootstrapKey)
	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status 204 on repeat delete, got %d", rr.Code)
	}

	rr = ts.request("GET", "/v1/sandboxes/"+created.ID, nil, ts.bootstrapKey)
	var sb domain.Sandbox
	_ = json.Unmarshal(rr.Body.Bytes(), &sb)
	if sb.Status.State != domain.StateTerminated {
		t.Errorf("Expected state Terminated, got %s", sb.Status.State)
	}

	rr = ts.request("DELETE", "/v1/sandboxes/does-not-exist", nil, ts.bootstrapKey)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", rr.Code)
	}
	if code := decodeError(t, rr).Code; code != domain.ErrCodeSandboxNotFound {
		t.Errorf("Expected code %s, got %s", domain.ErrCodeSandboxNotFound, code)
	}
}

func TestListSandboxes(t *testing.T) {
	ts := newTestServer()

	alpha := ts.createSandbox(t, map[string]string{"team": "infra", "project": "alpha"})
	ts.createSandbox(t, map[string]string{"team": "infra", "project": "beta"})
	running := ts.createSandbox(t, map[string]string{"team": "web"})
	if _, err := ts.lifecycle.Transition(context.Background(), running.ID, domain.StateRunning, "Started", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	q := url.Values{}
	q.Add("state", "Pending")
	q.Add("state", "Running")
	q.Set("metadata", "team=infra&project=alpha")
	q.Set("page", "1")
	q.Set("pageSize", "10")

	rr := ts.request("GET", "/v1/sandboxes?"+q.Encode(), nil, ts.bootstrapKey)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp domain.ListSandboxesResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if len(resp.Items) != 1 || resp.Items[0].ID != alpha.ID {
		t.Fatalf("Expected only %s, got %d items", alpha.ID, len(resp.Items))
	}
	if resp.Pagination.TotalItems != 1 || resp.Pagination.PageSize != 10 {
		t.Errorf("Unexpected pagination %+v", resp.Pagination)
	}

	// Defaults and page past the end
	rr = ts.request("GET", "/v1/sandboxes?page=5", nil, ts.bootstrapKey)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	resp = domain.ListSandboxesResponse{}
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Items == nil || len(resp.Items) != 0 {
		t.Errorf("Expected an empty items array, got %s", rr.Body.String())
	}
	if resp.Pagination.TotalItems != 3 || resp.Pagination.PageSize != 20 || resp.Pagination.HasNextPage {
		t.Errorf("Unexpected pagination %+v", resp.Pagination)
	}

	// State filter alone
	rr = ts.request("GET", "/v1/sandboxes?state=Running", nil, ts.bootstrapKey)
	resp = domain.ListSandboxesResponse{}
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if len(resp.Items) != 1 || resp.Items[0].ID != running.ID {
		t.Errorf("Expected only the running sandbox, got %d items", len(resp.Items))
	}
}

func TestListSandboxesValidation(t *testing.T) {
	ts := newTestServer()

	for _, query := range []string{"page=0", "pageSize=201", "pageSize=0", "page=abc", "state=Sleeping"} {
		t.Run(query, func(t *testing.T) {
			rr := ts.request("GET", "/v1/sandboxes?"+query, nil, ts.bootstrapKey)
			if rr.Code != http.StatusUnprocessableEntity {
				t.Errorf("Expected status 422, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestListSandboxesHugePage(t *testing.T) {
	ts := newTestServer()
	ts.createSandbox(t, nil)

	for _, page := range []string{"46116860184273881", "9223372036854775807"} {
		t.Run(page, func(t *testing.T) {
			rr := ts.request("GET", "/v1/sandboxes?pageSize=200&page="+page, nil, ts.bootstrapKey)
			if rr.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
			}
			var resp domain.ListSandboxesResponse
			_ = json.Unmarshal(rr.Body.Bytes(), &resp)
			if resp.Items == nil || len(resp.Items) != 0 {
				t.Errorf("Expected an empty items array, got %s", rr.Body.String())
			}
			if resp.Pagination.TotalItems != 1 || resp.Pagination.TotalPages != 1 {
				t.Errorf("Unexpected pagination %+v", resp.Pagination)
			}
		})
	}
}

func TestRenewExpiration(t *testing.T) {
	ts := newTestServer()
	created := ts.createSandbox(t, nil)

	target := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)
	rr := ts.request("POST", "/v1/sandboxes/"+created.ID+"/renew-expiration",
		map[string]string{"expiresAt": target.Format(time.RFC3339)}, ts.bootstrapKey)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp domain.RenewSandboxExpirationResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if !resp.ExpiresAt.Equal(target) {
		t.Errorf("Expected expiresAt %s, got %s", target, resp.ExpiresAt)
	}

	// Past timestamps are rejected with a conflict
	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	rr = ts.request("POST", "/v1/sandboxes/"+created.ID+"/renew-expiration",
		map[string]string{"expiresAt": past}, ts.bootstrapKey)
	if rr.Code != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d", rr.Code)
	}
	apiErr := decodeError(t, rr)
	if apiErr.Code != domain.ErrCodeInvalidExpiresAt {
		t.Errorf("Expected code %s, got %s", domain.ErrCodeInvalidExpiresAt, apiErr.Code)
	}
	if want := "Requested expiresAt is not valid for sandbox " + created.ID; apiErr.Message != want {
		t.Errorf("Expected message %q, got %q", want, apiErr.Message)
	}

	stored, _ := ts.lifecycle.Get(context.Background(), created.ID)
	if !stored.ExpiresAt.Equal(target) {
		t.Errorf("Rejected renewal changed expiresAt to %s", stored.ExpiresAt)
	}

	rr = ts.request("POST", "/v1/sandboxes/"+created.ID+"/renew-expiration",
		map[string]string{"expiresAt": "not-a-datetime"}, ts.bootstrapKey)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422, got %d", rr.Code)
	}

	rr = ts.request("POST", "/v1/sandboxes/missing/renew-expiration",
		map[string]string{"expiresAt": target.Format(time.RFC3339)}, ts.bootstrapKey)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestPauseResume(t *testing.T) {
	ts := newTestServer()
	created := ts.createSandbox(t, nil)

	// Pending sandboxes cannot be paused
	rr := ts.request("POST", "/v1/sandboxes/"+created.ID+"/pause", nil, ts.bootstrapKey)
	if rr.Code != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d", rr.Code)
	}
	if code := decodeError(t, rr).Code; code != domain.ErrCodeInvalidStateTransition {
		t.Errorf("Expected code %s, got %s", domain.ErrCodeInvalidStateTransition, code)
	}

	if _, err := ts.lifecycle.Transition(context.Background(), created.ID, domain.StateRunning, "Started", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	rr = ts.request("POST", "/v1/sandboxes/"+created.ID+"/pause", nil, ts.bootstrapKey)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var sb domain.Sandbox
	_ = json.Unmarshal(rr.Body.Bytes(), &sb)
	if sb.Status.State != domain.StatePaused {
		t.Errorf("Expected state Paused, got %s", sb.Status.State)
	}

	rr = ts.request("POST", "/v1/sandboxes/"+created.ID+"/resume", nil, ts.bootstrapKey)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", rr.Code)
	}
}

func TestEndpoint(t *testing.T) {
	ts := newTestServer()
	created := ts.createSandbox(t, nil)

	rr := ts.request("GET", "/v1/sandboxes/"+created.ID+"/endpoints/9000", nil, ts.bootstrapKey)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp domain.EndpointResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if want := created.ID + "-9000.example.com"; resp.Endpoint != want {
		t.Errorf("Expected endpoint %s, got %s", want, resp.Endpoint)
	}

	rr = ts.request("GET", "/v1/sandboxes/"+created.ID+"/endpoints/http", nil, ts.bootstrapKey)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422, got %d", rr.Code)
	}

	rr = ts.request("GET", "/v1/sandboxes/missing/endpoints/9000", nil, ts.bootstrapKey)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestGetSandboxETag(t *testing.T) {
	ts := newTestServer()
	created := ts.createSandbox(t, nil)
	path := "/v1/sandboxes/" + created.ID

	rr := ts.request("GET", path, nil, ts.bootstrapKey)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	etag := rr.Header().Get("ETag")
	if etag == "" {
		t.Fatal("Expected an ETag header")
	}

	req := httptest.NewRequest("GET", path, nil)
	req.Header.Set("Authorization", "Bearer "+ts.bootstrapKey)
	req.Header.Set("If-None-Match", etag)
	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotModified {
		t.Fatalf("Expected status 304, got %d", rr.Code)
	}

	// A state change produces a new version
	if _, err := ts.lifecycle.Transition(context.Background(), created.ID, domain.StateRunning, "Started", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 after change, got %d", rr.Code)
	}
	if rr.Header().Get("ETag") == etag {
		t.Error("Expected the ETag to change")
	}
}
