package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onllm-dev/onpace/internal/api"
	"github.com/onllm-dev/onpace/internal/metrics"
	"github.com/onllm-dev/onpace/internal/store"
	"github.com/onllm-dev/onpace/internal/testutil"
	"github.com/onllm-dev/onpace/internal/tracker"
)

const testToken = "ghp_octocat_token_123"

// harness wires the full route table against a mock GitHub.
type harness struct {
	t       *testing.T
	routes  http.Handler
	store   *store.Store
	github  *testutil.MockGitHub
	metrics *metrics.Metrics
	handler *Handler
}

func newHarness(t *testing.T, opts ...testutil.MockOption) *harness {
	t.Helper()
	if len(opts) == 0 {
		opts = []testutil.MockOption{testutil.WithAccount(testToken, testutil.Account{
			Login: "octocat", Entitlement: 300, Remaining: 240,
		})}
	}
	gh := testutil.NewMockGitHub(t, opts...)
	s := testutil.InMemoryStore(t)
	logger := testutil.DiscardLogger()
	m := metrics.New()

	client := api.NewClient(logger, api.WithBaseURL(gh.URL))
	tr := tracker.New(s, client, logger, tracker.WithMetrics(m))
	h := NewHandler(s, tr, client, time.Hour, logger)
	h.SetVersion("test")

	return &harness{
		t:       t,
		routes:  Routes(h, m, NewRateLimiter(100, time.Minute), logger),
		store:   s,
		github:  gh,
		metrics: m,
		handler: h,
	}
}

// do performs a request with an optional bearer token and cookies.
func (h *harness) do(method, path, token, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	h.t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	h.routes.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestServer_HealthIsPublic(t *testing.T) {
	h := newHarness(t)

	rr := h.do(http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decode(t, rr)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("health = %v", body)
	}
	if body["last_check_run"] != nil {
		t.Errorf("last_check_run = %v, want null before any run", body["last_check_run"])
	}

	h.store.SetSetting(LastRunSetting, "2026-03-10T12:00:00Z")
	body = decode(t, h.do(http.MethodGet, "/health", "", ""))
	if body["last_check_run"] != "2026-03-10T12:00:00Z" {
		t.Errorf("last_check_run = %v", body["last_check_run"])
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodGet, "/health", "", "")
	h.do(http.MethodGet, "/api/usage", "", "")

	rr := h.do(http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	out := rr.Body.String()
	for _, want := range []string{
		`onpace_http_requests_total{code="200",route="GET /health"} 1`,
		`onpace_http_requests_total{code="401",route="GET /api/usage"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestServer_MethodMismatch(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodGet, "/api/usage/refresh", testToken, "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rr.Code)
	}
}

func TestServer_LoginRateLimited(t *testing.T) {
	gh := testutil.NewMockGitHub(t)
	s := testutil.InMemoryStore(t)
	logger := testutil.DiscardLogger()
	client := api.NewClient(logger, api.WithBaseURL(gh.URL))
	h := NewHandler(s, tracker.New(s, client, logger), client, time.Hour, logger)
	routes := Routes(h, nil, NewRateLimiter(2, time.Minute), logger)

	var last int
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"token":"ghp_wrong"}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "10.1.1.1:4000"
		rr := httptest.NewRecorder()
		routes.ServeHTTP(rr, req)
		last = rr.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third login attempt status = %d, want 429", last)
	}
}
