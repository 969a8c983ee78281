package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// Account is the quota state the mock serves for one GitHub login.
type Account struct {
	Login       string
	Plan        string
	Entitlement int
	Remaining   int
	ResetDate   string
	Unlimited   bool
}

// MockGitHub serves GET /user and GET /copilot_internal/user for a set of
// known tokens. Thread-safe for concurrent use from test goroutines and
// httptest handler goroutines.
type MockGitHub struct {
	*httptest.Server

	mu       sync.RWMutex
	accounts map[string]*Account // keyed by token

	errorCode   atomic.Int32 // 0 = no error, >0 = HTTP status code
	rateLimited atomic.Bool  // 403 with X-RateLimit-Remaining: 0

	userCount    atomic.Int64
	copilotCount atomic.Int64
}

// MockOption configures a MockGitHub.
type MockOption func(*MockGitHub)

// WithAccount registers token as belonging to acct. Empty fields fall back to
// a Pro plan with 300 requests resetting on DefaultResetDate.
func WithAccount(token string, acct Account) MockOption {
	return func(m *MockGitHub) {
		if acct.Plan == "" {
			acct.Plan = "individual_pro"
		}
		if acct.Entitlement == 0 && !acct.Unlimited {
			acct.Entitlement = 300
			if acct.Remaining == 0 {
				acct.Remaining = 300
			}
		}
		if acct.ResetDate == "" {
			acct.ResetDate = DefaultResetDate
		}
		m.accounts[token] = &acct
	}
}

// NewMockGitHub creates a mock GitHub API server. The server is closed when
// the test completes.
func NewMockGitHub(t *testing.T, opts ...MockOption) *MockGitHub {
	t.Helper()

	m := NewMockGitHubHandler(opts...)
	m.Server = httptest.NewServer(m.Handler())
	t.Cleanup(m.Close)
	return m
}

// Handler returns the routing handler without starting a server.
func (m *MockGitHub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user", m.handleUser)
	mux.HandleFunc("GET /copilot_internal/user", m.handleCopilotUser)
	mux.HandleFunc("POST /admin/account", m.handleAdminAccount)
	mux.HandleFunc("POST /admin/error", m.handleAdminError)
	mux.HandleFunc("GET /admin/requests", m.handleAdminRequests)
	return mux
}

// NewMockGitHubHandler builds an unstarted mock for use outside tests.
func NewMockGitHubHandler(opts ...MockOption) *MockGitHub {
	m := &MockGitHub{accounts: make(map[string]*Account)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MockGitHub) authorize(w http.ResponseWriter, r *http.Request) (*Account, bool) {
	if m.rateLimited.Load() {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message": "API rate limit exceeded"}`)
		return nil, false
	}
	if code := m.errorCode.Load(); code > 0 {
		w.WriteHeader(int(code))
		fmt.Fprintf(w, `{"message": "injected error %d"}`, code)
		return nil, false
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	m.mu.RLock()
	acct, ok := m.accounts[token]
	var served Account
	if ok {
		served = *acct
	}
	m.mu.RUnlock()

	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message": "Bad credentials"}`)
		return nil, false
	}
	return &served, true
}

func (m *MockGitHub) handleUser(w http.ResponseWriter, r *http.Request) {
	m.userCount.Add(1)
	acct, ok := m.authorize(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, GitHubUserJSON(acct.Login))
}

func (m *MockGitHub) handleCopilotUser(w http.ResponseWriter, r *http.Request) {
	m.copilotCount.Add(1)
	acct, ok := m.authorize(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if acct.Unlimited {
		fmt.Fprint(w, UnlimitedCopilotUserJSON(acct.Login))
		return
	}
	fmt.Fprint(w, CopilotUserJSON(acct.Login, acct.Plan, acct.Entitlement, acct.Remaining, acct.ResetDate))
}

// handleAdminAccount handles POST /admin/account to update an account's
// remaining quota at runtime.
func (m *MockGitHub) handleAdminAccount(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var payload struct {
		Token     string `json:"token"`
		Remaining int    `json:"remaining"`
		ResetDate string `json:"reset_date"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error": %q}`, err.Error())
		return
	}
	if !m.SetRemaining(payload.Token, payload.Remaining, payload.ResetDate) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": "unknown token"}`)
		return
	}
	fmt.Fprint(w, `{"ok": true}`)
}

// handleAdminError handles POST /admin/error to inject HTTP errors.
func (m *MockGitHub) handleAdminError(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		StatusCode  int  `json:"status_code"`
		RateLimited bool `json:"rate_limited"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error": %q}`, err.Error())
		return
	}
	m.SetError(payload.StatusCode)
	m.SetRateLimited(payload.RateLimited)
	fmt.Fprint(w, `{"ok": true}`)
}

// handleAdminRequests handles GET /admin/requests to return request counts.
func (m *MockGitHub) handleAdminRequests(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{
		"user":    m.userCount.Load(),
		"copilot": m.copilotCount.Load(),
	})
}

// --- Runtime mutation methods (thread-safe) ---

// SetRemaining changes the remaining quota served for token. A non-empty
// resetDate replaces the reset date too. Reports whether the token is known.
func (m *MockGitHub) SetRemaining(token string, remaining int, resetDate string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[token]
	if !ok {
		return false
	}
	acct.Remaining = remaining
	if resetDate != "" {
		acct.ResetDate = resetDate
	}
	return true
}

// SetError injects an HTTP status code for subsequent requests. Zero clears it.
func (m *MockGitHub) SetError(code int) {
	m.errorCode.Store(int32(code))
}

// SetRateLimited makes subsequent requests fail with GitHub's rate-limit 403.
func (m *MockGitHub) SetRateLimited(on bool) {
	m.rateLimited.Store(on)
}

// RequestCount returns the number of requests made to "user" or "copilot".
func (m *MockGitHub) RequestCount(endpoint string) int {
	switch endpoint {
	case "user":
		return int(m.userCount.Load())
	case "copilot":
		return int(m.copilotCount.Load())
	}
	return 0
}
