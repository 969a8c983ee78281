package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/onllm-dev/onpace/internal/analytics"
	"github.com/onllm-dev/onpace/internal/report"
	"github.com/onllm-dev/onpace/internal/store"
)

// History query bounds.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	defaultHistoryDays  = 7
	maxHistoryDays      = 30
)

// LastRunSetting mirrors the agent's settings key for the last check run.
const LastRunSetting = "last_check_run"

// UsageChecker fetches and stores a fresh snapshot for a user.
type UsageChecker interface {
	CheckAndStore(ctx context.Context, user *store.User) (*analytics.Snapshot, error)
}

// Handler handles HTTP requests for the onPace API
type Handler struct {
	store      *store.Store
	checker    UsageChecker
	validator  TokenValidator
	logger     *slog.Logger
	sessionTTL time.Duration
	version    string
	now        func() time.Time
}

// NewHandler creates a new Handler instance
func NewHandler(store *store.Store, checker UsageChecker, validator TokenValidator, sessionTTL time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if sessionTTL <= 0 {
		sessionTTL = 7 * 24 * time.Hour
	}
	return &Handler{
		store:      store,
		checker:    checker,
		validator:  validator,
		logger:     logger,
		sessionTTL: sessionTTL,
		version:    "dev",
		now:        time.Now,
	}
}

// SetVersion sets the version reported by /health.
func (h *Handler) SetVersion(v string) {
	h.version = v
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// queryInt reads an integer query parameter, returning def when it is
// missing or malformed.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// parseRange reads ?range and ?offset, normalized to the supported set.
func parseRange(r *http.Request) (int, int) {
	return analytics.NormalizeRange(
		queryInt(r, "range", analytics.DefaultRangeDays),
		queryInt(r, "offset", 0),
	)
}

// userZone resolves the user's stored zone, falling back to UTC when the
// stored value no longer resolves.
func (h *Handler) userZone(u *store.User) (*time.Location, string) {
	loc, err := analytics.LoadZone(u.Timezone)
	if err != nil {
		h.logger.Warn("stored timezone invalid, using UTC", "user", u.Username, "timezone", u.Timezone)
		return time.UTC, "UTC"
	}
	return loc, u.Timezone
}

// check runs a fresh upstream check and reloads the user so cached quota
// fields reflect it.
func (h *Handler) check(ctx context.Context, u *store.User) (*analytics.Snapshot, *store.User, error) {
	snap, err := h.checker.CheckAndStore(ctx, u)
	if err != nil {
		return nil, u, err
	}
	if fresh, err := h.store.GetUser(u.ID); err == nil && fresh != nil {
		u = fresh
	}
	return snap, u, nil
}

// latestOrFetch returns the newest stored snapshot, fetching one when the
// user has none. Fetch failures are logged and yield nil.
func (h *Handler) latestOrFetch(ctx context.Context, u *store.User) (*analytics.Snapshot, *store.User, error) {
	latest, err := h.store.QueryLatestUsage(u.ID)
	if err != nil {
		return nil, u, err
	}
	if latest != nil {
		return latest, u, nil
	}
	snap, u, err := h.check(ctx, u)
	if err != nil {
		h.logger.Warn("initial usage fetch failed", "user", u.Username, "error", err)
		return nil, u, nil
	}
	return snap, u, nil
}

// Health reports liveness plus basic store statistics
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(); err != nil {
		h.logger.Error("health check: database unreachable", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": "database unreachable"})
		return
	}

	users, _ := h.store.CountUsers()
	snapshots, _ := h.store.CountUsageSnapshots()
	var lastRun *string
	if v, err := h.store.GetSetting(LastRunSetting); err == nil && v != "" {
		lastRun = &v
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.version,
		"users":          users,
		"snapshots":      snapshots,
		"last_check_run": lastRun,
	})
}

// Login exchanges a GitHub token for a session cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<14)).Decode(&body); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		body.Token = r.FormValue("token")
	}
	if body.Token == "" {
		respondError(w, http.StatusUnprocessableEntity, "token is required")
		return
	}

	u, status, err := authenticateToken(r.Context(), h.store, h.validator, body.Token)
	if err != nil {
		h.logger.Warn("login failed", "ip", getClientIP(r), "error", err)
		if status == http.StatusUnauthorized {
			respondError(w, status, "Invalid GitHub token")
		} else {
			respondError(w, status, "Could not verify the token with GitHub")
		}
		return
	}

	sessionToken := uuid.NewString()
	expiresAt := h.now().Add(h.sessionTTL)
	if err := h.store.SaveAuthToken(sessionToken, u.ID, expiresAt); err != nil {
		h.logger.Error("failed to save session", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sessionToken,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	h.logger.Info("user logged in", "user", u.Username)
	respondJSON(w, http.StatusOK, map[string]any{
		"username":   u.Username,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

// Logout invalidates the session cookie.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		if err := h.store.DeleteAuthToken(c.Value); err != nil {
			h.logger.Error("failed to delete session", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// dashboardResponse is the engine result plus the snapshot it was built from.
type dashboardResponse struct {
	*analytics.Result
	Username      string              `json:"username"`
	CopilotPlan   string              `json:"copilotPlan"`
	Timezone      string              `json:"timezone"`
	Snapshot      *analytics.Snapshot `json:"snapshot"`
	PercentUsed   float64             `json:"percentUsed"`
	LastCheckedAt *string             `json:"lastCheckedAt"`
	ChartRange    int                 `json:"chartRange"`
	ChartOffset   int                 `json:"chartOffset"`
}

func percentUsed(latest *analytics.Snapshot) float64 {
	switch {
	case latest == nil:
		return 0
	case latest.QuotaLimit > 0:
		return round1(float64(latest.Used) / float64(latest.QuotaLimit) * 100)
	default:
		return round1(100 - latest.PercentRemaining)
	}
}

// compute runs the engine over the selected window in the user's zone.
func (h *Handler) compute(u *store.User, latest *analytics.Snapshot, rangeDays, offset int) (*analytics.Result, error) {
	_, zone := h.userZone(u)
	return report.Load(h.store, u.ID, zone, latest, rangeDays, offset, h.now())
}

func (h *Handler) dashboardPayload(u *store.User, latest *analytics.Snapshot, rangeDays, offset int) (*dashboardResponse, error) {
	result, err := h.compute(u, latest, rangeDays, offset)
	if err != nil {
		return nil, err
	}
	resp := &dashboardResponse{
		Result:      result,
		Username:    u.Username,
		CopilotPlan: u.CopilotPlan,
		Timezone:    u.Timezone,
		Snapshot:    latest,
		PercentUsed: percentUsed(latest),
		ChartRange:  rangeDays,
		ChartOffset: offset,
	}
	if latest != nil {
		resp.LastCheckedAt = formatTimePtr(&latest.CheckedAt)
	}
	return resp, nil
}

// Dashboard returns the full analytics payload for the selected range.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	rangeDays, offset := parseRange(r)

	latest, u, err := h.latestOrFetch(r.Context(), u)
	if err != nil {
		h.logger.Error("failed to load latest usage", "user", u.Username, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	resp, err := h.dashboardPayload(u, latest, rangeDays, offset)
	if err != nil {
		h.logger.Error("failed to build dashboard", "user", u.Username, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to build dashboard")
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// RefreshDashboard forces an upstream check, then returns the dashboard.
func (h *Handler) RefreshDashboard(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	rangeDays, offset := parseRange(r)

	latest, u, err := h.check(r.Context(), u)
	if err != nil {
		h.logger.Warn("dashboard refresh failed", "user", u.Username, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to fetch usage data from GitHub. Please try again later.")
		return
	}

	resp, err := h.dashboardPayload(u, latest, rangeDays, offset)
	if err != nil {
		h.logger.Error("failed to build dashboard", "user", u.Username, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to build dashboard")
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ChartData returns only the chart series for the selected range.
func (h *Handler) ChartData(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	rangeDays, offset := parseRange(r)

	latest, err := h.store.QueryLatestUsage(u.ID)
	if err != nil {
		h.logger.Error("failed to load latest usage", "user", u.Username, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	result, err := h.compute(u, latest, rangeDays, offset)
	if err != nil {
		h.logger.Error("failed to build chart data", "user", u.Username, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to build chart data")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"chartData":    result.ChartData,
		"perCheckData": result.PerCheckData,
		"chartRange":   rangeDays,
		"chartOffset":  offset,
	})
}

type usageBody struct {
	QuotaLimit       int     `json:"quota_limit"`
	Remaining        int     `json:"remaining"`
	Used             int     `json:"used"`
	PercentRemaining float64 `json:"percent_remaining"`
	ResetDate        string  `json:"reset_date,omitempty"`
}

func toUsageBody(s *analytics.Snapshot) usageBody {
	return usageBody{
		QuotaLimit:       s.QuotaLimit,
		Remaining:        s.Remaining,
		Used:             s.Used,
		PercentRemaining: s.PercentRemaining,
		ResetDate:        s.ResetDate.String(),
	}
}

func usageResponse(u *store.User, s *analytics.Snapshot, cached bool) map[string]any {
	return map[string]any{
		"username":     u.Username,
		"copilot_plan": u.CopilotPlan,
		"usage":        toUsageBody(s),
		"checked_at":   s.CheckedAt.UTC().Format(time.RFC3339),
		"cached":       cached,
	}
}

// Usage returns the latest stored usage, fetching it when none exists.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	latest, u, err := h.latestOrFetch(r.Context(), u)
	if err != nil {
		h.logger.Error("failed to load latest usage", "user", u.Username, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	if latest == nil {
		respondAuthError(w, http.StatusNotFound, "Could not fetch usage data",
			"Failed to retrieve Copilot usage. User may have unlimited quota.")
		return
	}
	respondJSON(w, http.StatusOK, usageResponse(u, latest, true))
}

// RefreshUsage forces an upstream check.
func (h *Handler) RefreshUsage(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	snap, u, err := h.check(r.Context(), u)
	if err != nil {
		h.logger.Warn("usage refresh failed", "user", u.Username, "error", err)
		respondAuthError(w, http.StatusBadGateway, "Could not fetch usage data",
			"Failed to retrieve Copilot usage from GitHub.")
		return
	}
	respondJSON(w, http.StatusOK, usageResponse(u, snap, false))
}

// Today returns usage during the user's current local day.
func (h *Handler) Today(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	loc, _ := h.userZone(u)
	now := h.now()
	day := analytics.ResolveWindow(0, 0, loc, now)

	snaps, err := h.store.QueryUsageRange(u.ID, day.Start, day.End)
	if err != nil {
		h.logger.Error("failed to load today's usage", "user", u.Username, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	if len(snaps) == 0 {
		if _, _, err := h.check(r.Context(), u); err != nil {
			h.logger.Warn("usage fetch for today failed", "user", u.Username, "error", err)
		}
		if snaps, err = h.store.QueryUsageRange(u.ID, day.Start, day.End); err != nil {
			h.logger.Error("failed to load today's usage", "user", u.Username, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to load usage")
			return
		}
	}

	resp := map[string]any{
		"username":        u.Username,
		"date":            analytics.LocalDate(now, loc),
		"used_today":      analytics.UsageBetween(snaps),
		"current":         nil,
		"snapshots_today": len(snaps),
		"first_check":     nil,
		"last_check":      nil,
	}
	if len(snaps) > 0 {
		first, last := snaps[0], snaps[len(snaps)-1]
		resp["current"] = map[string]any{
			"remaining":         last.Remaining,
			"used":              last.Used,
			"quota_limit":       last.QuotaLimit,
			"percent_remaining": last.PercentRemaining,
		}
		resp["first_check"] = first.CheckedAt.UTC().Format(time.RFC3339)
		resp["last_check"] = last.CheckedAt.UTC().Format(time.RFC3339)
	}
	respondJSON(w, http.StatusOK, resp)
}

// History returns recent snapshots, newest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)

	limit := queryInt(r, "limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	days := queryInt(r, "days", defaultHistoryDays)
	if days <= 0 {
		days = defaultHistoryDays
	}
	days = min(days, maxHistoryDays)

	since := h.now().Add(-time.Duration(days) * 24 * time.Hour)
	snaps, err := h.store.QueryUsageHistory(u.ID, since, limit)
	if err != nil {
		h.logger.Error("failed to load history", "user", u.Username, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	type historyEntry struct {
		usageBody
		CheckedAt string `json:"checked_at"`
	}
	history := make([]historyEntry, len(snaps))
	for i := range snaps {
		history[i] = historyEntry{
			usageBody: toUsageBody(&snaps[i]),
			CheckedAt: snaps[i].CheckedAt.UTC().Format(time.RFC3339),
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"username": u.Username,
		"history":  history,
		"count":    len(history),
	})
}

// UpdateTimezone sets the zone used for the user's day boundaries.
func (h *Handler) UpdateTimezone(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)

	var body struct {
		Timezone string `json:"timezone"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Timezone == "" {
		respondError(w, http.StatusUnprocessableEntity, "timezone is required")
		return
	}
	if _, err := analytics.LoadZone(body.Timezone); err != nil {
		if errors.Is(err, analytics.ErrInvalidTimezone) {
			respondError(w, http.StatusUnprocessableEntity, "invalid timezone")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.UpdateUserTimezone(u.ID, body.Timezone); err != nil {
		h.logger.Error("failed to update timezone", "user", u.Username, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to update timezone")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"timezone": body.Timezone,
	})
}
