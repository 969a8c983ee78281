// Package web provides the HTTP API for onPace.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onllm-dev/onpace/internal/api"
	"github.com/onllm-dev/onpace/internal/metrics"
	"github.com/onllm-dev/onpace/internal/store"
)

// SessionCookie is the name of the session cookie set by POST /login.
const SessionCookie = "onpace_session"

type ctxKey int

const userKey ctxKey = iota

// TokenValidator resolves a GitHub token to the login it belongs to.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// userFrom returns the authenticated user attached by RequireUser.
func userFrom(r *http.Request) *store.User {
	u, _ := r.Context().Value(userKey).(*store.User)
	return u
}

func withUser(r *http.Request, u *store.User) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userKey, u))
}

// respondAuthError sends a 401 with an error and a human-readable message.
func respondAuthError(w http.ResponseWriter, status int, errMsg, message string) {
	respondJSON(w, status, map[string]string{"error": errMsg, "message": message})
}

// RequireUser authenticates a request by session cookie or, failing that,
// by a GitHub token in the Authorization header. A valid token upserts the
// user and stores the token for scheduled checks.
func RequireUser(s *store.Store, validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
				u, err := s.GetAuthTokenUser(c.Value, time.Now())
				if err != nil {
					logger.Error("session lookup failed", "error", err)
					respondError(w, http.StatusInternalServerError, "internal error")
					return
				}
				if u != nil {
					next.ServeHTTP(w, withUser(r, u))
					return
				}
			}

			token, ok := bearerToken(r)
			if !ok {
				respondAuthError(w, http.StatusUnauthorized,
					"Missing authorization token", "Provide your GitHub token as a Bearer token")
				return
			}

			u, status, err := authenticateToken(r.Context(), s, validator, token)
			if err != nil {
				logger.Warn("token authentication failed", "token", api.RedactToken(token), "error", err)
				if status == http.StatusUnauthorized {
					respondAuthError(w, status, "Invalid GitHub token", "Could not authenticate with the provided token")
				} else {
					respondAuthError(w, status, "GitHub unavailable", "Could not verify the token with GitHub, try again later")
				}
				return
			}
			next.ServeHTTP(w, withUser(r, u))
		})
	}
}

// authenticateToken validates token with GitHub and upserts its owner. The
// returned status is the HTTP status to report on failure.
func authenticateToken(ctx context.Context, s *store.Store, validator TokenValidator, token string) (*store.User, int, error) {
	login, err := validator.ValidateToken(ctx, token)
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) || errors.Is(err, api.ErrInvalidResponse) || errors.Is(err, api.ErrCopilotUnavailable) {
			return nil, http.StatusUnauthorized, err
		}
		return nil, http.StatusBadGateway, err
	}
	u, err := s.FindOrCreateUser(login, token)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	return u, 0, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// InstrumentMiddleware counts requests by matched route pattern and status.
func InstrumentMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			m.RecordRequest(route, rec.status)
		})
	}
}
