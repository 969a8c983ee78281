// Package agent provides the background check scheduler for onPace.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onllm-dev/onpace/internal/analytics"
	"github.com/onllm-dev/onpace/internal/api"
	"github.com/onllm-dev/onpace/internal/metrics"
	"github.com/onllm-dev/onpace/internal/store"
	"github.com/onllm-dev/onpace/internal/tracker"
	"golang.org/x/time/rate"
)

// LastRunSetting is the settings key holding the time of the last completed run.
const LastRunSetting = "last_check_run"

// ErrRunInProgress is returned by CheckAll while another run is active.
var ErrRunInProgress = errors.New("agent: check run already in progress")

// Run outcomes.
const (
	OutcomeCompleted   = "completed"
	OutcomeRateLimited = "rate_limited"
	OutcomeNoUsers     = "no_users"
	OutcomeDryRun      = "dry_run"
)

// Checker checks one user and stores the result.
type Checker interface {
	CheckAndStore(ctx context.Context, user *store.User) (*analytics.Snapshot, error)
}

// CheckOptions narrows a run.
type CheckOptions struct {
	Username string // only this user when set
	DryRun   bool   // list the users without fetching
}

// UserResult is the outcome of one user's check.
type UserResult struct {
	Username string
	Snapshot *analytics.Snapshot
	Skipped  bool
	Err      error
}

// CheckReport summarizes one run.
type CheckReport struct {
	Outcome     string
	Checked     int
	Succeeded   int
	Skipped     int
	Failed      int
	RateLimited bool
	Results     []UserResult
}

// Agent runs scheduled check runs over every known user.
type Agent struct {
	store    *store.Store
	checker  Checker
	interval time.Duration
	spacing  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	runMu sync.Mutex
}

// Option configures an Agent.
type Option func(*Agent)

// WithSpacing sets the minimum delay between two upstream checks in a run.
func WithSpacing(d time.Duration) Option {
	return func(a *Agent) {
		a.spacing = d
	}
}

// WithMetrics records run outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

// New creates a new Agent with the given dependencies.
func New(store *store.Store, checker Checker, interval time.Duration, logger *slog.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		store:    store,
		checker:  checker,
		interval: interval,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run starts the agent's check loop. It runs immediately, then continues at
// the configured interval until the context is cancelled. A tick that fires
// while a run is still going is dropped.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("Agent started", "interval", a.interval, "spacing", a.spacing)
	defer a.logger.Info("Agent stopped")

	a.tick(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.tick(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// tick performs one scheduled run plus session housekeeping.
func (a *Agent) tick(ctx context.Context) {
	if _, err := a.CheckAll(ctx, CheckOptions{}); err != nil {
		if ctx.Err() != nil {
			// Context cancelled during the run - expected during shutdown
			return
		}
		a.logger.Error("Check run failed", "error", err)
	}

	if n, err := a.store.CleanExpiredAuthTokens(); err != nil {
		a.logger.Error("Failed to clean expired sessions", "error", err)
	} else if n > 0 {
		a.logger.Debug("Cleaned expired sessions", "count", n)
	}
}

// CheckAll checks every user (or the one named in opts) in username order.
// The run stops at the first rate-limit error; other per-user failures are
// counted and the run continues.
func (a *Agent) CheckAll(ctx context.Context, opts CheckOptions) (*CheckReport, error) {
	if !a.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer a.runMu.Unlock()

	users, err := a.store.ListUsers(opts.Username)
	if err != nil {
		return nil, fmt.Errorf("agent.CheckAll: %w", err)
	}

	report := &CheckReport{Outcome: OutcomeCompleted}
	if len(users) == 0 {
		report.Outcome = OutcomeNoUsers
		a.logger.Warn("No users found to check", "user", opts.Username)
		a.metrics.RecordRun(report.Outcome)
		return report, nil
	}

	if opts.DryRun {
		report.Outcome = OutcomeDryRun
		for _, u := range users {
			report.Results = append(report.Results, UserResult{Username: u.Username})
		}
		return report, nil
	}

	limit := rate.Inf
	if a.spacing > 0 {
		limit = rate.Every(a.spacing)
	}
	limiter := rate.NewLimiter(limit, 1)

	a.logger.Info("Check run started", "users", len(users))
	for _, u := range users {
		if err := limiter.Wait(ctx); err != nil {
			return report, fmt.Errorf("agent.CheckAll: %w", err)
		}

		report.Checked++
		snap, err := a.checker.CheckAndStore(ctx, u)
		result := UserResult{Username: u.Username, Snapshot: snap, Err: err}

		switch {
		case err == nil:
			report.Succeeded++
		case errors.Is(err, tracker.ErrUnlimited):
			result.Skipped = true
			result.Err = nil
			report.Skipped++
		case ctx.Err() != nil:
			return report, ctx.Err()
		default:
			report.Failed++
		}
		report.Results = append(report.Results, result)

		if errors.Is(err, api.ErrRateLimited) {
			report.RateLimited = true
			report.Outcome = OutcomeRateLimited
			a.logger.Warn("GitHub API rate limit hit during scheduled check",
				"checked_users", report.Succeeded,
				"remaining_users", len(users)-report.Checked,
			)
			break
		}
	}

	if err := a.store.SetSetting(LastRunSetting, time.Now().UTC().Format(time.RFC3339)); err != nil {
		a.logger.Error("Failed to record check run", "error", err)
	}
	a.metrics.RecordRun(report.Outcome)

	a.logger.Info("Check run complete",
		"outcome", report.Outcome,
		"succeeded", report.Succeeded,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}
