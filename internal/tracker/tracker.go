// Package tracker fetches a user's Copilot quota, records it as a snapshot
// and detects quota refills between consecutive checks.
package tracker

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
)

// ErrUnlimited is returned when the account's premium requests are not
// metered. Nothing is stored for such accounts.
var ErrUnlimited = errors.New("tracker: premium requests are unlimited")

// Fetcher retrieves the current quota for a GitHub token.
type Fetcher interface {
	FetchUsage(ctx context.Context, token string) (*api.CopilotUsage, error)
}

// ResetEvent describes a quota refill seen between two checks.
type ResetEvent struct {
	Username string
	Reason   string
	Previous analytics.Snapshot
	Current  analytics.Snapshot
}

// Tracker checks users against the upstream API and stores the results.
// Checks for the same user never run concurrently.
type Tracker struct {
	store   *store.Store
	fetcher Fetcher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex

	onReset func(ResetEvent) // called when a quota reset is detected
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMetrics records check outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// WithClock overrides the time source used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates a new Tracker.
func New(store *store.Store, fetcher Fetcher, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:     store,
		fetcher:   fetcher,
		logger:    logger,
		now:       time.Now,
		userLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetOnReset registers a callback that is invoked when a quota reset is detected.
func (t *Tracker) SetOnReset(fn func(ResetEvent)) {
	t.onReset = fn
}

func (t *Tracker) userLock(userID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		t.userLocks[userID] = l
	}
	return l
}

// CheckAndStore fetches the user's quota, updates the cached quota state on
// the user row and appends a snapshot. Returns ErrUnlimited for unmetered
// accounts and the api package's sentinel errors for upstream failures.
func (t *Tracker) CheckAndStore(ctx context.Context, user *store.User) (*analytics.Snapshot, error) {
	lock := t.userLock(user.ID)
	lock.Lock()
	defer lock.Unlock()

	token, err := t.store.UserToken(user)
	if err != nil {
		return nil, fmt.Errorf("tracker: %s: %w", user.Username, err)
	}

	started := time.Now()
	usage, err := t.fetcher.FetchUsage(ctx, token)
	if err != nil {
		result := metrics.ResultError
		if errors.Is(err, api.ErrRateLimited) {
			result = metrics.ResultRateLimited
		}
		t.metrics.RecordCheck(result, time.Since(started))
		t.logger.Warn("Failed to fetch usage", "user", user.Username, "error", err)
		return nil, fmt.Errorf("tracker: %s: %w", user.Username, err)
	}
	if usage.Unlimited {
		t.metrics.RecordCheck(metrics.ResultUnlimited, time.Since(started))
		t.logger.Info("User has unlimited quota", "user", user.Username)
		return nil, ErrUnlimited
	}
	t.metrics.RecordCheck(metrics.ResultSuccess, time.Since(started))

	prev, err := t.store.QueryLatestUsage(user.ID)
	if err != nil {
		return nil, fmt.Errorf("tracker: %s: %w", user.Username, err)
	}

	checkedAt := t.now().UTC()
	if err := t.store.UpdateUserQuotaState(user.ID, usage.Plan, usage.QuotaLimit, usage.ResetDate, checkedAt); err != nil {
		return nil, fmt.Errorf("tracker: %s: %w", user.Username, err)
	}

	snap := usage.Snapshot(checkedAt)
	if _, err := t.store.InsertUsageSnapshot(user.ID, snap); err != nil {
		return nil, fmt.Errorf("tracker: %s: %w", user.Username, err)
	}
	t.metrics.SetQuota(user.Username, snap.Remaining, snap.QuotaLimit)

	if prev != nil {
		if reason := resetReason(*prev, snap); reason != "" {
			t.logger.Info("Detected quota reset",
				"user", user.Username,
				"reason", reason,
				"oldResetDate", prev.ResetDate,
				"newResetDate", snap.ResetDate,
				"oldRemaining", prev.Remaining,
				"newRemaining", snap.Remaining,
			)
			t.metrics.RecordReset()
			if t.onReset != nil {
				t.onReset(ResetEvent{Username: user.Username, Reason: reason, Previous: *prev, Current: snap})
			}
		}
	}

	t.logger.Info("Usage checked",
		"user", user.Username,
		"remaining", snap.Remaining,
		"limit", snap.QuotaLimit,
		"reset_date", snap.ResetDate,
	)
	return &snap, nil
}

// resetReason reports why cur starts a new cycle relative to prev, or ""
// when both belong to the same cycle.
func resetReason(prev, cur analytics.Snapshot) string {
	// Reset date first: a refill can coincide with enough usage to hide the
	// increase in remaining.
	if !prev.ResetDate.IsZero() && cur.ResetDate != prev.ResetDate {
		return "reset date changed"
	}
	if cur.Remaining > prev.Remaining {
		return "remaining increased"
	}
	return ""
}
