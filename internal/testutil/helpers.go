package testutil

import (
	"log/slog"
	"testing"
	"time"

	"github.com/onllm-dev/onpace/internal/analytics"
	"github.com/onllm-dev/onpace/internal/config"
	"github.com/onllm-dev/onpace/internal/store"
)

// TestSecret is a master secret long enough to pass config validation.
const TestSecret = "onpace-test-secret-0123456789"

// DiscardLogger returns a logger that discards all output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// InMemoryStore creates an in-memory SQLite store for testing.
// The store is automatically closed when the test completes.
func InMemoryStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.New(":memory:", opts...)
	if err != nil {
		t.Fatalf("InMemoryStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// SeedUser creates a user and inserts one snapshot per entry in remaining,
// spaced hourly and ending at last. Limit is 300 with the default reset date.
func SeedUser(t *testing.T, s *store.Store, username, token string, last time.Time, remaining ...int) *store.User {
	t.Helper()
	u, err := s.FindOrCreateUser(username, token)
	if err != nil {
		t.Fatalf("SeedUser: create user: %v", err)
	}
	reset, _ := analytics.ParseDate(DefaultResetDate)
	n := len(remaining)
	for i, rem := range remaining {
		snap := analytics.Snapshot{
			QuotaLimit:       300,
			Remaining:        rem,
			Used:             300 - rem,
			PercentRemaining: float64(rem) / 3,
			ResetDate:        reset,
			CheckedAt:        last.Add(-time.Duration(n-1-i) * time.Hour).UTC(),
		}
		if _, err := s.InsertUsageSnapshot(u.ID, snap); err != nil {
			t.Fatalf("SeedUser: insert snapshot: %v", err)
		}
	}
	return u
}

// TestConfig creates a Config suitable for testing against baseURL.
func TestConfig(baseURL string) *config.Config {
	return &config.Config{
		Port:         9311,
		Host:         "127.0.0.1",
		DBPath:       ":memory:",
		GitHubAPIURL: baseURL,
		PollInterval: time.Minute,
		Secret:       TestSecret,
		SessionTTL:   time.Hour,
		LogLevel:     "debug",
		DebugMode:    true,
		RangeDays:    analytics.DefaultRangeDays,
	}
}
