// Package testutil provides shared test infrastructure for onPace.
package testutil

import (
	"fmt"
	"time"
)

// DefaultResetDate is the reset date served by the mock unless overridden.
const DefaultResetDate = "2026-04-01"

// --- GitHub API Fixtures ---

// GitHubUserJSON returns a GET /user response for login.
func GitHubUserJSON(login string) string {
	return fmt.Sprintf(`{"login": %q, "id": 583231, "type": "User"}`, login)
}

// CopilotUserJSON returns a GET /copilot_internal/user response with a
// metered premium_interactions quota.
func CopilotUserJSON(login, plan string, entitlement, remaining int, resetDate string) string {
	pct := 0.0
	if entitlement > 0 {
		pct = float64(remaining) / float64(entitlement) * 100
	}
	return fmt.Sprintf(`{
		"login": %q,
		"copilot_plan": %q,
		"quota_reset_date": %q,
		"quota_reset_date_utc": "%sT00:00:00.000Z",
		"quota_snapshots": {
			"chat": {"entitlement": 0, "remaining": 0, "percent_remaining": 100.0, "unlimited": true},
			"premium_interactions": {
				"entitlement": %d,
				"remaining": %d,
				"percent_remaining": %.1f,
				"unlimited": false,
				"overage_count": 0
			}
		}
	}`, login, plan, resetDate, resetDate, entitlement, remaining, pct)
}

// UnlimitedCopilotUserJSON returns a response for an account whose premium
// requests are not metered.
func UnlimitedCopilotUserJSON(login string) string {
	return fmt.Sprintf(`{
		"login": %q,
		"copilot_plan": "business",
		"quota_snapshots": {
			"premium_interactions": {"entitlement": 0, "remaining": 0, "percent_remaining": 100.0, "unlimited": true}
		}
	}`, login)
}

// FixedNow returns a clock that always reports t.
func FixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// SteppingNow returns a clock that starts at start and advances by step on
// every call.
func SteppingNow(start time.Time, step time.Duration) func() time.Time {
	next := start
	return func() time.Time {
		now := next
		next = next.Add(step)
		return now
	}
}
