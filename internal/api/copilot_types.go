package api

import (
	"fmt"
	"time"

	"github.com/onllm-dev/onpace/internal/analytics"
	"github.com/tidwall/gjson"
)

// CopilotUsage is the premium_interactions quota parsed from
// GET /copilot_internal/user.
type CopilotUsage struct {
	Login            string
	Plan             string
	QuotaLimit       int
	Remaining        int
	Used             int
	PercentRemaining float64
	Unlimited        bool
	ResetDate        analytics.Date
	RawJSON          string
}

// Paths into the upstream payload.
const (
	pathLogin        = "login"
	pathPlan         = "copilot_plan"
	pathResetDate    = "quota_reset_date"
	pathResetDateUTC = "quota_reset_date_utc"
	pathPremium      = "quota_snapshots.premium_interactions"
)

// ParseCopilotUsage extracts the premium-request quota from a raw response.
// Missing numeric fields read as zero. A reset date is required unless the
// quota is unlimited.
func ParseCopilotUsage(body []byte) (*CopilotUsage, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidResponse)
	}
	root := gjson.ParseBytes(body)
	premium := root.Get(pathPremium)

	u := &CopilotUsage{
		Login:            root.Get(pathLogin).String(),
		Plan:             root.Get(pathPlan).String(),
		QuotaLimit:       int(premium.Get("entitlement").Int()),
		Remaining:        int(premium.Get("remaining").Int()),
		PercentRemaining: premium.Get("percent_remaining").Float(),
		Unlimited:        premium.Get("unlimited").Bool(),
		RawJSON:          string(body),
	}
	u.Used = u.QuotaLimit - u.Remaining

	raw := root.Get(pathResetDate).String()
	if raw == "" {
		raw = root.Get(pathResetDateUTC).String()
	}
	if raw != "" {
		d, err := analytics.ParseDate(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: reset date %q: %v", ErrInvalidResponse, raw, err)
		}
		u.ResetDate = d
	}
	if u.ResetDate.IsZero() && !u.Unlimited {
		return nil, fmt.Errorf("%w: missing quota reset date", ErrInvalidResponse)
	}

	return u, nil
}

// Snapshot converts the usage into an analytics snapshot observed at checkedAt.
func (u *CopilotUsage) Snapshot(checkedAt time.Time) analytics.Snapshot {
	return analytics.Snapshot{
		QuotaLimit:       u.QuotaLimit,
		Remaining:        u.Remaining,
		Used:             u.Used,
		PercentRemaining: u.PercentRemaining,
		ResetDate:        u.ResetDate,
		CheckedAt:        checkedAt.UTC(),
	}
}
