package analytics

import (
	"math"
	"time"
)

// Pace verdicts.
const (
	OnPace    = "on-pace"
	UnderPace = "under-pace"
	OverPace  = "over-pace"
)

// PaceStatus compares actual usage with an even burn through the cycle.
// Difference is ideal minus actual: positive means usage is behind the
// ideal line.
type PaceStatus struct {
	Status         string `json:"status"`
	Difference     int    `json:"difference"`
	IdealUsedByNow int    `json:"idealUsedByNow"`
	ActualUsed     int    `json:"actualUsed"`
}

// ClassifyPace returns nil when there is no snapshot or no finite quota.
func ClassifyPace(latest *Snapshot, now time.Time, loc *time.Location) *PaceStatus {
	if latest == nil || latest.QuotaLimit <= 0 {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}

	cycleStart := latest.ResetDate.AddDays(-CycleDays)
	daysPassed := max(0, WholeDaysBetween(cycleStart, DateOf(now, loc)))
	// Capped so a stale reset date never pushes the ideal past the quota.
	elapsed := math.Min(CycleDays, float64(daysPassed)+DayFraction(now, loc))

	dailyIdeal := float64(latest.QuotaLimit) / CycleDays
	ideal := int(math.Round(elapsed * dailyIdeal))
	diff := ideal - latest.Used

	return &PaceStatus{
		Status:         paceVerdict(diff, paceThreshold(latest.QuotaLimit)),
		Difference:     diff,
		IdealUsedByNow: ideal,
		ActualUsed:     latest.Used,
	}
}

// paceThreshold is the on-pace band: 10% of a day's ideal usage, at least 1.
func paceThreshold(quotaLimit int) int {
	return max(1, int(math.Round(float64(quotaLimit)/CycleDays*0.1)))
}

func paceVerdict(diff, threshold int) string {
	switch {
	case diff > threshold:
		return UnderPace
	case diff < -threshold:
		return OverPace
	default:
		return OnPace
	}
}
