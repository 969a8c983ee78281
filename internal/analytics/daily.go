package analytics

import "time"

// Snapshot is one observation of quota state.
type Snapshot struct {
	QuotaLimit       int       `json:"quota_limit"`
	Remaining        int       `json:"remaining"`
	Used             int       `json:"used"`
	PercentRemaining float64   `json:"percent_remaining"`
	ResetDate        Date      `json:"reset_date"`
	CheckedAt        time.Time `json:"checked_at"`
}

// DailyBucket is the usage observed on one local calendar day.
type DailyBucket struct {
	Date      string `json:"date"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	Total     int    `json:"total"`
}

// UsageBetween is the drop in remaining quota from the first to the last
// snapshot. A refill shows up as a negative drop and is reported as zero.
func UsageBetween(snapshots []Snapshot) int {
	if len(snapshots) < 2 {
		return 0
	}
	return clampUsage(snapshots[0].Remaining - snapshots[len(snapshots)-1].Remaining)
}

func clampUsage(delta int) int {
	if delta < 0 {
		return 0
	}
	return delta
}

// AggregateDaily buckets an ascending snapshot slice by local calendar
// date. Buckets keep the order in which their date first appears.
//
// Only the first and last snapshot of a day are compared, so a reset
// between two interior checks of the same day is not visible here.
func AggregateDaily(snapshots []Snapshot, loc *time.Location) []DailyBucket {
	if loc == nil {
		loc = time.UTC
	}
	buckets := make([]DailyBucket, 0)
	index := make(map[string]int)
	firstRemaining := make([]int, 0)

	for _, s := range snapshots {
		date := LocalDate(s.CheckedAt, loc)
		i, ok := index[date]
		if !ok {
			i = len(buckets)
			index[date] = i
			buckets = append(buckets, DailyBucket{Date: date})
			firstRemaining = append(firstRemaining, s.Remaining)
		}
		buckets[i].Used = clampUsage(firstRemaining[i] - s.Remaining)
		buckets[i].Remaining = s.Remaining
		buckets[i].Total = s.QuotaLimit
	}
	return buckets
}
