package analytics

import (
	"math"
	"time"
)

// PerCheckSeries holds one entry per snapshot, in input order.
type PerCheckSeries struct {
	Labels         []string `json:"labels"`
	Timestamps     []string `json:"timestamps"`
	Used           []int    `json:"used"`
	Recommendation []int    `json:"recommendation"`
}

// BuildPerCheck computes the cumulative usage and ideal trajectory for every
// snapshot. A rise in remaining quota between two checks is a reset and
// restarts the running total. The series is then shifted so that its last
// point equals the last snapshot's Used value.
func BuildPerCheck(snapshots []Snapshot, loc *time.Location) PerCheckSeries {
	if loc == nil {
		loc = time.UTC
	}
	n := len(snapshots)
	series := PerCheckSeries{
		Labels:         make([]string, 0, n),
		Timestamps:     make([]string, 0, n),
		Used:           make([]int, 0, n),
		Recommendation: make([]int, 0, n),
	}
	if n == 0 {
		return series
	}

	cumulative := 0
	for i, s := range snapshots {
		series.Labels = append(series.Labels, s.CheckedAt.In(loc).Format("Jan 02 15:04"))
		series.Timestamps = append(series.Timestamps, s.CheckedAt.UTC().Format(time.RFC3339))

		if i > 0 {
			delta := snapshots[i-1].Remaining - s.Remaining
			if delta < 0 {
				cumulative = 0
				delta = 0
			}
			cumulative += delta
		}
		series.Used = append(series.Used, cumulative)
		series.Recommendation = append(series.Recommendation, idealAt(s, loc))
	}

	baseline := snapshots[n-1].Used - cumulative
	for i := range series.Used {
		series.Used[i] += baseline
	}
	return series
}

// idealAt is the usage an even burn since the cycle start would have
// reached by the snapshot's check time.
func idealAt(s Snapshot, loc *time.Location) int {
	cycleStart := s.ResetDate.AddDays(-CycleDays)
	dailyIdeal := float64(s.QuotaLimit) / CycleDays
	return int(math.Round(ElapsedDays(cycleStart, s.CheckedAt, loc) * dailyIdeal))
}
