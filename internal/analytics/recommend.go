package analytics

import (
	"math"
	"time"
)

// CycleDays is the fixed billing cycle length.
const CycleDays = 30

// Recommendation is the linear-pace model for the current cycle.
type Recommendation struct {
	DailyRecommended        float64   `json:"dailyRecommended"`
	DaysRemaining           int       `json:"daysRemaining"`
	DailyIdealUsage         float64   `json:"dailyIdealUsage"`
	DailyRecommendationLine []float64 `json:"dailyRecommendationLine"`
	TotalRecommendedByNow   float64   `json:"totalRecommendedByNow"`
	EndOfDayUsage           float64   `json:"endOfDayUsage"`
	EndOfDayPercentageLeft  *float64  `json:"endOfDayPercentageLeft"`
}

// cycleBounds returns the start and end instants of the cycle that ends at
// resetDate. Reset dates are UTC calendar dates.
func cycleBounds(resetDate Date) (time.Time, time.Time) {
	return resetDate.AddDays(-CycleDays).In(time.UTC), resetDate.In(time.UTC)
}

// Recommend builds the recommendation from the latest snapshot. bucketCount
// sets the length of the flat reference line. A nil snapshot yields an
// all-zero result.
func Recommend(latest *Snapshot, bucketCount int, now time.Time) Recommendation {
	if latest == nil {
		return Recommendation{DailyRecommendationLine: []float64{}}
	}

	cycleStart, resetAt := cycleBounds(latest.ResetDate)
	totalDaysInCycle := math.Max(1, DaysBetween(cycleStart, resetAt))
	// Not capped at the cycle length: past 30 means the reset date is stale.
	daysPassed := math.Max(0, DaysBetween(cycleStart, now))
	dailyIdeal := float64(latest.QuotaLimit) / totalDaysInCycle

	daysRemaining := int(math.Ceil(math.Max(1, DaysBetween(now, resetAt))))
	dailyRecommended := round2(float64(latest.Remaining) / float64(daysRemaining))

	line := make([]float64, max(0, bucketCount))
	for i := range line {
		line[i] = round2(dailyIdeal)
	}

	endOfDay := float64(latest.Used) + dailyRecommended
	var pctLeft *float64
	if latest.QuotaLimit > 0 {
		v := round2(100 - endOfDay/float64(latest.QuotaLimit)*100)
		pctLeft = &v
	}

	return Recommendation{
		DailyRecommended:        dailyRecommended,
		DaysRemaining:           daysRemaining,
		DailyIdealUsage:         round2(dailyIdeal),
		DailyRecommendationLine: line,
		TotalRecommendedByNow:   math.Round(daysPassed * dailyIdeal),
		EndOfDayUsage:           round2(endOfDay),
		EndOfDayPercentageLeft:  pctLeft,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
