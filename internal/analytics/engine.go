package analytics

import "time"

// Input is everything Compute needs. Snapshots must already be restricted
// to the requested window and sorted ascending by CheckedAt; Today holds the
// snapshots of the user's current local day in the same order.
type Input struct {
	Snapshots []Snapshot
	Latest    *Snapshot
	Today     []Snapshot
	Timezone  string
	RangeDays int
	Offset    int
	Now       time.Time
}

// ChartData is the daily view in chart-ready parallel arrays.
type ChartData struct {
	Labels         []string  `json:"labels"`
	Used           []int     `json:"used"`
	Recommendation []float64 `json:"recommendation"`
}

// Result is the full analytics payload for one dashboard request.
type Result struct {
	DailyUsage      []DailyBucket  `json:"dailyUsage"`
	ChartData       ChartData      `json:"chartData"`
	PerCheckData    PerCheckSeries `json:"perCheckData"`
	Recommendation  Recommendation `json:"recommendation"`
	PaceStatus      *PaceStatus    `json:"paceStatus"`
	TodayUsed       int            `json:"todayUsed"`
	ChartRangeLabel string         `json:"chartRangeLabel"`
	Window          Window         `json:"-"`
}

// Compute assembles every view from one snapshot slice. The only error is
// ErrInvalidTimezone; missing data degrades to empty or nil fields.
func Compute(in Input) (*Result, error) {
	loc, err := LoadZone(in.Timezone)
	if err != nil {
		return nil, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	window := ResolveWindow(in.RangeDays, in.Offset, loc, now)
	daily := AggregateDaily(in.Snapshots, loc)

	chart := ChartData{
		Labels: make([]string, len(daily)),
		Used:   make([]int, len(daily)),
	}
	for i, b := range daily {
		chart.Labels[i] = b.Date
		chart.Used[i] = b.Used
	}
	rec := Recommend(in.Latest, len(daily), now)
	chart.Recommendation = rec.DailyRecommendationLine

	return &Result{
		DailyUsage:      daily,
		ChartData:       chart,
		PerCheckData:    BuildPerCheck(in.Snapshots, loc),
		Recommendation:  rec,
		PaceStatus:      ClassifyPace(in.Latest, now, loc),
		TodayUsed:       UsageBetween(in.Today),
		ChartRangeLabel: window.Label,
		Window:          window,
	}, nil
}
