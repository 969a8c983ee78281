// Package report builds a user's usage analytics from the store and renders
// them for the terminal.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/onllm-dev/onpace/internal/analytics"
	"github.com/onllm-dev/onpace/internal/store"
)

// Plot dimensions used when Options leaves them unset.
const (
	DefaultWidth  = 60
	DefaultHeight = 10
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	badgeBase = lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(lipgloss.Color("0"))
	badges    = map[string]lipgloss.Style{
		analytics.OnPace:    badgeBase.Background(lipgloss.Color("42")),
		analytics.UnderPace: badgeBase.Background(lipgloss.Color("39")),
		analytics.OverPace:  badgeBase.Background(lipgloss.Color("196")),
	}
)

// Load assembles the analytics for one user over the selected window.
// zone must already be a valid IANA name (or empty for UTC).
func Load(s *store.Store, userID, zone string, latest *analytics.Snapshot, rangeDays, offset int, now time.Time) (*analytics.Result, error) {
	loc, err := analytics.LoadZone(zone)
	if err != nil {
		return nil, err
	}

	window := analytics.ResolveWindow(rangeDays, offset, loc, now)
	snaps, err := s.QueryUsageRange(userID, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("report.Load: window: %w", err)
	}
	today := analytics.ResolveWindow(0, 0, loc, now)
	todaySnaps, err := s.QueryUsageRange(userID, today.Start, today.End)
	if err != nil {
		return nil, fmt.Errorf("report.Load: today: %w", err)
	}

	return analytics.Compute(analytics.Input{
		Snapshots: snaps,
		Latest:    latest,
		Today:     todaySnaps,
		Timezone:  zone,
		RangeDays: rangeDays,
		Offset:    offset,
		Now:       now,
	})
}

// Options controls the plot size.
type Options struct {
	Width  int
	Height int
}

// Render writes a terminal report for username.
func Render(w io.Writer, username string, latest *analytics.Snapshot, res *analytics.Result, opts Options) error {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s · %s", username, res.ChartRangeLabel)))
	b.WriteString("\n\n")

	if latest != nil {
		fmt.Fprintf(&b, "%s %d / %d used (%d remaining), resets %s\n",
			labelStyle.Render("Quota:"), latest.Used, latest.QuotaLimit, latest.Remaining, latest.ResetDate)
	}
	b.WriteString(PaceBadge(res.PaceStatus))
	b.WriteString("\n")
	writeRecommendation(&b, res.Recommendation, res.TodayUsed)
	b.WriteString("\n")
	writeDaily(&b, res.DailyUsage)
	b.WriteString("\n")
	b.WriteString(Plot(res.PerCheckData, opts.Width, opts.Height))
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// PaceBadge renders the pace verdict with its ideal and actual usage.
func PaceBadge(p *analytics.PaceStatus) string {
	if p == nil {
		return mutedStyle.Render("Pace: no quota data")
	}
	style, ok := badges[p.Status]
	if !ok {
		style = badgeBase
	}
	badge := style.Render(strings.ToUpper(strings.ReplaceAll(p.Status, "-", " ")))
	return fmt.Sprintf("%s ideal %d, actual %d (%+d)", badge, p.IdealUsedByNow, p.ActualUsed, p.Difference)
}

func writeRecommendation(b *strings.Builder, rec analytics.Recommendation, todayUsed int) {
	row := func(label, value string) {
		fmt.Fprintf(b, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-22s", label)), value)
	}
	row("Daily budget:", fmt.Sprintf("%.2f", rec.DailyRecommended))
	row("Even daily pace:", fmt.Sprintf("%.2f", rec.DailyIdealUsage))
	row("Days remaining:", fmt.Sprintf("%d", rec.DaysRemaining))
	row("Recommended by now:", fmt.Sprintf("%.2f", rec.TotalRecommendedByNow))
	row("Used today:", fmt.Sprintf("%d", todayUsed))
	row("End-of-day target:", fmt.Sprintf("%.2f", rec.EndOfDayUsage))
	if rec.EndOfDayPercentageLeft != nil {
		row("End-of-day left:", fmt.Sprintf("%.2f%%", *rec.EndOfDayPercentageLeft))
	}
}

func writeDaily(b *strings.Builder, days []analytics.DailyBucket) {
	if len(days) == 0 {
		b.WriteString(mutedStyle.Render("No checks in this range"))
		b.WriteString("\n")
		return
	}
	b.WriteString(labelStyle.Render(fmt.Sprintf("%-10s %6s %9s %6s", "Date", "Used", "Remaining", "Total")))
	b.WriteString("\n")
	for _, d := range days {
		fmt.Fprintf(b, "%-10s %6d %9d %6d\n", d.Date, d.Used, d.Remaining, d.Total)
	}
}

// Plot draws cumulative usage against the ideal trajectory, one point per
// check. Fewer than two checks cannot be plotted.
func Plot(series analytics.PerCheckSeries, width, height int) string {
	if len(series.Used) < 2 {
		return mutedStyle.Render("Not enough checks to plot")
	}
	if width < 20 {
		width = 20
	}
	if height < 3 {
		height = 3
	}

	used := make([]float64, len(series.Used))
	ideal := make([]float64, len(series.Recommendation))
	for i, v := range series.Used {
		used[i] = float64(v)
	}
	for i, v := range series.Recommendation {
		ideal[i] = float64(v)
	}

	graph := asciigraph.PlotMany([][]float64{used, ideal},
		asciigraph.Height(height),
		asciigraph.Width(width),
		asciigraph.Caption("used (red) vs ideal (blue)"),
		asciigraph.SeriesColors(asciigraph.Red, asciigraph.Blue),
	)
	return graph
}
