package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/onllm-dev/onpace/internal/analytics"
	"github.com/onllm-dev/onpace/internal/testutil"
)

func TestLoad(t *testing.T) {
	s := testutil.InMemoryStore(t)
	now := time.Date(2026, 3, 20, 15, 0, 0, 0, time.UTC)
	u := testutil.SeedUser(t, s, "octocat", "ghp_token", now.Add(-time.Hour), 250, 240, 230)

	latest, err := s.QueryLatestUsage(u.ID)
	if err != nil || latest == nil {
		t.Fatalf("QueryLatestUsage: %v", err)
	}
	res, err := Load(s, u.ID, "", latest, 7, 0, now)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.ChartRangeLabel != "Last 7 days" {
		t.Errorf("label = %q", res.ChartRangeLabel)
	}
	if len(res.PerCheckData.Used) != 3 {
		t.Errorf("per-check points = %d, want 3", len(res.PerCheckData.Used))
	}
	if res.TodayUsed != 20 {
		t.Errorf("TodayUsed = %d, want 20", res.TodayUsed)
	}
	if res.PaceStatus == nil {
		t.Error("PaceStatus should be set with a finite quota")
	}
}

func TestLoad_InvalidZone(t *testing.T) {
	s := testutil.InMemoryStore(t)
	if _, err := Load(s, "nobody", "Not/AZone", nil, 30, 0, time.Now()); err == nil {
		t.Error("expected error for invalid zone")
	}
}

func TestRender(t *testing.T) {
	s := testutil.InMemoryStore(t)
	now := time.Date(2026, 3, 20, 15, 0, 0, 0, time.UTC)
	u := testutil.SeedUser(t, s, "octocat", "ghp_token", now.Add(-time.Hour), 250, 240, 230)
	latest, _ := s.QueryLatestUsage(u.ID)
	res, err := Load(s, u.ID, "", latest, 30, 0, now)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var buf bytes.Buffer
	if err := Render(&buf, "octocat", latest, res, Options{Width: 40, Height: 5}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"octocat",
		"Last 30 days",
		"70 / 300 used",
		"Daily budget:",
		"Days remaining:",
		"2026-03-20",
		"used (red) vs ideal (blue)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q\n%s", want, out)
		}
	}
}

func TestRender_Empty(t *testing.T) {
	res, err := analytics.Compute(analytics.Input{RangeDays: 30, Now: time.Now()})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	var buf bytes.Buffer
	if err := Render(&buf, "ghost", nil, res, Options{}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"No checks in this range", "Not enough checks to plot", "no quota data"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q\n%s", want, out)
		}
	}
}

func TestPaceBadge(t *testing.T) {
	tests := []struct {
		status analytics.PaceStatus
		want   string
	}{
		{analytics.PaceStatus{Status: analytics.OnPace, IdealUsedByNow: 100, ActualUsed: 100}, "ON PACE"},
		{analytics.PaceStatus{Status: analytics.UnderPace, Difference: 40, IdealUsedByNow: 100, ActualUsed: 60}, "+40"},
		{analytics.PaceStatus{Status: analytics.OverPace, Difference: -25, IdealUsedByNow: 100, ActualUsed: 125}, "OVER PACE"},
	}
	for _, tt := range tests {
		if got := PaceBadge(&tt.status); !strings.Contains(got, tt.want) {
			t.Errorf("PaceBadge(%s) = %q, want it to contain %q", tt.status.Status, got, tt.want)
		}
	}
}

func TestPlot(t *testing.T) {
	if got := Plot(analytics.PerCheckSeries{Used: []int{5}, Recommendation: []int{4}}, 40, 5); !strings.Contains(got, "Not enough checks") {
		t.Errorf("single point plot = %q", got)
	}

	got := Plot(analytics.PerCheckSeries{
		Used:           []int{10, 20, 30, 45},
		Recommendation: []int{10, 20, 30, 40},
	}, 10, 1)
	if !strings.Contains(got, "┤") {
		t.Errorf("plot has no axis:\n%s", got)
	}
}
