package analytics

import (
	"testing"
	"time"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestResolveWindow_UTC(t *testing.T) {
	now := utc(2026, time.March, 10, 15, 0)

	tests := []struct {
		name      string
		rangeDays int
		offset    int
		start     time.Time
		end       time.Time
		label     string
	}{
		{"today", 0, 0, utc(2026, 3, 10, 0, 0), utc(2026, 3, 11, 0, 0), "Today"},
		{"yesterday", 0, 1, utc(2026, 3, 9, 0, 0), utc(2026, 3, 10, 0, 0), "Yesterday"},
		{"two days ago", 0, 2, utc(2026, 3, 8, 0, 0), utc(2026, 3, 9, 0, 0), "Mar 08"},
		{"last day", 1, 0, utc(2026, 3, 10, 0, 0), utc(2026, 3, 11, 0, 0), "Last 1 day"},
		{"last week", 7, 0, utc(2026, 3, 4, 0, 0), utc(2026, 3, 11, 0, 0), "Last 7 days"},
		{"previous week", 7, 1, utc(2026, 2, 25, 0, 0), utc(2026, 3, 4, 0, 0), "Feb 25 – Mar 04"},
		{"last 30 days", 30, 0, utc(2026, 2, 9, 0, 0), utc(2026, 3, 11, 0, 0), "Last 30 days"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ResolveWindow(tt.rangeDays, tt.offset, time.UTC, now)
			if !w.Start.Equal(tt.start) {
				t.Errorf("Start = %v, want %v", w.Start, tt.start)
			}
			if !w.End.Equal(tt.end) {
				t.Errorf("End = %v, want %v", w.End, tt.end)
			}
			if w.Label != tt.label {
				t.Errorf("Label = %q, want %q", w.Label, tt.label)
			}
		})
	}
}

func TestResolveWindow_OffsetStepsWholeWindows(t *testing.T) {
	now := utc(2026, time.March, 10, 15, 0)
	current := ResolveWindow(7, 0, time.UTC, now)
	previous := ResolveWindow(7, 1, time.UTC, now)
	if !previous.End.Equal(current.Start) {
		t.Errorf("previous.End = %v, want current.Start %v", previous.End, current.Start)
	}
	if got := previous.End.Sub(previous.Start); got != 7*24*time.Hour {
		t.Errorf("window length = %v, want 168h", got)
	}
}

func TestResolveWindow_UserTimezone(t *testing.T) {
	ny := mustZone(t, "America/New_York")
	// 03:30 UTC Mar 10 is 23:30 Mar 9 in New York.
	now := utc(2026, time.March, 10, 3, 30)

	w := ResolveWindow(0, 0, ny, now)
	if want := utc(2026, 3, 9, 4, 0); !w.Start.Equal(want) {
		t.Errorf("Start = %v, want %v", w.Start, want)
	}
	if want := utc(2026, 3, 10, 4, 0); !w.End.Equal(want) {
		t.Errorf("End = %v, want %v", w.End, want)
	}
	if w.Start.Location() != time.UTC {
		t.Errorf("Start location = %v, want UTC", w.Start.Location())
	}
}

func TestResolveWindow_SpansDSTChange(t *testing.T) {
	ny := mustZone(t, "America/New_York")
	now := utc(2026, time.March, 10, 15, 0)

	w := ResolveWindow(7, 0, ny, now)
	// Mar 4 is EST (UTC-5), Mar 11 is EDT (UTC-4).
	if want := utc(2026, 3, 4, 5, 0); !w.Start.Equal(want) {
		t.Errorf("Start = %v, want %v", w.Start, want)
	}
	if want := utc(2026, 3, 11, 4, 0); !w.End.Equal(want) {
		t.Errorf("End = %v, want %v", w.End, want)
	}
}

func TestResolveWindow_Normalizes(t *testing.T) {
	now := utc(2026, time.March, 10, 15, 0)

	w := ResolveWindow(5, 0, time.UTC, now)
	if w.RangeDays != 30 {
		t.Errorf("RangeDays = %d, want 30", w.RangeDays)
	}

	w = ResolveWindow(7, 99, time.UTC, now)
	if w.Offset != MaxOffset {
		t.Errorf("Offset = %d, want %d", w.Offset, MaxOffset)
	}

	w = ResolveWindow(7, -3, time.UTC, now)
	if w.Offset != 0 || w.Label != "Last 7 days" {
		t.Errorf("Offset = %d label = %q, want 0 / Last 7 days", w.Offset, w.Label)
	}

	w = ResolveWindow(0, 0, nil, now)
	if w.Label != "Today" {
		t.Errorf("nil location label = %q", w.Label)
	}
}

func TestResolveWindow_Idempotent(t *testing.T) {
	now := utc(2026, time.March, 10, 15, 0)
	a := ResolveWindow(7, 0, time.UTC, now)
	b := ResolveWindow(7, 0, time.UTC, now)
	if !a.Start.Equal(b.Start) || !a.End.Equal(b.End) {
		t.Errorf("windows differ: %v-%v vs %v-%v", a.Start, a.End, b.Start, b.End)
	}
}

func TestWindow_ContainsIsHalfOpen(t *testing.T) {
	w := ResolveWindow(0, 0, time.UTC, utc(2026, time.March, 10, 15, 0))
	if !w.Contains(w.Start) {
		t.Error("Start should be inside the window")
	}
	if w.Contains(w.End) {
		t.Error("End should be outside the window")
	}
	if !w.Contains(w.End.Add(-time.Nanosecond)) {
		t.Error("instant before End should be inside the window")
	}
}
