package analytics

import (
	"fmt"
	"time"
)

// Chart range bounds accepted from callers.
const (
	DefaultRangeDays = 30
	MaxOffset        = 52 // ~1.5 years back at the 30-day range
)

var allowedRanges = map[int]bool{0: true, 1: true, 7: true, 30: true}

// Window is a half-open [Start, End) interval of UTC instants.
type Window struct {
	Start     time.Time
	End       time.Time
	RangeDays int
	Offset    int
	Label     string
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// NormalizeRange maps an unsupported range to 30 days and clamps the offset
// to [0, MaxOffset]. It never fails.
func NormalizeRange(rangeDays, offset int) (int, int) {
	if !allowedRanges[rangeDays] {
		rangeDays = DefaultRangeDays
	}
	if offset < 0 {
		offset = 0
	}
	if offset > MaxOffset {
		offset = MaxOffset
	}
	return rangeDays, offset
}

// ResolveWindow turns a range and a window offset into calendar-aligned
// bounds in the user's zone. Range 0 is a single day stepped back by offset
// days; every other range steps back by whole windows.
func ResolveWindow(rangeDays, offset int, loc *time.Location, now time.Time) Window {
	if loc == nil {
		loc = time.UTC
	}
	rangeDays, offset = NormalizeRange(rangeDays, offset)
	today := StartOfDay(now, loc)

	var start, end time.Time
	if rangeDays == 0 {
		start = addLocalDays(today, -offset, loc)
		end = addLocalDays(start, 1, loc)
	} else {
		end = addLocalDays(today, -offset*rangeDays+1, loc)
		start = addLocalDays(end, -rangeDays, loc)
	}

	return Window{
		Start:     start.UTC(),
		End:       end.UTC(),
		RangeDays: rangeDays,
		Offset:    offset,
		Label:     rangeLabel(rangeDays, offset, start, end),
	}
}

func rangeLabel(rangeDays, offset int, start, end time.Time) string {
	if rangeDays == 0 {
		switch offset {
		case 0:
			return "Today"
		case 1:
			return "Yesterday"
		default:
			return start.Format("Jan 02")
		}
	}
	if offset == 0 {
		if rangeDays == 1 {
			return "Last 1 day"
		}
		return fmt.Sprintf("Last %d days", rangeDays)
	}
	return start.Format("Jan 02") + " – " + end.Format("Jan 02")
}
