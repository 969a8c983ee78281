// Package analytics turns an ordered series of quota snapshots into the
// usage views shown on the dashboard: calendar-day buckets, a linear-pace
// recommendation, a per-check cumulative trajectory and a pace verdict.
//
// Every function here is pure. The current time is always passed in, and
// nothing reads the wall clock or touches storage.
package analytics

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // embedded zone database
)

// ErrInvalidTimezone is returned when a zone identifier cannot be resolved.
var ErrInvalidTimezone = errors.New("analytics: invalid timezone")

const dateLayout = "2006-01-02"

// Date is a calendar date without a time component.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate parses a YYYY-MM-DD string. A full RFC 3339 timestamp is also
// accepted; only its date part is kept.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if len(s) > len(dateLayout) {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return DateOf(t, time.UTC), nil
		}
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("analytics.ParseDate: %w", err)
	}
	return DateOf(t, time.UTC), nil
}

// DateOf returns the calendar date of t in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	y, m, d := t.In(loc).Date()
	return Date{Year: y, Month: m, Day: d}
}

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// AddDays returns d shifted by n calendar days.
func (d Date) AddDays(n int) Date {
	return DateOf(d.In(time.UTC).AddDate(0, 0, n), time.UTC)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.In(time.UTC).Format(dateLayout)
}

// MarshalText encodes the date as YYYY-MM-DD.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a YYYY-MM-DD date.
func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// LoadZone resolves an IANA zone identifier. An empty name means UTC.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	// "Local" is the host's zone, not an IANA identifier.
	if name == "Local" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	return loc, nil
}

// StartOfDay returns local midnight of the day containing t.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	return DateOf(t, loc).In(loc)
}

// LocalDate returns the YYYY-MM-DD date of t in loc.
func LocalDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dateLayout)
}

// addLocalDays moves a local midnight by n calendar days and snaps the
// result back to midnight, so DST transitions never leak an hour.
func addLocalDays(midnight time.Time, n int, loc *time.Location) time.Time {
	return StartOfDay(midnight.In(loc).AddDate(0, 0, n), loc)
}

// WholeDaysBetween counts calendar days from a to b. Negative when b is
// before a.
func WholeDaysBetween(a, b Date) int {
	return int(b.In(time.UTC).Sub(a.In(time.UTC)).Hours() / 24)
}

// DayFraction is the elapsed part of the local day at t, in days.
func DayFraction(t time.Time, loc *time.Location) float64 {
	local := t.In(loc)
	return (float64(local.Hour()) + float64(local.Minute())/60) / 24
}

// ElapsedDays measures whole local days from the date from to the local
// date of t, plus the hour/minute fraction of t's local day.
func ElapsedDays(from Date, t time.Time, loc *time.Location) float64 {
	return float64(WholeDaysBetween(from, DateOf(t, loc))) + DayFraction(t, loc)
}

// DaysBetween returns the signed fractional number of days from a to b.
func DaysBetween(a, b time.Time) float64 {
	return b.Sub(a).Hours() / 24
}
