// Package timeutil provides calendar-day arithmetic in per-user time zones.
// Streaks, weekend bonuses and leaderboard buckets are all defined in
// calendar days, so every helper here takes an explicit *time.Location.
package timeutil

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FormatDate is the calendar date layout used on the wire (YYYY-MM-DD).
const FormatDate = "2006-01-02"

// DefaultZone is used when a user has no configured time zone.
const DefaultZone = "UTC"

var (
	zonesMu sync.RWMutex
	zones   = map[string]*time.Location{"UTC": time.UTC, "": time.UTC}
)

// LoadLocation resolves an IANA zone name and caches the result.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	zonesMu.RLock()
	loc, ok := zones[name]
	zonesMu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q: %w", name, err)
	}
	zonesMu.Lock()
	zones[name] = loc
	zonesMu.Unlock()
	return loc, nil
}

// MustLoadLocation is LoadLocation for static zone names. It falls back to UTC.
func MustLoadLocation(name string) *time.Location {
	loc, err := LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Date is a calendar date without a time component.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t as observed in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return Date{Year: y, Month: m, Day: d}
}

// NewDate builds a normalized Date (e.g. Feb 30 becomes Mar 1 or 2).
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC), time.UTC)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(FormatDate, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return DateOf(t, time.UTC), nil
}

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// String returns the YYYY-MM-DD form.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// AddDays returns d shifted by n calendar days.
func (d Date) AddDays(n int) Date {
	return DateOf(d.In(time.UTC).AddDate(0, 0, n), time.UTC)
}

// DaysSince returns the number of calendar days from other to d.
// It is negative when d is before other.
func (d Date) DaysSince(other Date) int {
	return int(d.In(time.UTC).Sub(other.In(time.UTC)).Hours() / 24)
}

// Before reports whether d is strictly before other.
func (d Date) Before(other Date) bool { return d.DaysSince(other) < 0 }

// After reports whether d is strictly after other.
func (d Date) After(other Date) bool { return d.DaysSince(other) > 0 }

// Weekday returns the day of the week of d.
func (d Date) Weekday() time.Weekday { return d.In(time.UTC).Weekday() }

// IsWeekend reports whether d is a Saturday or Sunday.
func (d Date) IsWeekend() bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// MarshalJSON encodes the date as "YYYY-MM-DD" (or null when zero).
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes "YYYY-MM-DD" or null.
func (d *Date) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	return DateOf(t, loc).In(loc)
}

// StartOfWeek returns Monday 00:00 of t's ISO week in loc.
func StartOfWeek(t time.Time, loc *time.Location) time.Time {
	d := DateOf(t, loc)
	offset := int(d.Weekday()) - 1
	if offset < 0 {
		offset = 6 // Sunday
	}
	return d.AddDays(-offset).In(loc)
}

// StartOfMonth returns the first day of t's month at 00:00 in loc.
func StartOfMonth(t time.Time, loc *time.Location) time.Time {
	d := DateOf(t, loc)
	return NewDate(d.Year, d.Month, 1).In(loc)
}

// WeekKey returns the ISO week identifier of t in loc, e.g. "2026-W42".
func WeekKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	y, w := t.In(loc).ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

// MonthKey returns the month identifier of t in loc, e.g. "2026-10".
func MonthKey(t time.Time, loc *time.Location) string {
	d := DateOf(t, loc)
	return fmt.Sprintf("%04d-%02d", d.Year, int(d.Month))
}
