// Package schedule evaluates recurring time-of-day windows in a named timezone.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Window is a daily [Start, End) interval. End before Start wraps past midnight.
type Window struct {
	Start    time.Duration // offset from local midnight
	End      time.Duration
	Location *time.Location
	Weekdays []time.Weekday // empty means every day
}

// ParseWindow builds a window from HH:MM bounds and an IANA timezone
func ParseWindow(start, end, timezone string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("invalid window start: %w", err)
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, fmt.Errorf("invalid window end: %w", err)
	}
	if s == e {
		return Window{}, fmt.Errorf("window start and end are both %s", start)
	}

	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Window{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	return Window{Start: s, End: e, Location: loc}, nil
}

// ParseClock parses HH:MM into an offset from midnight
func ParseClock(value string) (time.Duration, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return 0, fmt.Errorf("%q is not HH:MM", value)
	}
	hours, err := strconv.Atoi(h)
	if err != nil || hours < 0 || hours > 23 {
		return 0, fmt.Errorf("%q has invalid hour", value)
	}
	minutes, err := strconv.Atoi(m)
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("%q has invalid minute", value)
	}
	return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute, nil
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t time.Time) bool {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	offset := local.Sub(StartOfDay(local, loc))

	if w.Start < w.End {
		return w.dayAllowed(local.Weekday()) && offset >= w.Start && offset < w.End
	}

	// Overnight: the portion after midnight belongs to the previous day's session
	if offset >= w.Start {
		return w.dayAllowed(local.Weekday())
	}
	if offset < w.End {
		return w.dayAllowed(local.AddDate(0, 0, -1).Weekday())
	}
	return false
}

func (w Window) dayAllowed(day time.Weekday) bool {
	if len(w.Weekdays) == 0 {
		return true
	}
	for _, d := range w.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}

// String renders the window as HH:MM-HH:MM Zone
func (w Window) String() string {
	zone := "UTC"
	if w.Location != nil {
		zone = w.Location.String()
	}
	return fmt.Sprintf("%s-%s %s", formatClock(w.Start), formatClock(w.End), zone)
}

func formatClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

// StartOfDay returns local midnight of t in loc
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// DayBounds returns [start, end) of the local calendar day containing t.
// The day is 23 or 25 hours long across a DST change.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	start := StartOfDay(t, loc)
	return start, start.AddDate(0, 0, 1)
}
