// Package planner turns a posting cadence into concrete due instants.
//
// Everything here is pure: identical inputs give identical outputs, and no
// clock is read. Callers pass "now" in the location whose wall clock the
// preferred time refers to.
package planner

import (
	"strconv"
	"strings"
	"time"

	"postpilot/internal/domain"
)

// DefaultCount is how many instants one batch plans.
const DefaultCount = 10

const day = 24 * time.Hour

const (
	fallbackHour   = 10
	fallbackMinute = 0
)

// Plan returns count instants, ascending and exactly IntervalDays*24h apart.
// The first one is the preferred time of day on now's date, pushed 24h
// later when it is not strictly after now. Across a DST change later
// instants keep the spacing, not the wall-clock time.
func Plan(c domain.Cadence, now time.Time, count int) []time.Time {
	if count <= 0 {
		count = DefaultCount
	}
	hour, minute := ParseTimeOfDay(c.PreferredTime)
	step := IntervalDays(c)

	first := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !first.After(now) {
		first = first.Add(day)
	}

	out := make([]time.Time, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, first.Add(time.Duration(i*step)*day))
	}
	return out
}

// IntervalDays maps a cadence to its spacing in days.
func IntervalDays(c domain.Cadence) int {
	switch domain.ParseRecurrence(string(c.Kind)) {
	case domain.RecurrenceDaily:
		return 1
	case domain.RecurrenceBiweekly:
		return 14
	case domain.RecurrenceMonthly:
		return 30
	case domain.RecurrenceCustom:
		if c.CustomDays >= 1 {
			return c.CustomDays
		}
		return domain.DefaultCustomDays
	default:
		return 7
	}
}

// ParseTimeOfDay reads "HH:MM" (24h). Anything malformed yields 10:00.
func ParseTimeOfDay(s string) (hour, minute int) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return fallbackHour, fallbackMinute
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return fallbackHour, fallbackMinute
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return fallbackHour, fallbackMinute
	}
	return h, m
}
