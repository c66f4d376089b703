package domain

import "strings"

// Recurrence names how often a user publishes.
type Recurrence string

const (
	RecurrenceDaily    Recurrence = "daily"
	RecurrenceWeekly   Recurrence = "weekly"
	RecurrenceBiweekly Recurrence = "biweekly"
	RecurrenceMonthly  Recurrence = "monthly"
	RecurrenceCustom   Recurrence = "custom"
)

const (
	DefaultPostingTime = "10:00"
	DefaultCustomDays  = 7
)

// ParseRecurrence never fails: unknown kinds are treated as weekly.
func ParseRecurrence(s string) Recurrence {
	switch r := Recurrence(strings.ToLower(strings.TrimSpace(s))); r {
	case RecurrenceDaily, RecurrenceWeekly, RecurrenceBiweekly, RecurrenceMonthly, RecurrenceCustom:
		return r
	default:
		return RecurrenceWeekly
	}
}

// Cadence is a user's posting rhythm.
type Cadence struct {
	Kind Recurrence
	// CustomDays is only read when Kind is custom. Zero or negative means 7.
	CustomDays int
	// PreferredTime is "HH:MM" in 24h form.
	PreferredTime string
}
