// Package cutoff decides whether a meal change is still allowed and enforces that
// decision on the server.
package cutoff

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultMorningHour is the morning cutoff in the reference zone.
	DefaultMorningHour = 8
	// DefaultNightHour is the night cutoff in the reference zone.
	DefaultNightHour = 17
	// DefaultTimezone is the reference zone used when none is configured.
	DefaultTimezone = "Asia/Dhaka"

	noonHour   = 12
	labelStamp = "3:04 PM"
)

// ErrInvalidCutoffHour indicates a cutoff hour outside 0-23.
var ErrInvalidCutoffHour = errors.New("cutoff: invalid cutoff hour")

// Config holds the cutoff hours and the zone they are evaluated in.
type Config struct {
	MorningHour int
	NightHour   int
	Location    *time.Location
}

// Window describes the cutoff that applies to a period on a date.
type Window struct {
	Period        Period
	CutoffHour    int
	ReferenceDate Date
}

// Policy evaluates cutoffs. It has no side effects and is safe to copy.
type Policy struct {
	morningHour int
	nightHour   int
	location    *time.Location
}

// NewPolicy validates cfg. A nil location means UTC.
func NewPolicy(cfg Config) (Policy, error) {
	if cfg.MorningHour < 0 || cfg.MorningHour > 23 {
		return Policy{}, fmt.Errorf("%w: morning %d", ErrInvalidCutoffHour, cfg.MorningHour)
	}
	if cfg.NightHour < 0 || cfg.NightHour > 23 {
		return Policy{}, fmt.Errorf("%w: night %d", ErrInvalidCutoffHour, cfg.NightHour)
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	return Policy{
		morningHour: cfg.MorningHour,
		nightHour:   cfg.NightHour,
		location:    location,
	}, nil
}

// Location returns the reference zone.
func (p Policy) Location() *time.Location {
	if p.location == nil {
		return time.UTC
	}
	return p.location
}

// CutoffHour returns the configured hour for period.
func (p Policy) CutoffHour(period Period) int {
	if period == PeriodNight {
		return p.nightHour
	}
	return p.morningHour
}

// CutoffLabel renders the cutoff hour for display, e.g. "8:00 AM".
func (p Policy) CutoffLabel(period Period) string {
	return time.Date(2000, time.January, 1, p.CutoffHour(period), 0, 0, 0, time.UTC).Format(labelStamp)
}

// Today returns the calendar date of now in the reference zone.
func (p Policy) Today(now time.Time) Date {
	return DateOf(now, p.Location())
}

// Window returns the cutoff window for period on the reference date of now.
func (p Policy) Window(period Period, now time.Time) Window {
	return Window{Period: period, CutoffHour: p.CutoffHour(period), ReferenceDate: p.Today(now)}
}

// IsCutoffPassed partitions by date first: future dates are always open, past dates are
// always closed, and only today compares the hour.
func (p Policy) IsCutoffPassed(period Period, targetDate Date, now time.Time) bool {
	today := p.Today(now)
	switch targetDate.Compare(today) {
	case 1:
		return false
	case -1:
		return true
	default:
		return now.In(p.Location()).Hour() >= p.CutoffHour(period)
	}
}

// TimeUntilCutoff returns the time left before today's cutoff for period, or zero.
func (p Policy) TimeUntilCutoff(period Period, now time.Time) time.Duration {
	deadline := p.Today(now).At(p.CutoffHour(period), p.Location())
	remaining := deadline.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ActivePeriod suggests morning before noon and night afterwards. It is a display default
// and never used for enforcement.
func (p Policy) ActivePeriod(now time.Time) Period {
	if now.In(p.Location()).Hour() < noonHour {
		return PeriodMorning
	}
	return PeriodNight
}
