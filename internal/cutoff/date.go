package cutoff

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

var (
	// ErrInvalidDate indicates a calendar date that cannot be parsed.
	ErrInvalidDate = errors.New("cutoff: invalid date")
	// ErrInvalidPeriod indicates an unknown meal period.
	ErrInvalidPeriod = errors.New("cutoff: invalid period")
	// ErrInvalidAction indicates an unknown meal action.
	ErrInvalidAction = errors.New("cutoff: invalid action")
)

// Date is a calendar date without a time of day or zone.
type Date struct {
	year  int
	month time.Month
	day   int
}

// NewDate normalizes the components the same way time.Date does.
func NewDate(year int, month time.Month, day int) Date {
	normalized := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return Date{year: normalized.Year(), month: normalized.Month(), day: normalized.Day()}
}

// DateOf returns the calendar date of instant in loc.
func DateOf(instant time.Time, loc *time.Location) Date {
	local := instant.In(loc)
	return Date{year: local.Year(), month: local.Month(), day: local.Day()}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(rawInput string) (Date, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return Date{}, fmt.Errorf("%w: empty", ErrInvalidDate)
	}
	parsed, err := time.Parse(dateLayout, trimmed)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, trimmed)
	}
	return Date{year: parsed.Year(), month: parsed.Month(), day: parsed.Day()}, nil
}

// IsZero reports whether d was never set.
func (d Date) IsZero() bool {
	return d.year == 0 && d.month == 0 && d.day == 0
}

// String renders the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.year, int(d.month), d.day)
}

// Compare returns -1, 0 or +1 when d is before, equal to, or after other.
func (d Date) Compare(other Date) int {
	switch {
	case d.year != other.year:
		return compareInts(d.year, other.year)
	case d.month != other.month:
		return compareInts(int(d.month), int(other.month))
	default:
		return compareInts(d.day, other.day)
	}
}

// AddDays returns the date n days after d.
func (d Date) AddDays(n int) Date {
	return NewDate(d.year, d.month, d.day+n)
}

// At returns the instant at hour:00 on d in loc.
func (d Date) At(hour int, loc *time.Location) time.Time {
	return time.Date(d.year, d.month, d.day, hour, 0, 0, 0, loc)
}

// MarshalText encodes the date as YYYY-MM-DD.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a YYYY-MM-DD date.
func (d *Date) UnmarshalText(text []byte) error {
	parsed, err := ParseDate(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func compareInts(left, right int) int {
	switch {
	case left < right:
		return -1
	case left > right:
		return 1
	default:
		return 0
	}
}

// Period is a meal period with its own cutoff.
type Period string

const (
	// PeriodMorning is the morning meal.
	PeriodMorning Period = "morning"
	// PeriodNight is the night meal.
	PeriodNight Period = "night"
)

// ParsePeriod validates a period name.
func ParsePeriod(rawInput string) (Period, error) {
	switch Period(strings.ToLower(strings.TrimSpace(rawInput))) {
	case PeriodMorning:
		return PeriodMorning, nil
	case PeriodNight:
		return PeriodNight, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, rawInput)
	}
}

// String returns the period name.
func (p Period) String() string {
	return string(p)
}

// Action is a deadline-sensitive meal change.
type Action string

const (
	// ActionAdd registers a meal.
	ActionAdd Action = "add"
	// ActionRemove cancels a meal.
	ActionRemove Action = "remove"
)

// ParseAction validates an action name.
func ParseAction(rawInput string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ActionAdd:
		return ActionAdd, nil
	case ActionRemove:
		return ActionRemove, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, rawInput)
	}
}

// PastTense returns "added" or "removed".
func (a Action) PastTense() string {
	if a == ActionRemove {
		return "removed"
	}
	return "added"
}
