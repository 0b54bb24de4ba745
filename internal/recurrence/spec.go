// Package recurrence computes the next run instant for a digest schedule.
//
// The calculator is pure: the same spec and reference time always yield the
// same result, and the result is always strictly after the reference time.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidSpec = errors.New("invalid recurrence spec")

type Frequency string

const (
	Daily    Frequency = "daily"
	Weekly   Frequency = "weekly"
	Biweekly Frequency = "biweekly"
	Monthly  Frequency = "monthly"
)

func ParseFrequency(s string) (Frequency, error) {
	switch Frequency(strings.ToLower(strings.TrimSpace(s))) {
	case Daily:
		return Daily, nil
	case Weekly:
		return Weekly, nil
	case Biweekly:
		return Biweekly, nil
	case Monthly:
		return Monthly, nil
	default:
		return "", fmt.Errorf("%w: unknown frequency %q", ErrInvalidSpec, s)
	}
}

// Spec describes when a schedule fires.
//
// DayOfWeek uses 0=Sunday..6=Saturday and applies to weekly/biweekly.
// DayOfMonth applies to monthly. Anchor applies to biweekly only: the
// 14-day cycle is anchored to the first DayOfWeek occurrence on or after
// the anchor date (normally the schedule's creation time), so the "on"
// week never drifts between runs.
type Spec struct {
	Frequency  Frequency
	DayOfWeek  int
	DayOfMonth int
	Hour       int
	Minute     int
	Timezone   string
	Anchor     time.Time
}

// ParseTimeOfDay parses a 24-hour "HH:MM" string.
func ParseTimeOfDay(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: invalid time %q, expected HH:MM", ErrInvalidSpec, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w: invalid hour in %q", ErrInvalidSpec, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: invalid minute in %q", ErrInvalidSpec, s)
	}
	return h, m, nil
}

// Validate is the strict creation-time check. Specs that fail Validate are
// rejected synchronously and never persisted.
func (s Spec) Validate() error {
	if _, err := ParseFrequency(string(s.Frequency)); err != nil {
		return err
	}
	if s.Hour < 0 || s.Hour > 23 || s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("%w: time of day %02d:%02d out of range", ErrInvalidSpec, s.Hour, s.Minute)
	}
	if strings.TrimSpace(s.Timezone) == "" {
		return fmt.Errorf("%w: timezone is required", ErrInvalidSpec)
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidSpec, s.Timezone)
	}
	switch s.Frequency {
	case Weekly, Biweekly:
		if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
			return fmt.Errorf("%w: %s requires dayOfWeek in [0,6], got %d", ErrInvalidSpec, s.Frequency, s.DayOfWeek)
		}
		if s.Frequency == Biweekly && s.Anchor.IsZero() {
			return fmt.Errorf("%w: biweekly requires an anchor date", ErrInvalidSpec)
		}
	case Monthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 28 {
			return fmt.Errorf("%w: monthly requires dayOfMonth in [1,28], got %d", ErrInvalidSpec, s.DayOfMonth)
		}
	}
	return nil
}

func (s Spec) location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return nil, fmt.Errorf("%w: timezone is required", ErrInvalidSpec)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidSpec, tz)
	}
	return loc, nil
}
