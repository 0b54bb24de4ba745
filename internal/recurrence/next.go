package recurrence

import (
	"fmt"
	"time"
)

// Next returns the next run instant strictly after now.
//
// Next is total for any spec with a known frequency and a loadable timezone:
// out-of-range day-of-month values are clamped to the target month's last day
// (never rolled into the following month) and day-of-week is normalized mod 7.
// The full creation-time constraints live in Validate.
func (s Spec) Next(now time.Time) (time.Time, error) {
	loc, err := s.location()
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)

	switch s.Frequency {
	case Daily:
		cand := resolveLocal(local.Year(), local.Month(), local.Day(), s.Hour, s.Minute, loc)
		if cand.After(now) {
			return cand, nil
		}
		y, m, d := local.AddDate(0, 0, 1).Date()
		return resolveLocal(y, m, d, s.Hour, s.Minute, loc), nil

	case Weekly:
		return s.nextWeekday(now, local, loc), nil

	case Biweekly:
		// The weekly candidate is the nearest weekday match; snapToAnchor
		// pushes it a week when it lands on the off week. Stepping 14 here
		// instead would skip an on-week slot whenever now is on an off week.
		cand := s.nextWeekday(now, local, loc)
		return s.snapToAnchor(cand, loc), nil

	case Monthly:
		y, m := local.Year(), local.Month()
		cand := resolveLocal(y, m, clampDay(y, m, s.DayOfMonth), s.Hour, s.Minute, loc)
		if cand.After(now) {
			return cand, nil
		}
		ny, nm, _ := time.Date(y, m+1, 1, 0, 0, 0, 0, loc).Date()
		return resolveLocal(ny, nm, clampDay(ny, nm, s.DayOfMonth), s.Hour, s.Minute, loc), nil

	default:
		return time.Time{}, fmt.Errorf("%w: unknown frequency %q", ErrInvalidSpec, s.Frequency)
	}
}

// nextWeekday finds the earliest instant strictly after now that falls on
// s.DayOfWeek at the configured time of day. When the nearest matching day has
// already passed, the candidate advances a week.
func (s Spec) nextWeekday(now, local time.Time, loc *time.Location) time.Time {
	dow := ((s.DayOfWeek % 7) + 7) % 7
	delta := (dow - int(local.Weekday()) + 7) % 7
	day := local.AddDate(0, 0, delta)
	cand := resolveLocal(day.Year(), day.Month(), day.Day(), s.Hour, s.Minute, loc)
	if !cand.After(now) {
		day = day.AddDate(0, 0, 7)
		cand = resolveLocal(day.Year(), day.Month(), day.Day(), s.Hour, s.Minute, loc)
	}
	return cand
}

// snapToAnchor moves a weekday-matching candidate onto the anchored 14-day
// lattice. The epoch is the first DayOfWeek occurrence on or after the anchor
// date; candidates an odd number of weeks away land on the off week and are
// pushed out by 7 days. A zero anchor falls back to the Unix epoch so the
// result stays deterministic.
func (s Spec) snapToAnchor(cand time.Time, loc *time.Location) time.Time {
	anchor := s.Anchor
	if anchor.IsZero() {
		anchor = time.Unix(0, 0)
	}
	a := anchor.In(loc)
	dow := ((s.DayOfWeek % 7) + 7) % 7
	epoch := a.AddDate(0, 0, (dow-int(a.Weekday())+7)%7)

	weeks := civilDaysBetween(epoch, cand) / 7
	if weeks%2 != 0 {
		day := cand.In(loc).AddDate(0, 0, 7)
		cand = resolveLocal(day.Year(), day.Month(), day.Day(), s.Hour, s.Minute, loc)
	}
	return cand
}

// civilDaysBetween counts calendar days from a to b using their local dates.
// Both are expected to share a weekday, so the result is a multiple of 7.
func civilDaysBetween(a, b time.Time) int {
	au := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bu := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bu.Sub(au).Hours() / 24)
}

func clampDay(year int, month time.Month, day int) int {
	if day < 1 {
		return 1
	}
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}

// resolveLocal builds the instant for a nominal local wall-clock time.
//
// When the nominal time falls inside a DST gap (a spring-forward hole),
// time.Date normalizes it past the transition. In that case we walk back to
// the transition itself: the first valid instant at or after the nominal
// time. Duplicated local times (fall-back) resolve to whichever offset the
// runtime picks, which is stable for a given zone database.
func resolveLocal(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, hour, minute, 0, 0, loc)
	want := hour*60 + minute
	if t.Hour()*60+t.Minute() == want && t.Day() == day {
		return t
	}

	// Inside a gap: every instant from the transition up to t reads a local
	// clock at or after the nominal time, so step back to the transition.
	_, off := t.Zone()
	for {
		prev := t.Add(-time.Minute)
		if _, poff := prev.Zone(); poff != off {
			break
		}
		if prev.Hour()*60+prev.Minute() < want && prev.Day() == day {
			break
		}
		t = prev
	}
	return t
}
