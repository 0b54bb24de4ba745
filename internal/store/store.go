package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"digestd/internal/recurrence"
)

// Store is the in-memory entity store. A single coarse mutex is enough at the
// expected scale (tens of schedules, not thousands).
type Store struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
	groups    map[string]*RecipientGroup
}

func New() *Store {
	return &Store{
		schedules: map[string]*Schedule{},
		groups:    map[string]*RecipientGroup{},
	}
}

// ---- Schedules ----

// CreateSchedule validates the recurrence spec, anchors biweekly schedules to
// their creation time, and computes the first nextRun if the schedule starts
// enabled. Invalid specs are rejected and never persisted.
func (s *Store) CreateSchedule(sc Schedule, now time.Time) (Schedule, error) {
	id := strings.TrimSpace(sc.ID)
	if id == "" {
		return Schedule{}, fmt.Errorf("schedule id is required")
	}
	sc.ID = id

	if sc.Spec.Frequency == recurrence.Biweekly && sc.Spec.Anchor.IsZero() {
		sc.Spec.Anchor = now
	}
	if err := sc.Spec.Validate(); err != nil {
		return Schedule{}, err
	}

	sc.CreatedAt = now
	sc.LastRun = time.Time{}
	sc.TotalRuns = 0
	sc.SuccessfulRuns = 0
	if sc.Enabled {
		next, err := sc.Spec.Next(now)
		if err != nil {
			return Schedule{}, err
		}
		sc.NextRun = next
	} else {
		sc.NextRun = time.Time{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; ok {
		return Schedule{}, fmt.Errorf("%w: schedule %s", ErrExists, id)
	}
	cp := cloneSchedule(sc)
	s.schedules[id] = &cp
	return sc, nil
}

// UpdateSchedule replaces the mutable fields of an existing schedule.
// Identity, creation time, lastRun and the run counters are preserved.
// If the schedule is enabled, nextRun is recomputed from the new spec.
func (s *Store) UpdateSchedule(sc Schedule, now time.Time) (Schedule, error) {
	id := strings.TrimSpace(sc.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.schedules[id]
	if !ok {
		return Schedule{}, fmt.Errorf("%w: schedule %s", ErrNotFound, id)
	}

	if sc.Spec.Frequency == recurrence.Biweekly && sc.Spec.Anchor.IsZero() {
		// Keep the original cycle anchor so edits don't shift the on week.
		if prev.Spec.Frequency == recurrence.Biweekly && !prev.Spec.Anchor.IsZero() {
			sc.Spec.Anchor = prev.Spec.Anchor
		} else {
			sc.Spec.Anchor = now
		}
	}
	if err := sc.Spec.Validate(); err != nil {
		return Schedule{}, err
	}

	sc.ID = id
	sc.CreatedAt = prev.CreatedAt
	sc.LastRun = prev.LastRun
	sc.TotalRuns = prev.TotalRuns
	sc.SuccessfulRuns = prev.SuccessfulRuns
	if sc.Enabled {
		next, err := sc.Spec.Next(now)
		if err != nil {
			return Schedule{}, err
		}
		sc.NextRun = next
	} else {
		sc.NextRun = time.Time{}
	}

	cp := cloneSchedule(sc)
	s.schedules[id] = &cp
	return sc, nil
}

func (s *Store) DeleteSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return fmt.Errorf("%w: schedule %s", ErrNotFound, id)
	}
	delete(s.schedules, id)
	return nil
}

func (s *Store) GetSchedule(id string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return Schedule{}, fmt.Errorf("%w: schedule %s", ErrNotFound, id)
	}
	return cloneSchedule(*sc), nil
}

// SetEnabled toggles a schedule. Enabling recomputes nextRun from now;
// disabling clears it.
func (s *Store) SetEnabled(id string, enabled bool, now time.Time) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return Schedule{}, fmt.Errorf("%w: schedule %s", ErrNotFound, id)
	}
	sc.Enabled = enabled
	if enabled {
		next, err := sc.Spec.Next(now)
		if err != nil {
			return Schedule{}, err
		}
		sc.NextRun = next
	} else {
		sc.NextRun = time.Time{}
	}
	return cloneSchedule(*sc), nil
}

// Due returns enabled schedules with nextRun <= now, ordered by nextRun
// ascending with a stable id tie-break.
func (s *Store) Due(now time.Time) []Schedule {
	s.mu.Lock()
	var due []Schedule
	for _, sc := range s.schedules {
		if sc.Enabled && !sc.NextRun.IsZero() && !sc.NextRun.After(now) {
			due = append(due, cloneSchedule(*sc))
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRun.Equal(due[j].NextRun) {
			return due[i].NextRun.Before(due[j].NextRun)
		}
		return due[i].ID < due[j].ID
	})
	return due
}

// RecordRun applies the bookkeeping for one finished execution: lastRun,
// the monotonic counters, and a fresh nextRun computed from the original
// spec and the actual execution time. A failed run still advances to the
// next natural slot instead of retrying immediately.
func (s *Store) RecordRun(id string, executedAt time.Time, success bool) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return Schedule{}, fmt.Errorf("%w: schedule %s", ErrNotFound, id)
	}
	sc.LastRun = executedAt
	sc.TotalRuns++
	if success {
		sc.SuccessfulRuns++
	}
	if sc.Enabled {
		next, err := sc.Spec.Next(executedAt)
		if err != nil {
			return Schedule{}, err
		}
		sc.NextRun = next
	}
	return cloneSchedule(*sc), nil
}

func (s *Store) Schedules() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, cloneSchedule(*sc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---- Recipient groups ----

func (s *Store) PutGroup(g RecipientGroup) error {
	id := strings.TrimSpace(g.ID)
	if id == "" {
		return fmt.Errorf("group id is required")
	}
	g.ID = id
	g.Recipients = NormalizeRecipients(g.Recipients)

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := g
	cp.Recipients = append([]string(nil), g.Recipients...)
	s.groups[id] = &cp
	return nil
}

func (s *Store) DeleteGroup(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return fmt.Errorf("%w: group %s", ErrNotFound, id)
	}
	delete(s.groups, id)
	return nil
}

func (s *Store) GetGroup(id string) (RecipientGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return RecipientGroup{}, fmt.Errorf("%w: group %s", ErrNotFound, id)
	}
	cp := *g
	cp.Recipients = append([]string(nil), g.Recipients...)
	return cp, nil
}

// DistinctRecipients merges the recipients of the given enabled groups.
// Unknown or disabled groups contribute zero recipients, not an error.
func (s *Store) DistinctRecipients(groupIDs []string) []string {
	s.mu.Lock()
	var all []string
	for _, id := range groupIDs {
		g, ok := s.groups[id]
		if !ok || !g.Enabled {
			continue
		}
		all = append(all, g.Recipients...)
	}
	s.mu.Unlock()
	return NormalizeRecipients(all)
}

// NormalizeRecipients trims, lowercases and dedupes addresses, keeping the
// first occurrence order and dropping empties.
func NormalizeRecipients(in []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range in {
		addr := strings.ToLower(strings.TrimSpace(r))
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

func cloneSchedule(sc Schedule) Schedule {
	sc.RecipientGroups = append([]string(nil), sc.RecipientGroups...)
	return sc
}
