// Package store holds the schedule and recipient-group entities and owns the
// due-schedule scan. It is the only place schedule bookkeeping is mutated, so
// the monotonic run counters and the nextRun/enabled invariant are enforced
// here and nowhere else.
package store

import (
	"errors"
	"time"

	"digestd/internal/recurrence"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// Schedule is a recurring digest job. Identity (ID) is immutable; edits
// replace mutable fields only. NextRun is set exactly when Enabled is true.
type Schedule struct {
	ID   string
	Name string
	Spec recurrence.Spec

	Enabled         bool
	RecipientGroups []string

	CreatedAt time.Time
	LastRun   time.Time // zero until the first run
	NextRun   time.Time // zero while disabled

	TotalRuns      int
	SuccessfulRuns int
}

// GroupFilter narrows what a recipient group wants to hear about. It is
// forwarded to the content generator; empty slices mean no restriction.
type GroupFilter struct {
	Severities  []string
	Authorities []string
	UpdateTypes []string
}

// RecipientGroup is a named, filtered set of addressees. Recipient addresses
// are deduplicated case-insensitively.
type RecipientGroup struct {
	ID         string
	Name       string
	Recipients []string
	Filter     GroupFilter
	Enabled    bool
}
