package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ExecutionRecord mirrors one digest run.
// Keep it compact and schema-stable.
type ExecutionRecord struct {
	ID             string    `json:"id"`
	ScheduleID     string    `json:"schedule_id"`
	ExecutedAt     time.Time `json:"executed_at"`
	Status         string    `json:"status"`
	RecipientCount int       `json:"recipient_count"`
	ItemsIncluded  int       `json:"items_included"`
	CriticalItems  int       `json:"critical_items"`
	DurationMS     int64     `json:"duration_ms"`
	Error          string    `json:"error,omitempty"`
}

// NotificationRecord mirrors one rule-driven delivery attempt.
type NotificationRecord struct {
	ID             string    `json:"id"`
	RuleID         string    `json:"rule_id"`
	RuleName       string    `json:"rule_name"`
	Event          string    `json:"event"`
	Platform       string    `json:"platform,omitempty"`
	ResourcesCount int       `json:"resources_count,omitempty"`
	Recipients     int       `json:"recipients"`
	Subject        string    `json:"subject"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}
