// Package runner performs scheduled digest runs: one execution per due
// schedule, serialized per schedule, with rate limiting, timeout-bounded
// collaborator calls and failure accounting.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"digestd/internal/store"
)

var (
	// ErrAlreadyRunning means an execution for this schedule is in flight.
	// The caller's run is an idempotent no-op; no Execution is created.
	ErrAlreadyRunning = errors.New("execution already in flight")

	// ErrRateLimited marks executions rejected by the per-schedule run budget
	// or the recipient cap. These runs ARE recorded as failed Executions.
	ErrRateLimited = errors.New("rate limit exceeded")
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"
)

// Execution is the immutable record of one run, successful or not.
// ErrorMessage is set exactly when Status != success.
type Execution struct {
	ID             string
	ScheduleID     string
	ExecutedAt     time.Time
	Status         Status
	RecipientCount int
	ItemsIncluded  int
	CriticalItems  int
	DurationMS     int64
	ErrorMessage   string
}

// Content is what the external generator produces for one digest run.
type Content struct {
	Subject       string
	Body          string
	ItemsIncluded int
	CriticalItems int
}

// ScheduleContext carries everything the generator needs to build a digest.
type ScheduleContext struct {
	ScheduleID string
	Name       string
	Recipients []string
	Filters    []store.GroupFilter
	LastRun    time.Time
}

// ContentGenerator is the pluggable digest content collaborator. It may block
// or fail; the runner bounds every call with a timeout.
type ContentGenerator interface {
	Generate(ctx context.Context, sc ScheduleContext) (Content, error)
}

// GeneratorFunc adapts a function to the ContentGenerator interface.
type GeneratorFunc func(ctx context.Context, sc ScheduleContext) (Content, error)

func (f GeneratorFunc) Generate(ctx context.Context, sc ScheduleContext) (Content, error) {
	return f(ctx, sc)
}

type Config struct {
	// GenerateTimeout bounds one content-generation call.
	GenerateTimeout time.Duration
	// SendTimeout bounds one delivery call.
	SendTimeout time.Duration

	// MaxRunsPerHour caps executions per schedule over a sliding hour.
	// 0 disables the check.
	MaxRunsPerHour int
	// MaxRecipients caps the resolved recipient count per run.
	// 0 disables the check.
	MaxRecipients int

	// HistorySize bounds the in-memory execution log.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	return c
}

// runState gates overlap per schedule: at most one in-flight execution,
// a second trigger (manual or timer) is a no-op, not queued.
type runState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	Total   uint64
	History []Execution
}
