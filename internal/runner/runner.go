package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"digestd/internal/eventbus"
	"digestd/internal/journal"
	"digestd/internal/store"
	"digestd/internal/transport"
	"digestd/pkg/logx"
)

// Runner executes schedules: resolves recipients, generates digest content
// and delivers it, recording every attempt in a bounded execution log.
type Runner struct {
	cfg    Config
	store  *store.Store
	gen    ContentGenerator
	mailer transport.Mailer
	bus    eventbus.Bus
	log    logx.Logger

	mu     sync.Mutex
	states map[string]*runState
	recent map[string][]time.Time

	history *journal.Journal[Execution]
	seq     atomic.Uint64
}

func New(cfg Config, st *store.Store, gen ContentGenerator, mailer transport.Mailer, bus eventbus.Bus, log logx.Logger) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		cfg:     cfg,
		store:   st,
		gen:     gen,
		mailer:  mailer,
		bus:     bus,
		log:     log,
		states:  make(map[string]*runState),
		recent:  make(map[string][]time.Time),
		history: journal.New[Execution](cfg.HistorySize),
	}
}

func (r *Runner) state(id string) *runState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	if !ok {
		st = &runState{}
		r.states[id] = st
	}
	return st
}

// Run executes one schedule at the given instant. It returns an error only
// when no Execution was produced: unknown schedule, or an execution already
// in flight. Generation, delivery and rate-limit failures are recorded as
// failed or partial Executions and return nil.
func (r *Runner) Run(ctx context.Context, scheduleID string, now time.Time) error {
	sc, err := r.store.GetSchedule(scheduleID)
	if err != nil {
		return err
	}

	st := r.state(scheduleID)
	if !st.tryAcquire() {
		r.log.Debug("run skipped, execution in flight",
			logx.String("schedule", scheduleID))
		r.bus.Publish(eventbus.Event{Type: eventbus.TopicExecutionSkipped, Data: scheduleID})
		return fmt.Errorf("schedule %s: %w", scheduleID, ErrAlreadyRunning)
	}
	defer st.release()

	started := time.Now()
	exec := Execution{
		ID:         fmt.Sprintf("exec-%d", r.seq.Add(1)),
		ScheduleID: scheduleID,
		ExecutedAt: now,
		Status:     StatusSuccess,
	}

	recipients := r.store.DistinctRecipients(sc.RecipientGroups)
	exec.RecipientCount = len(recipients)

	if err := r.checkLimits(scheduleID, len(recipients), now); err != nil {
		exec.Status = StatusFailed
		exec.ErrorMessage = err.Error()
		r.finish(&exec, started, now, false)
		return nil
	}

	content, err := r.generate(ctx, sc, recipients)
	if err != nil {
		exec.Status = StatusFailed
		exec.ErrorMessage = err.Error()
		r.finish(&exec, started, now, false)
		return nil
	}
	exec.ItemsIncluded = content.ItemsIncluded
	exec.CriticalItems = content.CriticalItems

	if len(recipients) > 0 {
		if err := r.send(ctx, recipients, content); err != nil {
			// Content was generated but not delivered.
			exec.Status = StatusPartial
			exec.ErrorMessage = err.Error()
			r.finish(&exec, started, now, false)
			return nil
		}
	}

	r.finish(&exec, started, now, true)
	return nil
}

func (r *Runner) generate(ctx context.Context, sc store.Schedule, recipients []string) (Content, error) {
	gctx, cancel := context.WithTimeout(ctx, r.cfg.GenerateTimeout)
	defer cancel()

	filters := make([]store.GroupFilter, 0, len(sc.RecipientGroups))
	for _, gid := range sc.RecipientGroups {
		if g, err := r.store.GetGroup(gid); err == nil && g.Enabled {
			filters = append(filters, g.Filter)
		}
	}
	content, err := r.gen.Generate(gctx, ScheduleContext{
		ScheduleID: sc.ID,
		Name:       sc.Name,
		Recipients: recipients,
		Filters:    filters,
		LastRun:    sc.LastRun,
	})
	if err != nil {
		return Content{}, fmt.Errorf("generate content: %w", err)
	}
	return content, nil
}

func (r *Runner) send(ctx context.Context, recipients []string, content Content) error {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()
	if err := r.mailer.Send(sctx, recipients, content.Subject, content.Body); err != nil {
		return fmt.Errorf("send digest: %w", err)
	}
	return nil
}

// checkLimits enforces the recipient cap and the sliding-window run budget.
// The window is recorded up front so that failed runs also consume budget.
func (r *Runner) checkLimits(scheduleID string, recipients int, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.MaxRecipients > 0 && recipients > r.cfg.MaxRecipients {
		return fmt.Errorf("%w: %d recipients exceeds cap %d", ErrRateLimited, recipients, r.cfg.MaxRecipients)
	}
	if r.cfg.MaxRunsPerHour <= 0 {
		return nil
	}

	cutoff := now.Add(-time.Hour)
	window := r.recent[scheduleID]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.cfg.MaxRunsPerHour {
		r.recent[scheduleID] = kept
		return fmt.Errorf("%w: %d runs in the last hour (max %d)", ErrRateLimited, len(kept), r.cfg.MaxRunsPerHour)
	}
	r.recent[scheduleID] = append(kept, now)
	return nil
}

// SetLimits swaps the rate ceilings at runtime. Zero or negative values
// disable the corresponding check.
func (r *Runner) SetLimits(maxRunsPerHour, maxRecipients int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.MaxRunsPerHour = maxRunsPerHour
	r.cfg.MaxRecipients = maxRecipients
}

// finish records the execution in the store and journal and publishes it.
// Store bookkeeping runs for every outcome so nextRun always advances and
// a failing schedule cannot hot-loop the poll driver.
func (r *Runner) finish(exec *Execution, started, now time.Time, success bool) {
	exec.DurationMS = time.Since(started).Milliseconds()

	if _, err := r.store.RecordRun(exec.ScheduleID, now, success); err != nil {
		r.log.Warn("record run", logx.String("schedule", exec.ScheduleID), logx.Err(err))
	}
	r.history.Append(*exec)

	if success {
		r.log.Info("execution finished",
			logx.String("schedule", exec.ScheduleID),
			logx.String("execution", exec.ID),
			logx.Int("recipients", exec.RecipientCount),
			logx.Int("items", exec.ItemsIncluded),
			logx.Int64("duration_ms", exec.DurationMS))
	} else {
		r.log.Warn("execution failed",
			logx.String("schedule", exec.ScheduleID),
			logx.String("execution", exec.ID),
			logx.String("status", string(exec.Status)),
			logx.String("error", exec.ErrorMessage))
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.TopicExecutionFinished, Data: *exec})
}

// History returns the bounded execution log, oldest first.
func (r *Runner) History() []Execution { return r.history.Items() }

func (r *Runner) Snapshot() Snapshot {
	return Snapshot{Total: r.history.Total(), History: r.history.Items()}
}
