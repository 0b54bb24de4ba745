// Package dispatch routes platform events through notification rules and
// delivers the rendered messages over a bounded worker pool.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"digestd/internal/eventbus"
	"digestd/internal/journal"
	"digestd/internal/store"
	"digestd/internal/template"
	"digestd/internal/transport"
	"digestd/internal/trigger"
	"digestd/pkg/logx"
)

var ErrStopped = errors.New("dispatcher stopped")

// Entry is one line of the notification log. Every delivery attempt produces
// exactly one entry, sent or failed; accepted jobs are visible as pending
// entries until a worker finishes them.
type Entry struct {
	ID             string
	RuleID         string
	RuleName       string
	Event          trigger.Kind
	Platform       string
	ResourcesCount int
	Recipients     int
	Subject        string
	Status         Status
	Error          string
	At             time.Time
}

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

type Config struct {
	// Workers is the delivery pool size.
	Workers int
	// QueueSize bounds pending deliveries. A full queue fails the
	// notification instead of blocking the event producer.
	QueueSize int
	// SendTimeout bounds one Mailer call.
	SendTimeout time.Duration
	// RatePerMinute throttles deliveries across all rules. 0 disables it.
	RatePerMinute int
	// HistorySize bounds the in-memory notification log.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	return c
}

type job struct {
	entry Entry
	rule  trigger.Rule
	event trigger.Event
}

// Dispatcher matches incoming events against the rule set and sends one
// message per matching rule. Matching is synchronous and lock-free on rule
// snapshots; delivery happens on the worker pool.
type Dispatcher struct {
	cfg      Config
	rules    *trigger.Rules
	renderer *template.Renderer
	mailer   transport.Mailer
	bus      eventbus.Bus
	log      logx.Logger

	limiterMu sync.Mutex
	limiter   *rate.Limiter

	jobs    chan job
	history *journal.Journal[Entry]
	seq     atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]Entry

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
	wg        sync.WaitGroup
}

func New(cfg Config, rules *trigger.Rules, renderer *template.Renderer, mailer transport.Mailer, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:      cfg,
		rules:    rules,
		renderer: renderer,
		mailer:   mailer,
		bus:      bus,
		log:      log,
		jobs:     make(chan job, cfg.QueueSize),
		history:  journal.New[Entry](cfg.HistorySize),
		pending:  make(map[string]Entry),
		stopped:  make(chan struct{}),
	}
	if cfg.RatePerMinute > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.RatePerMinute)
	}
	return d
}

// SetRate swaps the delivery rate ceiling at runtime. 0 removes the limit.
func (d *Dispatcher) SetRate(perMinute int) {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	if perMinute <= 0 {
		d.limiter = nil
		return
	}
	d.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
}

func (d *Dispatcher) rateLimiter() *rate.Limiter {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	return d.limiter
}

// Start launches the worker pool. Safe to call once; workers run until Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx, i)
		}
		d.log.Info("dispatcher started", logx.Int("workers", d.cfg.Workers))
	})
}

// Stop drains nothing: queued jobs that have not been picked up are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopped) })
	d.wg.Wait()
}

// Ingest matches the event against the active rules and queues one delivery
// per match. It never blocks; overflow is recorded as a failed notification.
// Accepted jobs are tracked as pending until a worker records the outcome.
func (d *Dispatcher) Ingest(e trigger.Event) int {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	matched := d.rules.Matches(e)
	for _, r := range matched {
		entry := Entry{
			ID:             fmt.Sprintf("ntf-%d", d.seq.Add(1)),
			RuleID:         r.ID,
			RuleName:       r.Name,
			Event:          e.Kind,
			Platform:       e.Platform,
			ResourcesCount: e.ResourcesAdded,
			Status:         StatusPending,
			At:             e.At,
		}
		d.trackPending(entry)
		select {
		case <-d.stopped:
			entry.Status = StatusFailed
			entry.Error = ErrStopped.Error()
			d.record(entry)
		case d.jobs <- job{entry: entry, rule: r, event: e}:
		default:
			d.log.Warn("dispatch queue full, dropping notification",
				logx.String("rule", r.ID),
				logx.String("event", e.Kind.String()))
			entry.Status = StatusFailed
			entry.Error = "dispatch queue full"
			d.record(entry)
		}
	}
	return len(matched)
}

func (d *Dispatcher) trackPending(e Entry) {
	d.pendingMu.Lock()
	d.pending[e.ID] = e
	d.pendingMu.Unlock()
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	log := d.log.With(logx.Int("worker", id))
	for {
		select {
		case <-d.stopped:
			return
		case <-ctx.Done():
			return
		case j := <-d.jobs:
			d.deliver(ctx, log, j)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, log logx.Logger, j job) {
	entry := j.entry

	recipients := store.NormalizeRecipients(j.rule.Recipients)
	entry.Recipients = len(recipients)
	if len(recipients) == 0 {
		entry.Status = StatusFailed
		entry.Error = "rule has no recipients"
		d.record(entry)
		return
	}

	if lim := d.rateLimiter(); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			entry.Status = StatusFailed
			entry.Error = fmt.Sprintf("rate limiter: %v", err)
			d.record(entry)
			return
		}
	}

	vars := j.event.Vars()
	rendered := d.renderer.Render(j.rule.Subject, j.rule.Body, vars)
	entry.Subject = rendered.Subject
	if len(rendered.Unresolved) > 0 {
		log.Warn("unresolved template variables",
			logx.String("rule", j.rule.ID),
			logx.Strings("variables", rendered.Unresolved))
	}

	sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err := d.mailer.Send(sctx, recipients, rendered.Subject, rendered.Body)
	cancel()
	if err != nil {
		entry.Status = StatusFailed
		entry.Error = err.Error()
		log.Warn("notification failed",
			logx.String("rule", j.rule.ID),
			logx.Err(err))
		d.record(entry)
		return
	}

	entry.Status = StatusSent
	d.rules.MarkTriggered(j.rule.ID, len(recipients), j.event.At)
	log.Debug("notification sent",
		logx.String("rule", j.rule.ID),
		logx.Int("recipients", len(recipients)))
	d.record(entry)
}

// record finalizes an entry: it leaves the pending set and its terminal
// state is appended to the log and published.
func (d *Dispatcher) record(e Entry) {
	d.pendingMu.Lock()
	delete(d.pending, e.ID)
	d.pendingMu.Unlock()

	d.history.Append(e)
	topic := eventbus.TopicNotificationSent
	if e.Status != StatusSent {
		topic = eventbus.TopicNotificationFailed
	}
	d.bus.Publish(eventbus.Event{Type: topic, Data: e})
}

// History returns the bounded notification log, oldest first.
func (d *Dispatcher) History() []Entry { return d.history.Items() }

// Pending reports accepted deliveries that have not reached a terminal state.
func (d *Dispatcher) Pending() int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) pendingEntries() []Entry {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	out := make([]Entry, 0, len(d.pending))
	for _, e := range d.pending {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	Workers  int
	Queued   int
	QueueCap int
	Pending  []Entry
	Total    uint64
	History  []Entry
}

func (d *Dispatcher) Snapshot() Snapshot {
	return Snapshot{
		Workers:  d.cfg.Workers,
		Queued:   len(d.jobs),
		QueueCap: cap(d.jobs),
		Pending:  d.pendingEntries(),
		Total:    d.history.Total(),
		History:  d.history.Items(),
	}
}
