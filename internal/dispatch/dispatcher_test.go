package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"digestd/internal/eventbus"
	"digestd/internal/template"
	"digestd/internal/trigger"
	"digestd/pkg/logx"
)

type captureMailer struct {
	mu    sync.Mutex
	sends []capturedSend
	fail  error
}

type capturedSend struct {
	recipients []string
	subject    string
	body       string
}

func (m *captureMailer) Send(ctx context.Context, recipients []string, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sends = append(m.sends, capturedSend{recipients: recipients, subject: subject, body: body})
	return nil
}

func (m *captureMailer) all() []capturedSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]capturedSend, len(m.sends))
	copy(out, m.sends)
	return out
}

func testRules(t *testing.T) *trigger.Rules {
	t.Helper()
	rules := trigger.NewRules()
	err := rules.Add(trigger.Rule{
		ID:     "on-failure",
		Name:   "Sync failures",
		Active: true,
		Triggers: map[trigger.Kind]bool{
			trigger.KindSyncFailure: true,
		},
		Recipients: []string{"Ops@Example.com", "ops@example.com", "oncall@example.com"},
		Subject:    "Sync failed on ${platform}",
		Body:       "Error: ${error}",
	})
	if err != nil {
		t.Fatalf("add rule: %v", err)
	}
	return rules
}

func waitHistory(t *testing.T, d *Dispatcher, n int) []Entry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h := d.History(); len(h) >= n {
			return h
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d log entries, have %d", n, len(d.History()))
	return nil
}

func TestIngestDeliversAndMarksRule(t *testing.T) {
	t.Parallel()

	rules := testRules(t)
	mailer := &captureMailer{}
	d := New(Config{Workers: 1}, rules, template.NewRenderer(0), mailer, eventbus.New(), logx.Logger{})
	d.Start(context.Background())
	defer d.Stop()

	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	matched := d.Ingest(trigger.Event{
		Kind:         trigger.KindSyncFailure,
		Platform:     "coursera",
		ErrorMessage: "connection reset",
		At:           at,
	})
	if matched != 1 {
		t.Fatalf("matched = %d, want 1", matched)
	}

	hist := waitHistory(t, d, 1)
	entry := hist[0]
	if entry.Status != StatusSent {
		t.Fatalf("status = %q (%s), want sent", entry.Status, entry.Error)
	}
	if entry.Subject != "Sync failed on coursera" {
		t.Errorf("subject = %q", entry.Subject)
	}
	if entry.Platform != "coursera" {
		t.Errorf("platform = %q, want coursera", entry.Platform)
	}
	// Duplicate and mixed-case recipients collapse to two addresses.
	if entry.Recipients != 2 {
		t.Errorf("recipients = %d, want 2", entry.Recipients)
	}

	sends := mailer.all()
	if len(sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sends))
	}
	if !strings.Contains(sends[0].body, "connection reset") {
		t.Errorf("body = %q missing error text", sends[0].body)
	}

	r, err := rules.Get("on-failure")
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if r.TotalSent != 2 {
		t.Errorf("total sent = %d, want 2", r.TotalSent)
	}
	if !r.LastTriggered.Equal(at) {
		t.Errorf("last triggered = %v, want %v", r.LastTriggered, at)
	}
}

func TestIngestNoMatchNoDelivery(t *testing.T) {
	t.Parallel()

	rules := testRules(t)
	mailer := &captureMailer{}
	d := New(Config{Workers: 1}, rules, template.NewRenderer(0), mailer, eventbus.New(), logx.Logger{})
	d.Start(context.Background())
	defer d.Stop()

	if got := d.Ingest(trigger.Event{Kind: trigger.KindSyncSuccess, Platform: "coursera"}); got != 0 {
		t.Fatalf("matched = %d, want 0", got)
	}
	time.Sleep(30 * time.Millisecond)
	if len(d.History()) != 0 {
		t.Errorf("unexpected log entries: %+v", d.History())
	}
}

func TestSendFailureIsLogged(t *testing.T) {
	t.Parallel()

	rules := testRules(t)
	mailer := &captureMailer{fail: errors.New("smtp 451")}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	d := New(Config{Workers: 1}, rules, template.NewRenderer(0), mailer, bus, logx.Logger{})
	d.Start(context.Background())
	defer d.Stop()

	d.Ingest(trigger.Event{Kind: trigger.KindSyncFailure, Platform: "edx", ErrorMessage: "boom"})

	hist := waitHistory(t, d, 1)
	if hist[0].Status != StatusFailed {
		t.Fatalf("status = %q, want failed", hist[0].Status)
	}
	if !strings.Contains(hist[0].Error, "smtp 451") {
		t.Errorf("error = %q", hist[0].Error)
	}

	r, _ := rules.Get("on-failure")
	if r.TotalSent != 0 {
		t.Errorf("failed send must not bump rule stats, total sent = %d", r.TotalSent)
	}

	select {
	case e := <-ch:
		if e.Type != eventbus.TopicNotificationFailed {
			t.Errorf("event type = %q, want %q", e.Type, eventbus.TopicNotificationFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("no bus event published")
	}
}

func TestQueueOverflowFailsNotification(t *testing.T) {
	t.Parallel()

	rules := testRules(t)
	// No worker started, so the queue never drains.
	d := New(Config{Workers: 1, QueueSize: 1}, rules, template.NewRenderer(0), &captureMailer{}, eventbus.New(), logx.Logger{})

	e := trigger.Event{Kind: trigger.KindSyncFailure, Platform: "edx"}
	d.Ingest(e)
	d.Ingest(e)

	hist := d.History()
	if len(hist) != 1 {
		t.Fatalf("log entries = %d, want 1 overflow entry", len(hist))
	}
	if hist[0].Status != StatusFailed || !strings.Contains(hist[0].Error, "queue full") {
		t.Errorf("entry = %+v, want failed queue-full entry", hist[0])
	}
	if d.Pending() != 1 {
		t.Errorf("pending = %d, want 1", d.Pending())
	}
}

func TestAcceptedDeliveriesArePendingUntilDone(t *testing.T) {
	t.Parallel()

	rules := testRules(t)
	mailer := &captureMailer{}
	// Workers not started yet, so accepted jobs sit in the pending set.
	d := New(Config{Workers: 1, QueueSize: 4}, rules, template.NewRenderer(0), mailer, eventbus.New(), logx.Logger{})

	d.Ingest(trigger.Event{
		Kind:           trigger.KindSyncFailure,
		Platform:       "coursera",
		ResourcesAdded: 3,
		ErrorMessage:   "connection reset",
	})
	if d.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", d.Pending())
	}
	snap := d.Snapshot()
	if len(snap.Pending) != 1 {
		t.Fatalf("snapshot pending = %d, want 1", len(snap.Pending))
	}
	p := snap.Pending[0]
	if p.Status != StatusPending {
		t.Errorf("status = %q, want pending", p.Status)
	}
	if p.Platform != "coursera" || p.ResourcesCount != 3 {
		t.Errorf("pending entry = %+v", p)
	}

	d.Start(context.Background())
	defer d.Stop()
	hist := waitHistory(t, d, 1)
	if hist[0].Status != StatusSent {
		t.Fatalf("status = %q (%s), want sent", hist[0].Status, hist[0].Error)
	}
	if hist[0].Platform != "coursera" || hist[0].ResourcesCount != 3 {
		t.Errorf("entry = %+v, missing event fields", hist[0])
	}
	if d.Pending() != 0 {
		t.Errorf("pending = %d after delivery, want 0", d.Pending())
	}
}

func TestSetRateSwapsLimiter(t *testing.T) {
	t.Parallel()

	rules := testRules(t)
	d := New(Config{Workers: 1, RatePerMinute: 60}, rules, template.NewRenderer(0), &captureMailer{}, eventbus.New(), logx.Logger{})
	if d.rateLimiter() == nil {
		t.Fatal("limiter not installed from config")
	}

	d.SetRate(0)
	if d.rateLimiter() != nil {
		t.Error("SetRate(0) must remove the limiter")
	}

	d.SetRate(120)
	lim := d.rateLimiter()
	if lim == nil {
		t.Fatal("SetRate(120) must install a limiter")
	}
	if got := float64(lim.Limit()); got != 2.0 {
		t.Errorf("limit = %v events/s, want 2", got)
	}
	if lim.Burst() != 120 {
		t.Errorf("burst = %d, want 120", lim.Burst())
	}
}

func TestSnapshotReportsQueueAndTotals(t *testing.T) {
	t.Parallel()

	rules := testRules(t)
	mailer := &captureMailer{}
	d := New(Config{Workers: 3, QueueSize: 8}, rules, template.NewRenderer(0), mailer, eventbus.New(), logx.Logger{})
	d.Start(context.Background())
	defer d.Stop()

	d.Ingest(trigger.Event{Kind: trigger.KindSyncFailure, Platform: "edx", ErrorMessage: "e"})
	waitHistory(t, d, 1)

	snap := d.Snapshot()
	if snap.Workers != 3 {
		t.Errorf("workers = %d, want 3", snap.Workers)
	}
	if snap.QueueCap != 8 {
		t.Errorf("queue cap = %d, want 8", snap.QueueCap)
	}
	if snap.Total != 1 || len(snap.History) != 1 {
		t.Errorf("total = %d, history = %d, want 1/1", snap.Total, len(snap.History))
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()

	rules := testRules(t)
	mailer := &captureMailer{}
	d := New(Config{Workers: 2, HistorySize: 10}, rules, template.NewRenderer(0), mailer, eventbus.New(), logx.Logger{})
	d.Start(context.Background())
	defer d.Stop()

	for i := 0; i < 25; i++ {
		d.Ingest(trigger.Event{Kind: trigger.KindSyncFailure, Platform: "edx", ErrorMessage: "e"})
	}
	waitHistory(t, d, 10)
	time.Sleep(50 * time.Millisecond)
	if got := len(d.History()); got != 10 {
		t.Errorf("history length = %d, want 10", got)
	}
}
