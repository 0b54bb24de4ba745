package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"digestd/internal/eventbus"
	"digestd/internal/recurrence"
	"digestd/internal/store"
	"digestd/internal/transport"
	"digestd/pkg/logx"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New()
	if err := st.PutGroup(store.RecipientGroup{
		ID:         "ops",
		Name:       "Operations",
		Recipients: []string{"a@example.com", "b@example.com"},
		Enabled:    true,
	}); err != nil {
		t.Fatalf("put group: %v", err)
	}
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	_, err := st.CreateSchedule(store.Schedule{
		ID:      "daily",
		Name:    "Daily digest",
		Enabled: true,
		Spec: recurrence.Spec{
			Frequency: recurrence.Daily,
			Hour:      9,
			Minute:    0,
			Timezone:  "UTC",
		},
		RecipientGroups: []string{"ops"},
	}, now)
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return st
}

func okGenerator() ContentGenerator {
	return GeneratorFunc(func(ctx context.Context, sc ScheduleContext) (Content, error) {
		return Content{Subject: "Digest: " + sc.Name, Body: "body", ItemsIncluded: 3, CriticalItems: 1}, nil
	})
}

func okMailer() transport.Mailer {
	return transport.MailerFunc(func(ctx context.Context, recipients []string, subject, body string) error {
		return nil
	})
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()

	st := testStore(t)
	r := New(Config{}, st, okGenerator(), okMailer(), eventbus.New(), logx.Logger{})

	now := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	if err := r.Run(context.Background(), "daily", now); err != nil {
		t.Fatalf("run: %v", err)
	}

	hist := r.History()
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
	exec := hist[0]
	if exec.Status != StatusSuccess {
		t.Errorf("status = %q, want %q (%s)", exec.Status, StatusSuccess, exec.ErrorMessage)
	}
	if exec.RecipientCount != 2 {
		t.Errorf("recipient count = %d, want 2", exec.RecipientCount)
	}
	if exec.ItemsIncluded != 3 || exec.CriticalItems != 1 {
		t.Errorf("items = %d/%d, want 3/1", exec.ItemsIncluded, exec.CriticalItems)
	}

	sc, err := st.GetSchedule("daily")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if sc.TotalRuns != 1 || sc.SuccessfulRuns != 1 {
		t.Errorf("counters = %d/%d, want 1/1", sc.TotalRuns, sc.SuccessfulRuns)
	}
	if !sc.NextRun.After(now) {
		t.Errorf("nextRun %v not after %v", sc.NextRun, now)
	}
}

func TestRunUnknownSchedule(t *testing.T) {
	t.Parallel()

	r := New(Config{}, store.New(), okGenerator(), okMailer(), eventbus.New(), logx.Logger{})
	err := r.Run(context.Background(), "missing", time.Now())
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(r.History()) != 0 {
		t.Errorf("history not empty after unknown schedule")
	}
}

func TestRunConcurrentProducesOneExecution(t *testing.T) {
	t.Parallel()

	st := testStore(t)
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	gen := GeneratorFunc(func(ctx context.Context, sc ScheduleContext) (Content, error) {
		entered <- struct{}{}
		<-release
		return Content{Subject: "s", Body: "b"}, nil
	})
	r := New(Config{}, st, gen, okMailer(), eventbus.New(), logx.Logger{})

	now := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.Run(context.Background(), "daily", now)
		}()
	}

	// One run holds the gate inside Generate. Wait until the other run has
	// bounced off the gate, then unblock the winner.
	<-entered
	first := <-errs
	if !errors.Is(first, ErrAlreadyRunning) {
		t.Fatalf("second run err = %v, want ErrAlreadyRunning", first)
	}
	close(release)
	wg.Wait()
	close(errs)

	okCount, busyCount := 0, 1
	for err := range errs {
		switch {
		case err == nil:
			okCount++
		case errors.Is(err, ErrAlreadyRunning):
			busyCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if okCount != 1 || busyCount != 1 {
		t.Fatalf("ok=%d busy=%d, want exactly one of each", okCount, busyCount)
	}
	if got := len(r.History()); got != 1 {
		t.Fatalf("history length = %d, want 1", got)
	}
	sc, _ := st.GetSchedule("daily")
	if sc.TotalRuns != 1 {
		t.Errorf("total runs = %d, want 1", sc.TotalRuns)
	}
}

func TestRunGenerateFailureRecordsFailed(t *testing.T) {
	t.Parallel()

	st := testStore(t)
	gen := GeneratorFunc(func(ctx context.Context, sc ScheduleContext) (Content, error) {
		return Content{}, errors.New("feed unavailable")
	})
	r := New(Config{}, st, gen, okMailer(), eventbus.New(), logx.Logger{})

	now := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	if err := r.Run(context.Background(), "daily", now); err != nil {
		t.Fatalf("run: %v", err)
	}

	hist := r.History()
	if len(hist) != 1 || hist[0].Status != StatusFailed {
		t.Fatalf("history = %+v, want one failed execution", hist)
	}
	if !strings.Contains(hist[0].ErrorMessage, "feed unavailable") {
		t.Errorf("error message %q missing cause", hist[0].ErrorMessage)
	}

	sc, _ := st.GetSchedule("daily")
	if sc.TotalRuns != 1 || sc.SuccessfulRuns != 0 {
		t.Errorf("counters = %d/%d, want 1/0", sc.TotalRuns, sc.SuccessfulRuns)
	}
	if !sc.NextRun.After(now) {
		t.Errorf("nextRun did not advance after failure")
	}
}

func TestRunSendFailureRecordsPartial(t *testing.T) {
	t.Parallel()

	st := testStore(t)
	mailer := transport.MailerFunc(func(ctx context.Context, recipients []string, subject, body string) error {
		return errors.New("smtp refused")
	})
	r := New(Config{}, st, okGenerator(), mailer, eventbus.New(), logx.Logger{})

	if err := r.Run(context.Background(), "daily", time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("run: %v", err)
	}
	hist := r.History()
	if len(hist) != 1 || hist[0].Status != StatusPartial {
		t.Fatalf("status = %v, want partial", hist)
	}
	if hist[0].ItemsIncluded != 3 {
		t.Errorf("generated content not recorded on partial execution")
	}
}

func TestRunRateLimitPerHour(t *testing.T) {
	t.Parallel()

	st := testStore(t)
	r := New(Config{MaxRunsPerHour: 2}, st, okGenerator(), okMailer(), eventbus.New(), logx.Logger{})

	base := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := r.Run(context.Background(), "daily", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	hist := r.History()
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	if hist[2].Status != StatusFailed {
		t.Errorf("third run status = %q, want failed", hist[2].Status)
	}
	if !strings.Contains(hist[2].ErrorMessage, "rate limit") {
		t.Errorf("error message %q does not mention the rate limit", hist[2].ErrorMessage)
	}

	// The window slides: an hour later runs are accepted again.
	if err := r.Run(context.Background(), "daily", base.Add(2*time.Hour)); err != nil {
		t.Fatalf("run after window: %v", err)
	}
	hist = r.History()
	if hist[3].Status != StatusSuccess {
		t.Errorf("run after window = %q, want success", hist[3].Status)
	}
}

func TestRunRecipientCap(t *testing.T) {
	t.Parallel()

	st := testStore(t)
	r := New(Config{MaxRecipients: 1}, st, okGenerator(), okMailer(), eventbus.New(), logx.Logger{})

	if err := r.Run(context.Background(), "daily", time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("run: %v", err)
	}
	hist := r.History()
	if len(hist) != 1 || hist[0].Status != StatusFailed {
		t.Fatalf("history = %+v, want one failed execution", hist)
	}
}

func TestSetLimitsAppliesLive(t *testing.T) {
	t.Parallel()

	st := testStore(t)
	r := New(Config{MaxRunsPerHour: 1}, st, okGenerator(), okMailer(), eventbus.New(), logx.Logger{})

	base := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	if err := r.Run(context.Background(), "daily", base); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := r.Run(context.Background(), "daily", base.Add(time.Minute)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if hist := r.History(); hist[1].Status != StatusFailed {
		t.Fatalf("second run = %q, want failed under old ceiling", hist[1].Status)
	}

	r.SetLimits(10, 0)
	if err := r.Run(context.Background(), "daily", base.Add(2*time.Minute)); err != nil {
		t.Fatalf("run after raise: %v", err)
	}
	if hist := r.History(); hist[2].Status != StatusSuccess {
		t.Errorf("run after raising ceiling = %q, want success", hist[2].Status)
	}
}

func TestRunHistoryBounded(t *testing.T) {
	t.Parallel()

	st := testStore(t)
	r := New(Config{HistorySize: 5}, st, okGenerator(), okMailer(), eventbus.New(), logx.Logger{})

	base := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		if err := r.Run(context.Background(), "daily", base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if got := len(r.History()); got != 5 {
		t.Errorf("history length = %d, want 5", got)
	}
	if snap := r.Snapshot(); snap.Total != 8 {
		t.Errorf("total = %d, want 8", snap.Total)
	}
}

func TestRunPublishesExecutionEvent(t *testing.T) {
	t.Parallel()

	st := testStore(t)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	r := New(Config{}, st, okGenerator(), okMailer(), bus, logx.Logger{})
	if err := r.Run(context.Background(), "daily", time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("run: %v", err)
	}

	select {
	case e := <-ch:
		if e.Type != eventbus.TopicExecutionFinished {
			t.Errorf("event type = %q, want %q", e.Type, eventbus.TopicExecutionFinished)
		}
		exec, ok := e.Data.(Execution)
		if !ok || exec.ScheduleID != "daily" {
			t.Errorf("event data = %#v, want Execution for daily", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no execution event published")
	}
}
