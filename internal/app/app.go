// Package app wires the engine together: config, logging, stores, the
// execution runner, the notification dispatcher and the poll loop.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"digestd/internal/config"
	"digestd/internal/dispatch"
	"digestd/internal/eventbus"
	"digestd/internal/runner"
	"digestd/internal/runtime/supervisor"
	"digestd/internal/storage"
	"digestd/internal/store"
	"digestd/internal/template"
	"digestd/internal/transport"
	"digestd/internal/trigger"
	logx "digestd/pkg/logx"
)

// DefaultTemplateID is the built-in digest template. It cannot be deleted.
const DefaultTemplateID = "digest-default"

// Options carries the pluggable collaborators. Zero values select the
// built-in template generator and the log transport.
type Options struct {
	Generator runner.ContentGenerator
	Mailer    transport.Mailer
}

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	hist storage.Store

	sched    *store.Store
	rules    *trigger.Rules
	registry *template.Registry
	renderer *template.Renderer

	run  *runner.Runner
	disp *dispatch.Dispatcher

	dispEnabled bool

	cronMu sync.Mutex
	cron   *cron.Cron
	poll   time.Duration
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Durable history (optional)
	var hist storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		hist = st
		log.Info("history storage enabled", logx.String("driver", sc.Driver))
	}

	maxList := 0
	if cfg.Template != nil {
		maxList = cfg.Template.MaxListItems
	}
	renderer := template.NewRenderer(maxList)

	registry := template.NewRegistry()
	if err := registry.Put(template.Email{
		ID:      DefaultTemplateID,
		Subject: "Digest: ${schedule} (${date})",
		Body:    "Digest for ${schedule} generated on ${date}.\n\n${resources}",
		Default: true,
	}); err != nil {
		return nil, err
	}

	sched := store.New()
	rules := trigger.NewRules()

	mailer := opts.Mailer
	if mailer == nil {
		mailer = transport.LogMailer(log.With(logx.String("comp", "mailer")))
	}
	gen := opts.Generator
	if gen == nil {
		gen = templateGenerator(registry, renderer)
	}

	runCfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	run := runner.New(runCfg, sched, gen, mailer, bus, log.With(logx.String("comp", "runner")))

	dispCfg, dispEnabled, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispCfg, rules, renderer, mailer, bus, log.With(logx.String("comp", "dispatch")))

	poll, err := mapPollInterval(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgPath:     cfgPath,
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		hist:        hist,
		sched:       sched,
		rules:       rules,
		registry:    registry,
		renderer:    renderer,
		run:         run,
		disp:        disp,
		dispEnabled: dispEnabled,
		poll:        poll,
	}, nil
}

// templateGenerator builds digest content from the default registry template.
// It carries no feed of its own; installations with a real content source
// inject their own generator via Options.
func templateGenerator(reg *template.Registry, r *template.Renderer) runner.ContentGenerator {
	return runner.GeneratorFunc(func(ctx context.Context, sc runner.ScheduleContext) (runner.Content, error) {
		if err := ctx.Err(); err != nil {
			return runner.Content{}, err
		}
		tmpl, err := reg.Get(DefaultTemplateID)
		if err != nil {
			return runner.Content{}, err
		}
		vars := template.Vars{
			"schedule":  sc.Name,
			"date":      time.Now().Format("2006-01-02"),
			"resources": []template.Item{},
		}
		out := r.Render(tmpl.Subject, tmpl.Body, vars)
		return runner.Content{Subject: out.Subject, Body: out.Body}, nil
	})
}

// Schedules exposes the schedule store for operational tooling.
func (a *App) Schedules() *store.Store { return a.sched }

// Rules exposes the notification rule set.
func (a *App) Rules() *trigger.Rules { return a.rules }

// Templates exposes the email template registry.
func (a *App) Templates() *template.Registry { return a.registry }

// Runner exposes the execution runner (manual runs, history).
func (a *App) Runner() *runner.Runner { return a.run }

// Dispatcher exposes the notification dispatcher (event ingest, history).
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// Ingest feeds one platform event into the notification pipeline.
func (a *App) Ingest(e trigger.Event) int { return a.disp.Ingest(e) }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapPollInterval(cfg); err != nil {
			return err
		}
		if _, err := mapRunnerConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if a.dispEnabled {
		a.disp.Start(a.sup.Context())
	}

	cfg := a.cfgm.Get()
	if cfg == nil || cfg.Engine.Enabled {
		a.startPoller(a.poll)
	} else {
		a.log.Info("poll loop disabled via config")
	}

	a.sup.Go0("history.audit", func(c context.Context) { a.auditLoop(c) })

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Duration("poll_interval", a.poll))
	return nil
}

// startPoller runs the due-schedule scan on a fixed cadence.
func (a *App) startPoller(interval time.Duration) {
	a.cronMu.Lock()
	defer a.cronMu.Unlock()
	if a.cron != nil {
		a.cron.Stop()
	}
	c := cron.New()
	c.Schedule(cron.Every(interval), cron.FuncJob(a.pollOnce))
	c.Start()
	a.cron = c
	a.poll = interval
}

func (a *App) stopPoller() {
	a.cronMu.Lock()
	defer a.cronMu.Unlock()
	if a.cron != nil {
		ctx := a.cron.Stop()
		<-ctx.Done()
		a.cron = nil
	}
}

// pollOnce launches a run for every schedule whose nextRun has arrived.
// Overlap protection lives in the runner, so a slow run and the next poll
// tick cannot double-execute a schedule.
func (a *App) pollOnce() {
	if a.sup == nil || a.sup.Context().Err() != nil {
		return
	}
	now := time.Now()
	due := a.sched.Due(now)
	if len(due) == 0 {
		return
	}
	a.log.Debug("poll tick", logx.Int("due", len(due)))
	for _, sc := range due {
		id := sc.ID
		a.sup.Go0("run."+id, func(c context.Context) {
			_ = a.run.Run(c, id, now)
		})
	}
}

// auditLoop mirrors finished executions and notifications into durable
// storage (when configured) and logs them. Persistence is best-effort;
// the in-memory logs remain the source of truth for the API.
func (a *App) auditLoop(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.audit(ctx, e)
		}
	}
}

func (a *App) audit(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case eventbus.TopicExecutionFinished:
		exec, ok := e.Data.(runner.Execution)
		if !ok || a.hist == nil {
			return
		}
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := a.hist.AppendExecution(wctx, storage.ExecutionRecord{
			ID:             exec.ID,
			ScheduleID:     exec.ScheduleID,
			ExecutedAt:     exec.ExecutedAt,
			Status:         string(exec.Status),
			RecipientCount: exec.RecipientCount,
			ItemsIncluded:  exec.ItemsIncluded,
			CriticalItems:  exec.CriticalItems,
			DurationMS:     exec.DurationMS,
			Error:          exec.ErrorMessage,
		})
		cancel()
		if err != nil {
			a.log.Warn("persist execution failed", logx.String("execution", exec.ID), logx.Err(err))
		}
	case eventbus.TopicNotificationSent, eventbus.TopicNotificationFailed:
		entry, ok := e.Data.(dispatch.Entry)
		if !ok || a.hist == nil {
			return
		}
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := a.hist.AppendNotification(wctx, storage.NotificationRecord{
			ID:             entry.ID,
			RuleID:         entry.RuleID,
			RuleName:       entry.RuleName,
			Event:          entry.Event.String(),
			Platform:       entry.Platform,
			ResourcesCount: entry.ResourcesCount,
			Recipients:     entry.Recipients,
			Subject:        entry.Subject,
			Status:         string(entry.Status),
			Error:          entry.Error,
			At:             entry.At,
		})
		cancel()
		if err != nil {
			a.log.Warn("persist notification failed", logx.String("notification", entry.ID), logx.Err(err))
		}
	}
}

// reloadLoop applies hot config updates. Logging, the poll cadence, runner
// rate ceilings, and the dispatch rate take effect live; structural changes
// (workers, queues, timeouts, storage, templates) log a restart warning.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			prevCfg := lastApplied
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Debug("config change summary", fields...)

			for _, s := range sections {
				switch s {
				case "logging":
					a.logs.Apply(logx.Config{
						Level:   newCfg.Logging.Level,
						Console: newCfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: newCfg.Logging.File.Enabled,
							Path:    newCfg.Logging.File.Path,
						},
					})
				case "engine":
					if !newCfg.Engine.Enabled {
						a.log.Info("poll loop disabled via config")
						a.stopPoller()
						continue
					}
					poll, err := mapPollInterval(newCfg)
					if err != nil {
						a.log.Warn("invalid poll interval; keeping previous", logx.Err(err))
						continue
					}
					a.startPoller(poll)
					a.log.Info("poll loop reconfigured", logx.Duration("poll_interval", poll))
				case "runner":
					rcfg, err := mapRunnerConfig(newCfg)
					if err != nil {
						a.log.Warn("invalid runner section; keeping previous limits", logx.Err(err))
						continue
					}
					a.run.SetLimits(rcfg.MaxRunsPerHour, rcfg.MaxRecipients)
					a.log.Info("runner limits reconfigured",
						logx.Int("max_runs_per_hour", rcfg.MaxRunsPerHour),
						logx.Int("max_recipients", rcfg.MaxRecipients))
					if prev, perr := mapRunnerConfig(prevCfg); perr == nil &&
						(prev.GenerateTimeout != rcfg.GenerateTimeout ||
							prev.SendTimeout != rcfg.SendTimeout ||
							prev.HistorySize != rcfg.HistorySize) {
						a.log.Warn("runner timeout and history changes require a restart")
					}
				case "dispatch":
					dcfg, _, err := mapDispatchConfig(newCfg)
					if err != nil {
						a.log.Warn("invalid dispatch section; keeping previous rate", logx.Err(err))
						continue
					}
					if a.dispEnabled {
						a.disp.SetRate(dcfg.RatePerMinute)
						a.log.Info("dispatch rate reconfigured",
							logx.Int("rate_per_minute", dcfg.RatePerMinute))
					}
					if prev, _, perr := mapDispatchConfig(prevCfg); perr == nil &&
						(prev.Workers != dcfg.Workers ||
							prev.QueueSize != dcfg.QueueSize ||
							prev.SendTimeout != dcfg.SendTimeout ||
							prev.HistorySize != dcfg.HistorySize) {
						a.log.Warn("dispatch worker and queue changes require a restart")
					}
				case "storage", "template":
					a.log.Warn("config section changed; restart required for changes to take effect",
						logx.String("section", s))
				}
			}

			a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigApplied, Data: sections})
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("poller", 2*time.Second, func(c context.Context) error { a.stopPoller(); return nil })
	step("dispatcher", 2*time.Second, func(c context.Context) error { a.disp.Stop(); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.hist != nil {
			return a.hist.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
