package config

import (
	"reflect"
	"sort"
	"strings"

	logx "digestd/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Engine (poll loop)
	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Bool("engine.enabled", newCfg.Engine.Enabled),
			logx.String("engine.poll_interval", strings.TrimSpace(newCfg.Engine.PollInterval)),
		)
	}

	// Runner (execution limits)
	oR := derefRunner(oldCfg.Runner)
	nR := derefRunner(newCfg.Runner)
	if (oldCfg.Runner != nil) != (newCfg.Runner != nil) || oR != nR {
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.String("runner.generate_timeout", strings.TrimSpace(nR.GenerateTimeout)),
			logx.String("runner.send_timeout", strings.TrimSpace(nR.SendTimeout)),
			logx.Int("runner.max_runs_per_hour", nR.MaxRunsPerHour),
			logx.Int("runner.max_recipients", nR.MaxRecipients),
			logx.Int("runner.history_size", nR.HistorySize),
		)
	}

	// Dispatch (notification pipeline)
	// Note: section may be nil (omitted). Treat nil as runtime defaults for a
	// more accurate summary.
	defD := &DispatchConfig{
		Enabled:       true,
		Workers:       2,
		QueueSize:     64,
		SendTimeout:   "15s",
		RatePerMinute: 0,
		HistorySize:   100,
	}
	oldD := oldCfg.Dispatch
	newD := newCfg.Dispatch
	if oldD == nil {
		oldD = defD
	}
	if newD == nil {
		newD = defD
	}
	if !reflect.DeepEqual(*oldD, *newD) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", newD.Enabled),
			logx.Int("dispatch.workers", newD.Workers),
			logx.Int("dispatch.queue_size", newD.QueueSize),
			logx.Int("dispatch.rate_per_minute", newD.RatePerMinute),
		)
	}

	// Template
	oT := derefTemplate(oldCfg.Template)
	nT := derefTemplate(newCfg.Template)
	if oT != nT {
		changed = append(changed, "template")
		attrs = append(attrs, logx.Int("template.max_list_items", nT.MaxListItems))
	}

	// Storage (persistence). Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefRunner(r *RunnerConfig) RunnerConfig {
	if r == nil {
		return RunnerConfig{}
	}
	return *r
}

func derefTemplate(t *TemplateConfig) TemplateConfig {
	if t == nil {
		return TemplateConfig{}
	}
	return *t
}
