package app

import (
	"fmt"
	"strings"
	"time"

	"digestd/internal/config"
	"digestd/internal/dispatch"
	"digestd/internal/runner"
	"digestd/internal/storage"
)

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	out := runner.Config{}
	if cfg == nil || cfg.Runner == nil {
		return out, nil
	}
	rc := cfg.Runner

	var err error
	out.GenerateTimeout, err = config.ParseDurationField("runner.generate_timeout", rc.GenerateTimeout)
	if err != nil {
		return runner.Config{}, err
	}
	out.SendTimeout, err = config.ParseDurationField("runner.send_timeout", rc.SendTimeout)
	if err != nil {
		return runner.Config{}, err
	}
	if rc.MaxRunsPerHour < 0 {
		return runner.Config{}, fmt.Errorf("runner.max_runs_per_hour must be >= 0")
	}
	if rc.MaxRecipients < 0 {
		return runner.Config{}, fmt.Errorf("runner.max_recipients must be >= 0")
	}
	if rc.HistorySize < 0 {
		return runner.Config{}, fmt.Errorf("runner.history_size must be >= 0")
	}
	out.MaxRunsPerHour = rc.MaxRunsPerHour
	out.MaxRecipients = rc.MaxRecipients
	out.HistorySize = rc.HistorySize
	return out, nil
}

// mapDispatchConfig returns the dispatcher config plus its enabled flag.
// An omitted section means enabled with defaults.
func mapDispatchConfig(cfg *config.Config) (dispatch.Config, bool, error) {
	out := dispatch.Config{}
	if cfg == nil || cfg.Dispatch == nil {
		return out, true, nil
	}
	dc := cfg.Dispatch

	if dc.Workers < 0 {
		return dispatch.Config{}, false, fmt.Errorf("dispatch.workers must be >= 0")
	}
	if dc.QueueSize < 0 {
		return dispatch.Config{}, false, fmt.Errorf("dispatch.queue_size must be >= 0")
	}
	if dc.RatePerMinute < 0 {
		return dispatch.Config{}, false, fmt.Errorf("dispatch.rate_per_minute must be >= 0")
	}
	var err error
	out.SendTimeout, err = config.ParseDurationField("dispatch.send_timeout", dc.SendTimeout)
	if err != nil {
		return dispatch.Config{}, false, err
	}
	out.Workers = dc.Workers
	out.QueueSize = dc.QueueSize
	out.RatePerMinute = dc.RatePerMinute
	out.HistorySize = dc.HistorySize
	return out, dc.Enabled, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapPollInterval(cfg *config.Config) (time.Duration, error) {
	if cfg == nil {
		return 30 * time.Second, nil
	}
	return config.ParseDurationOrDefault("engine.poll_interval", cfg.Engine.PollInterval, 30*time.Second)
}
