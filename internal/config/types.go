package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Engine controls the schedule poll loop.
	Engine EngineConfig `json:"engine"`

	// Runner controls digest execution (timeouts, rate budget, history).
	Runner *RunnerConfig `json:"runner,omitempty"`

	// Dispatch controls the event notification pipeline.
	Dispatch *DispatchConfig `json:"dispatch,omitempty"`

	Template *TemplateConfig `json:"template,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls the due-schedule poll loop.
//
// PollInterval is a Go duration string (e.g. "30s", "1m").
type EngineConfig struct {
	Enabled      bool   `json:"enabled"`
	PollInterval string `json:"poll_interval,omitempty"`
}

// RunnerConfig controls digest execution.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - generate_timeout: "30s"
//   - send_timeout: "15s"
//   - max_runs_per_hour: 0 (disabled)
//   - max_recipients: 0 (disabled)
//   - history_size: 100
type RunnerConfig struct {
	GenerateTimeout string `json:"generate_timeout,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	MaxRunsPerHour  int    `json:"max_runs_per_hour,omitempty"`
	MaxRecipients   int    `json:"max_recipients,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
}

// DispatchConfig controls the async notification pipeline.
//
// If the whole section is omitted, the dispatcher defaults to enabled=true.
type DispatchConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	RatePerMinute int    `json:"rate_per_minute,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

type TemplateConfig struct {
	// MaxListItems bounds rendered resource lists; overflow becomes "+N more".
	MaxListItems int `json:"max_list_items,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./digestd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
