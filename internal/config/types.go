package config

// Config is the workerd configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Debug   DebugConfig    `json:"debug"`
	Jobs    []JobConfig    `json:"jobs"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file"`
	Trace   TraceConfig   `json:"trace"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TraceConfig controls the "{identity} - Current Thread is : {id}" lines on stdout.
//
// Enabled is a pointer so an omitted value (default: on) differs from false.
// RatePerSec 0 disables limiting.
type TraceConfig struct {
	Enabled    *bool `json:"enabled,omitempty"`
	RatePerSec int   `json:"rate_per_sec,omitempty"`
}

func (t TraceConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

// StorageConfig controls run history persistence. Nil means disabled.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxRuns     int    `json:"max_runs,omitempty"`
}

// DebugConfig controls the optional introspection HTTP server.
//
// A non-loopback Addr needs Token or AllowInsecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// JobConfig declares a worker template.
//
// Defaults (when fields are omitted/zero):
//   - name: unset, the worker identity falls back to the action's function symbol
//   - schedule: empty, the job runs once at startup
//   - serialize: true
//   - catch_failures: false
type JobConfig struct {
	Name          string `json:"name,omitempty"`
	Schedule      string `json:"schedule,omitempty"`
	Action        string `json:"action"`
	Duration      string `json:"duration,omitempty"`
	Count         int    `json:"count,omitempty"`
	Message       string `json:"message,omitempty"`
	Unit          string `json:"unit,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	Serialize     *bool  `json:"serialize,omitempty"`
	CatchFailures bool   `json:"catch_failures,omitempty"`
}

func (j JobConfig) SerializeOrDefault() bool { return j.Serialize == nil || *j.Serialize }
