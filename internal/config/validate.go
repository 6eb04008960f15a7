package config

import (
	"errors"
	"fmt"
	"strings"
)

var knownLevels = map[string]struct{}{
	"": {}, "trace": {}, "debug": {}, "info": {}, "warn": {}, "warning": {}, "error": {}, "fatal": {}, "panic": {}, "disabled": {},
}

// Validate checks the parts of cfg that do not depend on other packages.
// Schedule syntax and action names are checked by the Manager validator hook.
//
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, ok := knownLevels[strings.ToLower(strings.TrimSpace(cfg.Logging.Level))]; !ok {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.Trace.RatePerSec < 0 {
		errs = append(errs, errors.New("logging.trace.rate_per_sec: must be >= 0"))
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path: required for driver %q", st.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := ParseDuration("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if st.MaxRuns < 0 {
			errs = append(errs, errors.New("storage.max_runs: must be >= 0"))
		}
	}

	for field, raw := range map[string]string{
		"debug.read_timeout":  cfg.Debug.ReadTimeout,
		"debug.write_timeout": cfg.Debug.WriteTimeout,
		"debug.idle_timeout":  cfg.Debug.IdleTimeout,
	} {
		if _, err := ParseDuration(field, raw); err != nil {
			errs = append(errs, err)
		}
	}

	for i, j := range cfg.Jobs {
		field := fmt.Sprintf("jobs[%d]", i)
		if strings.TrimSpace(j.Action) == "" {
			errs = append(errs, fmt.Errorf("%s.action: required", field))
		}
		if _, err := ParseDuration(field+".duration", j.Duration); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDuration(field+".timeout", j.Timeout); err != nil {
			errs = append(errs, err)
		}
		if j.Count < 0 {
			errs = append(errs, fmt.Errorf("%s.count: must be >= 0", field))
		}
	}

	return errors.Join(errs...)
}
