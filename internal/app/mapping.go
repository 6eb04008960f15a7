package app

import (
	"fmt"
	"strings"
	"time"

	"managedworker/internal/actions"
	"managedworker/internal/config"
	"managedworker/internal/observability/introspect"
	"managedworker/internal/schedule"
	"managedworker/internal/storage"
	"managedworker/internal/worker"
	logx "managedworker/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDebugConfig(cfg *config.Config) (introspect.Config, error) {
	d := cfg.Debug
	out := introspect.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Prefix:        strings.TrimSpace(d.Prefix),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDuration("debug.read_timeout", d.ReadTimeout); err != nil {
		return introspect.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDuration("debug.write_timeout", d.WriteTimeout); err != nil {
		return introspect.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDuration("debug.idle_timeout", d.IdleTimeout); err != nil {
		return introspect.Config{}, err
	}
	// pprof profiles run up to 30s by default.
	if out.WriteTimeout == 0 {
		out.WriteTimeout = 60 * time.Second
	}
	return out, nil
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
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}

	out := storage.Config{Driver: driver, Path: path, MaxRuns: sc.MaxRuns}
	switch driver {
	case "file":
	case "sqlite", "sqlite3":
		busy, err := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		if busy == 0 {
			busy = time.Second
		}
		out.BusyTimeout = busy
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, true, nil
}

// buildJobs turns the jobs section into launcher jobs. Every job is checked
// so one call reports all problems.
func buildJobs(cfg *config.Config) ([]schedule.Job, error) {
	out := make([]schedule.Job, 0, len(cfg.Jobs))
	var errs []string
	for i, j := range cfg.Jobs {
		label := strings.TrimSpace(j.Name)
		if label == "" {
			label = fmt.Sprintf("jobs[%d]:%s", i, strings.TrimSpace(j.Action))
		}
		c, err := actions.Configurator(j)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", label, err))
			continue
		}
		if _, err := schedule.Parse(j.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", label, err))
			continue
		}
		wc := c.Build()
		out = append(out, schedule.Job{
			Name:     label,
			Spec:     j.Schedule,
			Template: func() worker.Configuration { return wc },
		})
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid jobs: %s", strings.Join(errs, "; "))
	}
	return out, nil
}
