// Package actions holds the worker bodies a job can name in the config file.
package actions

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"managedworker/internal/config"
	"managedworker/internal/worker"
	logx "managedworker/pkg/logx"
)

const (
	defaultSleep = time.Second
	defaultCount = 5
)

// ErrUnknownAction is returned by Build for a name not in the catalogue.
var ErrUnknownAction = errors.New("unknown action")

type builder func(j config.JobConfig) (worker.Body, error)

var catalogue = map[string]builder{
	"sleep": func(j config.JobConfig) (worker.Body, error) {
		d, err := durationOr(j, defaultSleep)
		if err != nil {
			return nil, err
		}
		return Sleep(d), nil
	},
	"count": func(j config.JobConfig) (worker.Body, error) {
		d, err := durationOr(j, 0)
		if err != nil {
			return nil, err
		}
		n := j.Count
		if n == 0 {
			n = defaultCount
		}
		return Count(n, d), nil
	},
	"fail": func(j config.JobConfig) (worker.Body, error) {
		return Fail(j.Message), nil
	},
	"panic": func(j config.JobConfig) (worker.Body, error) {
		return Panic(j.Message), nil
	},
	"unit": func(j config.JobConfig) (worker.Body, error) {
		if strings.TrimSpace(j.Unit) == "" {
			return nil, errors.New("unit: unit name required")
		}
		timeout, err := config.ParseDuration("timeout", j.Timeout)
		if err != nil {
			return nil, err
		}
		return CheckUnit(units, j.Unit, timeout), nil
	},
}

// Names lists the catalogue, sorted.
func Names() []string {
	out := make([]string, 0, len(catalogue))
	for k := range catalogue {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build returns the body for j.Action.
func Build(j config.JobConfig) (worker.Body, error) {
	name := strings.ToLower(strings.TrimSpace(j.Action))
	b, ok := catalogue[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownAction, j.Action, strings.Join(Names(), ", "))
	}
	return b(j)
}

// Configurator maps a job onto a worker configurator. Name is only set when
// the job has one, so unnamed jobs fall back to the body's symbol.
func Configurator(j config.JobConfig) (*worker.Configurator, error) {
	body, err := Build(j)
	if err != nil {
		return nil, err
	}
	return worker.NewConfigurator().
		SetBody(body).
		SetSerialize(j.SerializeOrDefault()).
		SetCatchFailures(j.CatchFailures).
		SetName(strings.TrimSpace(j.Name)), nil
}

func durationOr(j config.JobConfig, def time.Duration) (time.Duration, error) {
	d, err := config.ParseDuration("duration", j.Duration)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(j.Duration) == "" {
		return def, nil
	}
	return d, nil
}

// Sleep holds the worker for d, like a slow write to a shared resource.
func Sleep(d time.Duration) worker.Body {
	return func(w *worker.Worker) error {
		w.Logger().Debug("sleeping", logx.Duration("for", d))
		time.Sleep(d)
		return nil
	}
}

// Count logs 1..n, pausing every step between numbers.
func Count(n int, every time.Duration) worker.Body {
	return func(w *worker.Worker) error {
		for i := 1; i <= n; i++ {
			w.Logger().Info("count", logx.Int("n", i))
			if every > 0 && i < n {
				time.Sleep(every)
			}
		}
		return nil
	}
}

// Fail returns an error carrying msg.
func Fail(msg string) worker.Body {
	if strings.TrimSpace(msg) == "" {
		msg = "action failed"
	}
	return func(*worker.Worker) error {
		return errors.New(msg)
	}
}

// Panic panics with msg.
func Panic(msg string) worker.Body {
	if strings.TrimSpace(msg) == "" {
		msg = "action panicked"
	}
	return func(*worker.Worker) error {
		panic(msg)
	}
}
