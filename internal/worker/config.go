package worker

// Body is the work a worker runs. It receives the worker running it so it can
// reach Identity, ThreadID and Logger. Returning a non-nil error is a failure.
type Body func(w *Worker) error

// FailureFunc receives a contained failure.
type FailureFunc func(err error)

// Configuration is a frozen execution policy. It is a value: copies handed to
// New are never affected by later Configurator calls.
type Configuration struct {
	body          Body
	serialize     bool
	catchFailures bool
	onFailure     FailureFunc
	name          string
}

// DefaultConfiguration returns the policy used when no setter is called:
// no-op body, serialize=true, catchFailures=false, no-op callback, name unset.
func DefaultConfiguration() Configuration {
	return Configuration{serialize: true}
}

func (c Configuration) Serialize() bool     { return c.serialize }
func (c Configuration) CatchFailures() bool { return c.catchFailures }

// Name returns the configured name and whether one was set.
func (c Configuration) Name() (string, bool) { return c.name, c.name != "" }

// HasBody reports whether a body other than the default no-op was set.
func (c Configuration) HasBody() bool { return c.body != nil }

// HasFailureCallback reports whether a callback other than the default no-op was set.
func (c Configuration) HasFailureCallback() bool { return c.onFailure != nil }

func (c Configuration) run(w *Worker) error {
	if c.body == nil {
		return nil
	}
	return c.body(w)
}

func (c Configuration) fail(err error) {
	if c.onFailure == nil {
		return
	}
	c.onFailure(err)
}

// Configurator accumulates a Configuration through chained setters.
// Setters never fail.
type Configurator struct {
	cfg Configuration
}

func NewConfigurator() *Configurator {
	return &Configurator{cfg: DefaultConfiguration()}
}

// SetBody replaces the body. nil restores the no-op body.
func (c *Configurator) SetBody(body Body) *Configurator {
	c.cfg.body = body
	return c
}

func (c *Configurator) SetSerialize(enabled bool) *Configurator {
	c.cfg.serialize = enabled
	return c
}

func (c *Configurator) SetCatchFailures(enabled bool) *Configurator {
	c.cfg.catchFailures = enabled
	return c
}

// SetFailureCallback stores the callback. It is only used when catchFailures
// is true; setting it without catchFailures is legal and has no effect.
func (c *Configurator) SetFailureCallback(fn FailureFunc) *Configurator {
	c.cfg.onFailure = fn
	return c
}

// SetName stores name only if it is non-empty. An empty name is ignored so a
// blank value never overwrites a meaningful one.
func (c *Configurator) SetName(name string) *Configurator {
	if name == "" {
		return c
	}
	c.cfg.name = name
	return c
}

// Build returns the accumulated policy as a value copy.
func (c *Configurator) Build() Configuration {
	return c.cfg
}
