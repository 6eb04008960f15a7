package worker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfiguration(t *testing.T) {
	t.Parallel()
	cfg := NewConfigurator().Build()

	require.True(t, cfg.Serialize())
	require.False(t, cfg.CatchFailures())
	_, named := cfg.Name()
	require.False(t, named)
	require.False(t, cfg.HasBody())
	require.False(t, cfg.HasFailureCallback())
	require.Equal(t, DefaultConfiguration(), cfg)

	// The no-op body and callback are callable.
	require.NoError(t, cfg.run(nil))
	require.NotPanics(t, func() { cfg.fail(errors.New("ignored")) })
}

func TestSetNameIgnoresEmpty(t *testing.T) {
	t.Parallel()

	cfg := NewConfigurator().SetName("").Build()
	_, named := cfg.Name()
	require.False(t, named, "empty name must leave name unset")

	cfg = NewConfigurator().SetName("worker-A").SetName("").Build()
	name, named := cfg.Name()
	require.True(t, named)
	require.Equal(t, "worker-A", name)
	require.Equal(t, "worker-A", New(cfg).Identity())

	cfg = NewConfigurator().SetName("worker-A").SetName("worker-B").Build()
	name, _ = cfg.Name()
	require.Equal(t, "worker-B", name)
}

func TestSettersChainAndOverwrite(t *testing.T) {
	t.Parallel()
	calls := 0
	c := NewConfigurator().
		SetBody(func(*Worker) error { calls++; return nil }).
		SetBody(func(*Worker) error { calls += 10; return nil }).
		SetSerialize(false).
		SetCatchFailures(true).
		SetFailureCallback(func(error) {})

	cfg := c.Build()
	require.False(t, cfg.Serialize())
	require.True(t, cfg.CatchFailures())
	require.True(t, cfg.HasFailureCallback())
	require.NoError(t, cfg.run(nil))
	require.Equal(t, 10, calls)

	c.SetBody(nil)
	require.False(t, c.Build().HasBody())
}

func TestBuildReturnsFrozenCopy(t *testing.T) {
	t.Parallel()
	c := NewConfigurator().SetName("first")
	cfg := c.Build()

	c.SetName("second").SetSerialize(false).SetCatchFailures(true)

	name, _ := cfg.Name()
	require.Equal(t, "first", name)
	require.True(t, cfg.Serialize())
	require.False(t, cfg.CatchFailures())
}

func TestCallbackWithoutCatchFailuresIsLegal(t *testing.T) {
	t.Parallel()
	cfg := NewConfigurator().SetFailureCallback(func(error) {}).Build()
	require.True(t, cfg.HasFailureCallback())
	require.False(t, cfg.CatchFailures())
}
