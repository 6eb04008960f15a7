package actions

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"managedworker/internal/config"
	"managedworker/internal/worker"
	logx "managedworker/pkg/logx"
)

type fakeUnits map[string]UnitStatus

func (f fakeUnits) UnitStatus(ctx context.Context, unit string) (UnitStatus, error) {
	if _, ok := ctx.Deadline(); !ok {
		return UnitStatus{}, errors.New("query without deadline")
	}
	st, ok := f[unit]
	if !ok {
		return UnitStatus{}, errors.New("bus unavailable")
	}
	return st, nil
}

func TestUnitName(t *testing.T) {
	t.Parallel()
	require.Equal(t, "nginx.service", unitName(" nginx "))
	require.Equal(t, "backup.timer", unitName("backup.timer"))
	require.Equal(t, "", unitName(""))
}

func TestCheckUnit(t *testing.T) {
	t.Parallel()
	q := fakeUnits{
		"nginx.service": {Name: "nginx.service", Active: "active", Sub: "running", Load: "loaded"},
		"redis.service": {Name: "redis.service", Active: "failed", Sub: "failed", Load: "loaded"},
		"ghost.service": {Name: "ghost.service", Active: "unknown", Load: "not-found"},
	}
	tests := []struct {
		unit    string
		wantErr string
	}{
		{"nginx", ""},
		{"redis", "unit redis.service is failed (failed)"},
		{"ghost", "not found"},
		{"absent", "bus unavailable"},
	}
	for _, tt := range tests {
		c := worker.NewConfigurator().SetName("check-" + tt.unit).SetCatchFailures(true).
			SetBody(CheckUnit(q, tt.unit, 0))
		got := make(chan error, 1)
		c.SetFailureCallback(func(err error) { got <- err })
		require.NoError(t, runJob(t, c, logx.Nop()))

		if tt.wantErr == "" {
			require.Empty(t, got, tt.unit)
			continue
		}
		require.ErrorContains(t, <-got, tt.wantErr, tt.unit)
	}
}

func TestUnitActionNeedsName(t *testing.T) {
	t.Parallel()
	_, err := Build(config.JobConfig{Action: "unit"})
	require.ErrorContains(t, err, "unit name required")
	_, err = Build(config.JobConfig{Action: "unit", Unit: "nginx", Timeout: "soon"})
	require.ErrorContains(t, err, "invalid duration")
	_, err = Build(config.JobConfig{Action: "unit", Unit: "nginx", Timeout: "2s"})
	require.NoError(t, err)
}

func TestIsNoSuchUnit(t *testing.T) {
	t.Parallel()
	de := dbus.Error{Name: errNoSuchUnit, Body: []any{"unit x.service not loaded"}}
	require.True(t, isNoSuchUnit(de))
	require.True(t, isNoSuchUnit(fmt.Errorf("wrapped: %w", de)))
	require.False(t, isNoSuchUnit(dbus.Error{Name: "org.freedesktop.DBus.Error.AccessDenied"}))
	require.False(t, isNoSuchUnit(errors.New("connection reset")))
}
