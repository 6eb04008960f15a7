package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"

	"managedworker/internal/worker"
	logx "managedworker/pkg/logx"
)

const defaultUnitTimeout = 5 * time.Second

// UnitStatus is the part of a systemd unit's state the unit action reads.
type UnitStatus struct {
	Name   string
	Active string // ActiveState: active, inactive, failed, ...
	Sub    string
	Load   string
}

// UnitQuerier looks up a unit's state.
type UnitQuerier interface {
	UnitStatus(ctx context.Context, unit string) (UnitStatus, error)
}

// SystemdQuerier asks systemd over the system bus, one connection per query.
type SystemdQuerier struct{}

func (SystemdQuerier) UnitStatus(ctx context.Context, unit string) (UnitStatus, error) {
	conn, err := sddbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return UnitStatus{}, fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnit(err) {
			return UnitStatus{Name: unit, Active: "unknown", Load: "not-found"}, nil
		}
		return UnitStatus{}, fmt.Errorf("get properties of %s: %w", unit, err)
	}
	return UnitStatus{
		Name:   unit,
		Active: stringProp(props, "ActiveState"),
		Sub:    stringProp(props, "SubState"),
		Load:   stringProp(props, "LoadState"),
	}, nil
}

const errNoSuchUnit = "org.freedesktop.systemd1.NoSuchUnit"

func isNoSuchUnit(err error) bool {
	var de dbus.Error
	if errors.As(err, &de) {
		return de.Name == errNoSuchUnit
	}
	return strings.Contains(err.Error(), "NoSuchUnit")
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

// units is replaced in tests.
var units UnitQuerier = SystemdQuerier{}

// unitName adds ".service" when name has no unit type suffix.
func unitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

// CheckUnit fails unless the unit is active.
func CheckUnit(q UnitQuerier, unit string, timeout time.Duration) worker.Body {
	unit = unitName(unit)
	if timeout <= 0 {
		timeout = defaultUnitTimeout
	}
	return func(w *worker.Worker) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		st, err := q.UnitStatus(ctx, unit)
		if err != nil {
			return err
		}
		w.Logger().Debug("unit status",
			logx.String("unit", unit),
			logx.String("active", st.Active),
			logx.String("sub", st.Sub),
		)
		if st.Load == "not-found" {
			return fmt.Errorf("unit %s not found", unit)
		}
		if st.Active != "active" {
			return fmt.Errorf("unit %s is %s (%s)", unit, st.Active, st.Sub)
		}
		return nil
	}
}
