package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "managedworker/pkg/logx"
)

const (
	sdReady     = daemon.SdNotifyReady
	sdReloading = daemon.SdNotifyReloading
	sdStopping  = daemon.SdNotifyStopping
	sdWatchdog  = daemon.SdNotifyWatchdog
)

// Notifier reports service state to the init system.
type Notifier interface {
	Notify(state string) (sent bool, err error)
	WatchdogInterval() (time.Duration, error)
}

// SystemdNotifier talks to systemd through $NOTIFY_SOCKET. Outside systemd
// every call is a no-op.
type SystemdNotifier struct{}

func (SystemdNotifier) Notify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func (SystemdNotifier) WatchdogInterval() (time.Duration, error) {
	return daemon.SdWatchdogEnabled(false)
}

func (a *App) notifyState(state string) {
	sent, err := a.notify.Notify(state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify", logx.String("state", state))
	}
}

// startWatchdog pings systemd at half the configured WatchdogSec.
func (a *App) startWatchdog() {
	every, err := a.notify.WatchdogInterval()
	if err != nil {
		a.log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	every /= 2
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", every))
	a.sup.Go("systemd.watchdog", func(ctx context.Context) error {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				a.notifyState(sdWatchdog)
			}
		}
	})
}
