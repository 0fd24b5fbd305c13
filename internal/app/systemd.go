package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "fetchsched/pkg/logx"
)

const (
	sdReady     = daemon.SdNotifyReady
	sdStopping  = daemon.SdNotifyStopping
	sdReloading = daemon.SdNotifyReloading
	sdWatchdog  = daemon.SdNotifyWatchdog
)

// sdNotify is a no-op outside systemd (NOTIFY_SOCKET unset).
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

// startSystemd reports readiness and, when the unit sets WatchdogSec, pings
// the watchdog at half the interval while the app is healthy.
func (a *App) startSystemd() {
	sdNotify(a.log, sdReady)

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				hctx, cancel := context.WithTimeout(c, interval/4)
				err := a.Health(hctx)
				cancel()
				if err != nil {
					// Missing pings let systemd restart the unit.
					a.log.Warn("health check failed; skipping watchdog ping", logx.Err(err))
					continue
				}
				sdNotify(a.log, sdWatchdog)
			}
		}
	})
}
