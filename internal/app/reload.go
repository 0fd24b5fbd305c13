package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"fetchsched/internal/config"
	logx "fetchsched/pkg/logx"
)

// reloadLoop applies published configs to the live components. Sections in
// config.RestartRequired are logged and otherwise ignored until restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	rt, err := newCfg.Resolve()
	if err != nil {
		// The manager resolves before publishing; this only trips on a bug.
		a.log.Warn("config reload not applied", logx.Err(err))
		return
	}
	sdNotify(a.log, sdReloading)
	defer sdNotify(a.log, sdReady)

	var restart []string
	for _, s := range sections {
		if config.RestartRequired[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(rt.Logging)
	a.pool.Apply(rt.Worker)
	a.client.Apply(rt.HTTP)
	if slices.Contains(sections, "queue") && rt.Policy != a.rt.Policy {
		a.log.Warn("queue retry policy changed; restart required for changes to take effect",
			logx.Int("max_attempts", rt.Policy.MaxAttempts),
			logx.Duration("retry_base", rt.Policy.RetryBase),
		)
	}

	wasNotify := a.notif.Supervisor() != nil
	a.notif.Apply(rt.Notify)
	switch {
	case wasNotify && !rt.Notify.Enabled:
		a.log.Info("notify disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasNotify && rt.Notify.Enabled:
		a.log.Info("notify enabled via config")
		a.notif.Start(ctx)
	}

	a.ops.Apply(ctx, rt.Ops)

	a.log.Info("config reloaded", fields...)
}
