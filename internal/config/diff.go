package config

import (
	"reflect"
	"sort"
	"strings"

	logx "fetchsched/pkg/logx"
)

// RestartRequired lists sections that are read once at startup.
var RestartRequired = map[string]bool{"storage": true, "queue.backend": true}

// SummarizeConfigChange returns the sorted list of changed sections and log
// fields describing the new values. Secrets are reported only as *_set flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	o, n := oldCfg.Storage, newCfg.Storage
	if o.Driver != n.Driver || o.Path != n.Path || o.DSN != n.DSN || o.BusyTimeout != n.BusyTimeout || o.MaxOpenConns != n.MaxOpenConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", n.Driver),
			logx.Bool("storage.path_set", set(n.Path)),
			logx.Bool("storage.dsn_set", set(n.DSN)),
		)
	}

	oq, nq := oldCfg.Queue, newCfg.Queue
	if !strings.EqualFold(oq.Backend, nq.Backend) || oq.Redis != nq.Redis {
		changed = append(changed, "queue.backend")
		attrs = append(attrs,
			logx.String("queue.backend", nq.Backend),
			logx.String("queue.redis.addr", nq.Redis.Addr),
			logx.Bool("queue.redis.password_set", nq.Redis.Password != ""),
		)
	}
	oq.Backend, nq.Backend = "", ""
	oq.Redis, nq.Redis = RedisConfig{}, RedisConfig{}
	if oq != nq {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.poll_interval", nq.PollInterval),
			logx.Int("queue.max_attempts", nq.MaxAttempts),
			logx.String("queue.retry_base", nq.RetryBase),
			logx.String("queue.lease_timeout", nq.LeaseTimeout),
		)
	}

	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Int("worker.concurrency", newCfg.Worker.Concurrency),
			logx.String("worker.job_timeout", newCfg.Worker.JobTimeout),
			logx.Int("worker.max_restarts", newCfg.Worker.MaxRestarts),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.timeout", newCfg.HTTP.Timeout),
			logx.Any("http.rate_per_sec", newCfg.HTTP.RatePerSec),
			logx.Int("http.burst", newCfg.HTTP.Burst),
		)
	}

	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newCfg.Notify.Enabled),
			logx.Bool("notify.telegram_enabled", newCfg.Notify.Telegram.Enabled),
			logx.Bool("notify.telegram_token_set", set(newCfg.Notify.Telegram.Token)),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", set(newCfg.Ops.Token)),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
