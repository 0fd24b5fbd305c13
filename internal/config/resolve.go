package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"fetchsched/internal/fetch/httpclient"
	"fetchsched/internal/notify"
	"fetchsched/internal/observability/ops"
	"fetchsched/internal/queue"
	"fetchsched/internal/queue/redisq"
	"fetchsched/internal/storage"
	"fetchsched/internal/worker"
	logx "fetchsched/pkg/logx"
)

// Queue backends.
const (
	BackendSQL    = "sql"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Runtime is Config with defaults applied and durations parsed, split into the
// shapes each component takes.
type Runtime struct {
	Logging      logx.Config
	Storage      storage.Config
	Backend      string
	Redis        redisq.Config
	Policy       queue.Policy
	Worker       worker.Config
	PoolRestarts int
	HTTP         httpclient.Config
	Notify       notify.Config
	Ops          ops.Config
}

// Resolve validates c and converts it. All field errors are joined.
func (c *Config) Resolve() (Runtime, error) {
	if c == nil {
		return Runtime{}, errors.New("config is nil")
	}
	var (
		rt   Runtime
		errs []error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	lvl := strings.TrimSpace(c.Logging.Level)
	if lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}
	rt.Logging = logx.Config{
		Level:   lvl,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: strings.TrimSpace(c.Logging.File.Path)},
	}

	rt.Storage = storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(c.Storage.Driver)),
		Path:         strings.TrimSpace(c.Storage.Path),
		DSN:          strings.TrimSpace(c.Storage.DSN),
		BusyTimeout:  dur("storage.busy_timeout", c.Storage.BusyTimeout, 0),
		MaxOpenConns: c.Storage.MaxOpenConns,
	}
	switch rt.Storage.Driver {
	case "", "sqlite":
		rt.Storage.Driver = "sqlite"
		if rt.Storage.Path == "" {
			rt.Storage.Path = "fetchsched.db"
		}
	case "postgres":
		if rt.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	rt.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	switch rt.Backend {
	case "":
		rt.Backend = BackendSQL
	case BackendSQL, BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.Queue.Redis.Addr) == "" {
			errs = append(errs, errors.New("queue.redis.addr: required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend: unknown backend %q", c.Queue.Backend))
	}
	rt.Redis = redisq.Config{
		Addr:     strings.TrimSpace(c.Queue.Redis.Addr),
		Password: c.Queue.Redis.Password,
		DB:       c.Queue.Redis.DB,
		Prefix:   strings.TrimSpace(c.Queue.Redis.Prefix),
	}
	if c.Queue.MaxAttempts < 0 {
		errs = append(errs, errors.New("queue.max_attempts: must be >= 0"))
	}
	rt.Policy = queue.Policy{
		MaxAttempts:   c.Queue.MaxAttempts,
		RetryBase:     dur("queue.retry_base", c.Queue.RetryBase, time.Second),
		RetryMaxDelay: dur("queue.retry_max_delay", c.Queue.RetryMaxDelay, 5*time.Minute),
	}
	if rt.Policy.MaxAttempts == 0 {
		rt.Policy.MaxAttempts = queue.DefaultMaxAttempts
	}

	if c.Worker.Concurrency < 0 {
		errs = append(errs, errors.New("worker.concurrency: must be >= 0"))
	}
	rt.Worker = worker.Config{
		Concurrency:  max(c.Worker.Concurrency, 0),
		PollInterval: dur("queue.poll_interval", c.Queue.PollInterval, time.Second),
		JobTimeout:   dur("worker.job_timeout", c.Worker.JobTimeout, 2*time.Minute),
		LeaseTimeout: dur("queue.lease_timeout", c.Queue.LeaseTimeout, 10*time.Minute),
		ReapInterval: dur("queue.reap_interval", c.Queue.ReapInterval, 30*time.Second),
		Retention:    dur("queue.retention", c.Queue.Retention, 0),
		HistorySize:  c.Worker.HistorySize,
		MaxRestarts:  c.Worker.MaxRestarts,
	}
	if rt.Worker.Concurrency == 0 {
		rt.Worker.Concurrency = 4
	}
	// A reclaimed lease is only safe once its executor has given up on the job.
	switch {
	case rt.Worker.LeaseTimeout > 0 && rt.Worker.JobTimeout <= 0:
		errs = append(errs, errors.New("worker.job_timeout: must be set while queue.lease_timeout is enabled"))
	case rt.Worker.LeaseTimeout > 0 && rt.Worker.LeaseTimeout <= rt.Worker.JobTimeout:
		errs = append(errs, fmt.Errorf("queue.lease_timeout: must exceed worker.job_timeout (%s)", rt.Worker.JobTimeout))
	}
	rt.PoolRestarts = c.Worker.PoolRestarts
	if rt.PoolRestarts <= 0 {
		rt.PoolRestarts = 3
	}

	if c.HTTP.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("http.max_body_bytes: must be >= 0"))
	}
	rt.HTTP = httpclient.Config{
		Timeout:      dur("http.timeout", c.HTTP.Timeout, 30*time.Second),
		RatePerSec:   c.HTTP.RatePerSec,
		Burst:        c.HTTP.Burst,
		UserAgent:    strings.TrimSpace(c.HTTP.UserAgent),
		MaxBodyBytes: c.HTTP.MaxBodyBytes,
	}

	rt.Notify = notify.Config{
		Enabled:     c.Notify.Enabled,
		RatePerSec:  c.Notify.RatePerSec,
		Burst:       c.Notify.Burst,
		DedupWindow: dur("notify.dedup_window", c.Notify.DedupWindow, time.Minute),
		Telegram: notify.TelegramConfig{
			Enabled: c.Notify.Telegram.Enabled,
			Token:   strings.TrimSpace(c.Notify.Telegram.Token),
			ChatID:  c.Notify.Telegram.ChatID,
		},
	}
	if c.Notify.Enabled && c.Notify.Telegram.Enabled {
		if rt.Notify.Telegram.Token == "" {
			errs = append(errs, errors.New("notify.telegram.token: required when telegram is enabled"))
		}
		if rt.Notify.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("notify.telegram.chat_id: required when telegram is enabled"))
		}
	}

	rt.Ops = ops.Config{
		Enabled:       c.Ops.Enabled,
		Addr:          strings.TrimSpace(c.Ops.Addr),
		Token:         strings.TrimSpace(c.Ops.Token),
		AllowInsecure: c.Ops.AllowInsecure,
		PprofEnabled:  c.Ops.Pprof,
		PprofPrefix:   strings.TrimSpace(c.Ops.PprofPrefix),
		ReadTimeout:   dur("ops.read_timeout", c.Ops.ReadTimeout, 10*time.Second),
		WriteTimeout:  dur("ops.write_timeout", c.Ops.WriteTimeout, 0),
		IdleTimeout:   dur("ops.idle_timeout", c.Ops.IdleTimeout, time.Minute),
	}

	return rt, errors.Join(errs...)
}
