package config

// Config is the on-disk configuration, JSON or YAML. Durations are Go
// duration strings ("500ms", "10s", "5m"). ${VAR} references are expanded
// from the environment before decoding.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Queue   QueueConfig   `json:"queue"`
	Worker  WorkerConfig  `json:"worker"`
	HTTP    HTTPConfig    `json:"http"`
	Notify  NotifyConfig  `json:"notify"`
	Ops     OpsConfig     `json:"ops"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the SQL database.
//
//	"storage": { "driver": "sqlite", "path": "./fetchsched.db" }
//	"storage": { "driver": "postgres", "dsn": "${DATABASE_URL}" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // do not log
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// QueueConfig selects the job queue backend and its retry policy.
//
// Defaults: backend "sql", max_attempts 10, retry_base "1s",
// retry_max_delay "5m", lease_timeout "10m", reap_interval "30s",
// retention "0s" (keep finished jobs).
type QueueConfig struct {
	Backend       string      `json:"backend"`
	PollInterval  string      `json:"poll_interval,omitempty"`
	MaxAttempts   int         `json:"max_attempts,omitempty"`
	RetryBase     string      `json:"retry_base,omitempty"`
	RetryMaxDelay string      `json:"retry_max_delay,omitempty"`
	LeaseTimeout  string      `json:"lease_timeout,omitempty"`
	ReapInterval  string      `json:"reap_interval,omitempty"`
	Retention     string      `json:"retention,omitempty"`
	Redis         RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type WorkerConfig struct {
	Concurrency int    `json:"concurrency,omitempty"`
	JobTimeout  string `json:"job_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	MaxRestarts int    `json:"max_restarts,omitempty"`
	// PoolRestarts is how many failed pool runs the app tolerates before it
	// shuts down.
	PoolRestarts int `json:"pool_restarts,omitempty"`
}

type HTTPConfig struct {
	Timeout      string  `json:"timeout,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	Burst        int     `json:"burst,omitempty"`
	UserAgent    string  `json:"user_agent,omitempty"`
	MaxBodyBytes int64   `json:"max_body_bytes,omitempty"`
}

type NotifyConfig struct {
	Enabled     bool           `json:"enabled"`
	RatePerSec  float64        `json:"rate_per_sec,omitempty"`
	Burst       int            `json:"burst,omitempty"`
	DedupWindow string         `json:"dedup_window,omitempty"`
	Telegram    NotifyTelegram `json:"telegram,omitempty"`
}

type NotifyTelegram struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // do not log
	ChatID  int64  `json:"chat_id,omitempty"`
}

// OpsConfig controls the operator HTTP server.
//
// Prefer a loopback addr. A non-loopback addr needs a token or
// allow_insecure. write_timeout defaults to 0 so /profile can run 30s+.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
