package config

// Config is the whole daemon configuration. YAML and JSON are both
// accepted; YAML is coerced to JSON and decoded strictly, so unknown keys
// are rejected in either format. All durations are Go duration strings
// (e.g. "500ms", "30s", "10m").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Dispatcher  DispatcherConfig  `json:"dispatcher"`
	Limits      LimitsConfig      `json:"limits"`
	Telegram    TelegramConfig    `json:"telegram,omitempty"`
	Ledger      LedgerConfig      `json:"ledger,omitempty"`
	API         APIConfig         `json:"api,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"` // debug|info|warn|error
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// DispatcherConfig controls the worker pool and retry policy.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - max_attempts: 3
//   - retry_base: "30s", retry_max_delay: "10m", retry_jitter: 0.2
//   - send_timeout: "30s"
//   - poll_floor: "1s"
//
// EnforcePremium and RandomizePacing are pointers so an omitted field can
// default to true while an explicit false is still honored.
type DispatcherConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	MaxAttempts   int     `json:"max_attempts,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`

	SendTimeout string `json:"send_timeout,omitempty"`
	PollFloor   string `json:"poll_floor,omitempty"`

	EnforcePremium  *bool `json:"enforce_premium,omitempty"`
	RandomizePacing *bool `json:"randomize_pacing,omitempty"`
}

// LimitsConfig is the anti-spam budget: per-account hourly cap plus a
// global per-second ceiling across all accounts.
type LimitsConfig struct {
	MaxMessagesPerHour int `json:"max_messages_per_hour,omitempty"`
	RatePerSec         int `json:"rate_per_sec,omitempty"`
}

type TelegramConfig struct {
	HTTPTimeout string `json:"http_timeout,omitempty"`
	ParseMode   string `json:"parse_mode,omitempty"`
}

// LedgerConfig bounds the delivery log.
//
// Example:
//
//	"ledger": { "max_entries": 10000, "retention": "168h",
//	            "store": { "driver": "sqlite", "path": "./promobot.db" } }
type LedgerConfig struct {
	MaxEntries int               `json:"max_entries,omitempty"`
	Retention  string            `json:"retention,omitempty"`
	Store      LedgerStoreConfig `json:"store,omitempty"`
}

type LedgerStoreConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" or "none"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// APIConfig controls the operator HTTP API.
// Prefer binding to localhost; the API carries no authentication of its own.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8880"
}

// MaintenanceConfig schedules housekeeping (ledger prune, rate-window
// sweep) as a cron expression. Default: "@hourly".
type MaintenanceConfig struct {
	Spec string `json:"spec,omitempty"`
}
