package config

type Config struct {
	Nuclino  NuclinoConfig  `json:"nuclino"`
	Session  SessionConfig  `json:"session"`
	Watch    WatchConfig    `json:"watch"`
	Delivery DeliveryConfig `json:"delivery"`
	Logging  LoggingConfig  `json:"logging"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`

	Backup  *BackupConfig  `json:"backup,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
}

// NuclinoConfig identifies the watched workspace and the endpoints used to reach it.
//
// Roots: every id in BrainIDs is loaded from the brain collection and its main cell
// becomes a traversal root. RootCellIDs are traversed directly. If TeamID is set, the
// team document supplies member names and additional brain ids.
type NuclinoConfig struct {
	SyncURL  string `json:"sync_url,omitempty"`  // default: "wss://api.nuclino.com/syncing"
	APIURL   string `json:"api_url,omitempty"`   // default: "https://api.nuclino.com"
	FilesURL string `json:"files_url,omitempty"` // default: "https://files.nuclino.com"
	Origin   string `json:"origin,omitempty"`    // default: "https://app.nuclino.com"
	LinkBase string `json:"link_base,omitempty"` // default: Origin

	AppID     string `json:"app_id"`
	Team      string `json:"team"`                // display name used in deep links
	Workspace string `json:"workspace,omitempty"` // default: "General"

	TeamID      string   `json:"team_id,omitempty"`
	BrainIDs    []string `json:"brain_ids,omitempty"`
	RootCellIDs []string `json:"root_cell_ids,omitempty"`
}

// SessionConfig controls session cookie handling.
type SessionConfig struct {
	// TokenFile seeds the session token when storage holds none. Refreshed tokens are
	// written back to it.
	TokenFile string `json:"token_file"`
	// RefreshSchedule is a cron spec or interval ("@every 24h", "0 4 * * *", "12h").
	// Each scheduled refresh forces a reconnect. Default "@every 24h"; "off" disables it.
	RefreshSchedule string `json:"refresh_schedule,omitempty"`
}

// WatchConfig controls the live subscription and coalescing engine.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
type WatchConfig struct {
	// Debounce is the quiet period after the last change to a target before its digest
	// is sent. Default "30s".
	Debounce         string `json:"debounce,omitempty"`
	HandshakeTimeout string `json:"handshake_timeout,omitempty"` // default "10s"
	PingInterval     string `json:"ping_interval,omitempty"`     // default "30s"
	ReadTimeout      string `json:"read_timeout,omitempty"`      // default "90s"
	ReconnectBackoff string `json:"reconnect_backoff,omitempty"` // default "2s"
	ReconnectMax     string `json:"reconnect_max,omitempty"`     // default "1m"
}

// DeliveryConfig controls the outbound digest channel.
//
// Driver values:
//   - "webhook" (default): HTTP POST of {"<content_field>": "<digest>"}
//   - "telegram": bot message to a chat (optionally a forum thread)
type DeliveryConfig struct {
	Driver       string `json:"driver,omitempty"`
	WebhookURL   string `json:"webhook_url,omitempty"`
	ContentField string `json:"content_field,omitempty"` // default "text"
	Timeout      string `json:"timeout,omitempty"`       // default "10s"
	QueueSize    int    `json:"queue_size,omitempty"`    // default 256
	RatePerSec   int    `json:"rate_per_sec,omitempty"`  // default 1

	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// BackupConfig controls the archival export of each watched brain.
//
// Example:
//
//	"backup": { "enabled": true, "dir": "./backups", "schedule": "@daily", "on_connect": true }
type BackupConfig struct {
	Enabled   bool   `json:"enabled"`
	Dir       string `json:"dir,omitempty"`    // default "./backups"
	Format    string `json:"format,omitempty"` // default "md"
	Schedule  string `json:"schedule,omitempty"`
	OnConnect bool   `json:"on_connect,omitempty"`
	Timeout   string `json:"timeout,omitempty"` // default "5m"
}

// StorageConfig controls the small persistence layer (session token, backup state).
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cellwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PprofConfig controls the optional debug HTTP server (pprof, /healthz, /metrics).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards log lines at or above MinLevel to the delivery channel.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"` // default "error"
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
