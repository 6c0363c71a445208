package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	logx "cellwatch/pkg/logx"
)

// Defaults applied when fields are omitted.
const (
	DefaultSyncURL   = "wss://api.nuclino.com/syncing"
	DefaultAPIURL    = "https://api.nuclino.com"
	DefaultFilesURL  = "https://files.nuclino.com"
	DefaultOrigin    = "https://app.nuclino.com"
	DefaultWorkspace = "General"

	DefaultDebounce         = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultReadTimeout      = 90 * time.Second
	DefaultReconnectBackoff = 2 * time.Second
	DefaultReconnectMax     = time.Minute

	DefaultContentField = "text"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks the parts of the config that would otherwise fail late (at connect
// or at the first send). It does not touch the filesystem or network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	n := cfg.Nuclino
	if len(n.BrainIDs) == 0 && len(n.RootCellIDs) == 0 && strings.TrimSpace(n.TeamID) == "" {
		return errors.New("nuclino: one of brain_ids, root_cell_ids or team_id is required")
	}
	if strings.TrimSpace(n.Team) == "" {
		return errors.New("nuclino.team is required (used for deep links)")
	}
	for _, kv := range []struct{ key, raw string }{
		{"nuclino.sync_url", n.SyncURL},
		{"nuclino.api_url", n.APIURL},
		{"nuclino.files_url", n.FilesURL},
		{"nuclino.origin", n.Origin},
		{"nuclino.link_base", n.LinkBase},
	} {
		if strings.TrimSpace(kv.raw) == "" {
			continue
		}
		if _, err := url.Parse(kv.raw); err != nil {
			return fmt.Errorf("%s: %w", kv.key, err)
		}
	}

	for _, kv := range []struct{ key, raw string }{
		{"watch.debounce", cfg.Watch.Debounce},
		{"watch.handshake_timeout", cfg.Watch.HandshakeTimeout},
		{"watch.ping_interval", cfg.Watch.PingInterval},
		{"watch.read_timeout", cfg.Watch.ReadTimeout},
		{"watch.reconnect_backoff", cfg.Watch.ReconnectBackoff},
		{"watch.reconnect_max", cfg.Watch.ReconnectMax},
		{"delivery.timeout", cfg.Delivery.Timeout},
		{"pprof.read_timeout", cfg.Pprof.ReadTimeout},
		{"pprof.write_timeout", cfg.Pprof.WriteTimeout},
		{"pprof.idle_timeout", cfg.Pprof.IdleTimeout},
	} {
		if _, err := ParseDurationField(kv.key, kv.raw); err != nil {
			return err
		}
	}

	d := cfg.Delivery
	switch strings.ToLower(strings.TrimSpace(d.Driver)) {
	case "", "webhook":
		if strings.TrimSpace(d.WebhookURL) == "" {
			return errors.New("delivery.webhook_url is required when delivery.driver=webhook")
		}
		if _, err := url.Parse(d.WebhookURL); err != nil {
			return fmt.Errorf("delivery.webhook_url: %w", err)
		}
	case "telegram":
		if strings.TrimSpace(d.Telegram.Token) == "" || d.Telegram.ChatID == 0 {
			return errors.New("delivery.telegram.token and delivery.telegram.chat_id are required when delivery.driver=telegram")
		}
	default:
		return fmt.Errorf("unknown delivery.driver: %s", d.Driver)
	}
	if d.QueueSize < 0 {
		return errors.New("delivery.queue_size must be >= 0")
	}
	if d.RatePerSec < 0 {
		return errors.New("delivery.rate_per_sec must be >= 0")
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if !logx.ValidLevel(cfg.Logging.Alert.MinLevel) {
		return fmt.Errorf("logging.alert.min_level: unknown level %q", cfg.Logging.Alert.MinLevel)
	}

	if b := cfg.Backup; b != nil {
		if _, err := ParseDurationField("backup.timeout", b.Timeout); err != nil {
			return err
		}
		if b.Enabled && len(n.BrainIDs) == 0 && strings.TrimSpace(n.TeamID) == "" {
			return errors.New("backup.enabled requires nuclino.brain_ids or nuclino.team_id")
		}
	}
	if s := cfg.Storage; s != nil {
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}

// DebounceOrDefault returns the configured quiet period.
func (c *Config) DebounceOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("watch.debounce", c.Watch.Debounce, DefaultDebounce)
	if err != nil {
		return DefaultDebounce
	}
	return d
}

// WithDefaults returns a copy of n with endpoint defaults filled in.
func (n NuclinoConfig) WithDefaults() NuclinoConfig {
	if strings.TrimSpace(n.SyncURL) == "" {
		n.SyncURL = DefaultSyncURL
	}
	if strings.TrimSpace(n.APIURL) == "" {
		n.APIURL = DefaultAPIURL
	}
	if strings.TrimSpace(n.FilesURL) == "" {
		n.FilesURL = DefaultFilesURL
	}
	if strings.TrimSpace(n.Origin) == "" {
		n.Origin = DefaultOrigin
	}
	if strings.TrimSpace(n.LinkBase) == "" {
		n.LinkBase = n.Origin
	}
	if strings.TrimSpace(n.Workspace) == "" {
		n.Workspace = DefaultWorkspace
	}
	return n
}
