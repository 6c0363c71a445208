package app

import (
	"fmt"
	"strings"
	"time"

	"cellwatch/internal/backup"
	"cellwatch/internal/config"
	"cellwatch/internal/notifier"
	"cellwatch/internal/nuclino"
	"cellwatch/internal/observability/debug"
	"cellwatch/internal/sharedb"
	"cellwatch/internal/storage"
	"cellwatch/internal/transport"
	"cellwatch/internal/transport/telegram"
	"cellwatch/internal/transport/webhook"
	"cellwatch/internal/watch"
	logx "cellwatch/pkg/logx"
)

const defaultRefreshSchedule = "@every 24h"

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapClientConfig(cfg *config.Config) nuclino.Config {
	n := cfg.Nuclino.WithDefaults()
	return nuclino.Config{
		APIURL:   n.APIURL,
		FilesURL: n.FilesURL,
		Origin:   n.Origin,
		AppID:    n.AppID,
	}
}

func mapDialOptions(cfg *config.Config) (sharedb.Options, error) {
	w := cfg.Watch
	handshake, err := config.ParseDurationOrDefault("watch.handshake_timeout", w.HandshakeTimeout, config.DefaultHandshakeTimeout)
	if err != nil {
		return sharedb.Options{}, err
	}
	ping, err := config.ParseDurationOrDefault("watch.ping_interval", w.PingInterval, config.DefaultPingInterval)
	if err != nil {
		return sharedb.Options{}, err
	}
	read, err := config.ParseDurationOrDefault("watch.read_timeout", w.ReadTimeout, config.DefaultReadTimeout)
	if err != nil {
		return sharedb.Options{}, err
	}
	return sharedb.Options{
		URL:              cfg.Nuclino.WithDefaults().SyncURL,
		HandshakeTimeout: handshake,
		PingInterval:     ping,
		ReadTimeout:      read,
	}, nil
}

func mapReconnectBackoff(cfg *config.Config) (time.Duration, time.Duration, error) {
	lo, err := config.ParseDurationOrDefault("watch.reconnect_backoff", cfg.Watch.ReconnectBackoff, config.DefaultReconnectBackoff)
	if err != nil {
		return 0, 0, err
	}
	hi, err := config.ParseDurationOrDefault("watch.reconnect_max", cfg.Watch.ReconnectMax, config.DefaultReconnectMax)
	if err != nil {
		return 0, 0, err
	}
	return lo, max(lo, hi), nil
}

func mapWatchConfig(cfg *config.Config) watch.Config {
	n := cfg.Nuclino.WithDefaults()
	return watch.Config{
		BrainIDs:    append([]string(nil), n.BrainIDs...),
		RootCellIDs: append([]string(nil), n.RootCellIDs...),
		TeamID:      strings.TrimSpace(n.TeamID),
		Debounce:    cfg.DebounceOrDefault(),
		Links:       watch.LinkBuilder{Base: n.LinkBase, Team: n.Team, Workspace: n.Workspace},
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	d := cfg.Delivery
	timeout, err := config.ParseDurationOrDefault("delivery.timeout", d.Timeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		QueueSize:  d.QueueSize,
		RatePerSec: d.RatePerSec,
		Timeout:    timeout,
	}, nil
}

func newSender(cfg *config.Config, log logx.Logger) (transport.Sender, error) {
	d := cfg.Delivery
	timeout, err := config.ParseDurationOrDefault("delivery.timeout", d.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(d.Driver)) {
	case "", "webhook":
		field := d.ContentField
		if strings.TrimSpace(field) == "" {
			field = config.DefaultContentField
		}
		return webhook.New(webhook.Config{URL: d.WebhookURL, Field: field, UserAgent: "cellwatch/" + Version, Timeout: timeout}, nil)
	case "telegram":
		return telegram.New(telegram.Config{
			Token:    d.Telegram.Token,
			ChatID:   d.Telegram.ChatID,
			ThreadID: d.Telegram.ThreadID,
			Timeout:  timeout,
		}, log)
	default:
		return nil, fmt.Errorf("unknown delivery.driver: %s", d.Driver)
	}
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	p := cfg.Pprof
	read, err := config.ParseDurationOrDefault("pprof.read_timeout", p.ReadTimeout, 10*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	// pprof/profile streams for up to 30s by default.
	write, err := config.ParseDurationOrDefault("pprof.write_timeout", p.WriteTimeout, 60*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("pprof.idle_timeout", p.IdleTimeout, 60*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:       p.Enabled,
		Addr:          p.Addr,
		Prefix:        p.Prefix,
		Token:         p.Token,
		AllowInsecure: p.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// mapBackupConfig reports enabled=false when the section is absent or disabled.
func mapBackupConfig(cfg *config.Config) (backup.Config, bool, error) {
	b := cfg.Backup
	if b == nil || !b.Enabled {
		return backup.Config{}, false, nil
	}
	timeout, err := config.ParseDurationOrDefault("backup.timeout", b.Timeout, 5*time.Minute)
	if err != nil {
		return backup.Config{}, false, err
	}
	return backup.Config{Dir: b.Dir, Format: b.Format, Timeout: timeout}, true, nil
}

// refreshSchedule returns "" when scheduled refresh is turned off.
func refreshSchedule(cfg *config.Config) string {
	s := strings.TrimSpace(cfg.Session.RefreshSchedule)
	switch strings.ToLower(s) {
	case "":
		return defaultRefreshSchedule
	case "off", "none", "disabled":
		return ""
	}
	return s
}
