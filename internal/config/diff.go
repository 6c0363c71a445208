package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cellwatch/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{
	"nuclino": true,
	"session": true,
	"storage": true,
	"backup":  true,
}

// RequiresRestart reports whether a changed section is only applied on restart.
func RequiresRestart(section string) bool { return restartSections[section] }

// SummarizeConfigChange returns (1) a compact sorted list of changed sections and
// (2) safe structured attrs for logging (never includes secrets such as the webhook
// URL, bot token or pprof token).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Nuclino, newCfg.Nuclino) {
		changed = append(changed, "nuclino")
		attrs = append(attrs,
			logx.String("nuclino.team", newCfg.Nuclino.Team),
			logx.Int("nuclino.brain_count", len(newCfg.Nuclino.BrainIDs)),
			logx.Int("nuclino.root_cell_count", len(newCfg.Nuclino.RootCellIDs)),
			logx.Bool("nuclino.team_id_set", strings.TrimSpace(newCfg.Nuclino.TeamID) != ""),
		)
	}

	if oldCfg.Session != newCfg.Session {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.refresh_schedule", strings.TrimSpace(newCfg.Session.RefreshSchedule)),
			logx.Bool("session.token_file_set", strings.TrimSpace(newCfg.Session.TokenFile) != ""),
		)
	}

	if oldCfg.Watch != newCfg.Watch {
		changed = append(changed, "watch")
		attrs = append(attrs,
			logx.String("watch.debounce", strings.TrimSpace(newCfg.Watch.Debounce)),
			logx.String("watch.ping_interval", strings.TrimSpace(newCfg.Watch.PingInterval)),
		)
	}

	od, nd := oldCfg.Delivery, newCfg.Delivery
	if od != nd {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.driver", strings.TrimSpace(nd.Driver)),
			logx.Bool("delivery.webhook_url_set", strings.TrimSpace(nd.WebhookURL) != ""),
			logx.Bool("delivery.webhook_url_changed", od.WebhookURL != nd.WebhookURL),
			logx.String("delivery.content_field", nd.ContentField),
			logx.Int("delivery.rate_per_sec", nd.RatePerSec),
			logx.Bool("delivery.telegram_token_set", strings.TrimSpace(nd.Telegram.Token) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	// Pprof (never log token)
	op, np := oldCfg.Pprof, newCfg.Pprof
	if op != np {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", np.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(np.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(np.Token) != ""),
			logx.Bool("pprof.allow_insecure", np.AllowInsecure),
		)
	}

	if !reflect.DeepEqual(derefBackup(oldCfg.Backup), derefBackup(newCfg.Backup)) {
		changed = append(changed, "backup")
		nb := derefBackup(newCfg.Backup)
		attrs = append(attrs,
			logx.Bool("backup.enabled", nb.Enabled),
			logx.String("backup.schedule", strings.TrimSpace(nb.Schedule)),
		)
	}

	// Storage: nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefBackup(b *BackupConfig) BackupConfig {
	if b == nil {
		return BackupConfig{}
	}
	return *b
}
