package app

import (
	"context"
	"time"

	"cellwatch/internal/notifier"
	rtsup "cellwatch/internal/runtime/supervisor"
	"cellwatch/internal/task/scheduler"
	"cellwatch/internal/watch"
)

const healthHistory = 10

type healthDoc struct {
	Version    string                 `json:"version"`
	Uptime     string                 `json:"uptime"`
	Connected  bool                   `json:"connected"`
	Session    *watch.Stats           `json:"session,omitempty"`
	Tasks      []rtsup.TaskStatus     `json:"tasks"`
	Jobs       []scheduler.JobInfo    `json:"jobs"`
	Deliveries []notifier.HistoryItem `json:"deliveries"`
	Backups    map[string]time.Time   `json:"backups,omitempty"`
}

// health reports ok while the sync connection is live.
func (a *App) health(ctx context.Context) (any, bool) {
	doc := healthDoc{
		Version:   Version,
		Connected: a.connected.Load(),
		Jobs:      a.sched.Snapshot(),
	}
	if !a.startedAt.IsZero() {
		doc.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
	}
	if s := a.session.Load(); s != nil {
		st := s.Stats()
		doc.Session = &st
	}
	if a.sup != nil {
		doc.Tasks = a.sup.Status()
	}
	hist := a.notif.History()
	doc.Deliveries = hist[max(0, len(hist)-healthHistory):]
	if a.backup != nil {
		if last, err := a.backup.Last(ctx); err == nil {
			doc.Backups = last
		}
	}
	return doc, doc.Connected
}
