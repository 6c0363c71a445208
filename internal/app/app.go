package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cellwatch/internal/backup"
	"cellwatch/internal/config"
	"cellwatch/internal/eventbus"
	"cellwatch/internal/notifier"
	"cellwatch/internal/nuclino"
	"cellwatch/internal/observability/debug"
	"cellwatch/internal/observability/metrics"
	rtsup "cellwatch/internal/runtime/supervisor"
	"cellwatch/internal/sharedb"
	"cellwatch/internal/storage"
	"cellwatch/internal/task/scheduler"
	"cellwatch/internal/watch"
	logx "cellwatch/pkg/logx"
	"cellwatch/pkg/systemd"
)

// Version is overridden at build time with -ldflags "-X cellwatch/internal/app.Version=...".
var Version = "dev"

const (
	jobTokenRefresh = "token-refresh"
	jobBackup       = "backup"

	// Gives team-discovered brains time to load before an on-connect backup.
	onConnectBackupDelay = 15 * time.Second
)

var errReconnectRequested = errors.New("reconnect requested")

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	client *nuclino.Client
	tokens *nuclino.TokenSource
	notif  *notifier.Service
	sched  *scheduler.Service
	backup *backup.Service // nil when disabled
	debug  *debug.Server

	session   atomic.Pointer[watch.Session]
	connected atomic.Bool
	startedAt time.Time

	mu        sync.Mutex
	reconnect context.CancelCauseFunc
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Alerts need the notifier as their sender; enable them once it exists.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Alert.Enabled = false
	logs, root := logx.New(bootCfg)

	var store storage.Store
	fail := func(err error) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		_ = logs.Close()
		return nil, err
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return fail(err)
		}
		store = st
		root.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	bus := eventbus.New()
	client := nuclino.NewClient(mapClientConfig(cfg), nil)
	tokens := nuclino.NewTokenSource(client, strings.TrimSpace(cfg.Session.TokenFile), store, bus, root.With(logx.String("comp", "nuclino")))

	sender, err := newSender(cfg, root.With(logx.String("comp", "delivery")))
	if err != nil {
		return fail(err)
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	notif := notifier.New(ncfg, sender, root.With(logx.String("comp", "notifier")), bus)
	logs.SetAlertSender(notif)
	logs.Apply(logCfg)

	a := &App{
		cfgm:   cfgm,
		root:   root,
		log:    root.With(logx.String("comp", "app")),
		logs:   logs,
		bus:    bus,
		store:  store,
		client: client,
		tokens: tokens,
		notif:  notif,
		sched:  scheduler.New(scheduler.Config{}, root.With(logx.String("comp", "scheduler")), bus),
	}

	bcfg, enabled, err := mapBackupConfig(cfg)
	if err != nil {
		return fail(err)
	}
	if enabled {
		a.backup = backup.New(bcfg, client, tokens.Token, store, bus, root.With(logx.String("comp", "backup")))
	}

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.debug = debug.New(dcfg, a.health, root)
	return a, nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Reload re-reads the config file immediately. Accepted changes reach applyConfig
// through the normal subscription.
func (a *App) Reload(ctx context.Context) error {
	return a.cfgm.Reload(ctx)
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
		rtsup.WithRestartHook(func(name string, err error) {
			metrics.Restarts.WithLabelValues(name).Inc()
		}),
	)
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	cfg := a.cfgm.Get()
	lo, hi, err := mapReconnectBackoff(cfg)
	if err != nil {
		a.sup.Cancel()
		return err
	}
	c := a.sup.Context()

	a.notif.Start(c)
	if err := a.registerJobs(cfg); err != nil {
		a.sup.Cancel()
		return err
	}
	a.sched.Start(c)
	if err := a.debug.Start(c); err != nil {
		a.sup.Cancel()
		return err
	}

	// A failed connection restarts with backoff; the session state is rebuilt each time.
	a.sup.GoRestart("watch.session", a.runSession,
		rtsup.WithRestartBackoff(lo, hi),
		rtsup.WithStopOnCleanExit(false),
	)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				switch e.Type {
				case eventbus.SessionConnected:
					_, _ = systemd.Status("connected")
				case eventbus.SessionDisconnected:
					_, _ = systemd.Status("reconnecting")
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			systemd.Watchdog(c, iv, nil)
		})
	}
	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("cellwatch started", logx.String("version", Version))
	return nil
}

func (a *App) registerJobs(cfg *config.Config) error {
	if spec := refreshSchedule(cfg); spec != "" {
		if err := a.sched.Add(jobTokenRefresh, spec, time.Minute, a.refreshAndReconnect); err != nil {
			return err
		}
	}
	if a.backup != nil {
		if err := a.sched.Add(jobBackup, strings.TrimSpace(cfg.Backup.Schedule), 0, a.runBackup); err != nil {
			return err
		}
	}
	return nil
}

// refreshAndReconnect rotates the session cookie, then drops the socket so the next
// connection carries it.
func (a *App) refreshAndReconnect(ctx context.Context) error {
	if _, err := a.tokens.Refresh(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	cancel := a.reconnect
	a.mu.Unlock()
	if cancel != nil {
		cancel(errReconnectRequested)
	}
	return nil
}

func (a *App) runBackup(ctx context.Context) error {
	ids := a.backupBrainIDs()
	if len(ids) == 0 {
		a.log.Info("backup skipped; no brains known yet")
		return nil
	}
	results, err := a.backup.Run(ctx, ids)
	a.log.Info("backup run finished", logx.Int("exported", len(results)), logx.Int("brains", len(ids)))
	return err
}

// backupBrainIDs merges configured brains with those the live session discovered.
func (a *App) backupBrainIDs() []string {
	ids := append([]string(nil), a.cfgm.Get().Nuclino.BrainIDs...)
	if s := a.session.Load(); s != nil {
		ids = append(ids, s.Stats().BrainIDs...)
	}
	return watch.Dedup(ids)
}

// runSession keeps one connection alive. A requested reconnect loops without
// counting as a failure.
func (a *App) runSession(ctx context.Context) error {
	for {
		cctx, cancel := context.WithCancelCause(ctx)
		a.mu.Lock()
		a.reconnect = cancel
		a.mu.Unlock()

		err := a.connectOnce(cctx)

		a.mu.Lock()
		a.reconnect = nil
		a.mu.Unlock()
		forced := errors.Is(context.Cause(cctx), errReconnectRequested)
		cancel(nil)

		if ctx.Err() != nil {
			return context.Canceled
		}
		if !forced {
			return err
		}
		a.log.Info("reconnecting with refreshed session")
	}
}

func (a *App) connectOnce(ctx context.Context) error {
	cfg := a.cfgm.Get()
	opts, err := mapDialOptions(cfg)
	if err != nil {
		return err
	}
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("session token: %w", err)
	}
	if fresh, err := a.tokens.Refresh(ctx); err != nil {
		a.log.Warn("session refresh failed; using stored token", logx.Err(err))
	} else {
		token = fresh
	}
	opts.Header = a.client.Headers(token)

	conn, err := sharedb.Dial(ctx, opts, a.root.With(logx.String("comp", "sharedb")))
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sess := watch.NewSession(mapWatchConfig(cfg), conn, a.notif,
		watch.WithLogger(a.root.With(logx.String("comp", "watch"))),
		watch.WithEventBus(a.bus),
	)
	a.session.Store(sess)
	a.connected.Store(true)
	metrics.SessionConnects.Inc()
	metrics.SessionConnected.Set(1)
	a.bus.Publish(eventbus.Event{Type: eventbus.SessionConnected})
	a.log.Info("session connected", logx.String("url", opts.URL))
	defer func() {
		a.connected.Store(false)
		metrics.SessionConnected.Set(0)
		a.bus.Publish(eventbus.Event{Type: eventbus.SessionDisconnected})
	}()

	if a.backup != nil && cfg.Backup.OnConnect {
		t := time.AfterFunc(onConnectBackupDelay, func() {
			if ctx.Err() == nil {
				_ = a.sched.Trigger(jobBackup)
			}
		})
		defer t.Stop()
	}

	err = sess.Run(ctx)
	if err != nil {
		a.log.Warn("session ended", logx.Err(err))
	}
	return err
}

// validate runs on every reload before the new config is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapDialOptions(cfg); err != nil {
		return err
	}
	if _, _, err := mapReconnectBackoff(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapBackupConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if spec := refreshSchedule(cfg); spec != "" {
		if _, err := scheduler.ParseSchedule(spec); err != nil {
			return fmt.Errorf("session.refresh_schedule: %w", err)
		}
	}
	if b := cfg.Backup; b != nil && strings.TrimSpace(b.Schedule) != "" {
		if _, err := scheduler.ParseSchedule(b.Schedule); err != nil {
			return fmt.Errorf("backup.schedule: %w", err)
		}
	}
	if _, err := newSender(cfg, logx.Nop()); err != nil {
		return err
	}
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next))
		case "watch":
			if d := next.DebounceOrDefault(); d != prev.DebounceOrDefault() {
				if sess := a.session.Load(); sess != nil {
					sess.SetDebounce(d)
				}
			}
			// Dial settings apply on the next connect.
		case "delivery":
			a.applyDelivery(next)
		case "pprof":
			dc, err := mapDebugConfig(next)
			if err != nil {
				a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
				continue
			}
			a.debug.Reconfigure(ctx, dc)
		default:
			if config.RequiresRestart(s) {
				a.log.Warn(s + " config changed; restart required for changes to take effect")
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
}

func (a *App) applyDelivery(cfg *config.Config) {
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
		return
	}
	sender, err := newSender(cfg, a.root.With(logx.String("comp", "delivery")))
	if err != nil {
		a.log.Warn("delivery sender rebuild failed; keeping previous", logx.Err(err))
		return
	}
	a.notif.Apply(ncfg)
	a.notif.SetSender(sender)
	a.log.Info("delivery updated", logx.String("driver", sender.Name()))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = a.logs.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()
	_, _ = systemd.Status("stopping: " + string(reason))

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// Drain queued digests before the session goes away.
	a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.sup.Cancel()
	a.step(ctx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	a.step(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// step runs one shutdown step bounded by max (and the caller's deadline), so a stuck
// component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
