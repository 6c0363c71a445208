// Package backup exports watched brains as zip archives.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cellwatch/internal/eventbus"
	"cellwatch/internal/observability/metrics"
	"cellwatch/internal/storage"
	logx "cellwatch/pkg/logx"
)

// Exporter downloads one brain archive.
type Exporter interface {
	ExportBrain(ctx context.Context, token, brainID, format string) (io.ReadCloser, int64, error)
}

// TokenFunc returns the current session token.
type TokenFunc func(ctx context.Context) (string, error)

type Config struct {
	Dir     string        // default "./backups"
	Format  string        // default "md"
	Timeout time.Duration // per brain; default 5m
}

// Result describes one finished export.
type Result struct {
	BrainID string    `json:"brain_id"`
	Path    string    `json:"path"`
	Bytes   int64     `json:"bytes"`
	At      time.Time `json:"at"`
}

type Service struct {
	cfg      Config
	exporter Exporter
	token    TokenFunc
	store    storage.Store // optional
	bus      eventbus.Bus
	log      logx.Logger
}

func New(cfg Config, exporter Exporter, token TokenFunc, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if strings.TrimSpace(cfg.Dir) == "" {
		cfg.Dir = "./backups"
	}
	if strings.TrimSpace(cfg.Format) == "" {
		cfg.Format = "md"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{cfg: cfg, exporter: exporter, token: token, store: store, bus: bus, log: log}
}

// Run exports every brain in order. A failing brain does not stop the others;
// the returned error joins all failures.
func (s *Service) Run(ctx context.Context, brainIDs []string) ([]Result, error) {
	var (
		out  []Result
		errs []error
	)
	for _, id := range brainIDs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		r, err := s.Export(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, r)
	}
	return out, errors.Join(errs...)
}

// Export downloads one brain to {Dir}/{brainID}.zip. The previous archive is replaced
// only after the new one is complete.
func (s *Service) Export(ctx context.Context, brainID string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	start := time.Now()

	res, err := s.export(ctx, brainID)
	if err != nil {
		metrics.Backups.WithLabelValues(metrics.ResultError).Inc()
		s.bus.Publish(eventbus.Event{Type: eventbus.BackupFailed, Data: brainID})
		s.log.Error("backup failed", logx.String("brain_id", brainID), logx.Err(err))
		return Result{}, err
	}

	metrics.Backups.WithLabelValues(metrics.ResultOK).Inc()
	metrics.BackupBytes.Set(float64(res.Bytes))
	if s.store != nil {
		if err := s.store.Put(ctx, storage.KeyBackupLastPrefix+brainID, res.At.Format(time.RFC3339)); err != nil {
			s.log.Warn("backup time not recorded", logx.String("brain_id", brainID), logx.Err(err))
		}
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.BackupCompleted, Data: res})
	s.log.Info("backup written",
		logx.String("brain_id", brainID),
		logx.String("path", res.Path),
		logx.Int64("bytes", res.Bytes),
		logx.Duration("took", time.Since(start)),
	)
	return res, nil
}

func (s *Service) export(ctx context.Context, brainID string) (Result, error) {
	if strings.ContainsAny(brainID, `/\`) || brainID == "" || brainID == "." || brainID == ".." {
		return Result{}, fmt.Errorf("backup: invalid brain id %q", brainID)
	}
	token, err := s.token(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("backup %s: %w", brainID, err)
	}
	body, _, err := s.exporter.ExportBrain(ctx, token, brainID, s.cfg.Format)
	if err != nil {
		return Result{}, err
	}
	defer body.Close()

	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("backup dir: %w", err)
	}
	f, err := os.CreateTemp(s.cfg.Dir, "."+brainID+".*.zip")
	if err != nil {
		return Result{}, fmt.Errorf("backup temp file: %w", err)
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	n, err := io.Copy(f, body)
	if err != nil {
		_ = f.Close()
		return Result{}, fmt.Errorf("backup %s download: %w", brainID, err)
	}
	if err := f.Close(); err != nil {
		return Result{}, fmt.Errorf("backup %s close: %w", brainID, err)
	}
	final := filepath.Join(s.cfg.Dir, brainID+".zip")
	if err := os.Rename(tmp, final); err != nil {
		return Result{}, fmt.Errorf("backup %s rename: %w", brainID, err)
	}
	return Result{BrainID: brainID, Path: final, Bytes: n, At: time.Now().UTC()}, nil
}

// Last returns the time of the last successful export per brain, from storage.
func (s *Service) Last(ctx context.Context) (map[string]time.Time, error) {
	if s.store == nil {
		return nil, storage.ErrDisabled
	}
	entries, err := s.store.List(ctx, storage.KeyBackupLastPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		at, err := time.Parse(time.RFC3339, e.Value)
		if err != nil {
			continue
		}
		out[strings.TrimPrefix(e.Key, storage.KeyBackupLastPrefix)] = at
	}
	return out, nil
}
