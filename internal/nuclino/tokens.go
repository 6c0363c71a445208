package nuclino

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cellwatch/internal/eventbus"
	"cellwatch/internal/observability/metrics"
	"cellwatch/internal/storage"
	logx "cellwatch/pkg/logx"
)

// TokenSource keeps the current session token. It seeds from the newer of the token
// file and storage, and writes refreshed tokens back to both.
type TokenSource struct {
	client *Client
	file   string
	store  storage.Store // optional
	bus    eventbus.Bus
	log    logx.Logger

	mu    sync.Mutex
	token string
}

func NewTokenSource(client *Client, file string, store storage.Store, bus eventbus.Bus, log logx.Logger) *TokenSource {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &TokenSource{client: client, file: file, store: store, bus: bus, log: log}
}

// Token returns the cached token, loading it on first use.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" {
		return t.token, nil
	}
	tok, err := t.loadLocked(ctx)
	if err != nil {
		return "", err
	}
	t.token = tok
	return tok, nil
}

func (t *TokenSource) loadLocked(ctx context.Context) (string, error) {
	var (
		fileTok string
		fileMod int64
	)
	if t.file != "" {
		if b, err := os.ReadFile(t.file); err == nil {
			fileTok = strings.TrimSpace(string(b))
			if st, err := os.Stat(t.file); err == nil {
				fileMod = st.ModTime().UnixNano()
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("read token file: %w", err)
		}
	}
	if t.store != nil {
		e, ok, err := t.store.Get(ctx, storage.KeySessionToken)
		if err != nil {
			t.log.Warn("stored session token unreadable", logx.Err(err))
		} else if ok && e.Value != "" && (fileTok == "" || e.UpdatedAt.UnixNano() >= fileMod) {
			return e.Value, nil
		}
	}
	if fileTok == "" {
		return "", ErrNoToken
	}
	return fileTok, nil
}

// Refresh exchanges the current token for a new one and persists it.
func (t *TokenSource) Refresh(ctx context.Context) (string, error) {
	cur, err := t.Token(ctx)
	if err != nil {
		return "", err
	}
	next, rotated, err := t.client.RefreshSession(ctx, cur)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(metrics.ResultError).Inc()
		return "", err
	}
	metrics.TokenRefreshes.WithLabelValues(metrics.ResultOK).Inc()
	if !rotated {
		t.log.Debug("session refreshed; token unchanged")
		return cur, nil
	}

	t.mu.Lock()
	t.token = next
	t.mu.Unlock()

	if err := t.persist(ctx, next); err != nil {
		// The new token is in memory; the next refresh retries the write.
		t.log.Warn("refreshed token not persisted", logx.Err(err))
	}
	t.bus.Publish(eventbus.Event{Type: eventbus.TokenRefreshed})
	t.log.Info("session token refreshed")
	return next, nil
}

func (t *TokenSource) persist(ctx context.Context, token string) error {
	var errs []error
	if t.store != nil {
		if err := t.store.Put(ctx, storage.KeySessionToken, token); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if t.file != "" {
		if err := writeFileAtomic(t.file, []byte(token+"\n"), 0o600); err != nil {
			errs = append(errs, fmt.Errorf("token file: %w", err))
		}
	}
	return errors.Join(errs...)
}

func writeFileAtomic(path string, b []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(perm); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
