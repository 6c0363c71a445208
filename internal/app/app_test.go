package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cellwatch/internal/config"
	"cellwatch/internal/sharedb/sharedbtest"
)

type fixture struct {
	sync     *sharedbtest.Server
	api      *httptest.Server
	hook     *httptest.Server
	digests  chan string
	refresh  atomic.Int32
	tokenDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{digests: make(chan string, 16), tokenDir: t.TempDir()}

	f.sync = sharedbtest.NewServer()
	t.Cleanup(f.sync.Close)
	f.sync.SetDoc("ot_cell", "root", map[string]any{"title": "Root", "kind": "PARENT", "childIds": []any{"A"}})
	f.sync.SetDoc("ot_cell", "A", map[string]any{"title": "Alpha", "kind": "LEAF"})

	f.api = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users/me/refresh-session" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		n := f.refresh.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "token", Value: "tok" + string(rune('0'+n))})
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(f.api.Close)

	f.hook = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.digests <- body["text"]
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(f.hook.Close)

	if err := os.WriteFile(filepath.Join(f.tokenDir, "token"), []byte("tok0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) writeConfig(t *testing.T) string {
	t.Helper()
	cfg := map[string]any{
		"nuclino": map[string]any{
			"sync_url":      f.sync.WSURL(),
			"api_url":       f.api.URL,
			"files_url":     f.api.URL,
			"origin":        "https://app.nuclino.com",
			"app_id":        "app-1",
			"team":          "Acme",
			"root_cell_ids": []string{"root"},
		},
		"session": map[string]any{
			"token_file":       filepath.Join(f.tokenDir, "token"),
			"refresh_schedule": "off",
		},
		"watch": map[string]any{
			"debounce":          "100ms",
			"reconnect_backoff": "50ms",
			"reconnect_max":     "200ms",
		},
		"delivery": map[string]any{
			"webhook_url":  f.hook.URL,
			"rate_per_sec": 100,
		},
		"logging": map[string]any{"level": "error", "console": true},
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func startApp(t *testing.T, f *fixture) *App {
	t.Helper()
	a, err := New(f.writeConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = a.Stop(stopCtx, StopUnknown)
		cancel()
	})
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (a *App) loadedNodes() int {
	s := a.session.Load()
	if s == nil {
		return 0
	}
	st := s.Stats()
	if st.InFlight > 0 {
		return 0
	}
	return st.Nodes
}

func TestRenameIsDeliveredToWebhook(t *testing.T) {
	f := newFixture(t)
	a := startApp(t, f)

	waitFor(t, "tree loaded", func() bool { return a.loadedNodes() == 2 })
	if h := f.sync.Headers(); !strings.Contains(h[0].Get("Cookie"), "token=tok1") {
		t.Fatalf("cookie = %q, want refreshed token", h[0].Get("Cookie"))
	}
	if b, _ := os.ReadFile(filepath.Join(f.tokenDir, "token")); strings.TrimSpace(string(b)) != "tok1" {
		t.Fatalf("token file = %q", b)
	}

	f.sync.Push("ot_cell", "A", map[string]any{"p": []any{"title"}, "od": "Alpha", "oi": "Alpha v2"})

	select {
	case got := <-f.digests:
		want := "Item updated:\n`Alpha v2`\n- Title changed\n<https://app.nuclino.com/Acme/General/A>"
		if got != want {
			t.Fatalf("digest = %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no digest delivered")
	}

	doc, ok := a.health(context.Background())
	if !ok || !doc.(healthDoc).Connected {
		t.Fatalf("health = %+v, %v", doc, ok)
	}
}

func TestRefreshForcesReconnect(t *testing.T) {
	f := newFixture(t)
	a := startApp(t, f)
	waitFor(t, "tree loaded", func() bool { return a.loadedNodes() == 2 })

	if err := a.refreshAndReconnect(context.Background()); err != nil {
		t.Fatalf("refreshAndReconnect: %v", err)
	}
	waitFor(t, "second connection", func() bool { return len(f.sync.Headers()) == 2 })
	waitFor(t, "tree reloaded", func() bool { return f.sync.Subscriptions("ot_cell", "A") == 2 })

	// The forced reconnect is not a failure.
	for _, st := range a.sup.Status() {
		if st.Name == "watch.session" && st.Restarts != 0 {
			t.Fatalf("session restarted %d times", st.Restarts)
		}
	}
	// tok1 on connect, tok2 scheduled, tok3 on reconnect.
	if h := f.sync.Headers()[1]; !strings.Contains(h.Get("Cookie"), "token=tok3") {
		t.Fatalf("cookie = %q", h.Get("Cookie"))
	}
}

func TestRefreshSchedule(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: defaultRefreshSchedule},
		{in: " 12h ", want: "12h"},
		{in: "off", want: ""},
		{in: "Disabled", want: ""},
		{in: "0 4 * * *", want: "0 4 * * *"},
	}
	for _, tt := range tests {
		cfg := &config.Config{Session: config.SessionConfig{RefreshSchedule: tt.in}}
		if got := refreshSchedule(cfg); got != tt.want {
			t.Fatalf("refreshSchedule(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateRejectsBadSchedules(t *testing.T) {
	a := &App{}
	cfg := &config.Config{
		Delivery: config.DeliveryConfig{WebhookURL: "http://127.0.0.1:1/hook"},
		Session:  config.SessionConfig{RefreshSchedule: "soon"},
	}
	if err := a.validate(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "session.refresh_schedule") {
		t.Fatalf("err = %v", err)
	}
	cfg.Session.RefreshSchedule = ""
	cfg.Backup = &config.BackupConfig{Enabled: true, Schedule: "whenever"}
	if err := a.validate(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "backup.schedule") {
		t.Fatalf("err = %v", err)
	}
	cfg.Backup.Schedule = "@daily"
	if err := a.validate(context.Background(), cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestReconnectBackoffNeverInverts(t *testing.T) {
	cfg := &config.Config{Watch: config.WatchConfig{ReconnectBackoff: "10s", ReconnectMax: "1s"}}
	lo, hi, err := mapReconnectBackoff(cfg)
	if err != nil || lo != 10*time.Second || hi != 10*time.Second {
		t.Fatalf("lo=%v hi=%v err=%v", lo, hi, err)
	}
}
