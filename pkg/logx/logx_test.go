package logx

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cellwatch/internal/transport"
)

func TestFormatAlert(t *testing.T) {
	line := `{"level":"error","time":"2026-01-01T00:00:00Z","caller":"conn.go:12","message":"sharedb dial failed","url":"wss://x","attempt":3}`
	got := formatAlert([]byte(line + "\n"))
	want := "[ERROR] sharedb dial failed\n- attempt=3\n- url=wss://x"
	if got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}
	if got := formatAlert([]byte("not json")); got != "not json" {
		t.Fatalf("raw line = %q", got)
	}
	long := formatAlert([]byte(strings.Repeat("x", alertMaxLen+50)))
	if len(long) != alertMaxLen || !strings.HasSuffix(long, "...") {
		t.Fatalf("clipped len = %d", len(long))
	}
}

func TestAlertSinkAdmit(t *testing.T) {
	a := newAlertSink()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.nowFunc = func() time.Time { return now }
	a.configure(AlertConfig{MinLevel: "warn", RatePerSec: 100})

	if a.admit(zerolog.ErrorLevel, "boom") {
		t.Fatal("admitted without a sender")
	}
	a.setSender(transport.SenderFunc(func(context.Context, transport.Message) error { return nil }))

	if a.admit(zerolog.InfoLevel, "info") {
		t.Fatal("admitted below floor")
	}
	if !a.admit(zerolog.WarnLevel, "boom") {
		t.Fatal("first alert rejected")
	}
	if a.admit(zerolog.WarnLevel, "boom") {
		t.Fatal("repeat admitted")
	}
	if !a.admit(zerolog.WarnLevel, "other") {
		t.Fatal("different alert rejected")
	}
	now = now.Add(2 * time.Minute)
	if !a.admit(zerolog.WarnLevel, "other") {
		t.Fatal("repeat rejected after quiet period")
	}
}

func TestServiceForwardsAlerts(t *testing.T) {
	got := make(chan transport.Message, 4)
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "c.log")}})
	defer svc.Close()
	svc.SetAlertSender(transport.SenderFunc(func(_ context.Context, m transport.Message) error {
		got <- m
		return nil
	}))
	svc.Apply(Config{Level: "info", Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10}})

	log.With(String("node", "A")).Info("quiet")
	log.With(String("node", "A")).Error("delivery failed", Int("status", 500))

	select {
	case m := <-got:
		if m.Channel != "alert" || m.Text != "[ERROR] delivery failed\n- node=A\n- status=500" {
			t.Fatalf("alert = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert not forwarded")
	}
	select {
	case m := <-got:
		t.Fatalf("unexpected alert %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServiceWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("node loaded", String("id", "A"), Err(nil))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var rec map[string]any
	if err := json.Unmarshal(b, &rec); err != nil {
		t.Fatalf("line %q: %v", b, err)
	}
	if rec["message"] != "node loaded" || rec["id"] != "A" || rec["level"] != "debug" {
		t.Fatalf("record = %v", rec)
	}
	if c, _ := rec["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
	if _, ok := rec["err"]; ok {
		t.Fatal("nil error was logged")
	}
}

func TestLevels(t *testing.T) {
	for _, s := range []string{"", "TRACE", "debug", " Info ", "warning", "error"} {
		if !ValidLevel(s) {
			t.Fatalf("ValidLevel(%q) = false", s)
		}
	}
	for _, s := range []string{"loud", "fatal", "disabled", "1"} {
		if ValidLevel(s) {
			t.Fatalf("ValidLevel(%q) = true", s)
		}
	}
	var zero Logger
	zero.Error("dropped")
	if !zero.IsZero() || Nop().IsZero() {
		t.Fatal("IsZero mismatch")
	}
}
