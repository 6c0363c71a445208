package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"cellwatch/internal/eventbus"
	"cellwatch/internal/observability/metrics"
	logx "cellwatch/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in       string
		kind     SpecKind
		every    time.Duration
		cronSpec string
		wantErr  bool
	}{
		{in: "0 4 * * *", kind: SpecCron, cronSpec: "0 4 * * *"},
		{in: "@daily", kind: SpecCron, cronSpec: "@daily"},
		{in: "cron:*/5 * * * *", kind: SpecCron, cronSpec: "*/5 * * * *"},
		{in: "@every 12h", kind: SpecInterval, every: 12 * time.Hour, cronSpec: "@every 12h0m0s"},
		{in: "90m", kind: SpecInterval, every: 90 * time.Minute, cronSpec: "@every 1h30m0s"},
		{in: "06:00", kind: SpecInterval, every: 6 * time.Hour},
		{in: "every:00:45", kind: SpecInterval, every: 45 * time.Minute},
		{in: "", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "01:75", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "cron:", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseSchedule(%q) = %+v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
		}
		if got.Kind != tt.kind || got.Every != tt.every {
			t.Fatalf("ParseSchedule(%q) = %+v", tt.in, got)
		}
		if tt.cronSpec != "" && got.CronSpec() != tt.cronSpec {
			t.Fatalf("CronSpec(%q) = %q, want %q", tt.in, got.CronSpec(), tt.cronSpec)
		}
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }
	if err := s.Add("", "1h", 0, noop); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := s.Add("x", "1h", 0, nil); err == nil {
		t.Fatal("expected error for nil func")
	}
	if err := s.Add("x", "61 * * * *", 0, noop); err == nil {
		t.Fatal("expected error for invalid cron")
	}
}

func TestIntervalJobFires(t *testing.T) {
	s := New(Config{MaxSpread: -1}, logx.Nop(), nil)
	var runs atomic.Int32
	if err := s.Add("tick", "@every 1s", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	deadline := time.Now().Add(4 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("job never ran")
	}
	infos := s.Snapshot()
	if len(infos) != 1 || infos[0].Name != "tick" || infos[0].Next.IsZero() {
		t.Fatalf("unexpected snapshot: %+v", infos)
	}
}

func TestTriggerSkipsWhileRunning(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.JobFinished)
	defer unsub()

	s := New(Config{}, logx.Nop(), bus)
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var runs atomic.Int32
	err := s.Add("backup", "@daily", 0, func(ctx context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return errors.New("export failed")
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := s.Trigger("backup"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	<-started
	if err := s.Trigger("backup"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	skipped := metrics.JobsSkipped.WithLabelValues("backup")
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(skipped) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if testutil.ToFloat64(skipped) != 1 {
		t.Fatal("second trigger was not skipped")
	}
	close(release)

	select {
	case ev := <-events:
		res, ok := ev.Data.(JobResult)
		if !ok || res.Name != "backup" || res.Err == nil {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no job event")
	}
	s.Stop(context.Background())
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	info := s.Snapshot()[0]
	if info.Runs != 1 || info.LastErr != "export failed" {
		t.Fatalf("unexpected info: %+v", info)
	}

	if err := s.Trigger("missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v, want ErrUnknownJob", err)
	}
}

func TestJobPanicIsReported(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	_ = s.Add("boom", "1h", 0, func(context.Context) error { panic("bad") })
	_ = s.Trigger("boom")
	s.Stop(context.Background())
	if info := s.Snapshot()[0]; info.LastErr != "panic: bad" {
		t.Fatalf("LastErr = %q", info.LastErr)
	}
}

func TestRemoveAndReplace(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }
	_ = s.Add("a", "1h", 0, noop)
	_ = s.Add("a", "2h", 0, noop)
	if infos := s.Snapshot(); len(infos) != 1 || infos[0].Spec != "@every 2h0m0s" {
		t.Fatalf("unexpected snapshot: %+v", infos)
	}
	if !s.Remove("a") || s.Remove("a") {
		t.Fatal("unexpected Remove result")
	}
}

func TestIntervalScheduleOffsetIsStable(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, a := intervalSchedule(time.Hour, now, "token-refresh", 30*time.Second)
	_, b := intervalSchedule(time.Hour, now, "token-refresh", 30*time.Second)
	if a != b || a >= 30*time.Second {
		t.Fatalf("offsets %v, %v", a, b)
	}
	sched, off := intervalSchedule(time.Hour, now, "x", -1)
	if off != 0 || !sched.Next(now).Equal(now.Add(time.Hour)) {
		t.Fatalf("disabled spread: off=%v next=%v", off, sched.Next(now))
	}
}

func TestManualJobRunsOnlyOnTrigger(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	var runs atomic.Int32
	if err := s.Add("backup", "", 0, func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start(context.Background())
	info := s.Snapshot()[0]
	if info.Spec != "" || !info.Next.IsZero() {
		t.Fatalf("manual job scheduled: %+v", info)
	}
	_ = s.Trigger("backup")
	s.Stop(context.Background())
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
}
