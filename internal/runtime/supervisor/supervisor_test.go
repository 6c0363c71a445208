package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsFirstError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("failing", func(ctx context.Context) error { return boom })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait err = %v, want boom", err)
	}
	if s.Context().Err() == nil {
		t.Fatal("expected supervisor context canceled")
	}
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go0("panicky", func(ctx context.Context) { panic("oops") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected panic error")
	}
	st := s.Status()
	if len(st) != 1 || st[0].Panics != 1 || st[0].Running {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	var hooks atomic.Int32
	s := New(context.Background(), WithRestartHook(func(string, error) { hooks.Add(1) }))
	s.GoRestart("flaky", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	if got := hooks.Load(); got != 2 {
		t.Fatalf("restart hooks = %d, want 2", got)
	}
	if st := s.Status(); st[0].Restarts != 2 {
		t.Fatalf("restarts = %d, want 2", st[0].Restarts)
	}
}

func TestStopCancelsRestartLoop(t *testing.T) {
	s := New(context.Background())
	started := make(chan struct{})
	s.GoRestart("loop", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return errors.New("connection closed")
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
