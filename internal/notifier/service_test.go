package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cellwatch/internal/eventbus"
	"cellwatch/internal/transport"
	"cellwatch/internal/watch"
	logx "cellwatch/pkg/logx"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []transport.Message
	err  error
	gate chan struct{}
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) Send(ctx context.Context, m transport.Message) error {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return r.err
}

func (r *recordingSender) sent() []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Message(nil), r.msgs...)
}

func TestDeliverSendsInOrder(t *testing.T) {
	rec := &recordingSender{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.DeliverySent)
	defer unsub()

	s := New(Config{RatePerSec: 100}, rec, logx.Nop(), bus)
	s.Start(context.Background())

	for _, text := range []string{"one", "two", "three"} {
		if err := s.Deliver(context.Background(), watch.Digest{TargetID: "c1", Text: text}); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)

	got := rec.sent()
	if len(got) != 3 || got[0].Text != "one" || got[2].Text != "three" || got[1].Channel != ChannelDigest {
		t.Fatalf("sent = %+v", got)
	}
	select {
	case ev := <-events:
		de := ev.Data.(DeliveryEvent)
		if de.TargetID != "c1" || de.Driver != "recording" {
			t.Fatalf("unexpected event: %+v", de)
		}
	default:
		t.Fatal("expected DeliverySent event")
	}
	if h := s.History(); len(h) != 3 || h[0].Error != "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestSendFailureIsNotRetried(t *testing.T) {
	rec := &recordingSender{err: errors.New("503")}
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, eventbus.DeliveryFailed)
	defer unsub()

	s := New(Config{RatePerSec: 100}, rec, logx.Nop(), bus)
	s.Start(context.Background())
	if err := s.Send(context.Background(), transport.Message{Text: "boom"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case ev := <-failed:
		if ev.Data.(DeliveryEvent).Channel != ChannelAlert {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected DeliveryFailed event")
	}
	s.Stop(context.Background())
	if n := len(rec.sent()); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
}

func TestQueueFullAndStopped(t *testing.T) {
	rec := &recordingSender{gate: make(chan struct{})}
	s := New(Config{QueueSize: 1, RatePerSec: 100}, rec, logx.Nop(), nil)

	if err := s.Send(context.Background(), transport.Message{Text: "early"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}

	s.Start(context.Background())
	// First message is taken by the worker and blocks on the gate; the second fills the queue.
	var full bool
	for i := 0; i < 10 && !full; i++ {
		err := s.Send(context.Background(), transport.Message{Text: "m"})
		switch {
		case errors.Is(err, ErrQueueFull):
			full = true
		case err != nil:
			t.Fatalf("Send: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !full {
		t.Fatal("expected ErrQueueFull")
	}
	close(rec.gate)
	s.Stop(context.Background())

	if err := s.Send(context.Background(), transport.Message{Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestNoSender(t *testing.T) {
	s := New(Config{}, nil, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())
	if err := s.Deliver(context.Background(), watch.Digest{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	rec := &recordingSender{}
	s.SetSender(rec)
	if err := s.Deliver(context.Background(), watch.Digest{Text: "x"}); err != nil {
		t.Fatalf("Deliver after SetSender: %v", err)
	}
}
