package watch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"cellwatch/internal/sharedb"
)

type fakeTransport struct {
	mu     sync.Mutex
	subs   []string
	events chan sharedb.Event
	err    error

	refuse map[string]int // collection/id -> number of Subscribe calls still to fail
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan sharedb.Event, 64)}
}

func (f *fakeTransport) Subscribe(collection, id string) error {
	key := collection + "/" + id
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse[key] > 0 {
		f.refuse[key]--
		return sharedb.ErrSendQueueFull
	}
	f.subs = append(f.subs, key)
	return nil
}

func (f *fakeTransport) refuseNext(key string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse == nil {
		f.refuse = map[string]int{}
	}
	f.refuse[key] = n
}

func (f *fakeTransport) Events() <-chan sharedb.Event { return f.events }
func (f *fakeTransport) Err() error                   { return f.err }

func (f *fakeTransport) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if s == key {
			n++
		}
	}
	return n
}

func (f *fakeTransport) loadCell(id string, data map[string]any) {
	f.events <- sharedb.Event{Kind: sharedb.EventLoaded, Collection: CollectionCell, ID: id, Data: roundTrip(data)}
}

func (f *fakeTransport) op(t *testing.T, collection, id, raw string) {
	t.Helper()
	var ops []sharedb.Component
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		t.Fatalf("decode ops: %v", err)
	}
	f.events <- sharedb.Event{Kind: sharedb.EventOp, Collection: collection, ID: id, Ops: ops}
}

// roundTrip converts test literals into the shapes encoding/json produces.
func roundTrip(v any) any {
	b, _ := json.Marshal(v)
	var out any
	_ = json.Unmarshal(b, &out)
	return out
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []fakeTimer
}

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, fakeTimer{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	kept := c.timers[:0]
	for _, t := range c.timers {
		if !t.at.After(c.now) {
			t.ch <- c.now
			continue
		}
		kept = append(kept, t)
	}
	c.timers = kept
}

type captureSink struct {
	ch chan Digest
}

func newCaptureSink() *captureSink { return &captureSink{ch: make(chan Digest, 16)} }

func (s *captureSink) Deliver(_ context.Context, d Digest) error {
	s.ch <- d
	return nil
}

func (s *captureSink) next(t *testing.T) Digest {
	t.Helper()
	select {
	case d := <-s.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for digest")
	}
	return Digest{}
}

func (s *captureSink) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case d := <-s.ch:
		t.Fatalf("unexpected digest: %q", d.Text)
	case <-time.After(wait):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
