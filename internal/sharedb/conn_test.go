package sharedb

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"cellwatch/internal/sharedb/sharedbtest"
)

func dialTest(t *testing.T, srv *sharedbtest.Server) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h := http.Header{}
	h.Set("Cookie", "token=abc")
	c, err := Dial(ctx, Options{URL: srv.WSURL(), Header: h, PingInterval: -1}, nopLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextEvent(t *testing.T, c *Conn) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatalf("event channel closed: %v", c.Err())
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestConnSubscribeLoadAndOps(t *testing.T) {
	srv := sharedbtest.NewServer()
	defer srv.Close()
	srv.SetDoc("ot_cell", "root", map[string]any{"title": "Root", "kind": "PARENT", "childIds": []any{"a"}})

	c := dialTest(t, srv)
	if got := srv.Headers()[0].Get("Cookie"); got != "token=abc" {
		t.Fatalf("cookie header = %q", got)
	}

	if err := c.Subscribe("ot_cell", "root"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ev := nextEvent(t, c)
	if ev.Kind != EventLoaded || ev.Collection != "ot_cell" || ev.ID != "root" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	data, _ := ev.Data.(map[string]any)
	if data["title"] != "Root" {
		t.Fatalf("snapshot data = %v", ev.Data)
	}

	srv.Push("ot_cell", "root", map[string]any{"p": []any{"title"}, "od": "Root", "oi": "Renamed"})
	ev = nextEvent(t, c)
	if ev.Kind != EventOp || len(ev.Ops) != 1 || ev.Ops[0].Field() != "title" {
		t.Fatalf("unexpected op event: %+v", ev)
	}
}

func TestConnLoadFailures(t *testing.T) {
	srv := sharedbtest.NewServer()
	defer srv.Close()
	srv.FailDoc("ot_cell", "denied", "forbidden")

	c := dialTest(t, srv)
	if err := c.Subscribe("ot_cell", "denied"); err != nil {
		t.Fatal(err)
	}
	ev := nextEvent(t, c)
	var se *ServerError
	if ev.Kind != EventLoadFailed || !errors.As(ev.Err, &se) || se.Message != "forbidden" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	if err := c.Subscribe("ot_cell", "missing"); err != nil {
		t.Fatal(err)
	}
	ev = nextEvent(t, c)
	if ev.Kind != EventLoadFailed || !errors.Is(ev.Err, ErrNotFound) {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestConnDoneOnServerDrop(t *testing.T) {
	srv := sharedbtest.NewServer()
	defer srv.Close()
	c := dialTest(t, srv)

	srv.DropConnections()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not marked done")
	}
	if c.Err() == nil {
		t.Fatal("expected Err after drop")
	}
	if err := c.Subscribe("ot_cell", "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe after drop = %v", err)
	}
	for range c.Events() {
	}
}
