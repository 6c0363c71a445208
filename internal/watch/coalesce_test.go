package watch

import (
	"reflect"
	"testing"
	"time"
)

func TestCoalescerRestartsDeadlineOnEachRecord(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(s int) time.Time { return t0.Add(time.Duration(s) * time.Second) }

	c := NewCoalescer(30 * time.Second)
	if !c.Record("n", "s1", false, at(0)) {
		t.Fatal("first record should create the entry")
	}
	c.Record("n", "s2", false, at(10))
	c.Record("n", "s3", false, at(20))

	if due := c.Due(at(30)); len(due) != 0 {
		t.Fatalf("flushed at 30s: %+v", due)
	}
	if due := c.Due(at(49)); len(due) != 0 {
		t.Fatalf("flushed at 49s: %+v", due)
	}
	next, ok := c.Next()
	if !ok || !next.Equal(at(50)) {
		t.Fatalf("Next = %v, %v; want %v", next, ok, at(50))
	}

	due := c.Due(at(50))
	if len(due) != 1 {
		t.Fatalf("Due(50s) = %d entries, want 1", len(due))
	}
	if want := []string{"s1", "s2", "s3"}; !reflect.DeepEqual(due[0].Summaries, want) {
		t.Fatalf("summaries = %v, want %v", due[0].Summaries, want)
	}
	if c.Len() != 0 {
		t.Fatal("entry not removed after flush")
	}
	if _, ok := c.Next(); ok {
		t.Fatal("stale heap items must not surface")
	}
}

func TestCoalescerDedupKeepsFirstOccurrence(t *testing.T) {
	t0 := time.Unix(0, 0)
	c := NewCoalescer(time.Second)
	for _, s := range []string{"Title changed", "Content changed", "Title changed", "Content changed", "Changed `x`"} {
		c.Record("n", s, true, t0)
	}
	due := c.Due(t0.Add(time.Second))
	want := []string{"Title changed", "Content changed", "Changed `x`"}
	if len(due) != 1 || !reflect.DeepEqual(due[0].Summaries, want) {
		t.Fatalf("got %+v, want summaries %v", due, want)
	}
	if !due[0].IsNewTarget {
		t.Fatal("IsNewTarget from the first record must be kept")
	}
}

func TestCoalescerIndependentTargets(t *testing.T) {
	t0 := time.Unix(0, 0)
	c := NewCoalescer(10 * time.Second)
	c.Record("a", "x", false, t0)
	c.Record("b", "y", false, t0.Add(5*time.Second))
	c.Record("a", "z", false, t0.Add(8*time.Second)) // a now due at 18s

	due := c.Due(t0.Add(15 * time.Second))
	if len(due) != 1 || due[0].TargetID != "b" {
		t.Fatalf("at 15s got %+v, want only b", due)
	}
	due = c.Due(t0.Add(18 * time.Second))
	if len(due) != 1 || due[0].TargetID != "a" || len(due[0].Summaries) != 2 {
		t.Fatalf("at 18s got %+v, want a with 2 summaries", due)
	}
}

func TestCoalescerSetDelayAppliesToNewRecords(t *testing.T) {
	t0 := time.Unix(0, 0)
	c := NewCoalescer(30 * time.Second)
	c.Record("a", "x", false, t0)
	c.SetDelay(time.Second)
	c.Record("b", "y", false, t0)

	due := c.Due(t0.Add(time.Second))
	if len(due) != 1 || due[0].TargetID != "b" {
		t.Fatalf("got %+v, want b only", due)
	}
	if p, ok := c.Get("a"); !ok || !p.Deadline.Equal(t0.Add(30*time.Second)) {
		t.Fatalf("a = %+v, %v", p, ok)
	}
}
