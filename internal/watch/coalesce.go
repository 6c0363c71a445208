package watch

import (
	"container/heap"
	"time"
)

// Pending is the open digest for one target.
type Pending struct {
	TargetID    string
	Summaries   []string // insertion order, duplicates kept until flush
	IsNewTarget bool
	FirstAt     time.Time
	Deadline    time.Time
}

// Coalescer batches changes per target until the target has been quiet for the delay.
// Every Record restarts the target's delay; there is no upper bound on the wait.
type Coalescer struct {
	delay   time.Duration
	pending map[string]*pendingEntry
	queue   deadlineHeap
}

type pendingEntry struct {
	Pending
	gen uint64
}

func NewCoalescer(delay time.Duration) *Coalescer {
	return &Coalescer{delay: delay, pending: map[string]*pendingEntry{}}
}

// SetDelay changes the quiet period for records made from now on.
func (c *Coalescer) SetDelay(d time.Duration) { c.delay = d }

func (c *Coalescer) Delay() time.Duration { return c.delay }

// Record appends summary to the target's pending digest and moves its deadline to now+delay.
// It reports whether the entry was created by this call.
func (c *Coalescer) Record(targetID, summary string, isNewTarget bool, now time.Time) bool {
	e, ok := c.pending[targetID]
	if !ok {
		e = &pendingEntry{Pending: Pending{
			TargetID:    targetID,
			IsNewTarget: isNewTarget,
			FirstAt:     now,
		}}
		c.pending[targetID] = e
	}
	e.Summaries = append(e.Summaries, summary)
	e.Deadline = now.Add(c.delay)
	e.gen++
	// Superseded heap items are skipped lazily by gen.
	heap.Push(&c.queue, deadlineItem{id: targetID, at: e.Deadline, gen: e.gen})
	return !ok
}

// Next returns the earliest live deadline.
func (c *Coalescer) Next() (time.Time, bool) {
	c.dropStale()
	if len(c.queue) == 0 {
		return time.Time{}, false
	}
	return c.queue[0].at, true
}

// Due removes and returns every entry whose deadline is at or before now, earliest first.
// Summaries are deduplicated.
func (c *Coalescer) Due(now time.Time) []Pending {
	var out []Pending
	for {
		c.dropStale()
		if len(c.queue) == 0 || c.queue[0].at.After(now) {
			return out
		}
		it := heap.Pop(&c.queue).(deadlineItem)
		e := c.pending[it.id]
		delete(c.pending, it.id)
		p := e.Pending
		p.Summaries = Dedup(p.Summaries)
		out = append(out, p)
	}
}

func (c *Coalescer) Len() int { return len(c.pending) }

// Get returns a copy of the open entry for id.
func (c *Coalescer) Get(id string) (Pending, bool) {
	e, ok := c.pending[id]
	if !ok {
		return Pending{}, false
	}
	p := e.Pending
	p.Summaries = append([]string(nil), e.Summaries...)
	return p, true
}

func (c *Coalescer) dropStale() {
	for len(c.queue) > 0 {
		top := c.queue[0]
		if e, ok := c.pending[top.id]; ok && e.gen == top.gen {
			return
		}
		heap.Pop(&c.queue)
	}
}

// Dedup removes exact duplicates, keeping the first occurrence order.
func Dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

type deadlineItem struct {
	id  string
	at  time.Time
	gen uint64
}

type deadlineHeap []deadlineItem

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}
func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)   { *h = append(*h, x.(deadlineItem)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
