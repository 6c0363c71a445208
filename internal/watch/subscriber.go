package watch

import (
	logx "cellwatch/pkg/logx"
)

// SubscribeFunc issues one non-blocking subscription request.
type SubscribeFunc func(collection, id string) error

// TreeSubscriber subscribes every reachable cell exactly once per session.
//
// An id is in flight from its subscribe request until its snapshot arrives, then
// visited. A failed load clears the in-flight mark without visiting, so a later op
// that references the id subscribes it again.
type TreeSubscriber struct {
	subscribe SubscribeFunc
	log       logx.Logger

	visited  map[string]bool
	inflight map[string]bool

	// onSubscribe is called after each successful subscribe request.
	onSubscribe func(id string)
}

func NewTreeSubscriber(subscribe SubscribeFunc, log logx.Logger) *TreeSubscriber {
	return &TreeSubscriber{
		subscribe: subscribe,
		log:       log,
		visited:   map[string]bool{},
		inflight:  map[string]bool{},
	}
}

// Traverse subscribes ids that are neither visited nor in flight. Descendants follow
// as their parents load (see Loaded).
func (t *TreeSubscriber) Traverse(ids ...string) int {
	n := 0
	work := append([]string(nil), ids...)
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		if id == "" || t.Known(id) {
			continue
		}
		if err := t.subscribe(CollectionCell, id); err != nil {
			t.log.Error("subscribe failed", logx.String("id", id), logx.Err(err))
			continue
		}
		t.inflight[id] = true
		n++
		if t.onSubscribe != nil {
			t.onSubscribe(id)
		}
	}
	return n
}

// Loaded marks id visited. It reports false for a duplicate or unrequested snapshot.
func (t *TreeSubscriber) Loaded(id string) bool {
	if t.visited[id] || !t.inflight[id] {
		return false
	}
	delete(t.inflight, id)
	t.visited[id] = true
	return true
}

// Failed clears the in-flight mark for id.
func (t *TreeSubscriber) Failed(id string) {
	delete(t.inflight, id)
}

func (t *TreeSubscriber) Known(id string) bool    { return t.visited[id] || t.inflight[id] }
func (t *TreeSubscriber) Visited(id string) bool  { return t.visited[id] }
func (t *TreeSubscriber) InFlight(id string) bool { return t.inflight[id] }
func (t *TreeSubscriber) VisitedCount() int       { return len(t.visited) }
func (t *TreeSubscriber) InFlightCount() int      { return len(t.inflight) }
