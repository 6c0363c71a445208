package eventbus

import (
	"sync"
	"time"
)

// Event types published by cellwatch components.
const (
	SessionConnected    = "session.connected"
	SessionDisconnected = "session.disconnected"
	TokenRefreshed      = "session.token_refreshed"
	NodeSubscribed      = "watch.node_subscribed"
	NodeLoadFailed      = "watch.node_load_failed"
	DigestFlushed       = "watch.digest_flushed"
	DeliverySent        = "delivery.sent"
	DeliveryFailed      = "delivery.failed"
	BackupCompleted     = "backup.completed"
	BackupFailed        = "backup.failed"
	ConfigReloaded      = "config.reloaded"
	JobFinished         = "task.job_finished"
)

// Event is a small in-memory signal used to decouple components.
//
// Publish never blocks. Slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

// Nop discards everything.
func Nop() Bus { return nopBus{} }

type sub struct {
	ch     chan Event
	filter map[string]bool // nil means all types
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Holding the read lock while sending is fine: sends never block and
	// unsubscribe closes under the write lock.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.filter != nil && !s.filter[e.Type] {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.filter = make(map[string]bool, len(types))
		for _, t := range types {
			s.filter[t] = true
		}
	}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
