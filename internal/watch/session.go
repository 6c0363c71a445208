package watch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"cellwatch/internal/eventbus"
	"cellwatch/internal/observability/metrics"
	"cellwatch/internal/sharedb"
	logx "cellwatch/pkg/logx"
)

var ErrDisconnected = errors.New("watch: connection lost")

// Transport is the live document feed a Session consumes.
type Transport interface {
	// Subscribe must not block.
	Subscribe(collection, id string) error
	// Events is closed when the connection ends.
	Events() <-chan sharedb.Event
	Err() error
}

// Config selects what a Session follows.
type Config struct {
	// BrainIDs are loaded from the brain collection; each main cell is a root.
	BrainIDs []string
	// RootCellIDs are traversed directly.
	RootCellIDs []string
	// TeamID, if set, supplies member names and more brain ids.
	TeamID string

	Debounce time.Duration
	Links    LinkBuilder
}

// Stats is a snapshot of session state for health output.
type Stats struct {
	Nodes     int       `json:"nodes"`
	InFlight  int       `json:"in_flight"`
	Pending   int       `json:"pending"`
	Parked    int       `json:"parked"`
	Members   int       `json:"members"`
	Brains    int       `json:"brains"`
	BrainIDs  []string  `json:"brain_ids,omitempty"`
	Recorded  int       `json:"recorded"`
	StartedAt time.Time `json:"started_at"`
}

type Option func(*Session)

func WithLogger(log logx.Logger) Option { return func(s *Session) { s.log = log } }
func WithClock(c Clock) Option          { return func(s *Session) { s.clock = c } }
func WithEventBus(b eventbus.Bus) Option {
	return func(s *Session) { s.bus = b }
}

// Session is the single-writer state of one connection.
type Session struct {
	cfg       Config
	transport Transport
	sink      Sink
	log       logx.Logger
	clock     Clock
	bus       eventbus.Bus

	cache      *NodeCache
	members    *MemberDirectory
	tree       *TreeSubscriber
	coalescer  *Coalescer
	dispatcher *Dispatcher

	brainDocs map[string]any // brain id -> doc; nil while loading
	brainIDs  []string       // subscription order, append-only

	control  chan time.Duration
	stats    atomic.Pointer[Stats]
	started  time.Time
	recorded int
}

func NewSession(cfg Config, t Transport, sink Sink, opts ...Option) *Session {
	s := &Session{
		cfg:       cfg,
		transport: t,
		sink:      sink,
		clock:     realClock{},
		bus:       eventbus.Nop(),
		cache:     NewNodeCache(),
		members:   NewMemberDirectory(),
		brainDocs: map[string]any{},
		control:   make(chan time.Duration, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.tree = NewTreeSubscriber(t.Subscribe, s.log)
	s.tree.onSubscribe = func(string) { metrics.Subscriptions.Inc() }
	s.coalescer = NewCoalescer(cfg.Debounce)
	s.dispatcher = NewDispatcher(s.cache, s.tree.InFlight, cfg.Links, sink, s.bus, s.log)
	s.dispatcher.SetResubscribe(s.resubscribe)
	s.stats.Store(&Stats{})
	return s
}

// SetDebounce changes the quiet period for changes recorded after the call.
// Safe to call from any goroutine.
func (s *Session) SetDebounce(d time.Duration) {
	for {
		select {
		case s.control <- d:
			return
		default:
			select {
			case <-s.control:
			default:
			}
		}
	}
}

// Stats returns the last published snapshot.
func (s *Session) Stats() Stats { return *s.stats.Load() }

// Run follows the tree until ctx ends (returns nil) or the transport closes
// (returns an error wrapping ErrDisconnected).
func (s *Session) Run(ctx context.Context) error {
	s.started = s.clock.Now()
	s.start()
	s.publishStats()

	events := s.transport.Events()
	var (
		armed  time.Time
		timerC <-chan time.Time
	)
	for {
		if next, ok := s.coalescer.Next(); ok {
			if !next.Equal(armed) {
				armed = next
				timerC = s.clock.After(max(0, next.Sub(s.clock.Now())))
			}
		} else {
			armed, timerC = time.Time{}, nil
		}

		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if err := s.transport.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrDisconnected, err)
				}
				return ErrDisconnected
			}
			s.handle(ctx, ev)
		case <-timerC:
			armed, timerC = time.Time{}, nil
			s.flush(ctx)
		case d := <-s.control:
			s.coalescer.SetDelay(d)
			s.log.Info("debounce updated", logx.Duration("debounce", d))
		}
		s.publishStats()
	}
}

func (s *Session) start() {
	if s.cfg.TeamID != "" {
		if err := s.transport.Subscribe(CollectionTeam, s.cfg.TeamID); err != nil {
			s.log.Error("team subscribe failed", logx.String("team_id", s.cfg.TeamID), logx.Err(err))
		}
	}
	s.subscribeBrains(s.cfg.BrainIDs...)
	s.tree.Traverse(s.cfg.RootCellIDs...)
}

func (s *Session) subscribeBrains(ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.brainDocs[id]; ok {
			continue
		}
		if err := s.transport.Subscribe(CollectionBrain, id); err != nil {
			s.log.Error("brain subscribe failed", logx.String("brain_id", id), logx.Err(err))
			continue
		}
		metrics.Subscriptions.Inc()
		s.brainDocs[id] = nil
		s.brainIDs = append(s.brainIDs, id)
	}
}

// resubscribe retries the subscription for a flushed target that is neither cached
// nor loading, e.g. because the first request was refused. It reports whether a load
// is now in flight.
func (s *Session) resubscribe(id string) bool {
	if !s.tree.Visited(id) {
		s.tree.Traverse(id)
	}
	return s.tree.InFlight(id)
}

func (s *Session) handle(ctx context.Context, ev sharedb.Event) {
	switch ev.Collection {
	case CollectionCell:
		s.handleCell(ctx, ev)
	case CollectionBrain:
		s.handleBrain(ev)
	case CollectionTeam:
		s.handleTeam(ev)
	default:
		s.log.Debug("event for unknown collection", logx.String("collection", ev.Collection), logx.String("id", ev.ID))
	}
}

func (s *Session) handleCell(ctx context.Context, ev sharedb.Event) {
	switch ev.Kind {
	case sharedb.EventLoaded:
		if !s.tree.Loaded(ev.ID) {
			return
		}
		n := s.cache.Put(ev.ID, ev.Data)
		s.log.Debug("node loaded", logx.String("id", ev.ID), logx.String("kind", n.Kind.String()), logx.Int("children", len(n.ChildIDs)))
		s.tree.Traverse(n.ChildIDs...)
		s.dispatcher.Loaded(ctx, ev.ID)

	case sharedb.EventLoadFailed:
		s.tree.Failed(ev.ID)
		metrics.LoadFailures.WithLabelValues(CollectionCell).Inc()
		s.log.Error("node load failed", logx.String("id", ev.ID), logx.Err(ev.Err))
		s.bus.Publish(eventbus.Event{Type: eventbus.NodeLoadFailed, Data: ev.ID})
		s.dispatcher.Failed(ev.ID, ev.Err)

	case sharedb.EventOp:
		if !s.cache.Has(ev.ID) {
			s.log.Debug("op for unloaded node ignored", logx.String("id", ev.ID))
			return
		}
		now := s.clock.Now()
		for _, comp := range ev.Ops {
			metrics.Ops.WithLabelValues(CollectionCell).Inc()
			owner, err := s.cache.Apply(ev.ID, comp)
			if err != nil {
				s.log.Warn("op did not apply cleanly", logx.String("id", ev.ID), logx.Any("path", comp.P), logx.Err(err))
			}
			if owner != nil && comp.Field() == fieldChildIDs {
				// Whole-list replaces resolve to the owner; subscribe any new children here.
				s.tree.Traverse(owner.ChildIDs...)
			}
			in := Interpret(owner, comp, s.members, s.tree.Known)
			if in.IsNewTarget {
				s.tree.Traverse(in.TargetID)
			}
			created := s.coalescer.Record(in.TargetID, in.Summary, in.IsNewTarget, now)
			s.recorded++
			s.log.Debug("change recorded",
				logx.String("node", ev.ID),
				logx.String("target", in.TargetID),
				logx.String("summary", in.Summary),
				logx.Bool("new_target", in.IsNewTarget),
				logx.Bool("new_entry", created),
			)
		}
	}
}

func (s *Session) handleBrain(ev sharedb.Event) {
	switch ev.Kind {
	case sharedb.EventLoaded:
		s.brainDocs[ev.ID] = ev.Data
		root := mainCellID(ev.Data)
		if root == "" {
			s.log.Warn("brain has no main cell", logx.String("brain_id", ev.ID))
			return
		}
		s.log.Info("brain loaded", logx.String("brain_id", ev.ID), logx.String("root", root))
		s.tree.Traverse(root)

	case sharedb.EventLoadFailed:
		metrics.LoadFailures.WithLabelValues(CollectionBrain).Inc()
		s.log.Error("brain load failed", logx.String("brain_id", ev.ID), logx.Err(ev.Err))

	case sharedb.EventOp:
		doc := s.brainDocs[ev.ID]
		if doc == nil {
			return
		}
		doc, err := sharedb.Apply(doc, ev.Ops)
		if err != nil {
			s.log.Warn("brain op did not apply cleanly", logx.String("brain_id", ev.ID), logx.Err(err))
		}
		s.brainDocs[ev.ID] = doc
		if root := mainCellID(doc); root != "" {
			s.tree.Traverse(root)
		}
	}
}

func (s *Session) handleTeam(ev sharedb.Event) {
	switch ev.Kind {
	case sharedb.EventLoaded:
		n := s.members.Load(ev.Data)
		m, _ := ev.Data.(map[string]any)
		brains := stringList(m["brainIds"])
		s.log.Info("team loaded", logx.String("team_id", ev.ID), logx.Int("members", n), logx.Int("brains", len(brains)))
		s.subscribeBrains(brains...)
	case sharedb.EventLoadFailed:
		metrics.LoadFailures.WithLabelValues(CollectionTeam).Inc()
		s.log.Error("team load failed; member names unavailable", logx.String("team_id", ev.ID), logx.Err(ev.Err))
	case sharedb.EventOp:
		// Members are read once per session.
	}
}

func (s *Session) flush(ctx context.Context) {
	for _, p := range s.coalescer.Due(s.clock.Now()) {
		s.dispatcher.Dispatch(ctx, p)
	}
}

func (s *Session) publishStats() {
	st := &Stats{
		Nodes:     s.cache.Len(),
		InFlight:  s.tree.InFlightCount(),
		Pending:   s.coalescer.Len(),
		Parked:    s.dispatcher.ParkedCount(),
		Members:   len(s.members.members),
		Brains:    len(s.brainDocs),
		BrainIDs:  s.brainIDs[:len(s.brainIDs):len(s.brainIDs)],
		Recorded:  s.recorded,
		StartedAt: s.started,
	}
	s.stats.Store(st)
	metrics.Nodes.Set(float64(st.Nodes))
	metrics.PendingDigests.Set(float64(st.Pending))
}

func mainCellID(brainDoc any) string {
	m, _ := brainDoc.(map[string]any)
	id, _ := m["mainCellId"].(string)
	return id
}
