package watch

import (
	"context"
	"errors"

	"cellwatch/internal/eventbus"
	"cellwatch/internal/observability/metrics"
	logx "cellwatch/pkg/logx"
)

var ErrTargetUnavailable = errors.New("watch: target snapshot unavailable")

// Sink receives rendered digests. Deliver must not block; delivery is best effort.
type Sink interface {
	Deliver(ctx context.Context, d Digest) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d Digest) error

func (f SinkFunc) Deliver(ctx context.Context, d Digest) error { return f(ctx, d) }

// Dispatcher renders flushed entries and hands them to the Sink. An entry whose
// target is still loading is parked until the snapshot arrives.
type Dispatcher struct {
	cache   *NodeCache
	loading func(id string) bool
	links   LinkBuilder
	sink    Sink
	bus     eventbus.Bus
	log     logx.Logger

	parked map[string][]Pending

	resubscribe func(id string) bool
}

func NewDispatcher(cache *NodeCache, loading func(id string) bool, links LinkBuilder, sink Sink, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Dispatcher{
		cache:   cache,
		loading: loading,
		links:   links,
		sink:    sink,
		bus:     bus,
		log:     log,
		parked:  map[string][]Pending{},
	}
}

// SetResubscribe installs the hook Dispatch uses for a target that is neither cached
// nor loading. fn requests the target again and reports whether it is now loading.
func (d *Dispatcher) SetResubscribe(fn func(id string) bool) { d.resubscribe = fn }

func (d *Dispatcher) Dispatch(ctx context.Context, p Pending) {
	if n := d.cache.Get(p.TargetID); n != nil {
		d.deliver(ctx, n, p)
		return
	}
	loading := d.loading != nil && d.loading(p.TargetID)
	if !loading && d.resubscribe != nil {
		loading = d.resubscribe(p.TargetID)
		d.log.Debug("target resubscribed at flush", logx.String("target", p.TargetID), logx.Bool("loading", loading))
	}
	if loading {
		d.parked[p.TargetID] = append(d.parked[p.TargetID], p)
		d.log.Debug("digest parked until target loads", logx.String("target", p.TargetID))
		return
	}
	d.drop(p, ErrTargetUnavailable)
}

// Loaded releases entries parked on id.
func (d *Dispatcher) Loaded(ctx context.Context, id string) {
	ps, ok := d.parked[id]
	if !ok {
		return
	}
	delete(d.parked, id)
	n := d.cache.Get(id)
	for _, p := range ps {
		if n == nil {
			d.drop(p, ErrTargetUnavailable)
			continue
		}
		d.deliver(ctx, n, p)
	}
}

// Failed drops entries parked on id.
func (d *Dispatcher) Failed(id string, err error) {
	ps, ok := d.parked[id]
	if !ok {
		return
	}
	delete(d.parked, id)
	for _, p := range ps {
		d.drop(p, err)
	}
}

func (d *Dispatcher) ParkedCount() int {
	n := 0
	for _, ps := range d.parked {
		n += len(ps)
	}
	return n
}

func (d *Dispatcher) deliver(ctx context.Context, n *Node, p Pending) {
	dg := RenderDigest(n, p, d.links)
	metrics.DigestsFlushed.Inc()
	d.bus.Publish(eventbus.Event{Type: eventbus.DigestFlushed, Data: map[string]any{
		"target":    dg.TargetID,
		"created":   dg.Created,
		"summaries": len(dg.Summaries),
	}})
	if err := d.sink.Deliver(ctx, dg); err != nil {
		d.log.Error("digest delivery failed", logx.String("target", dg.TargetID), logx.Err(err))
		return
	}
	d.log.Debug("digest handed off", logx.String("target", dg.TargetID), logx.Int("summaries", len(dg.Summaries)))
}

func (d *Dispatcher) drop(p Pending, err error) {
	metrics.DigestsDropped.Inc()
	d.log.Error("digest dropped; target could not be loaded",
		logx.String("target", p.TargetID),
		logx.Strs("summaries", p.Summaries),
		logx.Err(err),
	)
}
