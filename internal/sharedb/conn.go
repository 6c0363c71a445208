package sharedb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	logx "cellwatch/pkg/logx"
)

var (
	ErrClosed        = errors.New("sharedb: connection closed")
	ErrSendQueueFull = errors.New("sharedb: send queue full")
	ErrNotFound      = errors.New("sharedb: document does not exist")
)

// EventKind classifies a connection event.
type EventKind int

const (
	// EventLoaded carries the first snapshot of a subscribed document.
	EventLoaded EventKind = iota
	// EventLoadFailed reports a subscription the server rejected or a missing document.
	EventLoadFailed
	// EventOp carries one op broadcast for a subscribed document.
	EventOp
)

func (k EventKind) String() string {
	switch k {
	case EventLoaded:
		return "loaded"
	case EventLoadFailed:
		return "load_failed"
	case EventOp:
		return "op"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one document-level event, tagged by collection and document id.
type Event struct {
	Kind       EventKind
	Collection string
	ID         string
	Version    int64
	Data       any         // EventLoaded: decoded snapshot data
	Ops        []Component // EventOp
	Err        error       // EventLoadFailed
}

// Options configures Dial.
type Options struct {
	URL    string
	Header http.Header

	HandshakeTimeout time.Duration // default 10s
	PingInterval     time.Duration // default 30s; <0 disables pings
	ReadTimeout      time.Duration // default 90s
	WriteTimeout     time.Duration // default 10s

	EventBuffer int // default 256
	SendBuffer  int // default 1024

	// Dialer overrides the websocket dialer (tests).
	Dialer *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PingInterval == 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 90 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 1024
	}
	if o.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = o.HandshakeTimeout
		o.Dialer = &d
	}
	return o
}

// Conn is a live ShareDB connection. Events are delivered on Events() until Done() closes.
type Conn struct {
	ws   *websocket.Conn
	opts Options
	log  logx.Logger

	events chan Event
	send   chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errOnce sync.Once
	err     error

	// pending tracks ids awaiting their first snapshot, keyed by collection+"/"+id.
	mu      sync.Mutex
	pending map[string]bool
}

// Dial connects, performs the ShareDB handshake and starts the read and write loops.
func Dial(ctx context.Context, opts Options, log logx.Logger) (*Conn, error) {
	opts = opts.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	ws, resp, err := opts.Dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("sharedb dial %s: %w (status %d)", opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("sharedb dial %s: %w", opts.URL, err)
	}
	if err := handshake(ws, opts); err != nil {
		_ = ws.Close()
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:      ws,
		opts:    opts,
		log:     log,
		events:  make(chan Event, opts.EventBuffer),
		send:    make(chan []byte, opts.SendBuffer),
		ctx:     cctx,
		cancel:  cancel,
		pending: map[string]bool{},
	}

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	})

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	go func() {
		c.wg.Wait()
		close(c.events)
	}()
	return c, nil
}

func handshake(ws *websocket.Conn, opts Options) error {
	deadline := time.Now().Add(opts.HandshakeTimeout)
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, encodeHandshake()); err != nil {
		return fmt.Errorf("sharedb handshake write: %w", err)
	}
	_ = ws.SetReadDeadline(deadline)
	for {
		_, b, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("sharedb handshake read: %w", err)
		}
		var m message
		if err := json.Unmarshal(b, &m); err != nil {
			return fmt.Errorf("sharedb handshake decode: %w", err)
		}
		if m.Error != nil {
			return fmt.Errorf("sharedb handshake: %w", m.Error)
		}
		// Older servers send "init" unprompted; newer ones answer "hs".
		if m.A == actionHandshake || m.A == actionInit {
			return nil
		}
	}
}

// Events returns the multiplexed event stream. It is closed after Done().
func (c *Conn) Events() <-chan Event { return c.events }

// Done is closed when the connection has failed or was closed.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Err returns the reason the connection ended, or nil while it is live.
func (c *Conn) Err() error {
	if c.ctx.Err() == nil {
		return nil
	}
	return c.err
}

// Subscribe requests a document subscription. It never blocks; if the send queue is full
// it returns ErrSendQueueFull.
func (c *Conn) Subscribe(collection, id string) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	b, err := encodeSubscribe(collection, id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.pending[collection+"/"+id] = true
	c.mu.Unlock()

	select {
	case c.send <- b:
		return nil
	default:
		c.mu.Lock()
		delete(c.pending, collection+"/"+id)
		c.mu.Unlock()
		return ErrSendQueueFull
	}
}

// Close shuts the connection down and waits for its loops.
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.ws.Close()
	c.wg.Wait()
	return nil
}

func (c *Conn) fail(err error) {
	c.errOnce.Do(func() {
		c.err = err
		c.cancel()
	})
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	defer func() { _ = c.ws.Close() }()

	var ping <-chan time.Time
	if c.opts.PingInterval > 0 {
		t := time.NewTicker(c.opts.PingInterval)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.fail(fmt.Errorf("sharedb write: %w", err))
				return
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.fail(fmt.Errorf("sharedb ping: %w", err))
				return
			}
		}
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		kind, b, err := c.ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.fail(fmt.Errorf("sharedb read: %w", err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		ev, ok := c.decode(b)
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) decode(b []byte) (Event, bool) {
	var m message
	if err := json.Unmarshal(b, &m); err != nil {
		c.log.Warn("sharedb frame undecodable", logx.Err(err), logx.Int("bytes", len(b)))
		return Event{}, false
	}

	switch m.A {
	case actionSubscribe:
		key := m.C + "/" + m.D
		c.mu.Lock()
		wanted := c.pending[key]
		delete(c.pending, key)
		c.mu.Unlock()
		if !wanted {
			return Event{}, false
		}
		ev := Event{Collection: m.C, ID: m.D}
		switch {
		case m.Error != nil:
			ev.Kind, ev.Err = EventLoadFailed, m.Error
		case m.Data == nil || m.Data.Type == "":
			ev.Kind, ev.Err = EventLoadFailed, ErrNotFound
		default:
			var data any
			if len(m.Data.Data) > 0 {
				if err := json.Unmarshal(m.Data.Data, &data); err != nil {
					ev.Kind, ev.Err = EventLoadFailed, fmt.Errorf("sharedb snapshot decode: %w", err)
					return ev, true
				}
			}
			ev.Kind, ev.Version, ev.Data = EventLoaded, m.Data.V, data
		}
		return ev, true

	case actionOp:
		if m.Error != nil || len(m.Op) == 0 {
			if m.Del {
				c.log.Debug("sharedb document deleted", logx.String("collection", m.C), logx.String("id", m.D))
			}
			return Event{}, false
		}
		ev := Event{Kind: EventOp, Collection: m.C, ID: m.D, Ops: m.Op}
		if m.V != nil {
			ev.Version = *m.V
		}
		return ev, true

	case actionHandshake, actionInit:
		return Event{}, false
	}

	c.log.Trace("sharedb frame ignored", logx.String("a", m.A))
	return Event{}, false
}
