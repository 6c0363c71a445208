package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cellwatch/internal/eventbus"
	"cellwatch/internal/observability/metrics"
	rtsup "cellwatch/internal/runtime/supervisor"
	"cellwatch/internal/transport"
	"cellwatch/internal/watch"
	logx "cellwatch/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier: no sender configured")
	ErrQueueFull = errors.New("notifier: queue full")
	ErrStopped   = errors.New("notifier: stopped")
)

const historySize = 100

type item struct {
	msg    transport.Message
	target string
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	bus     eventbus.Bus
	sender  transport.Sender
	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan item
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	hmu     sync.Mutex
	history []HistoryItem
}

var (
	_ watch.Sink       = (*Service)(nil)
	_ transport.Sender = (*Service)(nil)
)

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

// Apply updates rate and timeout. Worker and queue sizes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SetSender swaps the outbound transport. Queued messages go to the new sender.
func (s *Service) SetSender(sender transport.Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan item, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// delivery is best effort; a broken worker must not stop the daemon
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithStopOnCleanExit(false))
	}
}

// Stop refuses new messages and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.sup, s.stopDone = nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("notifier stop deadline reached; pending messages dropped", logx.Int("pending", len(q)))
	}
}

// Deliver queues a rendered digest.
func (s *Service) Deliver(ctx context.Context, d watch.Digest) error {
	return s.enqueue(ctx, item{msg: transport.Message{Channel: ChannelDigest, Text: d.Text}, target: d.TargetID})
}

func (s *Service) Name() string { return "notifier" }

// Send queues an arbitrary message. It is what the log alert sink calls.
func (s *Service) Send(ctx context.Context, m transport.Message) error {
	if m.Channel == "" {
		m.Channel = ChannelAlert
	}
	return s.enqueue(ctx, item{msg: m})
}

func (s *Service) enqueue(ctx context.Context, it item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.sender == nil {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- it:
		return nil
	default:
		s.log.Warn("delivery queue full; message dropped",
			logx.String("channel", it.msg.Channel),
			logx.String("target", it.target),
			logx.Int("queue_cap", cap(q)),
		)
		metrics.Deliveries.WithLabelValues("queue", metrics.ResultError).Inc()
		return ErrQueueFull
	}
}

// History returns recent send outcomes, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan item) {
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, it)
		}
	}
}

func (s *Service) send(ctx context.Context, it item) {
	s.mu.Lock()
	sender, lim, timeout := s.sender, s.limiter, s.cfg.Timeout
	s.mu.Unlock()
	if sender == nil || it.msg.Text == "" {
		return
	}
	if err := lim.Wait(ctx); err != nil {
		return
	}

	driver := sender.Name()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	err := sender.Send(cctx, it.msg)
	took := time.Since(start)
	cancel()

	metrics.DeliveryDuration.WithLabelValues(driver).Observe(took.Seconds())
	ev := DeliveryEvent{Channel: it.msg.Channel, Driver: driver, TargetID: it.target, Took: took}
	h := HistoryItem{At: start, Channel: it.msg.Channel, Driver: driver, Bytes: len(it.msg.Text)}
	if err != nil {
		ev.Error, h.Error = err.Error(), err.Error()
		metrics.Deliveries.WithLabelValues(driver, metrics.ResultError).Inc()
		// Warn, not Error: error lines feed the alert sink, which sends through here.
		s.log.Warn("delivery failed",
			logx.String("driver", driver),
			logx.String("channel", it.msg.Channel),
			logx.String("target", it.target),
			logx.Duration("took", took),
			logx.Err(err),
		)
		s.bus.Publish(eventbus.Event{Type: eventbus.DeliveryFailed, Data: ev})
	} else {
		metrics.Deliveries.WithLabelValues(driver, metrics.ResultOK).Inc()
		s.log.Debug("delivered", logx.String("driver", driver), logx.String("channel", it.msg.Channel), logx.String("target", it.target), logx.Duration("took", took))
		s.bus.Publish(eventbus.Event{Type: eventbus.DeliverySent, Data: ev})
	}

	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}
