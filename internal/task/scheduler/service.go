package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"cellwatch/internal/eventbus"
	"cellwatch/internal/observability/metrics"
	logx "cellwatch/pkg/logx"
)

var ErrUnknownJob = errors.New("scheduler: unknown job")

type Config struct {
	Timezone string // IANA name; empty means local time
	// MaxSpread caps the first-run offset of interval jobs. Zero means 30s, negative disables.
	MaxSpread time.Duration
}

type JobFunc func(ctx context.Context) error

// JobInfo is a point-in-time view of one registered job.
type JobInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec,omitempty"`
	Next    time.Time `json:"next,omitzero"`
	Prev    time.Time `json:"prev,omitzero"`
	Running bool      `json:"running"`
	Runs    uint64    `json:"runs"`
	LastRun time.Time `json:"last_run,omitzero"`
	LastErr string    `json:"last_err,omitempty"`
}

type job struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	run     JobFunc
	entry   cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	jobs   map[string]*job

	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cfg.MaxSpread == 0 {
		cfg.MaxSpread = defaultMaxSpread
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		// SecondOptional accepts both 5-field and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*job{},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers fn under name, replacing any job with the same name.
// An empty schedule registers a manual job. A zero timeout lets the run last until Stop.
func (s *Service) Add(name, schedule string, timeout time.Duration, fn JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("scheduler: job name required")
	}
	if fn == nil {
		return fmt.Errorf("scheduler: job %s has no function", name)
	}
	ps := ParsedSpec{Kind: SpecManual}
	if strings.TrimSpace(schedule) != "" {
		var err error
		if ps, err = ParseSchedule(schedule); err != nil {
			return fmt.Errorf("scheduler: job %s: %w", name, err)
		}
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("scheduler: job %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	j := &job{name: name, spec: ps, timeout: timeout, run: fn}
	s.jobs[name] = j
	if s.c != nil {
		if err := s.registerLocked(j); err != nil {
			delete(s.jobs, name)
			return err
		}
	}
	return nil
}

// Remove unregisters a job. A run already in progress finishes normally.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil && j.entry != 0 {
		s.c.Remove(j.entry)
	}
	delete(s.jobs, name)
	return true
}

// Start begins triggering. Runs receive a context derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.loc = s.location()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		if err := s.registerLocked(j); err != nil {
			s.log.Error("job register failed", logx.String("job", j.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop halts triggering, cancels running jobs and waits for them (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		if c != nil {
			<-c.Stop().Done()
		}
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// Trigger runs a job once, now, outside its schedule. It returns immediately.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.fire(j)
	}()
	return nil
}

// Snapshot lists registered jobs sorted by name.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{
			Name:    j.name,
			Spec:    j.spec.CronSpec(),
			Running: j.running.Load(),
			Runs:    j.runs.Load(),
		}
		if s.c != nil && j.entry != 0 {
			e := s.c.Entry(j.entry)
			info.Next, info.Prev = e.Next, e.Prev
		}
		j.mu.Lock()
		info.LastRun = j.lastRun
		if j.lastErr != nil {
			info.LastErr = j.lastErr.Error()
		}
		j.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Service) registerLocked(j *job) error {
	cj := cron.FuncJob(func() { s.fire(j) })
	switch j.spec.Kind {
	case SpecManual:
		return nil
	case SpecInterval:
		sched, offset := intervalSchedule(j.spec.Every, time.Now().In(s.loc), j.name, s.cfg.MaxSpread)
		j.entry = s.c.Schedule(sched, cj)
		s.log.Debug("job registered", logx.String("job", j.name), logx.Duration("every", j.spec.Every), logx.Duration("first_offset", offset))
		return nil
	}

	id, err := s.c.AddJob(j.spec.Cron, cj)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", j.name, err)
	}
	j.entry = id
	s.log.Debug("job registered", logx.String("job", j.name), logx.String("spec", j.spec.Cron), logx.Time("next", s.c.Entry(id).Next))
	return nil
}

func (s *Service) fire(j *job) {
	if !j.running.CompareAndSwap(false, true) {
		metrics.JobsSkipped.WithLabelValues(j.name).Inc()
		s.log.Debug("job still running; trigger skipped", logx.String("job", j.name))
		return
	}
	defer j.running.Store(false)

	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	ctx, cancel := parent, context.CancelFunc(func() {})
	if j.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, j.timeout)
	}
	defer cancel()

	start := time.Now()
	err := runJob(ctx, j.run)
	took := time.Since(start)
	j.runs.Add(1)
	j.mu.Lock()
	j.lastRun, j.lastErr = start, err
	j.mu.Unlock()

	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
		s.log.Warn("job failed", logx.String("job", j.name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("job finished", logx.String("job", j.name), logx.Duration("took", took))
	}
	metrics.JobRuns.WithLabelValues(j.name, result).Inc()
	s.bus.Publish(eventbus.Event{Type: eventbus.JobFinished, Data: JobResult{Name: j.name, Took: took, Err: err}})
}

// JobResult is the payload of eventbus.JobFinished.
type JobResult struct {
	Name string
	Took time.Duration
	Err  error
}

func runJob(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local time", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
