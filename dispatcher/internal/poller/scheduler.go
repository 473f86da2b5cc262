package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"fleet-dispatch-dashboard/dispatcher/internal/broadcast"
	"fleet-dispatch-dashboard/shared/logx"
	"fleet-dispatch-dashboard/shared/metricsx"
	"fleet-dispatch-dashboard/shared/observability"
)

var (
	ErrBusy       = errors.New("poller: job is already running")
	ErrUnknownJob = errors.New("poller: unknown job")
	ErrStopped    = errors.New("poller: scheduler stopped")
)

// ApplyFunc merges fetched data into the store and returns the events to
// broadcast. It runs under the hub lock and must not block on I/O.
type ApplyFunc func() []broadcast.Envelope

// Job is one independently scheduled resource refresh.
type Job struct {
	Name     string
	Interval time.Duration
	Fetch    func(ctx context.Context) (ApplyFunc, error)
}

type State int32

const (
	StateIdle State = iota
	StateFetching
	StateApplying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateApplying:
		return "applying"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Status struct {
	Name        string    `json:"name"`
	Interval    string    `json:"interval"`
	State       State     `json:"state"`
	Runs        int64     `json:"runs"`
	Failures    int64     `json:"failures"`
	Skips       int64     `json:"skips"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Applier serializes store mutation with event delivery.
type Applier interface {
	Apply(mutate func() []broadcast.Envelope) []broadcast.Envelope
}

// AfterApply observes delivered events outside the hub lock.
type AfterApply func(ctx context.Context, job string, envs []broadcast.Envelope)

type runner struct {
	job   Job
	busy  atomic.Bool
	state atomic.Int32

	runs     atomic.Int64
	failures atomic.Int64
	skips    atomic.Int64

	mu          sync.Mutex
	lastSuccess time.Time
	lastErr     string
}

// Scheduler runs every job on its own ticker. A tick that finds its job
// still running is skipped rather than queued.
type Scheduler struct {
	applier Applier
	log     logx.Logger
	after   []AfterApply

	runners map[string]*runner

	mu       sync.Mutex
	inflight sync.WaitGroup
	stopped  bool
	started  bool
	stop     chan struct{}
	tickers  sync.WaitGroup
}

type Option func(*Scheduler)

func WithAfterApply(fn AfterApply) Option {
	return func(s *Scheduler) { s.after = append(s.after, fn) }
}

func New(applier Applier, log logx.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		applier: applier,
		log:     log,
		runners: make(map[string]*runner),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Fetch == nil {
		return errors.New("poller: job needs a name and a fetch func")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("poller: job %s needs a positive interval", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("poller: cannot add jobs after start")
	}
	if _, dup := s.runners[job.Name]; dup {
		return fmt.Errorf("poller: duplicate job %s", job.Name)
	}
	s.runners[job.Name] = &runner{job: job}
	return nil
}

// Start launches one ticker goroutine per job. Jobs never share a ticker.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	for _, r := range s.runners {
		s.tickers.Add(1)
		go s.loop(r)
	}
}

func (s *Scheduler) loop(r *runner) {
	defer s.tickers.Done()
	t := time.NewTicker(r.job.Interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.dispatch(r)
		}
	}
}

// Trigger starts an out-of-band tick. It reports false when the job is
// unknown, already running, or the scheduler has stopped.
func (s *Scheduler) Trigger(name string) bool {
	r, ok := s.runners[name]
	if !ok {
		return false
	}
	return s.dispatch(r)
}

// RunNow runs one tick synchronously and returns its error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	r, ok := s.runners[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !s.acquire(r) {
		if s.isStopped() {
			return ErrStopped
		}
		return ErrBusy
	}
	return s.run(ctx, r)
}

func (s *Scheduler) dispatch(r *runner) bool {
	if !s.acquire(r) {
		return false
	}
	go func() { _ = s.run(context.Background(), r) }()
	return true
}

// acquire marks r busy and registers an in-flight run. A busy job records
// a skip.
func (s *Scheduler) acquire(r *runner) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if !r.busy.CompareAndSwap(false, true) {
		r.skips.Add(1)
		metricsx.IncPollTick(r.job.Name, "skipped")
		s.log.Debug(context.Background(), "poll_skipped", "previous tick still running",
			slog.String("resource", r.job.Name),
			slog.String("state", State(r.state.Load()).String()),
		)
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Scheduler) run(parent context.Context, r *runner) error {
	defer s.inflight.Done()
	defer r.busy.Store(false)

	// In-flight fetches are never cancelled by shutdown; Shutdown waits
	// for them or gives up.
	ctx, span := observability.Tracer("poller").Start(context.WithoutCancel(parent), "poll "+r.job.Name)
	span.SetAttributes(attribute.String("poll.resource", r.job.Name))
	defer span.End()

	start := time.Now()
	r.runs.Add(1)
	r.state.Store(int32(StateFetching))
	apply, err := r.job.Fetch(ctx)
	if err != nil {
		r.state.Store(int32(StateFailed))
		r.failures.Add(1)
		r.mu.Lock()
		r.lastErr = err.Error()
		r.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		metricsx.IncPollTick(r.job.Name, "failed")
		metricsx.ObservePollDuration(r.job.Name, time.Since(start))
		s.log.Warn(ctx, "poll_failed", "refresh failed, keeping last known state",
			slog.String("resource", r.job.Name),
			slog.String("error_code", errorCode(err)),
			slog.String("error", err.Error()),
		)
		r.state.Store(int32(StateIdle))
		return err
	}

	r.state.Store(int32(StateApplying))
	var envs []broadcast.Envelope
	if apply != nil {
		envs = s.applier.Apply(apply)
	}
	r.state.Store(int32(StateIdle))

	r.mu.Lock()
	r.lastSuccess = time.Now()
	r.lastErr = ""
	r.mu.Unlock()
	span.SetAttributes(attribute.Int("poll.events", len(envs)))
	metricsx.IncPollTick(r.job.Name, "success")
	metricsx.ObservePollDuration(r.job.Name, time.Since(start))
	s.log.Debug(ctx, "poll_applied", "refresh applied",
		slog.String("resource", r.job.Name),
		slog.Int("events", len(envs)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	for _, fn := range s.after {
		fn(ctx, r.job.Name, envs)
	}
	return nil
}

func (s *Scheduler) State(name string) (State, bool) {
	r, ok := s.runners[name]
	if !ok {
		return StateIdle, false
	}
	return State(r.state.Load()), true
}

func (s *Scheduler) Statuses() []Status {
	out := make([]Status, 0, len(s.runners))
	for name, r := range s.runners {
		r.mu.Lock()
		st := Status{
			Name:        name,
			Interval:    r.job.Interval.String(),
			State:       State(r.state.Load()),
			Runs:        r.runs.Load(),
			Failures:    r.failures.Load(),
			Skips:       r.skips.Load(),
			LastSuccess: r.lastSuccess,
			LastError:   r.lastErr,
		}
		r.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Shutdown stops all tickers and waits for in-flight runs until ctx ends.
// Runs still going at that point are abandoned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stop)
	s.mu.Unlock()
	s.tickers.Wait()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.log.Warn(ctx, "poll_shutdown_timeout", "abandoning in-flight refreshes")
		return ctx.Err()
	}
}
