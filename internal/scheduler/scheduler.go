package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/weviu/apr-hunter-sub000/internal/metrics"
)

var (
	// ErrUnknownJob is returned by RunOnce for an unregistered name.
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobBusy is returned by RunOnce while the job is already in flight.
	ErrJobBusy = errors.New("job already running")
	// ErrStarted is returned when registering or starting after Start.
	ErrStarted = errors.New("scheduler already started")
)

// JobFunc is one invocation of a job.
type JobFunc func(ctx context.Context) error

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      JobFunc
}

// State is the lifecycle state of a single job: running between Start and
// Stop, stopped otherwise.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// JobStatus is a snapshot of one job's counters.
type JobStatus struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	State        State         `json:"state"`
	InFlight     bool          `json:"inFlight"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
	Skipped      uint64        `json:"skipped"`
	LastStarted  time.Time     `json:"lastStarted,omitempty"`
	LastDuration time.Duration `json:"lastDuration"`
	LastError    string        `json:"lastError,omitempty"`
}

// Options tune scheduler behaviour.
type Options struct {
	// StartupDelay postpones the first tick of every job.
	StartupDelay time.Duration
	Metrics      *metrics.Metrics
}

type jobState struct {
	job      Job
	inFlight atomic.Bool

	mu     sync.Mutex
	status JobStatus
}

// Scheduler runs registered jobs on fixed intervals without overlap.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*jobState
	order   []string
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs an empty Scheduler.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		opts:   opts,
		jobs:   make(map[string]*jobState),
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Register adds a job. Names are unique and intervals must be positive.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: run func is required", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs[job.Name] = &jobState{
		job:    job,
		status: JobStatus{Name: job.Name, Interval: job.Interval, State: StateStopped},
	}
	s.order = append(s.order, job.Name)
	return nil
}

// Start launches one ticker loop per job and returns immediately. Loops end
// when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, name := range s.order {
		js := s.jobs[name]
		js.setState(StateRunning)
		s.wg.Add(1)
		go s.loop(loopCtx, js)
	}
	s.logger.Info().Strs("jobs", s.order).Dur("startup_delay", s.opts.StartupDelay).Msg("scheduler started")
	return nil
}

// Stop cancels future ticks and waits for in-flight ones to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	for _, name := range s.order {
		s.jobs[name].setState(StateStopped)
	}
	s.logger.Info().Msg("scheduler stopped")
}

// Status returns a snapshot per job in registration order.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	states := make([]*jobState, 0, len(s.order))
	for _, name := range s.order {
		states = append(states, s.jobs[name])
	}
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(states))
	for _, js := range states {
		js.mu.Lock()
		out = append(out, js.status)
		js.mu.Unlock()
	}
	return out
}

// RunOnce invokes a job synchronously on ctx, honouring the in-flight guard.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	js, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !js.inFlight.CompareAndSwap(false, true) {
		s.markBusy(js)
		return fmt.Errorf("%w: %s", ErrJobBusy, name)
	}
	defer js.inFlight.Store(false)
	return s.execute(ctx, js)
}

func (s *Scheduler) loop(ctx context.Context, js *jobState) {
	defer s.wg.Done()

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	s.tick(ctx, js)

	ticker := time.NewTicker(js.job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, js)
		}
	}
}

// tick dispatches one run unless the previous one is still in flight.
func (s *Scheduler) tick(ctx context.Context, js *jobState) {
	if ctx.Err() != nil {
		return
	}
	if !js.inFlight.CompareAndSwap(false, true) {
		s.markBusy(js)
		s.logger.Warn().Str("job", js.job.Name).Msg("previous run still in flight; tick skipped")
		return
	}

	// Stop must not interrupt a run that has already begun.
	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer js.inFlight.Store(false)
		_ = s.execute(runCtx, js)
	}()
}

func (js *jobState) setState(state State) {
	js.mu.Lock()
	js.status.State = state
	js.mu.Unlock()
}

func (s *Scheduler) markBusy(js *jobState) {
	js.mu.Lock()
	js.status.Skipped++
	js.mu.Unlock()
	s.opts.Metrics.RecordJob(js.job.Name, metrics.ResultBusy, 0)
}

func (s *Scheduler) execute(ctx context.Context, js *jobState) (err error) {
	started := time.Now()
	js.mu.Lock()
	js.status.InFlight = true
	js.status.LastStarted = started.UTC()
	js.mu.Unlock()

	result := metrics.ResultOK
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", js.job.Name, r)
			result = metrics.ResultPanic
		} else if err != nil {
			result = metrics.ResultError
		}
		elapsed := time.Since(started)

		js.mu.Lock()
		js.status.InFlight = false
		js.status.Runs++
		js.status.LastDuration = elapsed
		js.status.LastError = ""
		if err != nil {
			js.status.Failures++
			js.status.LastError = err.Error()
		}
		js.mu.Unlock()

		s.opts.Metrics.RecordJob(js.job.Name, result, elapsed)
		if err != nil {
			s.logger.Error().Err(err).Str("job", js.job.Name).Dur("elapsed", elapsed).Msg("job run failed")
			return
		}
		s.logger.Debug().Str("job", js.job.Name).Dur("elapsed", elapsed).Msg("job run finished")
	}()

	return js.job.Run(ctx)
}
