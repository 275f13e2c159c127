package atc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"receiving-atc/logx"
)

const (
	queryWindow = time.Hour
	// minPause is the shortest sleep after an error or a paused iteration.
	minPause = 60 * time.Second

	DefaultMaxQueriesPerHour      = 12
	DefaultMaxConsecutiveFailures = 3
	DefaultErrorBackoff           = 10 * time.Minute
	DefaultMinSleep               = 5 * time.Second
	DefaultPollInterval           = 15 * time.Minute
)

// Exit codes carried by StopError.
const (
	ExitClean   = 0
	ExitBreaker = 1
	ExitConfig  = 2
)

var (
	ErrKillSwitch  = errors.New("kill switch active")
	ErrCircuitOpen = errors.New("circuit breaker tripped")
	ErrInterrupted = errors.New("interrupted")
)

// StopError ends Run. ExitCode is the process status the caller should use.
type StopError struct {
	State    SchedulerState
	Reason   string
	ExitCode int
	Err      error
}

func (e *StopError) Error() string { return e.Reason }
func (e *StopError) Unwrap() error { return e.Err }

// CycleRunner runs one polling cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (CycleReport, error)
}

type SchedulerConfig struct {
	FacilityID             string
	Interval               time.Duration
	MinSleep               time.Duration
	MaxQueriesPerHour      int
	MaxConsecutiveFailures int
	ErrorBackoff           time.Duration
}

func (c *SchedulerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.MinSleep <= 0 {
		c.MinSleep = DefaultMinSleep
	}
	if c.MaxQueriesPerHour <= 0 {
		c.MaxQueriesPerHour = DefaultMaxQueriesPerHour
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
}

// Scheduler is the guarded polling loop:
//
//	starting -> running <-> error (backoff)
//	running <-> paused (hourly query cap)
//	running/error/paused -> stopped (kill switch, breaker, signal)
//
// Cycles run strictly one after another. Every transition writes a Status.
type Scheduler struct {
	cfg     SchedulerConfig
	runner  CycleRunner
	kill    KillSwitch
	sink    StatusSink
	sleeper Sleeper
	metrics *Metrics
	log     logx.Logger
	now     func() time.Time

	status      Status
	queryStarts []time.Time
	failures    int
}

type SchedulerOption func(*Scheduler)

func WithSleeper(s Sleeper) SchedulerOption         { return func(sc *Scheduler) { sc.sleeper = s } }
func WithClock(now func() time.Time) SchedulerOption { return func(sc *Scheduler) { sc.now = now } }
func WithMetrics(m *Metrics) SchedulerOption        { return func(sc *Scheduler) { sc.metrics = m } }
func WithLogger(l logx.Logger) SchedulerOption      { return func(sc *Scheduler) { sc.log = l } }

func NewScheduler(cfg SchedulerConfig, runner CycleRunner, kill KillSwitch, sink StatusSink, opts ...SchedulerOption) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		cfg:     cfg,
		runner:  runner,
		kill:    kill,
		sink:    sink,
		sleeper: TimerSleeper{},
		log:     logx.Nop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.status = Status{FacilityID: cfg.FacilityID, State: StateStarting}
	return s
}

// Status returns the last status written.
func (s *Scheduler) Status() Status { return s.status }

// ConsecutiveFailures is the breaker counter.
func (s *Scheduler) ConsecutiveFailures() int { return s.failures }

// Run loops until a terminal condition and returns it as *StopError.
func (s *Scheduler) Run(ctx context.Context) error {
	s.transition(ctx, StateStarting)
	for {
		d, stop := s.Step(ctx)
		if stop != nil {
			return stop
		}
		s.log.Info("sleeping until next cycle", logx.Duration("sleep", d))
		s.sleeper.Sleep(ctx, d)
	}
}

// Step runs one loop iteration and returns how long to sleep, or a stop.
func (s *Scheduler) Step(ctx context.Context) (time.Duration, *StopError) {
	if ctx.Err() != nil {
		return 0, s.stop(ctx, ExitClean, "Interrupted by signal. Stopping ATC.", ErrInterrupted)
	}
	if s.kill.Active() {
		msg := fmt.Sprintf("Kill switch detected (%s). Stopping ATC.", s.kill.Path)
		return 0, s.stop(ctx, ExitClean, msg, ErrKillSwitch)
	}

	now := s.now()
	s.pruneQueryStarts(now)
	if len(s.queryStarts) >= s.cfg.MaxQueriesPerHour {
		msg := fmt.Sprintf("Rate limit hit: %d queries in the last hour (max=%d). Pausing queries.",
			len(s.queryStarts), s.cfg.MaxQueriesPerHour)
		s.log.Warn(msg)
		s.status.LastError = &msg
		s.transition(ctx, StatePaused)
		return maxDuration(minPause, s.cfg.ErrorBackoff), nil
	}

	start := now
	s.queryStarts = append(s.queryStarts, start)
	s.status.LastQueryStart = &start
	s.status.LastQueryEnd = nil
	s.status.LastError = nil
	s.status.QueryDurationSeconds = nil
	s.transition(ctx, StateRunning)

	rep, err := s.runner.RunCycle(ctx)
	end := s.now()
	elapsed := end.Sub(start)
	dur := roundSeconds(elapsed)
	s.status.LastQueryEnd = &end
	s.status.QueryDurationSeconds = &dur
	s.status.CycleID = rep.CycleID
	s.status.LastCycle = &rep

	if err == nil {
		s.failures = 0
		s.transition(ctx, StateRunning)
		return maxDuration(s.cfg.MinSleep, s.cfg.Interval-elapsed), nil
	}

	s.failures++
	msg := err.Error()
	s.status.LastError = &msg
	s.log.Error("cycle failed", logx.Err(err), logx.Int("consecutive_failures", s.failures))
	s.transition(ctx, StateError)

	if s.failures >= s.cfg.MaxConsecutiveFailures {
		reason := fmt.Sprintf("Circuit breaker tripped: %d consecutive failures (max=%d). Stopping ATC to prevent runaway queries.",
			s.failures, s.cfg.MaxConsecutiveFailures)
		return 0, s.stop(ctx, ExitBreaker, reason, errors.Join(ErrCircuitOpen, err))
	}
	return maxDuration(minPause, s.cfg.ErrorBackoff), nil
}

func (s *Scheduler) stop(ctx context.Context, code int, reason string, cause error) *StopError {
	if code == ExitClean {
		s.log.Warn(reason)
	} else {
		s.log.Error(reason)
	}
	s.status.LastError = &reason
	s.status.StopReason = reason
	// The status write must land even when ctx is already cancelled.
	s.transition(context.WithoutCancel(ctx), StateStopped)
	return &StopError{State: StateStopped, Reason: reason, ExitCode: code, Err: cause}
}

func (s *Scheduler) pruneQueryStarts(now time.Time) {
	cutoff := now.Add(-queryWindow)
	kept := s.queryStarts[:0]
	for _, t := range s.queryStarts {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	s.queryStarts = kept
}

func (s *Scheduler) transition(ctx context.Context, st SchedulerState) {
	s.status.State = st
	s.status.ConsecutiveFailures = s.failures
	s.status.QueriesLastHour = len(s.queryStarts)
	s.status.UpdatedAt = s.now()
	s.metrics.observeState(st, s.failures, len(s.queryStarts))
	if s.sink == nil {
		return
	}
	if err := s.sink.WriteStatus(ctx, s.status); err != nil {
		s.log.Warn("status write failed", logx.String("state", string(st)), logx.Err(err))
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func roundSeconds(d time.Duration) float64 {
	return float64(d.Round(10*time.Millisecond)) / float64(time.Second)
}
