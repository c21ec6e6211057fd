// Package attach polls a probe on a fixed interval until it reports that the
// thing it waits for is in place, scoped to one route at a time.
package attach

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"replyassist/internal/route"

	"go.uber.org/zap"
)

// Probe looks for its target and mounts into it when present. It returns true
// once the desired end state holds. Probes may mutate the document. tok is
// the route of the cycle invoking it, which may already be stale; ctx is
// cancelled once it is.
type Probe func(ctx context.Context, tok route.Token) (bool, error)

// State of one attachment cycle.
type State int32

const (
	Idle State = iota
	Polling
	Attached
	// Abandoned means the cycle stopped without attaching: the policy ran out
	// or the probe failed. Only a route change starts a new cycle.
	Abandoned
)

func (s State) String() string {
	switch s {
	case Polling:
		return "polling"
	case Attached:
		return "attached"
	case Abandoned:
		return "abandoned"
	default:
		return "idle"
	}
}

var (
	ErrExhausted = errors.New("attach: max attempts reached")
	ErrTimedOut  = errors.New("attach: cycle timed out")
)

// Policy is the retry policy of a cycle. Zero MaxAttempts and zero Timeout
// mean unbounded: a target that never appears is polled for the whole route.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

// DefaultInterval is the reference polling cadence.
const DefaultInterval = 100 * time.Millisecond

// DefaultPolicy polls every 100ms with no cutoff.
func DefaultPolicy() Policy {
	return Policy{Interval: DefaultInterval}
}

// Event describes one observable step of a cycle.
type Event struct {
	Scheduler string
	Route     route.Token
	Attempt   int
	State     State
	Err       error
}

// Observer receives cycle events synchronously on the polling goroutine.
type Observer func(Event)

type cycle struct {
	route    route.Token
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	state    atomic.Int32
	attempts atomic.Int64
}

// Scheduler runs at most one cycle at a time. Probe invocations never
// overlap: the next tick is only taken after the previous probe returned.
type Scheduler struct {
	name     string
	probe    Probe
	policy   Policy
	log      *zap.Logger
	observer Observer

	armMu sync.Mutex // serialises Rearm and Stop
	mu    sync.Mutex
	cur   *cycle
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithObserver registers fn for cycle events.
func WithObserver(fn Observer) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// New creates an idle scheduler. Nothing runs until Rearm.
func New(name string, probe Probe, policy Policy, opts ...Option) *Scheduler {
	if policy.Interval <= 0 {
		policy.Interval = DefaultInterval
	}
	s := &Scheduler{
		name:   name,
		probe:  probe,
		policy: policy,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies the scheduler in logs and events.
func (s *Scheduler) Name() string { return s.name }

// Policy returns the effective retry policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Rearm discards the current cycle and starts a new one for tok. The previous
// cycle's pending tick is cancelled, and any probe it was running has returned,
// before the new cycle is created.
func (s *Scheduler) Rearm(ctx context.Context, tok route.Token) {
	s.armMu.Lock()
	defer s.armMu.Unlock()

	s.stopLocked()

	cctx, cancel := context.WithCancel(ctx)
	c := &cycle{
		route:  tok,
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()

	s.log.Debug("attachment cycle armed", zap.String("scheduler", s.name), zap.String("route", string(tok)))
	go s.run(c)
}

// Stop ends the current cycle, if any, and waits for it to wind down.
func (s *Scheduler) Stop() {
	s.armMu.Lock()
	defer s.armMu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	s.mu.Lock()
	old := s.cur
	s.cur = nil
	s.mu.Unlock()
	if old == nil {
		return
	}
	old.cancel()
	<-old.done
}

// State returns the state of the current cycle, or Idle when none is armed.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return Idle
	}
	return State(s.cur.state.Load())
}

// Attempts returns how many times the current cycle has invoked the probe.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0
	}
	return int(s.cur.attempts.Load())
}

// Route returns the route the current cycle is scoped to.
func (s *Scheduler) Route() (route.Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return "", false
	}
	return s.cur.route, true
}

func (s *Scheduler) run(c *cycle) {
	defer close(c.done)

	ticker := time.NewTicker(s.policy.Interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if s.policy.Timeout > 0 {
		timer := time.NewTimer(s.policy.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-deadline:
			s.finish(c, Abandoned, ErrTimedOut)
			return
		case <-ticker.C:
		}
		if c.ctx.Err() != nil {
			return
		}
		if s.tick(c) {
			return
		}
	}
}

// tick invokes the probe once and reports whether the cycle is over.
func (s *Scheduler) tick(c *cycle) bool {
	c.state.CompareAndSwap(int32(Idle), int32(Polling))
	attempt := int(c.attempts.Add(1))

	ok, err := s.invoke(c)
	if c.ctx.Err() != nil {
		// Torn down mid-probe; the result belongs to a dead route.
		return true
	}
	switch {
	case err != nil:
		s.log.Warn("probe failed, abandoning cycle",
			zap.String("scheduler", s.name),
			zap.String("route", string(c.route)),
			zap.Int("attempt", attempt),
			zap.Error(err))
		s.finish(c, Abandoned, err)
		return true
	case ok:
		s.log.Debug("attached",
			zap.String("scheduler", s.name),
			zap.String("route", string(c.route)),
			zap.Int("attempt", attempt))
		s.finish(c, Attached, nil)
		return true
	}

	s.emit(c, Polling, nil)
	if s.policy.MaxAttempts > 0 && attempt >= s.policy.MaxAttempts {
		s.finish(c, Abandoned, ErrExhausted)
		return true
	}
	return false
}

func (s *Scheduler) invoke(c *cycle) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return s.probe(c.ctx, c.route)
}

func (s *Scheduler) finish(c *cycle, st State, err error) {
	c.state.Store(int32(st))
	s.emit(c, st, err)
}

func (s *Scheduler) emit(c *cycle, st State, err error) {
	if s.observer == nil {
		return
	}
	s.observer(Event{
		Scheduler: s.name,
		Route:     c.route,
		Attempt:   int(c.attempts.Load()),
		State:     st,
		Err:       err,
	})
}
