// Package controller owns the single-flight completion request and the state
// the control surface is drawn from.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"replyassist/internal/completion"

	"go.uber.org/zap"
)

// ErrBusy is returned when a change is attempted while a request is in flight.
var ErrBusy = errors.New("controller: request in flight")

// State of the request controller.
type State int

const (
	Idle State = iota
	InFlight
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InFlight:
		return "in_flight"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is everything the view needs to draw the surface.
type Snapshot struct {
	State   State              `json:"state"`
	Tone    completion.Tone    `json:"tone"`
	Variant completion.Variant `json:"variant,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// Outcome is the result of one completion request.
type Outcome struct {
	Request  completion.Request
	Text     string
	Err      error
	Duration time.Duration
}

// Succeeded reports whether text was generated and delivered.
func (o Outcome) Succeeded() bool { return o.Err == nil }

// Transition is reported to the observer on every state change.
type Transition struct {
	From    State
	To      State
	Request completion.Request
	Err     error
	At      time.Time
}

// Observer receives transitions. It must not call back into the controller.
type Observer func(Transition)

// ThreadSource returns the content captured for the current route.
type ThreadSource func() string

// Deliverer replaces the entire compose target contents with text.
type Deliverer func(ctx context.Context, text string) error

// Redrawer draws the surface for a snapshot.
type Redrawer func(ctx context.Context, s Snapshot) error

// Options configures a Controller.
type Options struct {
	Client    completion.Client
	Templates completion.Templates
	Thread    ThreadSource
	Deliver   Deliverer
	Redraw    Redrawer
	Observer  Observer
	Logger    *zap.Logger
	// Timeout bounds a request when non-zero.
	Timeout time.Duration
}

// Controller enforces at most one in-flight request. Clicks that arrive
// while a request is running are dropped, not queued.
type Controller struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	state   State
	tone    completion.Tone
	variant completion.Variant
	lastErr string
	gen     uint64

	drawMu sync.Mutex
	drawn  uint64

	wg sync.WaitGroup
}

// New creates an idle controller with tone Accept.
func New(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Thread == nil {
		opts.Thread = func() string { return "" }
	}
	return &Controller{opts: opts, log: log}
}

// Snapshot returns the current view state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{State: c.state, Tone: c.tone, Variant: c.variant, Error: c.lastErr}
}

// bumpLocked stamps a change so redraws of older snapshots can be skipped.
func (c *Controller) bumpLocked() (Snapshot, uint64) {
	c.gen++
	return c.snapshotLocked(), c.gen
}

// State returns the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Templates returns the wording used for prompts and labels.
func (c *Controller) Templates() completion.Templates { return c.opts.Templates }

// SetTone changes the tone used by the next request. It is refused with
// ErrBusy while a request is in flight.
func (c *Controller) SetTone(ctx context.Context, t completion.Tone) error {
	c.mu.Lock()
	if c.state == InFlight {
		c.mu.Unlock()
		return ErrBusy
	}
	c.tone = t
	snap, gen := c.bumpLocked()
	c.mu.Unlock()

	c.redraw(ctx, snap, gen)
	return nil
}

// Submit starts a request for variant with the current tone and thread
// content. It returns false without side effects when a request is already
// in flight. The channel receives exactly one Outcome.
func (c *Controller) Submit(ctx context.Context, v completion.Variant) (<-chan Outcome, bool) {
	c.mu.Lock()
	if c.state == InFlight {
		c.mu.Unlock()
		c.log.Debug("click dropped, request in flight", zap.String("variant", string(v)))
		return nil, false
	}
	req := completion.NewRequest(c.opts.Thread(), c.tone, v)
	from := c.state
	c.state = InFlight
	c.variant = v
	c.lastErr = ""
	snap, gen := c.bumpLocked()
	c.mu.Unlock()

	c.notify(Transition{From: from, To: InFlight, Request: req, At: time.Now()})

	out := make(chan Outcome, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.redraw(ctx, snap, gen)
		out <- c.run(ctx, req)
		close(out)
	}()
	return out, true
}

func (c *Controller) run(ctx context.Context, req completion.Request) Outcome {
	log := c.log.With(zap.String("request_id", req.ID), zap.String("variant", string(req.Variant)))
	start := time.Now()

	reqCtx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	text, err := c.opts.Client.Complete(reqCtx, req.Prompt(c.opts.Templates))
	if err == nil && c.opts.Deliver != nil {
		if derr := c.opts.Deliver(ctx, text); derr != nil {
			err = fmt.Errorf("deliver reply: %w", derr)
		}
	}
	outcome := Outcome{Request: req, Text: text, Err: err, Duration: time.Since(start)}

	terminal := Succeeded
	if err != nil {
		terminal = Failed
		log.Warn("completion failed", zap.Error(err), zap.Duration("duration", outcome.Duration))
	} else {
		log.Info("completion delivered", zap.Int("chars", len(text)), zap.Duration("duration", outcome.Duration))
	}

	c.mu.Lock()
	c.state = terminal
	if err != nil {
		c.lastErr = err.Error()
	}
	c.mu.Unlock()
	c.notify(Transition{From: InFlight, To: terminal, Request: req, Err: err, At: time.Now()})

	c.mu.Lock()
	c.state = Idle
	snap, gen := c.bumpLocked()
	c.mu.Unlock()
	c.notify(Transition{From: terminal, To: Idle, Request: req, At: time.Now()})

	c.redraw(ctx, snap, gen)
	return outcome
}

func (c *Controller) notify(t Transition) {
	if c.opts.Observer != nil {
		c.opts.Observer(t)
	}
}

// Redraw draws the current snapshot, e.g. after the surface was remounted.
func (c *Controller) Redraw(ctx context.Context) {
	c.mu.Lock()
	snap, gen := c.bumpLocked()
	c.mu.Unlock()
	c.redraw(ctx, snap, gen)
}

func (c *Controller) redraw(ctx context.Context, s Snapshot, gen uint64) {
	if c.opts.Redraw == nil {
		return
	}
	c.drawMu.Lock()
	defer c.drawMu.Unlock()
	if gen < c.drawn {
		return
	}
	c.drawn = gen
	if err := c.opts.Redraw(ctx, s); err != nil {
		c.log.Debug("surface redraw failed", zap.Error(err), zap.Stringer("state", s.State))
	}
}

// Wait blocks until every started request has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}
