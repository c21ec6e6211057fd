// Package agent wires the route watcher, the two attachment schedulers, the
// content extractor, the mount registry and the request controller into one
// lifecycle running against a host document.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"replyassist/internal/attach"
	"replyassist/internal/completion"
	"replyassist/internal/config"
	"replyassist/internal/controller"
	"replyassist/internal/dom"
	"replyassist/internal/extract"
	"replyassist/internal/mangle"
	"replyassist/internal/metrics"
	"replyassist/internal/mount"
	"replyassist/internal/recorder"
	"replyassist/internal/route"

	"go.uber.org/zap"
)

// Scheduler names, used in logs, facts and metric labels.
const (
	ThreadScheduler  = "thread"
	ComposeScheduler = "compose"
)

// Options configures an App. Engine, Recorder and Metrics are optional.
type Options struct {
	Host           config.HostConfig
	Policy         attach.Policy
	Templates      completion.Templates
	Client         completion.Client
	RequestTimeout time.Duration

	Doc     dom.Document
	Watcher *route.Watcher

	Engine   *mangle.Engine
	Recorder *recorder.Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// PolicyFrom converts the schedule section into a retry policy.
func PolicyFrom(s config.ScheduleConfig) attach.Policy {
	return attach.Policy{
		Interval:    s.Interval(),
		MaxAttempts: s.MaxAttempts,
		Timeout:     s.Timeout(),
	}
}

// App is the running lifecycle for one host document.
type App struct {
	opts Options
	log  *zap.Logger

	doc      dom.Document
	watcher  *route.Watcher
	latest   *extract.Latest
	registry *mount.Registry
	view     *controller.View
	ctrl     *controller.Controller
	thread   *attach.Scheduler
	compose  *attach.Scheduler

	mu         sync.RWMutex
	current    route.Token
	routed     bool
	base       context.Context
	inflightAt time.Time
}

// New assembles an App. Nothing runs until Run.
func New(opts Options) (*App, error) {
	if opts.Doc == nil {
		return nil, errors.New("agent: document is required")
	}
	if opts.Client == nil {
		return nil, errors.New("agent: completion client is required")
	}
	if opts.Host.ComposeTarget == "" || opts.Host.MountID == "" {
		return nil, errors.New("agent: host compose_target and mount_id are required")
	}
	if opts.Watcher == nil {
		opts.Watcher = route.NewWatcher()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	a := &App{
		opts:    opts,
		log:     log,
		doc:     opts.Doc,
		watcher: opts.Watcher,
		latest:  &extract.Latest{},
		view:    controller.NewView(opts.Templates),
	}

	a.registry = mount.NewRegistry(opts.Doc, opts.Host.MountID, log.Named("mount"), a.onMount)
	a.ctrl = controller.New(controller.Options{
		Client:    opts.Client,
		Templates: opts.Templates,
		Thread:    a.latest.Get,
		Deliver:   a.deliver,
		Redraw:    a.draw,
		Observer:  a.onTransition,
		Logger:    log.Named("controller"),
		Timeout:   opts.RequestTimeout,
	})

	extractor := extract.NewExtractor(opts.Doc, extract.Selectors{
		Container: opts.Host.ThreadContainer,
		Message:   opts.Host.ThreadMessage,
	}, opts.Templates.QuoteMarker, a.latest, log.Named("extract"), a.onCapture)

	schedLog := log.Named("attach")
	a.thread = attach.New(ThreadScheduler, extractor.Probe, opts.Policy,
		attach.WithObserver(a.onProbe), attach.WithLogger(schedLog))
	a.compose = attach.New(ComposeScheduler, a.composeProbe, opts.Policy,
		attach.WithObserver(a.onProbe), attach.WithLogger(schedLog))
	return a, nil
}

// Watcher is the route source the App listens to.
func (a *App) Watcher() *route.Watcher { return a.watcher }

// Controller exposes the request controller.
func (a *App) Controller() *controller.Controller { return a.ctrl }

// Thread returns the captured thread content.
func (a *App) Thread() string { return a.latest.Get() }

// Run follows route changes until ctx ends, then stops both schedulers and
// waits for any in-flight request.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	a.base = ctx
	a.mu.Unlock()

	if a.opts.Recorder != nil {
		if id, err := a.opts.Recorder.Start(); err != nil {
			a.log.Warn("trace recorder unavailable", zap.Error(err))
		} else {
			a.log.Info("recording lifecycle trace", zap.String("run_id", id))
		}
		defer a.opts.Recorder.Close()
	}

	var d route.Dedupe
	for tok := range a.watcher.Subscribe(ctx) {
		if !d.Changed(tok) {
			continue
		}
		a.onRoute(ctx, tok)
	}

	a.thread.Stop()
	a.compose.Stop()
	a.ctrl.Wait()
	a.log.Info("lifecycle stopped")
	return nil
}

// onRoute tears down the previous route's cycles and arms new ones. Both
// schedulers are stopped before the new route is published, so no tick of
// an old cycle can observe it.
func (a *App) onRoute(ctx context.Context, tok route.Token) {
	a.thread.Stop()
	a.compose.Stop()

	a.mu.Lock()
	prev, hadPrev := a.current, a.routed
	a.current = tok
	a.routed = true
	a.mu.Unlock()

	a.log.Info("route changed", zap.String("route", string(tok)))
	if m := a.opts.Metrics; m != nil {
		m.RouteChanges.Inc()
	}
	a.record(recorder.KindRoute, tok, nil)
	a.addFacts(mangle.RouteChanged(string(tok), time.Now()))

	if hadPrev {
		a.registry.Forget(prev)
	}
	a.thread.Rearm(ctx, tok)
	a.compose.Rearm(ctx, tok)
}

// Route returns the current route token.
func (a *App) Route() (route.Token, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current, a.routed
}

// composeProbe mounts the surface once there is thread content to answer
// and the compose target is rendered. The mount is scoped to the cycle's
// route, never the App's current one.
func (a *App) composeProbe(ctx context.Context, tok route.Token) (bool, error) {
	if a.latest.Get() == "" {
		return false, nil
	}
	present, err := a.doc.Matches(ctx, a.opts.Host.ComposeTarget)
	if err != nil || !present {
		return false, err
	}
	if ctx.Err() != nil {
		return false, nil
	}
	return a.registry.Ensure(ctx, tok, a.opts.Host.ComposeTarget, a.render)
}

func (a *App) render(ctx context.Context, _ string) error {
	return a.draw(ctx, a.ctrl.Snapshot())
}

func (a *App) draw(ctx context.Context, s controller.Snapshot) error {
	markup, err := a.view.Render(s)
	if err != nil {
		return err
	}
	return a.doc.SetHTML(ctx, a.registry.NodeID(), markup)
}

func (a *App) deliver(ctx context.Context, text string) error {
	ok, err := a.doc.ReplaceContents(ctx, a.opts.Host.ComposeTarget, text)
	if err != nil {
		return err
	}
	if !ok {
		return dom.ErrNodeMissing
	}
	return nil
}

// Action is the payload a surface button sends.
type Action struct {
	Action  string `json:"action"`
	Tone    string `json:"tone,omitempty"`
	Variant string `json:"variant,omitempty"`
}

// HandleActionJSON decodes a button payload and applies it.
func (a *App) HandleActionJSON(ctx context.Context, raw []byte) error {
	var act Action
	if err := json.Unmarshal(raw, &act); err != nil {
		return fmt.Errorf("decode action: %w", err)
	}
	return a.HandleAction(ctx, act)
}

// HandleAction applies a tone toggle or starts a generation. A generate
// click while a request is in flight returns controller.ErrBusy.
func (a *App) HandleAction(ctx context.Context, act Action) error {
	switch act.Action {
	case "tone":
		t, err := completion.ParseTone(act.Tone)
		if err != nil {
			return err
		}
		return a.ctrl.SetTone(ctx, t)
	case "generate":
		v, err := completion.ParseVariant(act.Variant)
		if err != nil {
			return err
		}
		_, err = a.Generate(v)
		return err
	default:
		return fmt.Errorf("unknown action %q", act.Action)
	}
}

// Generate submits a request for v. The request is bound to the App's
// lifetime rather than to the caller, so a click handler returning early
// does not cancel it.
func (a *App) Generate(v completion.Variant) (<-chan controller.Outcome, error) {
	ch, ok := a.ctrl.Submit(a.baseContext(), v)
	if !ok {
		if m := a.opts.Metrics; m != nil {
			m.RequestsDropped.Inc()
		}
		return nil, controller.ErrBusy
	}
	return ch, nil
}

func (a *App) baseContext() context.Context {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.base != nil {
		return a.base
	}
	return context.Background()
}

// SchedulerStatus is the externally visible state of one scheduler.
type SchedulerStatus struct {
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
}

// Status is a point-in-time view of the whole lifecycle.
type Status struct {
	Route       string              `json:"route"`
	Thread      SchedulerStatus     `json:"thread"`
	Compose     SchedulerStatus     `json:"compose"`
	Mounted     bool                `json:"mounted"`
	ThreadChars int                 `json:"thread_chars"`
	Request     controller.Snapshot `json:"request"`
}

// Status reports the current lifecycle state.
func (a *App) Status() Status {
	tok, _ := a.Route()
	return Status{
		Route:       string(tok),
		Thread:      SchedulerStatus{State: a.thread.State().String(), Attempts: a.thread.Attempts()},
		Compose:     SchedulerStatus{State: a.compose.State().String(), Attempts: a.compose.Attempts()},
		Mounted:     a.registry.Mounted(tok),
		ThreadChars: len(a.latest.Get()),
		Request:     a.ctrl.Snapshot(),
	}
}
