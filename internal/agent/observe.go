package agent

import (
	"context"
	"errors"
	"time"

	"replyassist/internal/attach"
	"replyassist/internal/controller"
	"replyassist/internal/mangle"
	"replyassist/internal/mount"
	"replyassist/internal/recorder"
	"replyassist/internal/route"

	"go.uber.org/zap"
)

// Observers fan lifecycle events out to the fact engine, the trace recorder
// and the metrics. All three are optional.

func (a *App) onProbe(ev attach.Event) {
	now := time.Now()
	if m := a.opts.Metrics; m != nil {
		if countsAsAttempt(ev) {
			m.ProbeAttempts.WithLabelValues(ev.Scheduler).Inc()
		}
		if ev.State == attach.Attached || ev.State == attach.Abandoned {
			m.CycleOutcomes.WithLabelValues(ev.Scheduler, ev.State.String()).Inc()
		}
	}
	// Polling ticks are only counted. Facts and the trace keep cycle
	// outcomes, so a busy cycle does not re-evaluate the program per tick.
	if ev.State == attach.Polling {
		return
	}
	a.addFacts(mangle.ProbeAttempt(ev.Scheduler, string(ev.Route), int64(ev.Attempt), ev.State.String(), now))

	data := map[string]interface{}{
		"scheduler": ev.Scheduler,
		"attempt":   ev.Attempt,
		"state":     ev.State.String(),
	}
	if ev.Err != nil {
		data["error"] = ev.Err.Error()
	}
	a.record(recorder.KindProbe, ev.Route, data)
}

// countsAsAttempt is false for the synthetic events that end a cycle without
// invoking the probe again.
func countsAsAttempt(ev attach.Event) bool {
	if ev.State != attach.Abandoned {
		return true
	}
	return !errors.Is(ev.Err, attach.ErrExhausted) && !errors.Is(ev.Err, attach.ErrTimedOut)
}

func (a *App) onCapture(text string) {
	tok, _ := a.Route()
	if m := a.opts.Metrics; m != nil {
		m.ThreadCaptureLen.Set(float64(len(text)))
	}
	a.record(recorder.KindCapture, tok, map[string]int{"chars": len(text)})
	a.addFacts(mangle.ThreadCaptured(string(tok), len(text), time.Now()))
}

func (a *App) onMount(rec mount.Record) {
	kind := "inserted"
	if rec.Adopted {
		kind = "adopted"
	}
	if m := a.opts.Metrics; m != nil {
		m.Mounts.WithLabelValues(kind).Inc()
	}
	a.record(recorder.KindMount, rec.Scope, rec)
	a.addFacts(mangle.MountCreated(string(rec.Scope), rec.NodeID, kind, rec.MountedAt))
}

func (a *App) onTransition(t controller.Transition) {
	req := t.Request
	facts := []mangle.Fact{mangle.RequestState(req.ID, string(req.Variant), t.To.String(), t.At)}

	switch t.To {
	case controller.InFlight:
		a.mu.Lock()
		a.inflightAt = t.At
		a.mu.Unlock()
	case controller.Succeeded, controller.Failed:
		a.mu.RLock()
		d := t.At.Sub(a.inflightAt)
		a.mu.RUnlock()
		if m := a.opts.Metrics; m != nil {
			m.ObserveRequest(string(req.Variant), t.Err, d)
		}
		if t.Err != nil {
			facts = append(facts, mangle.RequestFailed(req.ID, t.Err.Error(), t.At))
		}
	}

	data := map[string]interface{}{
		"request_id": req.ID,
		"variant":    req.Variant,
		"tone":       req.Tone,
		"from":       t.From,
		"to":         t.To,
	}
	if t.Err != nil {
		data["error"] = t.Err.Error()
	}
	tok, _ := a.Route()
	a.record(recorder.KindRequest, tok, data)
	a.addFacts(facts...)
}

func (a *App) record(kind string, tok route.Token, data interface{}) {
	if a.opts.Recorder != nil {
		a.opts.Recorder.Log(kind, string(tok), data)
	}
}

// addFacts runs outside any caller context: observers fire on scheduler and
// request goroutines that may already be winding down.
func (a *App) addFacts(facts ...mangle.Fact) {
	if a.opts.Engine == nil {
		return
	}
	if err := a.opts.Engine.AddFacts(context.Background(), facts); err != nil {
		a.log.Debug("fact ingestion failed", zap.Error(err))
	}
}
