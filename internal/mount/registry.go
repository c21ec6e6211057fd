// Package mount guarantees the control surface is created at most once.
package mount

import (
	"context"
	"fmt"
	"sync"
	"time"

	"replyassist/internal/dom"
	"replyassist/internal/route"

	"go.uber.org/zap"
)

// Renderer draws the control surface into the container with the given id.
type Renderer func(ctx context.Context, nodeID string) error

// Record describes one mount the registry performed or adopted.
type Record struct {
	Scope     route.Token `json:"scope"`
	NodeID    string      `json:"node_id"`
	Adopted   bool        `json:"adopted"`
	MountedAt time.Time   `json:"mounted_at"`
}

// Registry owns one reserved node id in the document and remembers, per
// scope, that the surface was mounted. The document is always authoritative:
// the host page may drop the node at any time, and a stale record never stops
// a remount.
type Registry struct {
	doc     dom.Document
	nodeID  string
	log     *zap.Logger
	onMount func(Record)

	mu      sync.Mutex
	records map[route.Token]Record
}

// NewRegistry creates a registry for nodeID. onMount may be nil.
func NewRegistry(doc dom.Document, nodeID string, log *zap.Logger, onMount func(Record)) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		doc:     doc,
		nodeID:  nodeID,
		log:     log,
		onMount: onMount,
		records: make(map[route.Token]Record),
	}
}

// NodeID is the reserved id of the injected container.
func (r *Registry) NodeID() string { return r.nodeID }

// Ensure makes sure the surface exists next to the element matching
// targetSel. It reports true whenever the surface is present afterwards,
// including when it already was; false means the target is not rendered yet.
func (r *Registry) Ensure(ctx context.Context, scope route.Token, targetSel string, render Renderer) (bool, error) {
	res, err := r.doc.InsertBefore(ctx, targetSel, r.nodeID)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", r.nodeID, err)
	}

	switch res {
	case dom.TargetMissing:
		return false, nil
	case dom.AlreadyPresent:
		if r.Mounted(scope) {
			return true, nil
		}
		// Survived from an earlier scope; take it over and redraw it.
		if err := render(ctx, r.nodeID); err != nil {
			return false, fmt.Errorf("render adopted %s: %w", r.nodeID, err)
		}
		r.remember(Record{Scope: scope, NodeID: r.nodeID, Adopted: true, MountedAt: time.Now()})
		return true, nil
	default:
		if err := render(ctx, r.nodeID); err != nil {
			return false, fmt.Errorf("render %s: %w", r.nodeID, err)
		}
		r.remember(Record{Scope: scope, NodeID: r.nodeID, MountedAt: time.Now()})
		return true, nil
	}
}

func (r *Registry) remember(rec Record) {
	r.mu.Lock()
	r.records[rec.Scope] = rec
	r.mu.Unlock()

	r.log.Info("control surface mounted",
		zap.String("route", string(rec.Scope)),
		zap.String("node_id", rec.NodeID),
		zap.Bool("adopted", rec.Adopted))
	if r.onMount != nil {
		r.onMount(rec)
	}
}

// Mounted reports whether the registry mounted or adopted the surface for scope.
func (r *Registry) Mounted(scope route.Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[scope]
	return ok
}

// Record returns the mount record for scope.
func (r *Registry) Record(scope route.Token) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[scope]
	return rec, ok
}

// Forget drops the record for scope. Called when a route's cycle is torn down.
func (r *Registry) Forget(scope route.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, scope)
}

// Present checks the document, not the records.
func (r *Registry) Present(ctx context.Context) (bool, error) {
	return r.doc.Exists(ctx, r.nodeID)
}
