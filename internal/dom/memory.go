package dom

import (
	"context"
	"sync"
)

// Memory is an in-process Document used by tests and the offline prompt
// command. It models one thread container and any number of anchor elements
// keyed by selector; injected nodes live directly before their anchor.
type Memory struct {
	mu       sync.Mutex
	thread   []string
	hasBox   bool
	anchors  map[string]*memAnchor
	injected map[string]*memNode
	calls    int
}

type memAnchor struct {
	text     string
	siblings []string // ids of injected nodes placed before this anchor, in order
}

type memNode struct {
	anchor string
	html   string
}

// NewMemory returns an empty document.
func NewMemory() *Memory {
	return &Memory{
		anchors:  make(map[string]*memAnchor),
		injected: make(map[string]*memNode),
	}
}

// SetThread renders a thread container holding the given messages, most
// recent first. Calling it with no messages leaves an empty container.
func (m *Memory) SetThread(messages ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasBox = true
	m.thread = append([]string(nil), messages...)
}

// ClearThread removes the thread container.
func (m *Memory) ClearThread() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasBox = false
	m.thread = nil
}

// AddAnchor renders an element reachable by sel with the given text.
func (m *Memory) AddAnchor(sel, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchors[sel] = &memAnchor{text: text}
}

// RemoveAnchor drops the anchor and every node injected next to it, the way
// a host page replaces a whole subtree.
func (m *Memory) RemoveAnchor(sel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.anchors[sel]
	if !ok {
		return
	}
	for _, id := range a.siblings {
		delete(m.injected, id)
	}
	delete(m.anchors, sel)
}

// AnchorText returns the anchor's current text.
func (m *Memory) AnchorText(sel string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.anchors[sel]; ok {
		return a.text
	}
	return ""
}

// HTML returns the markup rendered into an injected node.
func (m *Memory) HTML(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.injected[id]; ok {
		return n.html
	}
	return ""
}

// Siblings returns the ids injected before the anchor, in document order.
func (m *Memory) Siblings(sel string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.anchors[sel]; ok {
		return append([]string(nil), a.siblings...)
	}
	return nil
}

// InjectedCount returns how many injected nodes exist in the document.
func (m *Memory) InjectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.injected)
}

// Calls returns how many Document methods have been invoked.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Memory) LatestMessageText(ctx context.Context, _, _ string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if !m.hasBox || len(m.thread) == 0 {
		return "", false, nil
	}
	return m.thread[0], true, nil
}

func (m *Memory) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	_, ok := m.injected[id]
	return ok, nil
}

func (m *Memory) Matches(ctx context.Context, sel string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	_, ok := m.anchors[sel]
	return ok, nil
}

func (m *Memory) InsertBefore(ctx context.Context, targetSel, id string) (InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return TargetMissing, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if _, ok := m.injected[id]; ok {
		return AlreadyPresent, nil
	}
	a, ok := m.anchors[targetSel]
	if !ok {
		return TargetMissing, nil
	}
	m.injected[id] = &memNode{anchor: targetSel}
	a.siblings = append(a.siblings, id)
	return Inserted, nil
}

func (m *Memory) SetHTML(ctx context.Context, id, markup string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	n, ok := m.injected[id]
	if !ok {
		return ErrNodeMissing
	}
	n.html = markup
	return nil
}

func (m *Memory) ReplaceContents(ctx context.Context, targetSel, text string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	a, ok := m.anchors[targetSel]
	if !ok {
		return false, nil
	}
	a.text = text
	return true, nil
}
