// Package extract derives the plain text of the newest message in the open
// thread.
package extract

import (
	"context"
	"strings"
	"sync"

	"replyassist/internal/dom"
	"replyassist/internal/route"

	"go.uber.org/zap"
)

// Normalize keeps the text before the first occurrence of marker (the line a
// mail client writes above quoted prior correspondence) and collapses the
// first blank-line break into a single space. An empty marker disables the
// cut.
func Normalize(text, marker string) string {
	if marker != "" {
		if before, _, found := strings.Cut(text, marker); found {
			text = before
		}
	}
	return strings.Replace(text, "\n\n", " ", 1)
}

// Latest holds the most recently captured thread content. The empty string
// means nothing has been captured yet.
type Latest struct {
	mu      sync.RWMutex
	text    string
	version uint64
}

// Get returns the current content.
func (l *Latest) Get() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.text
}

// Version increments on every capture, including re-captures of equal text.
func (l *Latest) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// Set stores a capture.
func (l *Latest) Set(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.text = text
	l.version++
}

// Reset forgets the content, e.g. when the thread it came from is gone.
func (l *Latest) Reset() {
	l.Set("")
}

// Selectors locate the latest message in the host page.
type Selectors struct {
	Container string
	Message   string
}

// Extractor is a probe that captures the latest message into a Latest holder.
type Extractor struct {
	doc         dom.Document
	sel         Selectors
	quoteMarker string
	out         *Latest
	log         *zap.Logger
	onCapture   func(text string)
}

// NewExtractor builds the probe. onCapture may be nil.
func NewExtractor(doc dom.Document, sel Selectors, quoteMarker string, out *Latest, log *zap.Logger, onCapture func(string)) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{
		doc:         doc,
		sel:         sel,
		quoteMarker: quoteMarker,
		out:         out,
		log:         log,
		onCapture:   onCapture,
	}
}

// Probe reports false while the thread is not rendered, which includes a
// container with zero messages; the captured content is left untouched then.
func (e *Extractor) Probe(ctx context.Context, _ route.Token) (bool, error) {
	raw, found, err := e.doc.LatestMessageText(ctx, e.sel.Container, e.sel.Message)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	text := Normalize(raw, e.quoteMarker)
	e.out.Set(text)
	e.log.Debug("thread content captured", zap.Int("chars", len(text)))
	if e.onCapture != nil {
		e.onCapture(text)
	}
	return true, nil
}
