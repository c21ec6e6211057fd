// Package route turns the host page's address fragment into a stream of route tokens.
package route

import (
	"context"
	"net/url"
	"strings"
	"sync"
)

// Token identifies the page's navigation state. It is the address fragment
// including the leading '#', or "" when the address has no fragment.
type Token string

// FromURL derives the route token for a full page address.
func FromURL(raw string) Token {
	u, err := url.Parse(raw)
	if err != nil {
		// Fall back to a plain split; host pages sometimes emit unescaped fragments.
		if i := strings.IndexByte(raw, '#'); i >= 0 && i < len(raw)-1 {
			return Token(raw[i:])
		}
		return ""
	}
	frag := u.EscapedFragment()
	if frag == "" {
		return ""
	}
	return Token("#" + frag)
}

// Watcher fans out route tokens to subscribers. Every subscriber receives the
// current token immediately on subscribe, then one token per Publish.
type Watcher struct {
	mu      sync.Mutex
	current Token
	seen    bool
	subs    map[int]chan Token
	nextID  int
}

// NewWatcher creates a watcher with no known route yet.
func NewWatcher() *Watcher {
	return &Watcher{subs: make(map[int]chan Token)}
}

// Current returns the latest published token and whether any was published.
func (w *Watcher) Current() (Token, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current, w.seen
}

// Publish records the address of the page after a navigation. Repeated
// fragments are still delivered; Dedupe filters them on the consumer side.
func (w *Watcher) Publish(pageURL string) Token {
	tok := FromURL(pageURL)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = tok
	w.seen = true
	for _, ch := range w.subs {
		offerLatest(ch, tok)
	}
	return tok
}

// Subscribe returns a channel that yields the current token (if known) and
// every later one until ctx ends. A slow reader only sees the newest token.
func (w *Watcher) Subscribe(ctx context.Context) <-chan Token {
	ch := make(chan Token, 1)

	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.subs[id] = ch
	if w.seen {
		ch <- w.current
	}
	w.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.mu.Lock()
		delete(w.subs, id)
		close(ch)
		w.mu.Unlock()
	}()
	return ch
}

// offerLatest replaces an undelivered token with tok. Callers hold w.mu, so
// no other writer races for the slot.
func offerLatest(ch chan Token, tok Token) {
	select {
	case ch <- tok:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- tok
}

// Dedupe reports whether tok differs from the last token it accepted.
type Dedupe struct {
	last Token
	init bool
}

// Changed returns true the first time and whenever tok is a genuinely new
// string; repeats return false.
func (d *Dedupe) Changed(tok Token) bool {
	if d.init && d.last == tok {
		return false
	}
	d.last = tok
	d.init = true
	return true
}
