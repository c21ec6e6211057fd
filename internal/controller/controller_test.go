package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"replyassist/internal/completion"
	"replyassist/internal/dom"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const compose = "div[aria-multiline='true']"

// gatedClient blocks every call until release is closed.
type gatedClient struct {
	release chan struct{}
	text    string
	err     error

	mu      sync.Mutex
	prompts []string
}

func newGatedClient(text string, err error) *gatedClient {
	return &gatedClient{release: make(chan struct{}), text: text, err: err}
}

func (g *gatedClient) Complete(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.text, g.err
}

func (g *gatedClient) Backend() string { return "fake" }

func (g *gatedClient) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

type transitions struct {
	mu   sync.Mutex
	list []Transition
}

func (r *transitions) observe(t Transition) {
	r.mu.Lock()
	r.list = append(r.list, t)
	r.mu.Unlock()
}

func (r *transitions) path() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for i, t := range r.list {
		if i == 0 {
			out = append(out, t.From)
		}
		out = append(out, t.To)
	}
	return out
}

func setup(t *testing.T, client completion.Client) (*Controller, *dom.Memory, *transitions) {
	t.Helper()
	doc := dom.NewMemory()
	doc.AddAnchor(compose, "half-written draft")
	tmpl, err := completion.TemplatesFor("nb")
	require.NoError(t, err)

	rec := &transitions{}
	c := New(Options{
		Client:    client,
		Templates: tmpl,
		Thread:    func() string { return "Can we meet Tuesday? " },
		Deliver: func(ctx context.Context, text string) error {
			ok, err := doc.ReplaceContents(ctx, compose, text)
			if err != nil {
				return err
			}
			if !ok {
				return dom.ErrNodeMissing
			}
			return nil
		},
		Observer: rec.observe,
	})
	return c, doc, rec
}

func wait(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome")
	}
	return Outcome{}
}

func TestSubmitSuccessReplacesComposeContents(t *testing.T) {
	client := newGatedClient("Reply body", nil)
	c, doc, rec := setup(t, client)

	ch, ok := c.Submit(context.Background(), completion.Formal)
	require.True(t, ok)
	assert.Equal(t, InFlight, c.State())

	close(client.release)
	out := wait(t, ch)
	c.Wait()

	require.True(t, out.Succeeded())
	assert.Equal(t, "Reply body", out.Text)
	assert.Equal(t, completion.Formal, out.Request.Variant)
	assert.Equal(t, completion.Accept, out.Request.Tone)
	assert.Equal(t, "Reply body", doc.AnchorText(compose), "replace, not merge")
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, []State{Idle, InFlight, Succeeded, Idle}, rec.path())

	prompts := client.calls()
	require.Len(t, prompts, 1)
	assert.True(t, strings.Contains(prompts[0], "Can we meet Tuesday? "))
}

func TestClickWhileInFlightIsDropped(t *testing.T) {
	client := newGatedClient("Reply body", nil)
	c, _, _ := setup(t, client)

	ch, ok := c.Submit(context.Background(), completion.Formal)
	require.True(t, ok)

	second, ok := c.Submit(context.Background(), completion.Playful)
	assert.False(t, ok)
	assert.Nil(t, second)

	close(client.release)
	wait(t, ch)
	c.Wait()
	assert.Len(t, client.calls(), 1, "exactly one request was issued")
}

func TestSubmitFailureSurfacesErrorAndReturnsToIdle(t *testing.T) {
	client := newGatedClient("", errors.New("quota exceeded"))
	c, doc, rec := setup(t, client)

	ch, ok := c.Submit(context.Background(), completion.Sarcastic)
	require.True(t, ok)
	close(client.release)
	out := wait(t, ch)
	c.Wait()

	assert.False(t, out.Succeeded())
	assert.Equal(t, "half-written draft", doc.AnchorText(compose), "compose untouched on failure")
	snap := c.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Contains(t, snap.Error, "quota exceeded")
	assert.Equal(t, []State{Idle, InFlight, Failed, Idle}, rec.path())

	// A new request clears the error.
	client2 := newGatedClient("ok", nil)
	c.opts.Client = client2
	close(client2.release)
	ch, ok = c.Submit(context.Background(), completion.Friendly)
	require.True(t, ok)
	wait(t, ch)
	c.Wait()
	assert.Empty(t, c.Snapshot().Error)
}

func TestDeliveryFailureIsAFailedOutcome(t *testing.T) {
	client := newGatedClient("Reply body", nil)
	c, doc, _ := setup(t, client)
	doc.RemoveAnchor(compose)

	close(client.release)
	ch, ok := c.Submit(context.Background(), completion.Formal)
	require.True(t, ok)
	out := wait(t, ch)
	c.Wait()

	assert.ErrorIs(t, out.Err, dom.ErrNodeMissing)
	assert.Equal(t, Idle, c.State())
}

func TestSetToneRefusedWhileInFlight(t *testing.T) {
	client := newGatedClient("Reply body", nil)
	c, _, _ := setup(t, client)

	require.NoError(t, c.SetTone(context.Background(), completion.Reject))
	assert.Equal(t, completion.Reject, c.Snapshot().Tone)

	ch, ok := c.Submit(context.Background(), completion.Demanding)
	require.True(t, ok)
	assert.ErrorIs(t, c.SetTone(context.Background(), completion.Accept), ErrBusy)

	close(client.release)
	out := wait(t, ch)
	c.Wait()
	assert.Equal(t, completion.Reject, out.Request.Tone)

	tmpl, _ := completion.TemplatesFor("nb")
	assert.Contains(t, client.calls()[0], tmpl.RejectQualifier)
	require.NoError(t, c.SetTone(context.Background(), completion.Accept))
}

func TestRequestTimeout(t *testing.T) {
	client := newGatedClient("never", nil)
	c, _, _ := setup(t, client)
	c.opts.Timeout = 20 * time.Millisecond

	ch, ok := c.Submit(context.Background(), completion.Formal)
	require.True(t, ok)
	out := wait(t, ch)
	c.Wait()
	close(client.release)

	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.Equal(t, Idle, c.State())
}

func TestRedrawFollowsState(t *testing.T) {
	client := newGatedClient("Reply body", nil)
	c, _, _ := setup(t, client)

	var mu sync.Mutex
	var drawn []State
	c.opts.Redraw = func(ctx context.Context, s Snapshot) error {
		mu.Lock()
		drawn = append(drawn, s.State)
		mu.Unlock()
		return nil
	}

	ch, ok := c.Submit(context.Background(), completion.Formal)
	require.True(t, ok)
	close(client.release)
	wait(t, ch)
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{InFlight, Idle}, drawn)
}
