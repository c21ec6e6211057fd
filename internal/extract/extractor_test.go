package extract

import (
	"context"
	"errors"
	"testing"

	"replyassist/internal/dom"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		marker string
		want   string
	}{
		{"quoted reply cut", "Hello there\n\nFra: someone ...", "Fra: ", "Hello there "},
		{"no marker present", "Hi,\nsee attached.", "Fra: ", "Hi,\nsee attached."},
		{"only first blank line collapsed", "a\n\nb\n\nc", "Fra: ", "a b\n\nc"},
		{"first marker wins", "top Fra: x Fra: y", "Fra: ", "top "},
		{"empty marker disables cut", "keep Fra: all", "", "keep Fra: all"},
		{"marker at start", "Fra: a@b", "Fra: ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.text, tt.marker))
		})
	}
}

func newExtractor(doc dom.Document, out *Latest) *Extractor {
	return NewExtractor(doc, Selectors{Container: ".adn", Message: ".ii"}, "Fra: ", out, nil, nil)
}

func TestProbeNotRendered(t *testing.T) {
	doc := dom.NewMemory()
	var out Latest
	out.Set("previous")
	e := newExtractor(doc, &out)

	ok, err := e.Probe(context.Background(), "#inbox")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "previous", out.Get(), "content unchanged when the probe fails")

	doc.SetThread() // container present, zero messages
	ok, err = e.Probe(context.Background(), "#inbox")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "previous", out.Get())
}

func TestProbeCapturesLatestMessage(t *testing.T) {
	doc := dom.NewMemory()
	doc.SetThread("Can we meet Tuesday?\n\nFra: Kari <kari@example.com>\nold stuff", "older message")

	var out Latest
	var captured []string
	e := NewExtractor(doc, Selectors{Container: ".adn", Message: ".ii"}, "Fra: ", &out, nil,
		func(s string) { captured = append(captured, s) })

	ok, err := e.Probe(context.Background(), "#inbox")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Can we meet Tuesday? ", out.Get())
	assert.Equal(t, []string{"Can we meet Tuesday? "}, captured)
	assert.Equal(t, uint64(1), out.Version())
}

func TestProbeEmptyMessageStillSucceeds(t *testing.T) {
	doc := dom.NewMemory()
	doc.SetThread("")
	var out Latest
	e := newExtractor(doc, &out)

	ok, err := e.Probe(context.Background(), "#inbox")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "", out.Get())
	assert.Equal(t, uint64(1), out.Version())
}

type failingDoc struct{ dom.Document }

func (failingDoc) LatestMessageText(context.Context, string, string) (string, bool, error) {
	return "", false, errors.New("execution context destroyed")
}

func TestProbePropagatesDocumentErrors(t *testing.T) {
	var out Latest
	e := newExtractor(failingDoc{}, &out)
	ok, err := e.Probe(context.Background(), "#inbox")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), out.Version())
}
