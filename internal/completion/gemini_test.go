package completion

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeminiClientReturnsFirstCandidateText(t *testing.T) {
	var (
		path, key string
		got       map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.Header.Get("x-goog-api-key")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[
			{"content":{"role":"model","parts":[{"text":"Hei Kari, "},{"text":"det passer."}]}},
			{"content":{"role":"model","parts":[{"text":"ignored"}]}}
		]}`)
	}))
	defer srv.Close()

	c, err := NewGeminiClient(context.Background(), "g-test", "", DefaultParams(), WithGeminiBaseURL(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "gemini", c.Backend())

	text, err := c.Complete(context.Background(), "P")
	require.NoError(t, err)
	assert.Equal(t, "Hei Kari, det passer.", text)
	assert.True(t, strings.HasSuffix(path, "/models/gemini-2.5-flash:generateContent"), path)
	assert.Equal(t, "g-test", key)

	contents, ok := got["contents"].([]any)
	require.True(t, ok, "request has no contents: %v", got)
	require.Len(t, contents, 1)
	assert.Contains(t, mustJSON(t, contents[0]), `"text":"P"`)
	assert.Contains(t, mustJSON(t, got["generationConfig"]), `"maxOutputTokens":400`)
}

func TestGeminiClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"no candidates", http.StatusOK, `{"candidates":[]}`, ErrNoChoices.Error()},
		{"server error", http.StatusInternalServerError, `{"error":{"code":500,"message":"boom","status":"INTERNAL"}}`, "gemini generate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c, err := NewGeminiClient(context.Background(), "g-test", "gemini-test", DefaultParams(), WithGeminiBaseURL(srv.URL))
			require.NoError(t, err)
			_, err = c.Complete(context.Background(), "P")
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestGeminiClientRequiresKey(t *testing.T) {
	_, err := NewGeminiClient(context.Background(), "", "", DefaultParams())
	assert.Error(t, err)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}
