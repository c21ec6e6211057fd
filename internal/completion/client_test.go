package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIClientSendsParamsAndReturnsFirstChoice(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"text":"Reply body"},{"text":"ignored"}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "sk-test", DefaultParams(), 0)
	text, err := c.Complete(context.Background(), "P")
	require.NoError(t, err)
	assert.Equal(t, "Reply body", text)
	assert.Equal(t, "Bearer sk-test", auth)

	assert.Equal(t, "P", got["prompt"])
	assert.Equal(t, float64(400), got["max_tokens"])
	assert.Equal(t, 0.7, got["temperature"])
	assert.Equal(t, float64(1), got["top_p"])
	assert.Equal(t, float64(0), got["frequency_penalty"])
	assert.Equal(t, float64(0), got["presence_penalty"])
	assert.Equal(t, float64(1), got["best_of"])
	_, hasModel := got["model"]
	assert.False(t, hasModel)
}

func TestOpenAIClientModelOption(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"choices":[{"text":"ok"}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "k", DefaultParams(), 0, WithModel("gpt-3.5-turbo-instruct"))
	_, err := c.Complete(context.Background(), "P")
	require.NoError(t, err)
	assert.Equal(t, "gpt-3.5-turbo-instruct", got["model"])
}

func TestOpenAIClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "empty choices",
			status: http.StatusOK,
			body:   `{"choices":[]}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNoChoices)
			},
		},
		{
			name:   "provider error message",
			status: http.StatusUnauthorized,
			body:   `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`,
			check: func(t *testing.T, err error) {
				var se *StatusError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
				assert.Equal(t, "Incorrect API key provided", se.Message)
			},
		},
		{
			name:   "plain text failure",
			status: http.StatusBadGateway,
			body:   "upstream down\n",
			check: func(t *testing.T, err error) {
				var se *StatusError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, "upstream down", se.Message)
			},
		},
		{
			name:   "undecodable success",
			status: http.StatusOK,
			body:   "not json",
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "decode response")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewOpenAIClient(srv.URL, "k", DefaultParams(), 0).Complete(context.Background(), "P")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestOpenAIClientHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewOpenAIClient(srv.URL, "k", DefaultParams(), 0).Complete(ctx, "P")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
