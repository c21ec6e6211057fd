// Package completion composes reply prompts and sends them to a remote text
// completion service.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoChoices is returned when the service answers without any candidate.
var ErrNoChoices = errors.New("completion: response has no choices")

// Params are the fixed generation parameters sent with every prompt.
type Params struct {
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
	TopP             float64 `yaml:"top_p"`
	FrequencyPenalty float64 `yaml:"frequency_penalty"`
	PresencePenalty  float64 `yaml:"presence_penalty"`
	BestOf           int     `yaml:"best_of"`
}

// DefaultParams mirrors the reference request.
func DefaultParams() Params {
	return Params{
		MaxTokens:   400,
		Temperature: 0.7,
		TopP:        1,
		BestOf:      1,
	}
}

// Client turns a prompt into generated text. Implementations do not retry.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Backend() string
}

// DefaultOpenAIEndpoint is the legacy completions endpoint.
const DefaultOpenAIEndpoint = "https://api.openai.com/v1/completions"

// OpenAIClient speaks the OpenAI completions wire format.
type OpenAIClient struct {
	endpoint string
	apiKey   string
	model    string
	params   Params
	http     *http.Client
}

// OpenAIOption customises an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithHTTPClient replaces the transport, e.g. in tests.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAIClient) { o.http = c }
}

// WithModel adds a model field to the body; engine-scoped endpoints omit it.
func WithModel(model string) OpenAIOption {
	return func(o *OpenAIClient) { o.model = model }
}

// NewOpenAIClient builds a client. A zero timeout means requests are only
// bounded by the caller's context.
func NewOpenAIClient(endpoint, apiKey string, params Params, timeout time.Duration, opts ...OpenAIOption) *OpenAIClient {
	if endpoint == "" {
		endpoint = DefaultOpenAIEndpoint
	}
	c := &OpenAIClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		params:   params,
		http:     &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *OpenAIClient) Backend() string { return "openai" }

type openAIRequest struct {
	Model            string  `json:"model,omitempty"`
	Prompt           string  `json:"prompt"`
	MaxTokens        int     `json:"max_tokens"`
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
	BestOf           int     `json:"best_of"`
}

type openAIResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("completion: service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("completion: service returned %d: %s", e.StatusCode, e.Message)
}

// Complete posts the prompt and returns choices[0].text.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(openAIRequest{
		Model:            c.model,
		Prompt:           prompt,
		MaxTokens:        c.params.MaxTokens,
		Temperature:      c.params.Temperature,
		TopP:             c.params.TopP,
		FrequencyPenalty: c.params.FrequencyPenalty,
		PresencePenalty:  c.params.PresencePenalty,
		BestOf:           c.params.BestOf,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("post completion: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out openAIResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		if decodeErr == nil && out.Error != nil {
			se.Message = out.Error.Message
		} else {
			se.Message = strings.TrimSpace(string(raw))
		}
		return "", se
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode response: %w", decodeErr)
	}
	if len(out.Choices) == 0 {
		return "", ErrNoChoices
	}
	return out.Choices[0].Text, nil
}
