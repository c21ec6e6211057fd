package completion

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiClient sends prompts to Google's Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

// GeminiOption customises the underlying GenAI client config.
type GeminiOption func(*genai.ClientConfig)

// WithGeminiBaseURL points the client at another Gemini API endpoint.
func WithGeminiBaseURL(url string) GeminiOption {
	return func(c *genai.ClientConfig) { c.HTTPOptions.BaseURL = url }
}

// NewGeminiClient creates a Gemini backend. best_of has no Gemini
// counterpart; a single candidate is always requested.
func NewGeminiClient(ctx context.Context, apiKey, model string, params Params, opts ...GeminiOption) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(cc)
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{
		client: client,
		model:  model,
		config: geminiConfig(params),
	}, nil
}

func geminiConfig(p Params) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		MaxOutputTokens:  int32(p.MaxTokens),
		Temperature:      f32(p.Temperature),
		TopP:             f32(p.TopP),
		FrequencyPenalty: f32(p.FrequencyPenalty),
		PresencePenalty:  f32(p.PresencePenalty),
		CandidateCount:   1,
	}
}

func f32(v float64) *float32 {
	f := float32(v)
	return &f
}

func (g *GeminiClient) Backend() string { return "gemini" }

// Complete returns the text of the first candidate.
func (g *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, g.config)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrNoChoices
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return b.String(), nil
}
