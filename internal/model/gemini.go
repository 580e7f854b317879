package model

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// Gemini calls the Gemini API through the genai SDK.
type Gemini struct {
	client *genai.Client
	cfg    Config
}

func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key not set")
	}
	if cfg.Name == "" {
		cfg.Name = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

func (g *Gemini) Generate(ctx context.Context, req Request) (*Response, error) {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}
	genCfg := &genai.GenerateContentConfig{Temperature: g.cfg.Temperature}
	if g.cfg.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(g.cfg.MaxTokens)
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Name, genai.Text(req.Prompt), genCfg)
	if err != nil {
		if ctx.Err() == nil && looksRateLimited(err) {
			return nil, &RateLimitError{Provider: ProviderGemini, Err: err}
		}
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	out := &Response{Text: resp.Text()}
	if u := resp.UsageMetadata; u != nil {
		out.PromptTokens = int(u.PromptTokenCount)
		out.CompletionTokens = int(u.CandidatesTokenCount)
	}
	return out, nil
}
