// Package model talks to the language model that writes and repairs driver
// sources.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

var (
	// ErrNoSource means the response held nothing that looks like C source.
	ErrNoSource = errors.New("no source in model response")
	// ErrRateLimited matches any *RateLimitError.
	ErrRateLimited = errors.New("rate limited")
)

// RateLimitError is returned by providers when the API asks the caller to
// slow down. RetryAfter is zero when the API gave no hint.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited: %v", e.Provider, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

type Request struct {
	Prompt string
	// TaskID and Iteration label logs and metrics only.
	TaskID    string
	Iteration int
}

type Response struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Generator produces a completion for a prompt. Implementations must honor
// ctx cancellation.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Config selects and tunes a provider.
type Config struct {
	Provider    string
	Name        string
	APIKey      string
	BaseURL     string
	Temperature *float32
	MaxTokens   int
	// Timeout bounds a single call. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// New builds the provider named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Generator, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderGemini:
		return NewGemini(ctx, cfg)
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

// looksRateLimited classifies provider errors that only carry the status in
// their text.
func looksRateLimited(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, p := range []string{"429", "resource_exhausted", "rate limit", "too many requests", "quota"} {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
