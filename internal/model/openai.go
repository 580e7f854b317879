package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/sashabaranov/go-openai"
)

// OpenAI calls any OpenAI-compatible chat completions endpoint, including the
// local gateway.
type OpenAI struct {
	client *openai.Client
	cfg    Config
}

func NewOpenAI(cfg Config) (*OpenAI, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai: API key not set")
	}
	if cfg.Name == "" {
		cfg.Name = "gpt-4o-mini"
	}
	oc := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(oc), cfg: cfg}, nil
}

func (o *OpenAI) Generate(ctx context.Context, req Request) (*Response, error) {
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}
	chat := openai.ChatCompletionRequest{
		Model: o.cfg.Name,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You are an experienced Linux kernel developer."},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if o.cfg.Temperature != nil {
		chat.Temperature = *o.cfg.Temperature
	}
	if o.cfg.MaxTokens > 0 {
		chat.MaxCompletionTokens = o.cfg.MaxTokens
	}
	resp, err := o.client.CreateChatCompletion(ctx, chat)
	if err != nil {
		if isOpenAIRateLimit(err) {
			return nil, &RateLimitError{Provider: ProviderOpenAI, Err: err}
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}
	return &Response{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func isOpenAIRateLimit(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}
