package lm

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPModel talks to a completions-style HTTP endpoint. Any backend that
// accepts {model, prompt, temperature, top_p, max_tokens, stop} and answers
// {choices: [{text}]} works; the core never depends on a model family.
type HTTPModel struct {
	client *resty.Client
}

type completionBody struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewHTTPModel builds a client for baseURL. apiKey may be empty for local
// backends.
func NewHTTPModel(baseURL, apiKey string, timeout time.Duration) *HTTPModel {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &HTTPModel{client: c}
}

// Complete implements LanguageModel.
func (m *HTTPModel) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	var out completionResponse

	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(completionBody{
			Model:       req.Model,
			Prompt:      req.Prompt,
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
			Stop:        req.Stop,
		}).
		SetResult(&out).
		Post("/v1/completions")
	if err != nil {
		return "", fmt.Errorf("lm request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("lm request: status %s", resp.Status())
	}
	if out.Error != nil {
		return "", fmt.Errorf("lm request: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("lm request: empty choices")
	}
	return out.Choices[0].Text, nil
}
