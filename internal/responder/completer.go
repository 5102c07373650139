package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/switchboard/internal/metrics"
)

// ChatMessage is one turn of a chat-completion prompt.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer produces a completion for a chat prompt.
type Completer interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, messages []ChatMessage) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	return f(ctx, messages)
}

// HTTPCompleter calls an OpenAI-compatible chat completions endpoint.
type HTTPCompleter struct {
	url         string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
	metrics     *metrics.Metrics
}

// HTTPOpts holds parameters for creating an HTTPCompleter.
type HTTPOpts struct {
	// Endpoint is the API base URL, e.g. https://api.openai.com/v1. A URL
	// already ending in /chat/completions is used as is.
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	// Metrics receives token usage when the endpoint reports it. Optional.
	Metrics *metrics.Metrics
	// For testing: inject an HTTP client.
	Client *http.Client
}

// NewHTTPCompleter creates an HTTPCompleter.
func NewHTTPCompleter(opts HTTPOpts) (*HTTPCompleter, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("responder: endpoint is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("responder: model is required")
	}
	url := strings.TrimRight(opts.Endpoint, "/")
	if !strings.HasSuffix(url, "/chat/completions") {
		url += "/chat/completions"
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPCompleter{
		url:         url,
		apiKey:      opts.APIKey,
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		client:      client,
		metrics:     opts.Metrics,
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete posts messages and returns the first choice's content.
func (c *HTTPCompleter) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("responder: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("responder: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("responder: post completion: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("responder: read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("responder: completion status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("responder: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil && parsed.Error.Message != "" {
			return "", fmt.Errorf("responder: completion status %d: %s", resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("responder: completion status %d", resp.StatusCode)
	}
	if parsed.Usage != nil {
		c.metrics.RecordTokens(parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("responder: completion returned no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
