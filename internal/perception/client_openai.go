package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"freelab/internal/logging"
)

// OpenAIConfig holds configuration for an OpenAI-compatible backend.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// DefaultOpenAIConfig returns the defaults for the public OpenAI API.
func DefaultOpenAIConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		APIKey:      apiKey,
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o-mini",
		Timeout:     60 * time.Second,
		Temperature: 0.2,
		MaxTokens:   2048,
	}
}

// OpenAIClient calls /chat/completions on any OpenAI-compatible endpoint.
type OpenAIClient struct {
	cfg        OpenAIConfig
	httpClient *http.Client
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	Temperature    float64               `json:"temperature"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAIClient creates a client; zero fields of cfg take their defaults.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	def := DefaultOpenAIConfig(cfg.APIKey)
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &OpenAIClient{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
}

func (c *OpenAIClient) fail(status int, err error) error {
	return &BackendError{Provider: ProviderOpenAI, StatusCode: status, Err: err}
}

// Complete sends one chat completion request in JSON mode.
func (c *OpenAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (Completion, error) {
	if c.cfg.APIKey == "" {
		return Completion{}, c.fail(0, fmt.Errorf("%w: API key not set", ErrNotConfigured))
	}

	// Apply the configured timeout when the caller set no deadline.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	logging.PerceptionDebug("[OpenAI] Complete: model=%s system_len=%d user_len=%d", c.cfg.Model, len(systemPrompt), len(userPrompt))

	body, err := json.Marshal(openAIRequest{
		Model: c.cfg.Model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    c.cfg.Temperature,
		MaxTokens:      c.cfg.MaxTokens,
		ResponseFormat: &openAIResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Completion{}, c.fail(0, contextError(ctx, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Completion{}, c.fail(resp.StatusCode, contextError(ctx, err))
	}

	if resp.StatusCode != http.StatusOK {
		logging.PerceptionWarn("[OpenAI] Complete: status %d after %v", resp.StatusCode, time.Since(start))
		return Completion{}, c.fail(resp.StatusCode, fmt.Errorf("%w: %s", classifyStatus(resp.StatusCode), truncate(string(data), 512)))
	}

	var out openAIResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Completion{}, c.fail(resp.StatusCode, fmt.Errorf("%w: unreadable response: %v", ErrUnavailable, err))
	}
	if out.Error != nil {
		return Completion{}, c.fail(resp.StatusCode, fmt.Errorf("%w: %s", ErrUnavailable, out.Error.Message))
	}
	if len(out.Choices) == 0 {
		return Completion{}, c.fail(resp.StatusCode, ErrEmptyCompletion)
	}

	model := out.Model
	if model == "" {
		model = c.cfg.Model
	}
	comp := Completion{
		Text:      out.Choices[0].Message.Content,
		TokensIn:  out.Usage.PromptTokens,
		TokensOut: out.Usage.CompletionTokens,
		Model:     model,
	}
	logging.Perception("[OpenAI] Complete: %v in=%d out=%d", time.Since(start), comp.TokensIn, comp.TokensOut)
	return comp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
