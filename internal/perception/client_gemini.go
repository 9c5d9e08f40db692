package perception

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/genai"

	"freelab/internal/logging"
)

// GeminiConfig holds configuration for the Gemini backend.
type GeminiConfig struct {
	APIKey      string
	BaseURL     string // optional endpoint override
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiClient calls Models.GenerateContent through the genai SDK.
type GeminiClient struct {
	cfg    GeminiConfig
	client *genai.Client
}

// NewGeminiClient creates a Gemini backend.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, &BackendError{Provider: ProviderGemini, Err: fmt.Errorf("%w: API key not set", ErrNotConfigured)}
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiClient{cfg: cfg, client: client}, nil
}

// Complete asks for a JSON response to userPrompt under systemPrompt.
func (c *GeminiClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (Completion, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	logging.PerceptionDebug("[Gemini] Complete: model=%s system_len=%d user_len=%d", c.cfg.Model, len(systemPrompt), len(userPrompt))

	gc := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(float32(c.cfg.Temperature)),
		ResponseMIMEType:  "application/json",
	}
	if c.cfg.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(min(c.cfg.MaxTokens, math.MaxInt32))
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.Model, genai.Text(userPrompt), gc)
	if err != nil {
		if apiErr, ok := asAPIError(err); ok {
			logging.PerceptionWarn("[Gemini] Complete: status %d after %v", apiErr.Code, time.Since(start))
			return Completion{}, &BackendError{
				Provider:   ProviderGemini,
				StatusCode: apiErr.Code,
				Err:        fmt.Errorf("%w: %s", classifyStatus(apiErr.Code), apiErr.Message),
			}
		}
		return Completion{}, &BackendError{Provider: ProviderGemini, Err: contextError(ctx, err)}
	}

	text := resp.Text()
	if text == "" {
		return Completion{}, &BackendError{Provider: ProviderGemini, Err: ErrEmptyCompletion}
	}

	comp := Completion{Text: text, Model: c.cfg.Model}
	if um := resp.UsageMetadata; um != nil {
		comp.TokensIn = int(um.PromptTokenCount)
		comp.TokensOut = int(um.CandidatesTokenCount)
	}
	logging.Perception("[Gemini] Complete: %v in=%d out=%d", time.Since(start), comp.TokensIn, comp.TokensOut)
	return comp, nil
}

// asAPIError finds a genai.APIError in err whether it was wrapped by value or
// by pointer.
func asAPIError(err error) (genai.APIError, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return *p, true
	}
	return genai.APIError{}, false
}
