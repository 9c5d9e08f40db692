package perception

import (
	"context"
	"fmt"

	"freelab/internal/config"
	"freelab/internal/logging"
)

// NewBackend builds the backend selected by cfg.LLM.Provider, bounded by
// cfg.LLM.MaxConcurrentCalls.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	var (
		b   Backend
		err error
	)

	switch Provider(cfg.LLM.Provider) {
	case ProviderOpenAI:
		b = NewOpenAIClient(OpenAIConfig{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Timeout:     cfg.GetLLMTimeout(),
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		})
	case ProviderGemini:
		// The OpenAI defaults make no sense for genai.
		def := config.DefaultConfig().LLM
		base, model := cfg.LLM.BaseURL, cfg.LLM.Model
		if base == def.BaseURL {
			base = ""
		}
		if model == def.Model {
			model = ""
		}
		b, err = NewGeminiClient(ctx, GeminiConfig{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     base,
			Model:       model,
			Timeout:     cfg.GetLLMTimeout(),
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
	case ProviderScripted:
		reply := cfg.LLM.ScriptedReply
		if reply == "" {
			reply = `{"environment":[],"tools":{},"uiEvents":[]}`
		}
		b = NewScriptedBackend(Reply(reply, 0, 0))
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrNotConfigured, cfg.LLM.Provider)
	}

	logging.Perception("backend ready: provider=%s model=%s max_concurrent=%d",
		cfg.LLM.Provider, cfg.LLM.Model, cfg.LLM.MaxConcurrentCalls)
	return WithConcurrencyLimit(b, cfg.LLM.MaxConcurrentCalls), nil
}
