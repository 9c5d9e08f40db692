// Package perception adapts generative backends to the single call the step
// engine makes: one system prompt plus one user prompt in, one completion
// with its token usage out. Calls are made exactly once; retrying is the
// caller's decision because every attempt is billed.
package perception

import (
	"context"
	"errors"
	"fmt"
)

// Provider names a backend implementation.
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderGemini   Provider = "gemini"
	ProviderScripted Provider = "scripted"
)

// ValidProviders lists the accepted provider names.
var ValidProviders = []Provider{ProviderOpenAI, ProviderGemini, ProviderScripted}

// Completion is one backend reply. Token counts are as reported by the
// provider and are what metering charges.
type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
	Model     string
}

// Backend produces a completion for a system/user prompt pair.
type Backend interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (Completion, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, systemPrompt, userPrompt string) (Completion, error)

func (f BackendFunc) Complete(ctx context.Context, systemPrompt, userPrompt string) (Completion, error) {
	return f(ctx, systemPrompt, userPrompt)
}

var (
	ErrNotConfigured   = errors.New("backend not configured")
	ErrUnauthorized    = errors.New("backend rejected credentials")
	ErrRateLimited     = errors.New("backend rate limited")
	ErrUnavailable     = errors.New("backend unavailable")
	ErrTimeout         = errors.New("backend call timed out")
	ErrEmptyCompletion = errors.New("backend returned no completion")
)

// BackendError wraps a failed call with the provider and HTTP status, when
// one was received.
type BackendError struct {
	Provider   Provider
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s backend (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s backend: %v", e.Provider, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// classifyStatus maps an HTTP status to a sentinel.
func classifyStatus(status int) error {
	switch {
	case status == 401 || status == 403:
		return ErrUnauthorized
	case status == 429:
		return ErrRateLimited
	case status == 408 || status == 504:
		return ErrTimeout
	default:
		return ErrUnavailable
	}
}

// contextError maps a context failure to ErrTimeout where it applies.
func contextError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
