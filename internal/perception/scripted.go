package perception

import (
	"context"
	"sync"
)

// ScriptedReply is one canned backend outcome.
type ScriptedReply struct {
	Completion Completion
	Err        error
}

// Call records one request made to a ScriptedBackend.
type Call struct {
	System string
	User   string
}

// ScriptedBackend replays canned replies in order, repeating the last one
// once the script runs out. It backs tests and offline runs.
type ScriptedBackend struct {
	mu      sync.Mutex
	replies []ScriptedReply
	calls   []Call
}

// NewScriptedBackend returns a backend that answers with replies in order.
func NewScriptedBackend(replies ...ScriptedReply) *ScriptedBackend {
	return &ScriptedBackend{replies: replies}
}

// Reply is shorthand for a successful scripted completion.
func Reply(text string, tokensIn, tokensOut int) ScriptedReply {
	return ScriptedReply{Completion: Completion{Text: text, TokensIn: tokensIn, TokensOut: tokensOut, Model: "scripted"}}
}

// Fail is shorthand for a scripted failure.
func Fail(err error) ScriptedReply {
	return ScriptedReply{Err: &BackendError{Provider: ProviderScripted, Err: err}}
}

func (s *ScriptedBackend) Complete(ctx context.Context, systemPrompt, userPrompt string) (Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{System: systemPrompt, User: userPrompt})

	if err := ctx.Err(); err != nil {
		return Completion{}, &BackendError{Provider: ProviderScripted, Err: contextError(ctx, err)}
	}
	if len(s.replies) == 0 {
		return Completion{}, &BackendError{Provider: ProviderScripted, Err: ErrEmptyCompletion}
	}
	i := len(s.calls) - 1
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	r := s.replies[i]
	return r.Completion, r.Err
}

// Calls returns the requests seen so far.
func (s *ScriptedBackend) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}
