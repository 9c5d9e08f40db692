package perception

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limited bounds the number of in-flight calls to a backend.
type Limited struct {
	next Backend
	sem  *semaphore.Weighted
}

// WithConcurrencyLimit wraps b so that at most n calls run at once. n <= 0
// returns b unchanged.
func WithConcurrencyLimit(b Backend, n int) Backend {
	if n <= 0 {
		return b
	}
	return &Limited{next: b, sem: semaphore.NewWeighted(int64(n))}
}

func (l *Limited) Complete(ctx context.Context, systemPrompt, userPrompt string) (Completion, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return Completion{}, &BackendError{Provider: "limiter", Err: contextError(ctx, err)}
	}
	defer l.sem.Release(1)
	return l.next.Complete(ctx, systemPrompt, userPrompt)
}
