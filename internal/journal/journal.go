// Package journal archives completed simulation steps. Each successful step
// produces one Entry; stores only append.
package journal

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"freelab/internal/lab"
)

// Entry is one archived step.
type Entry struct {
	StepID       string           `json:"stepId"`
	ClassroomID  string           `json:"classroomId"`
	UserID       string           `json:"userId"`
	Time         time.Time        `json:"time"`
	Model        string           `json:"model,omitempty"`
	TokensIn     int              `json:"tokensIn"`
	TokensOut    int              `json:"tokensOut"`
	CostMicroUSD int64            `json:"costMicroUSD"`
	Record       lab.ActionRecord `json:"record"`
	UIEvents     []lab.UIEvent    `json:"uiEvents"`
	Dropped      []string         `json:"droppedReferences,omitempty"`
}

// NewStepID returns a fresh step identifier.
func NewStepID() string {
	return uuid.NewString()
}

// Store appends entries somewhere durable.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Close() error
}

// Nop discards entries.
type Nop struct{}

func (Nop) Append(context.Context, Entry) error { return nil }
func (Nop) Close() error                        { return nil }

// segment makes an identifier safe to use as one path element.
func segment(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("empty identifier")
	}
	s := url.PathEscape(id)
	if s == "." || s == ".." {
		s = strings.ReplaceAll(s, ".", "%2E")
	}
	return s, nil
}

func monthOf(e Entry) string {
	return e.Time.UTC().Format("2006-01")
}

func validate(e Entry) error {
	if e.StepID == "" {
		return fmt.Errorf("journal entry missing step id")
	}
	if e.Time.IsZero() {
		return fmt.Errorf("journal entry %s missing time", e.StepID)
	}
	return nil
}
