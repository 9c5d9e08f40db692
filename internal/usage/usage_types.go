package usage

import (
	"context"
	"fmt"
	"math"
	"time"
)

// MicroUSDPerCent converts quota cents to the micro-USD unit counters use.
const MicroUSDPerCent int64 = 10_000

// Counter is one classroom's usage for one month.
type Counter struct {
	Requests     int64 `json:"requests"`
	TokensIn     int64 `json:"tokensIn"`
	TokensOut    int64 `json:"tokensOut"`
	CostMicroUSD int64 `json:"costMicroUSD"`
}

// Add accumulates d into c.
func (c *Counter) Add(d Counter) {
	c.Requests += d.Requests
	c.TokensIn += d.TokensIn
	c.TokensOut += d.TokensOut
	c.CostMicroUSD += d.CostMicroUSD
}

// Admission is the result of a quota check, with the snapshot it was based on.
type Admission struct {
	Allowed       bool    `json:"allowed"`
	Usage         Counter `json:"usage"`
	QuotaMicroUSD int64   `json:"quotaMicroUSD"`
	Month         string  `json:"month"`
}

// Pricing is the per-token price of the generative backend.
type Pricing struct {
	InputMicroUSDPerToken  float64 `json:"inputMicroUSDPerToken" yaml:"input_micro_usd_per_token"`
	OutputMicroUSDPerToken float64 `json:"outputMicroUSDPerToken" yaml:"output_micro_usd_per_token"`
}

// Cost prices one call in micro-USD, rounded to the nearest unit and never
// negative.
func (p Pricing) Cost(tokensIn, tokensOut int) int64 {
	c := float64(tokensIn)*p.InputMicroUSDPerToken + float64(tokensOut)*p.OutputMicroUSDPerToken
	if math.IsNaN(c) || c <= 0 {
		return 0
	}
	return int64(math.Round(c))
}

// MonthKey is the UTC calendar month ("2006-01") counters are bucketed by.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// CounterStore persists usage counters keyed by (classroom, month).
type CounterStore interface {
	// Get returns the zero Counter when no row exists.
	Get(ctx context.Context, classroomID, month string) (Counter, error)
	// Increment adds delta atomically, creating the row if needed, and
	// returns the updated counter.
	Increment(ctx context.Context, classroomID, month string, delta Counter) (Counter, error)
}

// QuotaStore reads per-classroom quotas.
type QuotaStore interface {
	// QuotaCents returns ok=false when the classroom has no explicit quota.
	QuotaCents(ctx context.Context, classroomID string) (cents int64, ok bool, err error)
}

// MeteringError reports a failed read or write of usage state.
type MeteringError struct {
	Op          string
	ClassroomID string
	Month       string
	Err         error
}

func (e *MeteringError) Error() string {
	return fmt.Sprintf("usage %s for classroom %s (%s): %v", e.Op, e.ClassroomID, e.Month, e.Err)
}

func (e *MeteringError) Unwrap() error { return e.Err }
