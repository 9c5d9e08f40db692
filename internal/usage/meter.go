// Package usage meters generative spend per classroom and month and decides
// whether a classroom may start another step.
//
// Admission and recording are separate operations. Concurrent steps admitted
// against the same snapshot can together overshoot the quota by at most the
// cost of the steps in flight; the write itself is a single atomic increment,
// so no spend is lost or counted twice.
package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"freelab/internal/logging"
)

// Meter checks and records usage against per-classroom quotas.
type Meter struct {
	counters CounterStore
	quotas   QuotaStore

	mu      sync.RWMutex
	pricing Pricing

	defaultQuotaCents atomic.Int64
	now               func() time.Time
}

// MeterOption customizes a Meter.
type MeterOption func(*Meter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MeterOption {
	return func(m *Meter) { m.now = now }
}

// NewMeter creates a meter. quotas may be nil, in which case every
// classroom gets defaultQuotaCents.
func NewMeter(counters CounterStore, quotas QuotaStore, pricing Pricing, defaultQuotaCents int64, opts ...MeterOption) *Meter {
	m := &Meter{
		counters: counters,
		quotas:   quotas,
		pricing:  pricing,
		now:      time.Now,
	}
	m.defaultQuotaCents.Store(defaultQuotaCents)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetPricing swaps the price table. Steps already past admission keep the
// price they read at record time.
func (m *Meter) SetPricing(p Pricing) {
	m.mu.Lock()
	m.pricing = p
	m.mu.Unlock()
}

func (m *Meter) Pricing() Pricing {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pricing
}

// SetDefaultQuotaCents changes the quota used for classrooms without one.
func (m *Meter) SetDefaultQuotaCents(cents int64) {
	m.defaultQuotaCents.Store(cents)
}

// Month returns the current month key.
func (m *Meter) Month() string {
	return MonthKey(m.now())
}

// QuotaMicroUSD resolves the classroom's quota.
func (m *Meter) QuotaMicroUSD(ctx context.Context, classroomID string) (int64, error) {
	cents := m.defaultQuotaCents.Load()
	if m.quotas != nil {
		c, ok, err := m.quotas.QuotaCents(ctx, classroomID)
		if err != nil {
			return 0, err
		}
		if ok {
			cents = c
		}
	}
	return cents * MicroUSDPerCent, nil
}

// Admit reports whether classroomID is under quota for the current month.
// It only reads.
func (m *Meter) Admit(ctx context.Context, classroomID string) (Admission, error) {
	month := m.Month()

	quota, err := m.QuotaMicroUSD(ctx, classroomID)
	if err != nil {
		return Admission{}, &MeteringError{Op: "read quota", ClassroomID: classroomID, Month: month, Err: err}
	}
	usage, err := m.counters.Get(ctx, classroomID, month)
	if err != nil {
		return Admission{}, &MeteringError{Op: "read usage", ClassroomID: classroomID, Month: month, Err: err}
	}

	adm := Admission{
		Allowed:       usage.CostMicroUSD < quota,
		Usage:         usage,
		QuotaMicroUSD: quota,
		Month:         month,
	}
	if !adm.Allowed {
		logging.QuotaWarn("classroom %s over quota for %s: %d >= %d micro-USD", classroomID, month, usage.CostMicroUSD, quota)
	}
	return adm, nil
}

// Record prices one call and adds it to the current month's counter,
// returning the updated counter and the cost charged. Negative token counts
// are recorded as zero so a counter never moves backwards.
func (m *Meter) Record(ctx context.Context, classroomID string, tokensIn, tokensOut int) (Counter, int64, error) {
	month := m.Month()
	tokensIn, tokensOut = max(tokensIn, 0), max(tokensOut, 0)
	cost := m.Pricing().Cost(tokensIn, tokensOut)

	delta := Counter{
		Requests:     1,
		TokensIn:     int64(tokensIn),
		TokensOut:    int64(tokensOut),
		CostMicroUSD: cost,
	}
	updated, err := m.counters.Increment(ctx, classroomID, month, delta)
	if err != nil {
		return Counter{}, cost, &MeteringError{Op: "record", ClassroomID: classroomID, Month: month, Err: err}
	}
	logging.QuotaDebug("classroom %s %s: +%d micro-USD (in=%d out=%d), total %d",
		classroomID, month, cost, tokensIn, tokensOut, updated.CostMicroUSD)
	return updated, cost, nil
}
