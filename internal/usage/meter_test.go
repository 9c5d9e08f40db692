package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = func() time.Time { return time.Date(2024, 3, 31, 23, 30, 0, 0, time.UTC) }

func TestMonthKeyUsesUTC(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	// 2024-03-31 22:00 EST is already April in UTC.
	assert.Equal(t, "2024-04", MonthKey(time.Date(2024, 3, 31, 22, 0, 0, 0, est)))
	assert.Equal(t, "2024-03", MonthKey(fixedNow()))
}

func TestPricingCost(t *testing.T) {
	p := Pricing{InputMicroUSDPerToken: 0.15, OutputMicroUSDPerToken: 0.6}
	assert.Equal(t, int64(210), p.Cost(1000, 100))
	assert.Equal(t, int64(0), p.Cost(0, 0))
	assert.Equal(t, int64(0), Pricing{InputMicroUSDPerToken: -1}.Cost(100, 0))
}

func TestAdmit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewMeter(store, store, Pricing{InputMicroUSDPerToken: 1}, 1, WithClock(fixedNow))

	adm, err := m.Admit(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, adm.Allowed)
	assert.Equal(t, int64(10_000), adm.QuotaMicroUSD)
	assert.Equal(t, "2024-03", adm.Month)

	_, err = store.Increment(ctx, "c1", "2024-03", Counter{CostMicroUSD: 9_999})
	require.NoError(t, err)
	adm, err = m.Admit(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, adm.Allowed)

	_, err = store.Increment(ctx, "c1", "2024-03", Counter{CostMicroUSD: 1})
	require.NoError(t, err)
	adm, err = m.Admit(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, adm.Allowed)
	assert.Equal(t, int64(10_000), adm.Usage.CostMicroUSD)

	// Other classrooms are unaffected.
	other, err := m.Admit(ctx, "c2")
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestAdmitExplicitQuota(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SetQuotaCents(ctx, "c1", 0))
	m := NewMeter(store, store, Pricing{}, 500, WithClock(fixedNow))

	adm, err := m.Admit(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, adm.Allowed, "zero quota admits nothing")

	m.SetDefaultQuotaCents(0)
	adm, err = m.Admit(ctx, "c2")
	require.NoError(t, err)
	assert.False(t, adm.Allowed)
}

func TestRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewMeter(store, nil, Pricing{InputMicroUSDPerToken: 1, OutputMicroUSDPerToken: 2}, 1, WithClock(fixedNow))

	updated, cost, err := m.Record(ctx, "c1", 10, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(20), cost)
	assert.Equal(t, Counter{Requests: 1, TokensIn: 10, TokensOut: 5, CostMicroUSD: 20}, updated)

	updated, _, err = m.Record(ctx, "c1", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, Counter{Requests: 2, TokensIn: 11, TokensOut: 5, CostMicroUSD: 21}, updated)
}

func TestRecordFloorsNegativeTokens(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewMeter(store, nil, Pricing{InputMicroUSDPerToken: 1, OutputMicroUSDPerToken: 2}, 1, WithClock(fixedNow))

	_, _, err := m.Record(ctx, "c1", 10, 5)
	require.NoError(t, err)

	updated, cost, err := m.Record(ctx, "c1", -100, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(6), cost)
	assert.Equal(t, Counter{Requests: 2, TokensIn: 10, TokensOut: 8, CostMicroUSD: 26}, updated)

	updated, cost, err = m.Record(ctx, "c1", -1, -1)
	require.NoError(t, err)
	assert.Zero(t, cost)
	assert.Equal(t, Counter{Requests: 3, TokensIn: 10, TokensOut: 8, CostMicroUSD: 26}, updated)
}

func TestRecordIsAtomicUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewMeter(store, nil, Pricing{InputMicroUSDPerToken: 1}, 100, WithClock(fixedNow))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := m.Record(ctx, "c1", 3, 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "c1", "2024-03")
	require.NoError(t, err)
	assert.Equal(t, Counter{Requests: 50, TokensIn: 150, CostMicroUSD: 150}, got)
}

type failingStore struct{ *MemoryStore }

var errDown = errors.New("store down")

func (failingStore) Increment(context.Context, string, string, Counter) (Counter, error) {
	return Counter{}, errDown
}

func (failingStore) QuotaCents(context.Context, string) (int64, bool, error) {
	return 0, false, errDown
}

func TestMeteringErrors(t *testing.T) {
	ctx := context.Background()
	fs := failingStore{MemoryStore: NewMemoryStore()}
	m := NewMeter(fs, fs, Pricing{InputMicroUSDPerToken: 1}, 1, WithClock(fixedNow))

	_, cost, err := m.Record(ctx, "c1", 4, 0)
	require.Error(t, err)
	assert.Equal(t, int64(4), cost)
	assert.ErrorIs(t, err, errDown)

	var me *MeteringError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "record", me.Op)
	assert.Equal(t, "2024-03", me.Month)

	_, err = m.Admit(ctx, "c1")
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "read quota", me.Op)
}
