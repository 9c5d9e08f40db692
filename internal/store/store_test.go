package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freelab/internal/config"
	"freelab/internal/usage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "db", "freelab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	got, err := s.Get(ctx, "c1", "2024-03")
	require.NoError(t, err)
	assert.Equal(t, usage.Counter{}, got)

	updated, err := s.Increment(ctx, "c1", "2024-03", usage.Counter{Requests: 1, TokensIn: 100, TokensOut: 20, CostMicroUSD: 27})
	require.NoError(t, err)
	assert.Equal(t, usage.Counter{Requests: 1, TokensIn: 100, TokensOut: 20, CostMicroUSD: 27}, updated)

	updated, err = s.Increment(ctx, "c1", "2024-03", usage.Counter{Requests: 1, TokensIn: 1, TokensOut: 2, CostMicroUSD: 3})
	require.NoError(t, err)
	assert.Equal(t, usage.Counter{Requests: 2, TokensIn: 101, TokensOut: 22, CostMicroUSD: 30}, updated)

	got, err = s.Get(ctx, "c1", "2024-03")
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	other, err := s.Get(ctx, "c1", "2024-04")
	require.NoError(t, err)
	assert.Equal(t, usage.Counter{}, other)
}

func TestIncrementConcurrent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Increment(ctx, "c1", "2024-03", usage.Counter{Requests: 1, CostMicroUSD: 5})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "c1", "2024-03")
	require.NoError(t, err)
	assert.Equal(t, usage.Counter{Requests: 20, CostMicroUSD: 100}, got)
}

func TestQuotas(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, ok, err := s.QuotaCents(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetQuotaCents(ctx, "c1", 500))
	require.NoError(t, s.SetQuotaCents(ctx, "c1", 750))
	cents, ok, err := s.QuotaCents(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(750), cents)

	assert.Error(t, s.SetQuotaCents(ctx, "c1", -1))
}

func TestMemberships(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	ok, err := s.IsMember(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.GrantMembership(ctx, "u1", "c1", ""))
	require.NoError(t, s.GrantMembership(ctx, "u1", "c1", "instructor"))

	ok, err = s.IsMember(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.True(t, ok)

	var role string
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT role FROM memberships WHERE user_id = ? AND classroom_id = ?`, "u1", "c1").Scan(&role))
	assert.Equal(t, "instructor", role)

	ok, err = s.IsMember(ctx, "u1", "c2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMeterOverSQLite(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.SetQuotaCents(ctx, "c1", 1))

	m := usage.NewMeter(s, s, usage.Pricing{InputMicroUSDPerToken: 100}, 500)
	adm, err := m.Admit(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, adm.Allowed)

	updated, _, err := m.Record(ctx, "c1", 100, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), updated.CostMicroUSD)

	adm, err = m.Admit(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, adm.Allowed)
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: dialectPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := &Store{dialect: dialectSQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestOpenPostgresUsesOverride(t *testing.T) {
	boom := errors.New("no postgres here")
	var gotDriver, gotDSN string
	restore := OverrideSQLOpen(func(driver, dsn string) (*sql.DB, error) {
		gotDriver, gotDSN = driver, dsn
		return nil, boom
	})
	defer restore()

	_, err := OpenPostgres(context.Background(), "")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "pgx", gotDriver)
	assert.Equal(t, DefaultPostgresDSN, gotDSN)
}

func TestOpenByDriver(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StorageConfig{Driver: "memory"})
	require.NoError(t, err)
	require.NoError(t, s.SetQuotaCents(ctx, "c1", 7))
	cents, ok, err := s.QuotaCents(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), cents)
	require.NoError(t, s.Close())

	s, err = Open(ctx, config.StorageConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "f.db")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.StorageConfig{Driver: "oracle"})
	assert.Error(t, err)
}
