// Package store provides SQL-backed usage counters, classroom quotas and
// classroom memberships. SQLite (modernc.org/sqlite) serves single-node
// deployments; Postgres (pgx) serves shared ones. Both speak the same schema.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"freelab/internal/auth"
	"freelab/internal/logging"
	"freelab/internal/usage"
)

var (
	_ usage.CounterStore     = (*Store)(nil)
	_ usage.QuotaStore       = (*Store)(nil)
	_ auth.MembershipChecker = (*Store)(nil)
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Store implements usage.CounterStore, usage.QuotaStore and
// auth.MembershipChecker over database/sql.
type Store struct {
	db      *sql.DB
	dialect dialect
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS usage_counters (
		classroom_id TEXT NOT NULL,
		month TEXT NOT NULL,
		requests BIGINT NOT NULL DEFAULT 0,
		tokens_in BIGINT NOT NULL DEFAULT 0,
		tokens_out BIGINT NOT NULL DEFAULT 0,
		cost_micro_usd BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (classroom_id, month)
	)`,
	`CREATE TABLE IF NOT EXISTS classroom_quotas (
		classroom_id TEXT PRIMARY KEY,
		quota_cents BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memberships (
		user_id TEXT NOT NULL,
		classroom_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'student',
		PRIMARY KEY (user_id, classroom_id)
	)`,
}

func newStore(ctx context.Context, db *sql.DB, d dialect) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", d, err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("ensure schema (%s): %w", d, err)
		}
	}
	logging.Store("%s store ready", d)
	return &Store{db: db, dialect: d}, nil
}

// DB exposes the underlying handle for maintenance commands and tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Get returns the counter for (classroomID, month), zero if absent.
func (s *Store) Get(ctx context.Context, classroomID, month string) (usage.Counter, error) {
	var c usage.Counter
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT requests, tokens_in, tokens_out, cost_micro_usd
		 FROM usage_counters WHERE classroom_id = ? AND month = ?`),
		classroomID, month,
	).Scan(&c.Requests, &c.TokensIn, &c.TokensOut, &c.CostMicroUSD)
	if errors.Is(err, sql.ErrNoRows) {
		return usage.Counter{}, nil
	}
	if err != nil {
		return usage.Counter{}, fmt.Errorf("select usage: %w", err)
	}
	return c, nil
}

// Increment adds delta in one upsert statement and returns the new totals.
func (s *Store) Increment(ctx context.Context, classroomID, month string, delta usage.Counter) (usage.Counter, error) {
	var c usage.Counter
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO usage_counters (classroom_id, month, requests, tokens_in, tokens_out, cost_micro_usd)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (classroom_id, month) DO UPDATE SET
			requests = usage_counters.requests + excluded.requests,
			tokens_in = usage_counters.tokens_in + excluded.tokens_in,
			tokens_out = usage_counters.tokens_out + excluded.tokens_out,
			cost_micro_usd = usage_counters.cost_micro_usd + excluded.cost_micro_usd
		 RETURNING requests, tokens_in, tokens_out, cost_micro_usd`),
		classroomID, month, delta.Requests, delta.TokensIn, delta.TokensOut, delta.CostMicroUSD,
	).Scan(&c.Requests, &c.TokensIn, &c.TokensOut, &c.CostMicroUSD)
	if err != nil {
		return usage.Counter{}, fmt.Errorf("increment usage: %w", err)
	}
	return c, nil
}

// QuotaCents returns the explicit quota of classroomID, if any.
func (s *Store) QuotaCents(ctx context.Context, classroomID string) (int64, bool, error) {
	var cents int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT quota_cents FROM classroom_quotas WHERE classroom_id = ?`), classroomID,
	).Scan(&cents)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("select quota: %w", err)
	}
	return cents, true, nil
}

// SetQuotaCents sets or replaces the quota of classroomID.
func (s *Store) SetQuotaCents(ctx context.Context, classroomID string, cents int64) error {
	if cents < 0 {
		return fmt.Errorf("quota must not be negative, got %d", cents)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO classroom_quotas (classroom_id, quota_cents) VALUES (?, ?)
		 ON CONFLICT (classroom_id) DO UPDATE SET quota_cents = excluded.quota_cents`),
		classroomID, cents)
	if err != nil {
		return fmt.Errorf("upsert quota: %w", err)
	}
	return nil
}

// IsMember reports whether userID belongs to classroomID.
func (s *Store) IsMember(ctx context.Context, userID, classroomID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT 1 FROM memberships WHERE user_id = ? AND classroom_id = ?`), userID, classroomID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select membership: %w", err)
	}
	return true, nil
}

// GrantMembership adds userID to classroomID with role; granting twice
// updates the role.
func (s *Store) GrantMembership(ctx context.Context, userID, classroomID, role string) error {
	if role == "" {
		role = "student"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO memberships (user_id, classroom_id, role) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, classroom_id) DO UPDATE SET role = excluded.role`),
		userID, classroomID, role)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}
