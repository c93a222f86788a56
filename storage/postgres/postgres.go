// Package postgres provides a PostgreSQL implementation of the
// entitlement.Store interface. Entitlement writes use single-statement
// ON CONFLICT upserts so concurrent webhook deliveries for the same
// identity can never produce duplicate rows.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/entsync/pkg/entitlement"
)

// Schema is the reference DDL for the tables this store expects. Apply it
// with your migration tooling of choice.
const Schema = `
CREATE TABLE IF NOT EXISTS entitlements (
	identity        TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	subscription_id TEXT NOT NULL DEFAULT '',
	customer_id     TEXT NOT NULL DEFAULT '',
	period_start    TIMESTAMPTZ,
	period_end      TIMESTAMPTZ,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_records (
	id           BIGSERIAL PRIMARY KEY,
	identity     TEXT NOT NULL,
	ts           TIMESTAMPTZ NOT NULL,
	input_units  BIGINT NOT NULL DEFAULT 0,
	output_units BIGINT NOT NULL DEFAULT 0,
	provider     TEXT NOT NULL DEFAULT '',
	operation    TEXT NOT NULL DEFAULT '',
	model        TEXT NOT NULL DEFAULT '',
	cost_cents   BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS usage_records_identity_ts ON usage_records (identity, ts DESC);

CREATE TABLE IF NOT EXISTS quota_policies (
	identity         TEXT PRIMARY KEY,
	cost_limit_cents BIGINT,
	blocked          BOOLEAN NOT NULL DEFAULT FALSE,
	blocked_reason   TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMPTZ NOT NULL
);
`

// Store implements entitlement.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config

	stopCleanup func()
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration. Usage records older than RecordTTL are purged
	// by a background sweep; they no longer contribute to any monthly
	// aggregate or history query.
	CleanupEnabled  bool
	CleanupInterval time.Duration
	RecordTTL       time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 6 * time.Hour,
		RecordTTL:       400 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the connection pool and stops the background sweep.
func (s *Store) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertEntitlement implements entitlement.Store.
func (s *Store) UpsertEntitlement(ctx context.Context, ent *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	if ent == nil || ent.Identity == "" {
		return nil, fmt.Errorf("invalid entitlement")
	}

	var result entitlement.Entitlement
	err := s.pool.QueryRow(ctx,
		`INSERT INTO entitlements (identity, status, subscription_id, customer_id, period_start, period_end, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (identity) DO UPDATE SET
				status = EXCLUDED.status,
				subscription_id = EXCLUDED.subscription_id,
				customer_id = EXCLUDED.customer_id,
				period_start = EXCLUDED.period_start,
				period_end = EXCLUDED.period_end,
				updated_at = EXCLUDED.updated_at
			RETURNING identity, status, subscription_id, customer_id, period_start, period_end, updated_at`,
		ent.Identity, string(ent.Status), ent.SubscriptionID, ent.CustomerID,
		nullableTime(ent.PeriodStart), nullableTime(ent.PeriodEnd), ent.UpdatedAt,
	).Scan(scanTargets(&result)...)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return &result, nil
}

// GetEntitlement implements entitlement.Store.
func (s *Store) GetEntitlement(ctx context.Context, identity string) (*entitlement.Entitlement, error) {
	var result entitlement.Entitlement
	err := s.pool.QueryRow(ctx,
		`SELECT identity, status, subscription_id, customer_id, period_start, period_end, updated_at
			FROM entitlements WHERE identity = $1`,
		identity,
	).Scan(scanTargets(&result)...)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return &result, nil
}

// CancelEntitlement implements entitlement.Store. The period bounds are
// preserved for audit history.
func (s *Store) CancelEntitlement(ctx context.Context, identity string) (*entitlement.Entitlement, error) {
	var result entitlement.Entitlement
	err := s.pool.QueryRow(ctx,
		`UPDATE entitlements SET status = $2, updated_at = $3
			WHERE identity = $1
			RETURNING identity, status, subscription_id, customer_id, period_start, period_end, updated_at`,
		identity, string(entitlement.StatusCanceled), time.Now().UTC(),
	).Scan(scanTargets(&result)...)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to cancel entitlement: %w", err)
	}
	return &result, nil
}

// ListEntitlements implements entitlement.Store.
func (s *Store) ListEntitlements(ctx context.Context, statuses ...entitlement.Status) ([]*entitlement.Entitlement, error) {
	query := `SELECT identity, status, subscription_id, customer_id, period_start, period_end, updated_at
		FROM entitlements`
	args := []interface{}{}
	if len(statuses) > 0 {
		query += ` WHERE status = ANY($1)`
		strs := make([]string, len(statuses))
		for i, st := range statuses {
			strs[i] = string(st)
		}
		args = append(args, strs)
	}
	query += ` ORDER BY identity`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entitlements: %w", err)
	}
	defer rows.Close()

	var result []*entitlement.Entitlement
	for rows.Next() {
		var ent entitlement.Entitlement
		if err := rows.Scan(scanTargets(&ent)...); err != nil {
			return nil, fmt.Errorf("failed to scan entitlement: %w", err)
		}
		result = append(result, &ent)
	}
	return result, rows.Err()
}

// InsertUsage implements entitlement.Store.
func (s *Store) InsertUsage(ctx context.Context, rec *entitlement.UsageRecord) error {
	if rec == nil || rec.Identity == "" {
		return fmt.Errorf("invalid usage record")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (identity, ts, input_units, output_units, provider, operation, model, cost_cents)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.Identity, rec.Timestamp, rec.InputUnits, rec.OutputUnits,
		rec.Provider, rec.Operation, rec.Model, rec.CostCents,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// MonthlyUsage implements entitlement.Store. The aggregation happens in
// the database; the engine never pages raw records for a quota check.
func (s *Store) MonthlyUsage(ctx context.Context, identity string, monthStart time.Time) (*entitlement.MonthlyUsage, error) {
	agg := &entitlement.MonthlyUsage{
		Identity:    identity,
		PeriodStart: monthStart,
	}

	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_cents), 0), COALESCE(SUM(input_units), 0),
				COALESCE(SUM(output_units), 0), COUNT(*)
			FROM usage_records WHERE identity = $1 AND ts >= $2`,
		identity, monthStart,
	).Scan(&agg.TotalCostCents, &agg.TotalInputUnits, &agg.TotalOutputUnits, &agg.Requests)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return agg, nil
}

// UsageHistory implements entitlement.Store.
func (s *Store) UsageHistory(ctx context.Context, identity string, since time.Time, limit int) ([]*entitlement.UsageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT identity, ts, input_units, output_units, provider, operation, model, cost_cents
			FROM usage_records WHERE identity = $1 AND ts >= $2
			ORDER BY ts DESC LIMIT $3`,
		identity, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage history: %w", err)
	}
	defer rows.Close()

	var result []*entitlement.UsageRecord
	for rows.Next() {
		var rec entitlement.UsageRecord
		if err := rows.Scan(
			&rec.Identity, &rec.Timestamp, &rec.InputUnits, &rec.OutputUnits,
			&rec.Provider, &rec.Operation, &rec.Model, &rec.CostCents,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		result = append(result, &rec)
	}
	return result, rows.Err()
}

// GetQuotaPolicy implements entitlement.Store.
func (s *Store) GetQuotaPolicy(ctx context.Context, identity string) (*entitlement.QuotaPolicy, error) {
	var policy entitlement.QuotaPolicy
	var limit *int64

	err := s.pool.QueryRow(ctx,
		`SELECT identity, cost_limit_cents, blocked, blocked_reason, updated_at
			FROM quota_policies WHERE identity = $1`,
		identity,
	).Scan(&policy.Identity, &limit, &policy.Blocked, &policy.BlockedReason, &policy.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota policy: %w", err)
	}

	policy.CostLimitCents = limit
	return &policy, nil
}

// SetQuotaPolicy implements entitlement.Store.
func (s *Store) SetQuotaPolicy(ctx context.Context, policy *entitlement.QuotaPolicy) error {
	if policy == nil {
		return fmt.Errorf("invalid quota policy")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO quota_policies (identity, cost_limit_cents, blocked, blocked_reason, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (identity) DO UPDATE SET
				cost_limit_cents = EXCLUDED.cost_limit_cents,
				blocked = EXCLUDED.blocked,
				blocked_reason = EXCLUDED.blocked_reason,
				updated_at = EXCLUDED.updated_at`,
		policy.Identity, policy.CostLimitCents, policy.Blocked, policy.BlockedReason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set quota policy: %w", err)
	}
	return nil
}

// startCleanup periodically purges usage records older than RecordTTL.
func (s *Store) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.config.RecordTTL)
			_, _ = s.pool.Exec(ctx, `DELETE FROM usage_records WHERE ts < $1`, cutoff)
		}
	}
}

// scanTargets returns the scan destinations for an entitlement row,
// routing the nullable period columns through pointers.
func scanTargets(ent *entitlement.Entitlement) []interface{} {
	return []interface{}{
		&ent.Identity,
		(*string)(&ent.Status),
		&ent.SubscriptionID,
		&ent.CustomerID,
		&nullTimeScanner{&ent.PeriodStart},
		&nullTimeScanner{&ent.PeriodEnd},
		&ent.UpdatedAt,
	}
}

// nullableTime maps a zero time to SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// nullTimeScanner scans a nullable timestamp into a time.Time, leaving the
// zero value for NULL.
type nullTimeScanner struct {
	dest *time.Time
}

func (n *nullTimeScanner) Scan(src interface{}) error {
	if src == nil {
		*n.dest = time.Time{}
		return nil
	}
	if t, ok := src.(time.Time); ok {
		*n.dest = t
		return nil
	}
	return fmt.Errorf("cannot scan %T into time.Time", src)
}
