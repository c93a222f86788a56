// Package redis provides a Redis implementation of the entitlement.Store
// interface. Entitlements and policies are stored as JSON values; usage is
// kept both as an append-only list for history and as per-month hash
// counters so quota checks aggregate in O(1).
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/entsync/pkg/entitlement"
)

// Store implements entitlement.Store using Redis.
type Store struct {
	client       redis.UniversalClient
	config       Config
	cancelScript *redis.Script
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "entsync:").
	KeyPrefix string

	// UsageTTL bounds how long raw usage records are kept (0 = forever).
	// Monthly aggregates always survive at least 13 months.
	UsageTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "entsync:",
		UsageTTL:  400 * 24 * time.Hour,
	}
}

// New creates a new Redis store. The client can be *redis.Client,
// *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "entsync:"
	}

	s := &Store{
		client: client,
		config: config,
	}

	// Cancel must flip status without creating a row and without racing a
	// concurrent upsert, so it runs server-side.
	s.cancelScript = redis.NewScript(`
		local raw = redis.call('GET', KEYS[1])
		if not raw then
			return nil
		end
		local ent = cjson.decode(raw)
		ent['status'] = ARGV[1]
		ent['updated_at'] = ARGV[2]
		local encoded = cjson.encode(ent)
		redis.call('SET', KEYS[1], encoded)
		return encoded
	`)

	return s, nil
}

// storedEntitlement is the JSON wire form of an entitlement row.
type storedEntitlement struct {
	Identity       string `json:"identity"`
	Status         string `json:"status"`
	SubscriptionID string `json:"subscription_id"`
	CustomerID     string `json:"customer_id"`
	PeriodStart    string `json:"period_start"`
	PeriodEnd      string `json:"period_end"`
	UpdatedAt      string `json:"updated_at"`
}

func encodeEntitlement(ent *entitlement.Entitlement) ([]byte, error) {
	return json.Marshal(storedEntitlement{
		Identity:       ent.Identity,
		Status:         string(ent.Status),
		SubscriptionID: ent.SubscriptionID,
		CustomerID:     ent.CustomerID,
		PeriodStart:    encodeTime(ent.PeriodStart),
		PeriodEnd:      encodeTime(ent.PeriodEnd),
		UpdatedAt:      encodeTime(ent.UpdatedAt),
	})
}

func decodeEntitlement(raw []byte) (*entitlement.Entitlement, error) {
	var stored storedEntitlement
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode entitlement: %w", err)
	}
	return &entitlement.Entitlement{
		Identity:       stored.Identity,
		Status:         entitlement.Status(stored.Status),
		SubscriptionID: stored.SubscriptionID,
		CustomerID:     stored.CustomerID,
		PeriodStart:    decodeTime(stored.PeriodStart),
		PeriodEnd:      decodeTime(stored.PeriodEnd),
		UpdatedAt:      decodeTime(stored.UpdatedAt),
	}, nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpsertEntitlement implements entitlement.Store.
func (s *Store) UpsertEntitlement(ctx context.Context, ent *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	if ent == nil || ent.Identity == "" {
		return nil, fmt.Errorf("invalid entitlement")
	}

	raw, err := encodeEntitlement(ent)
	if err != nil {
		return nil, err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.entitlementKey(ent.Identity), raw, 0)
	pipe.SAdd(ctx, s.indexKey(), ent.Identity)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to upsert entitlement: %w", err)
	}

	result := *ent
	return &result, nil
}

// GetEntitlement implements entitlement.Store.
func (s *Store) GetEntitlement(ctx context.Context, identity string) (*entitlement.Entitlement, error) {
	raw, err := s.client.Get(ctx, s.entitlementKey(identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return decodeEntitlement(raw)
}

// CancelEntitlement implements entitlement.Store.
func (s *Store) CancelEntitlement(ctx context.Context, identity string) (*entitlement.Entitlement, error) {
	result, err := s.cancelScript.Run(ctx, s.client,
		[]string{s.entitlementKey(identity)},
		string(entitlement.StatusCanceled),
		encodeTime(time.Now().UTC()),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to cancel entitlement: %w", err)
	}

	raw, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected cancel script result %T", result)
	}
	return decodeEntitlement([]byte(raw))
}

// ListEntitlements implements entitlement.Store.
func (s *Store) ListEntitlements(ctx context.Context, statuses ...entitlement.Status) ([]*entitlement.Entitlement, error) {
	identities, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list entitlements: %w", err)
	}

	wanted := make(map[entitlement.Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	result := make([]*entitlement.Entitlement, 0, len(identities))
	for _, identity := range identities {
		ent, err := s.GetEntitlement(ctx, identity)
		if errors.Is(err, entitlement.ErrEntitlementNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(wanted) > 0 && !wanted[ent.Status] {
			continue
		}
		result = append(result, ent)
	}
	return result, nil
}

// InsertUsage implements entitlement.Store. The record is appended to the
// history list and its cost folded into the month's hash counters in one
// transaction.
func (s *Store) InsertUsage(ctx context.Context, rec *entitlement.UsageRecord) error {
	if rec == nil || rec.Identity == "" {
		return fmt.Errorf("invalid usage record")
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode usage record: %w", err)
	}

	monthKey := s.monthKey(rec.Identity, rec.Timestamp)
	historyKey := s.historyKey(rec.Identity)

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, historyKey, raw)
	if s.config.UsageTTL > 0 {
		pipe.Expire(ctx, historyKey, s.config.UsageTTL)
	}
	pipe.HIncrBy(ctx, monthKey, "cost_cents", rec.CostCents)
	pipe.HIncrBy(ctx, monthKey, "input_units", rec.InputUnits)
	pipe.HIncrBy(ctx, monthKey, "output_units", rec.OutputUnits)
	pipe.HIncrBy(ctx, monthKey, "requests", 1)
	pipe.Expire(ctx, monthKey, 13*31*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// MonthlyUsage implements entitlement.Store, reading the pre-aggregated
// month counters.
func (s *Store) MonthlyUsage(ctx context.Context, identity string, monthStart time.Time) (*entitlement.MonthlyUsage, error) {
	fields, err := s.client.HGetAll(ctx, s.monthKey(identity, monthStart)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read monthly usage: %w", err)
	}

	agg := &entitlement.MonthlyUsage{
		Identity:    identity,
		PeriodStart: monthStart,
	}
	agg.TotalCostCents = parseInt(fields["cost_cents"])
	agg.TotalInputUnits = parseInt(fields["input_units"])
	agg.TotalOutputUnits = parseInt(fields["output_units"])
	agg.Requests = parseInt(fields["requests"])
	return agg, nil
}

func parseInt(s string) int64 {
	var v int64
	_, _ = fmt.Sscanf(s, "%d", &v)
	return v
}

// UsageHistory implements entitlement.Store.
func (s *Store) UsageHistory(ctx context.Context, identity string, since time.Time, limit int) ([]*entitlement.UsageRecord, error) {
	raws, err := s.client.LRange(ctx, s.historyKey(identity), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read usage history: %w", err)
	}

	// Records were appended in arrival order; walk backwards for newest
	// first.
	result := make([]*entitlement.UsageRecord, 0, limit)
	for i := len(raws) - 1; i >= 0; i-- {
		var rec entitlement.UsageRecord
		if err := json.Unmarshal([]byte(raws[i]), &rec); err != nil {
			continue
		}
		if rec.Timestamp.Before(since) {
			continue
		}
		result = append(result, &rec)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// GetQuotaPolicy implements entitlement.Store.
func (s *Store) GetQuotaPolicy(ctx context.Context, identity string) (*entitlement.QuotaPolicy, error) {
	raw, err := s.client.Get(ctx, s.policyKey(identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota policy: %w", err)
	}

	var policy entitlement.QuotaPolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return nil, fmt.Errorf("failed to decode quota policy: %w", err)
	}
	return &policy, nil
}

// SetQuotaPolicy implements entitlement.Store.
func (s *Store) SetQuotaPolicy(ctx context.Context, policy *entitlement.QuotaPolicy) error {
	if policy == nil {
		return fmt.Errorf("invalid quota policy")
	}

	raw, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to encode quota policy: %w", err)
	}
	if err := s.client.Set(ctx, s.policyKey(policy.Identity), raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to set quota policy: %w", err)
	}
	return nil
}

// Key helpers

func (s *Store) entitlementKey(identity string) string {
	return s.config.KeyPrefix + "ent:" + identity
}

func (s *Store) indexKey() string {
	return s.config.KeyPrefix + "ents"
}

func (s *Store) historyKey(identity string) string {
	return s.config.KeyPrefix + "usage:" + identity
}

func (s *Store) monthKey(identity string, t time.Time) string {
	return s.config.KeyPrefix + "usage:" + identity + ":" + t.UTC().Format("2006-01")
}

func (s *Store) policyKey(identity string) string {
	if identity == "" {
		identity = "__default__"
	}
	return s.config.KeyPrefix + "policy:" + identity
}
