package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

// Store persists the daily ledger so a restarted process does not
// double-spend the day's envelope. Persistence is best-effort; the
// accountant works without it.
type Store interface {
	Save(ctx context.Context, snapshot Snapshot) error
	Load(ctx context.Context, date string) (*Snapshot, error)
}

// RedisStore implements Store using one JSON value per UTC day.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    core.Logger
}

// RedisStoreConfig configures the Redis ledger store.
type RedisStoreConfig struct {
	// KeyPrefix is the prefix for ledger keys. Default: "vpcp:budget"
	KeyPrefix string

	// TTL is how long to keep past ledgers. Default: 72h.
	TTL time.Duration

	// Logger is an optional logger.
	Logger core.Logger
}

// NewRedisStore creates a Redis-backed ledger store.
// The client should already be connected to Redis.
func NewRedisStore(client *redis.Client, config *RedisStoreConfig) *RedisStore {
	if config == nil {
		config = &RedisStoreConfig{}
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "vpcp:budget"
	}
	if config.TTL <= 0 {
		config.TTL = 72 * time.Hour
	}
	return &RedisStore{
		client:    client,
		keyPrefix: config.KeyPrefix,
		ttl:       config.TTL,
		logger:    core.ComponentLogger(config.Logger, "budget"),
	}
}

func (s *RedisStore) key(date string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, date)
}

// Save persists the snapshot for its date.
func (s *RedisStore) Save(ctx context.Context, snapshot Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to serialize ledger: %w", err)
	}
	if err := s.client.Set(ctx, s.key(snapshot.Date), data, s.ttl).Err(); err != nil {
		s.logger.Warn("Failed to persist budget ledger", map[string]interface{}{
			"date":  snapshot.Date,
			"error": err.Error(),
		})
		return fmt.Errorf("failed to persist ledger: %w", err)
	}
	return nil
}

// Load returns the persisted snapshot for a date, or nil when absent.
func (s *RedisStore) Load(ctx context.Context, date string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, s.key(date)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to deserialize ledger: %w", err)
	}
	return &snapshot, nil
}

// Persist saves the accountant's current state through its store.
// No-op when the accountant has no store configured.
func (a *Accountant) Persist(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	return a.store.Save(ctx, a.Snapshot())
}

// Restore reloads committed spend for the current UTC day. Reservations
// cannot be re-linked after a restart, so carried holds are dropped and
// their credits return to the envelope; in-flight jobs whose settle
// later fails with ErrReservationNotFound are tolerated by callers.
func (a *Accountant) Restore(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rolloverLocked()

	snapshot, err := a.store.Load(ctx, a.date)
	if err != nil {
		return err
	}
	if snapshot == nil || snapshot.Date != a.date {
		return nil
	}
	for id, ps := range snapshot.Providers {
		l, ok := a.ledgers[id]
		if !ok {
			continue
		}
		committed := ps.Committed
		if committed > l.limit {
			committed = l.limit
		}
		l.committed = committed
		l.reserved = 0
		l.remaining = l.limit - committed
	}
	for tier, tc := range snapshot.Tiers {
		counts := tc
		a.tiers[tier] = &counts
	}
	a.logger.Info("Budget ledger restored", map[string]interface{}{
		"date": a.date,
	})
	return nil
}
