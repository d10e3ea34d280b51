package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

// RedisStore implements Store on Redis. Each job is a JSON string at
// {prefix}:job:{key}; live jobs are tracked in the {prefix}:active set
// and each request's live attempt in {prefix}:req:{request_id}.
// Transitions run under WATCH so concurrent worker/poller writers
// cannot interleave a regression.
type RedisStore struct {
	client *redis.Client
	config RedisStoreConfig
	logger core.Logger
}

// RedisStoreConfig configures the Redis job store.
type RedisStoreConfig struct {
	// KeyPrefix is the prefix for all keys.
	// Default: "vpcp:jobs"
	KeyPrefix string `json:"key_prefix"`

	// ActiveTTL bounds how long a live job may linger if the process that
	// owns it disappears. Default: 72 hours.
	ActiveTTL time.Duration `json:"active_ttl"`

	// TerminalTTL is how long finished jobs remain readable.
	// Default: 24 hours.
	TerminalTTL time.Duration `json:"terminal_ttl"`

	// RecordTTL is how long request records remain readable.
	// Default: 7 days.
	RecordTTL time.Duration `json:"record_ttl"`

	// RetryAttempts is the number of retries when an optimistic
	// transaction loses its WATCH race. Default: 3.
	RetryAttempts int `json:"retry_attempts"`

	Logger core.Logger `json:"-"`
}

// DefaultRedisStoreConfig returns default configuration.
func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		KeyPrefix:     "vpcp:jobs",
		ActiveTTL:     72 * time.Hour,
		TerminalTTL:   24 * time.Hour,
		RecordTTL:     7 * 24 * time.Hour,
		RetryAttempts: 3,
	}
}

// NewRedisStore creates a Redis-backed job store. The client should
// already be connected.
func NewRedisStore(client *redis.Client, config *RedisStoreConfig) *RedisStore {
	if config == nil {
		defaultConfig := DefaultRedisStoreConfig()
		config = &defaultConfig
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "vpcp:jobs"
	}
	if config.ActiveTTL <= 0 {
		config.ActiveTTL = 72 * time.Hour
	}
	if config.TerminalTTL <= 0 {
		config.TerminalTTL = 24 * time.Hour
	}
	if config.RecordTTL <= 0 {
		config.RecordTTL = 7 * 24 * time.Hour
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}

	return &RedisStore{
		client: client,
		config: *config,
		logger: core.ComponentLogger(config.Logger, "jobstore"),
	}
}

func (s *RedisStore) jobKey(key string) string {
	return fmt.Sprintf("%s:job:%s", s.config.KeyPrefix, key)
}

func (s *RedisStore) activeSetKey() string {
	return fmt.Sprintf("%s:active", s.config.KeyPrefix)
}

func (s *RedisStore) unuploadedSetKey() string {
	return fmt.Sprintf("%s:unuploaded", s.config.KeyPrefix)
}

func (s *RedisStore) requestKey(requestID string) string {
	return fmt.Sprintf("%s:req:%s", s.config.KeyPrefix, requestID)
}

func (s *RedisStore) recordKey(requestID string) string {
	return fmt.Sprintf("%s:record:%s", s.config.KeyPrefix, requestID)
}

func (s *RedisStore) Create(ctx context.Context, job *core.ProviderJob) error {
	if job == nil {
		return fmt.Errorf("job cannot be nil")
	}
	key := job.Key()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job: %w", err)
	}

	set, err := s.client.SetNX(ctx, s.jobKey(key), data, s.config.ActiveTTL).Result()
	if err != nil {
		s.logger.Error("Failed to create job", map[string]interface{}{
			"job_key": key,
			"error":   err.Error(),
		})
		return fmt.Errorf("failed to create job: %w", err)
	}
	if !set {
		return fmt.Errorf("job already exists: %s", key)
	}

	pipe := s.client.Pipeline()
	if !job.State.Terminal() {
		pipe.SAdd(ctx, s.activeSetKey(), key)
		pipe.Set(ctx, s.requestKey(job.RequestID), key, s.config.ActiveTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index job: %w", err)
	}

	s.logger.Debug("Job created", map[string]interface{}{
		"job_key":    key,
		"request_id": job.RequestID,
		"provider":   job.ProviderID,
		"state":      string(job.State),
	})
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*core.ProviderJob, error) {
	data, err := s.client.Get(ctx, s.jobKey(key)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	var job core.ProviderJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to deserialize job: %w", err)
	}
	return &job, nil
}

func (s *RedisStore) Transition(ctx context.Context, key string, mutate func(*core.ProviderJob) error) (*core.ProviderJob, error) {
	var result *core.ProviderJob

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, s.jobKey(key)).Result()
		if err != nil {
			if err == redis.Nil {
				return core.ErrJobNotFound
			}
			return fmt.Errorf("failed to get job: %w", err)
		}
		var job core.ProviderJob
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return fmt.Errorf("failed to deserialize job: %w", err)
		}

		next := job
		if err := mutate(&next); err != nil {
			return err
		}
		if err := checkTransition(key, job.State, next.State); err != nil {
			return err
		}

		encoded, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("failed to serialize job: %w", err)
		}

		newKey := next.Key()
		ttl := s.config.ActiveTTL
		if next.State.Terminal() {
			ttl = s.config.TerminalTTL
		}

		// The request mapping may already point at a replacement job;
		// only clear it when it still points here.
		mapped, mapErr := tx.Get(ctx, s.requestKey(next.RequestID)).Result()
		if mapErr != nil && mapErr != redis.Nil {
			return fmt.Errorf("failed to read request mapping: %w", mapErr)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.jobKey(newKey), encoded, ttl)
			if newKey != key {
				pipe.Del(ctx, s.jobKey(key))
				pipe.SRem(ctx, s.activeSetKey(), key)
				pipe.SRem(ctx, s.unuploadedSetKey(), key)
			}
			if next.State.Terminal() {
				pipe.SRem(ctx, s.activeSetKey(), newKey)
				if mapped == key || mapped == newKey {
					pipe.Del(ctx, s.requestKey(next.RequestID))
				}
			} else {
				pipe.SAdd(ctx, s.activeSetKey(), newKey)
				pipe.Set(ctx, s.requestKey(next.RequestID), newKey, s.config.ActiveTTL)
			}
			if next.State == core.JobSucceeded && !next.Uploaded && next.ArtifactURI != "" {
				pipe.SAdd(ctx, s.unuploadedSetKey(), newKey)
			} else {
				pipe.SRem(ctx, s.unuploadedSetKey(), newKey)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = &next
		return nil
	}

	var err error
	for attempt := 0; attempt < s.config.RetryAttempts; attempt++ {
		err = s.client.Watch(ctx, txn, s.jobKey(key))
		if err != redis.TxFailedErr {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Job transitioned", map[string]interface{}{
		"job_key": result.Key(),
		"state":   string(result.State),
	})
	return result, nil
}

func (s *RedisStore) ActiveForRequest(ctx context.Context, requestID string) (*core.ProviderJob, error) {
	key, err := s.client.Get(ctx, s.requestKey(requestID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to look up active job: %w", err)
	}
	job, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return nil, core.ErrJobNotFound
	}
	return job, nil
}

func (s *RedisStore) ListNonTerminal(ctx context.Context) ([]*core.ProviderJob, error) {
	keys, err := s.client.SMembers(ctx, s.activeSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	var jobs []*core.ProviderJob
	for _, key := range keys {
		job, err := s.Get(ctx, key)
		if err != nil {
			if err == core.ErrJobNotFound {
				// Expired under the active set's feet. Drop the stale entry.
				s.client.SRem(ctx, s.activeSetKey(), key)
				continue
			}
			return nil, err
		}
		if job.State.Terminal() {
			s.client.SRem(ctx, s.activeSetKey(), key)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) ListUnuploaded(ctx context.Context) ([]*core.ProviderJob, error) {
	keys, err := s.client.SMembers(ctx, s.unuploadedSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list unuploaded jobs: %w", err)
	}

	var jobs []*core.ProviderJob
	for _, key := range keys {
		job, err := s.Get(ctx, key)
		if err != nil {
			if err == core.ErrJobNotFound {
				s.client.SRem(ctx, s.unuploadedSetKey(), key)
				continue
			}
			return nil, err
		}
		if job.State != core.JobSucceeded || job.Uploaded || job.ArtifactURI == "" {
			s.client.SRem(ctx, s.unuploadedSetKey(), key)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) SaveRecord(ctx context.Context, rec *core.RequestRecord) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}
	if err := s.client.Set(ctx, s.recordKey(rec.RequestID), data, s.config.RecordTTL).Err(); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

func (s *RedisStore) GetRecord(ctx context.Context, requestID string) (*core.RequestRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(requestID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	var rec core.RequestRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to deserialize record: %w", err)
	}
	return &rec, nil
}
