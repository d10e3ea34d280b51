package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/ratelimit"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/router"
)

const runtimeSnapshotKey = "vpcp:snapshot:runtime"

// runtimeSnapshot is the persisted slice of soft state: provider health
// and adaptive backoff multipliers. Everything else rebuilds from the
// job store and budget ledger.
type runtimeSnapshot struct {
	Health  map[string]router.HealthStatus `json:"health"`
	Backoff map[string]float64             `json:"backoff"`
	SavedAt time.Time                      `json:"saved_at"`
}

type runtimeSnapshots struct {
	client  *redis.Client
	router  *router.Router
	limiter *ratelimit.Limiter
	logger  core.Logger
}

func newRuntimeSnapshots(client *redis.Client, rt *router.Router, limiter *ratelimit.Limiter, logger core.Logger) *runtimeSnapshots {
	return &runtimeSnapshots{
		client:  client,
		router:  rt,
		limiter: limiter,
		logger:  core.ComponentLogger(logger, "snapshot"),
	}
}

func (s *runtimeSnapshots) save(ctx context.Context) {
	snap := runtimeSnapshot{
		Health:  s.router.HealthSnapshot(),
		Backoff: s.limiter.BackoffMultipliers(),
		SavedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&snap)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, runtimeSnapshotKey, data, 24*time.Hour).Err(); err != nil {
		s.logger.Warn("Snapshot save failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *runtimeSnapshots) restore(ctx context.Context) {
	data, err := s.client.Get(ctx, runtimeSnapshotKey).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("Snapshot load failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return
	}
	var snap runtimeSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return
	}
	// Stale soft state is worse than none; a fresh process repopulates
	// it within a window anyway.
	if time.Since(snap.SavedAt) > 15*time.Minute {
		return
	}
	s.router.RestoreHealth(snap.Health)
	s.limiter.RestoreBackoffMultipliers(snap.Backoff)
	s.logger.Info("Runtime snapshot restored", map[string]interface{}{
		"saved_at":  snap.SavedAt.Format(time.RFC3339),
		"providers": len(snap.Health),
	})
}
