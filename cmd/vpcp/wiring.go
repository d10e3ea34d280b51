package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/budget"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/jobstore"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/poller"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/provider"
	_ "github.com/nsfwhubinfo/tenxsom-ai.com-sub000/provider/ltx"
	_ "github.com/nsfwhubinfo/tenxsom-ai.com-sub000/provider/useapi"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/queue"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/ratelimit"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/router"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/scheduler"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/telemetry"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/upload"
	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/worker"
)

// pipeline is the wired control plane for one process.
type pipeline struct {
	cfg        *core.Config
	logger     core.Logger
	redis      *redis.Client
	store      jobstore.Store
	queue      *queue.RedisQueue
	accountant *budget.Accountant
	limiter    *ratelimit.Limiter
	router     *router.Router
	providers  map[string]provider.VideoProvider
	uploader   core.Uploader
	telemetry  *telemetry.Telemetry
	snapshots  *runtimeSnapshots
}

// buildPipeline loads configuration and wires every component.
func buildPipeline(ctx context.Context, configPath, serviceName string) (*pipeline, error) {
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := core.NewProductionLogger()

	tel, err := telemetry.Init(serviceName)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis unreachable at %s: %w", cfg.RedisAddr, err)
	}

	store := jobstore.NewRedisStore(rdb, &jobstore.RedisStoreConfig{Logger: logger})
	q := queue.NewRedisQueue(rdb, &queue.RedisQueueConfig{Logger: logger})

	accountant := budget.NewAccountant(cfg.Providers, &budget.AccountantConfig{
		TierTargets: tierTargets(cfg),
		Store:       budget.NewRedisStore(rdb, nil),
		Logger:      logger,
	})
	if err := accountant.Restore(ctx); err != nil {
		logger.Warn("Budget restore failed, starting from limits", map[string]interface{}{
			"error": err.Error(),
		})
	}

	limiter := ratelimit.NewLimiter(cfg.Providers, &ratelimit.LimiterConfig{Logger: logger})

	rt := router.New(cfg.Providers, &router.RouterConfig{
		Capacity:   accountant,
		Latency:    limiter,
		Policy:     cfg.Router.TierUpliftPolicy,
		Thresholds: cfg.Router.HealthThresholds,
		Logger:     logger,
	})

	credentials := make(map[string]string)
	for _, d := range cfg.Providers {
		if d.CredentialsRef != "" {
			credentials[d.CredentialsRef] = os.Getenv(d.CredentialsRef)
		}
	}
	providers, err := provider.Build(cfg.Providers, credentials, logger)
	if err != nil {
		return nil, err
	}

	var uploader core.Uploader
	if webhook := os.Getenv("VPCP_UPLOAD_WEBHOOK"); webhook != "" {
		uploader = upload.NewWebhookUploader(webhook, logger)
	}

	snapshots := newRuntimeSnapshots(rdb, rt, limiter, logger)
	snapshots.restore(ctx)

	return &pipeline{
		cfg:        cfg,
		logger:     logger,
		redis:      rdb,
		store:      store,
		queue:      q,
		accountant: accountant,
		limiter:    limiter,
		router:     rt,
		providers:  providers,
		uploader:   uploader,
		telemetry:  tel,
		snapshots:  snapshots,
	}, nil
}

func tierTargets(cfg *core.Config) map[core.Tier]int {
	targets := make(map[core.Tier]int, len(cfg.Scheduler.TierShares))
	for tier, share := range cfg.Scheduler.TierShares {
		targets[tier] = int(float64(cfg.Scheduler.DailyTarget) * share)
	}
	return targets
}

func (p *pipeline) newProcessor() *worker.Processor {
	return worker.NewProcessor(worker.ProcessorConfig{
		Router:      p.router,
		Limiter:     p.limiter,
		Accountant:  p.accountant,
		Store:       p.store,
		Providers:   p.providers,
		Uploader:    p.uploader,
		MaxAttempts: p.cfg.Router.MaxAttemptsPerRequest,
		Logger:      p.logger,
	})
}

func workerServer(p *pipeline) *worker.Server {
	return worker.NewServer(p.newProcessor(), &worker.ServerConfig{
		ListenAddr:         p.cfg.Worker.ListenAddr,
		HandlerPoolSize:    p.cfg.Worker.HandlerPoolSize,
		PerRequestDeadline: p.cfg.Worker.PerRequestDeadline,
		Logger:             p.logger,
	})
}

func (p *pipeline) newPoller() *poller.Poller {
	return poller.New(p.store, p.providers, p.limiter, p.accountant, p.router, p.uploader, &poller.Config{
		InitialInterval:    p.cfg.Poller.InitialInterval,
		MaxInterval:        p.cfg.Poller.MaxInterval,
		MaxConcurrentPolls: p.cfg.Poller.MaxConcurrentPolls,
		Logger:             p.logger,
	})
}

func (p *pipeline) newProber() *router.Prober {
	probers := make(map[string]router.HealthProber, len(p.providers))
	for id, adapter := range p.providers {
		if pr, ok := adapter.(router.HealthProber); ok {
			probers[id] = pr
		}
	}
	cfg := router.DefaultProberConfig()
	cfg.Logger = p.logger
	return router.NewProber(p.router, probers, cfg)
}

func (p *pipeline) newScheduler() *scheduler.Scheduler {
	return scheduler.New(p.queue, &scheduler.Config{
		Scheduler: p.cfg.Scheduler,
		Capacity:  scheduler.RouterCapacity{Router: p.router},
		Logger:    p.logger,
	})
}

func (p *pipeline) newDispatcher() (*queue.Dispatcher, error) {
	return queue.NewDispatcher(p.queue, &queue.DispatcherConfig{
		WorkerURL:           p.cfg.Worker.WorkerURLSeenByQueue,
		DispatchesPerSecond: p.cfg.Queue.DispatchesPerSecond,
		MaxConcurrent:       p.cfg.Queue.MaxConcurrentDispatches,
		DeadLetter:          p.deadLetter,
		Logger:              p.logger,
	})
}

// deadLetter writes the terminal record for a task the dispatcher gave
// up on, unless the request already reached one.
func (p *pipeline) deadLetter(ctx context.Context, env *core.TaskEnvelope, kind core.FailureKind, cause error) {
	if rec, err := p.store.GetRecord(ctx, env.RequestID); err == nil && rec.State != core.RecordPending {
		return
	}
	p.store.SaveRecord(ctx, &core.RequestRecord{
		RequestID:      env.RequestID,
		Tier:           env.Payload.Tier,
		State:          core.RecordFailed,
		Attempts:       env.AttemptNo,
		FinalErrorKind: kind,
		UpdatedAt:      time.Now().UTC(),
	})
}

// persistLoop periodically saves the budget ledger and runtime
// snapshots so a restart resumes instead of resetting.
func (p *pipeline) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := p.accountant.Persist(saveCtx); err != nil {
				p.logger.Warn("Budget persist failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			p.snapshots.save(saveCtx)
			cancel()
		}
	}
}

// close flushes persistent state and telemetry.
func (p *pipeline) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.accountant.Persist(ctx); err != nil {
		p.logger.Warn("Final budget persist failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	p.snapshots.save(ctx)
	p.telemetry.Shutdown(ctx)
	p.redis.Close()
}
