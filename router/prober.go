package router

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

// HealthProber issues a lightweight liveness check against a provider
// endpoint. Adapters that cannot probe are simply absent from the map
// handed to the Prober; their recovery then rides on the next routed
// request instead.
type HealthProber interface {
	Probe(ctx context.Context) error
}

// ProberConfig configures the recovery probe loop.
type ProberConfig struct {
	// ScanInterval is how often the loop looks for unhealthy providers
	// due for a probe. The per-provider probe spacing is enforced by the
	// router's HealthThresholds.ProbeInterval, not by this value.
	ScanInterval time.Duration

	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration

	Logger core.Logger
}

// DefaultProberConfig returns production probe settings.
func DefaultProberConfig() *ProberConfig {
	return &ProberConfig{
		ScanInterval: 15 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// Prober periodically probes UNHEALTHY providers so they can re-enter
// rotation as DEGRADED without waiting for live traffic to be risked
// against them.
type Prober struct {
	router  *Router
	probers map[string]HealthProber
	config  *ProberConfig
	logger  core.Logger

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProber creates a prober over the given router. The probers map is
// keyed by provider ID.
func NewProber(r *Router, probers map[string]HealthProber, config *ProberConfig) *Prober {
	if config == nil {
		config = DefaultProberConfig()
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = 15 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	logger = core.ComponentLogger(logger, "router.prober")

	return &Prober{
		router:  r,
		probers: probers,
		config:  config,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the probe loop. It is a no-op if already running.
func (p *Prober) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("Recovery prober started", map[string]interface{}{
		"scan_interval": p.config.ScanInterval.String(),
		"providers":     len(p.probers),
	})
}

// Stop halts the probe loop, waiting up to the context deadline.
func (p *Prober) Stop(ctx context.Context) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Prober loop panic", map[string]interface{}{
				"panic": r,
				"stack": string(debug.Stack()),
			})
		}
	}()

	ticker := time.NewTicker(p.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep probes every unhealthy provider whose probe interval has
// elapsed. Exposed for tests and for callers that drive probing
// themselves.
func (p *Prober) Sweep(ctx context.Context) {
	for _, providerID := range p.router.unhealthyDueForProbe() {
		prober, ok := p.probers[providerID]
		if !ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, p.config.ProbeTimeout)
		err := prober.Probe(probeCtx)
		cancel()

		p.router.recordProbe(providerID, err)
		if err != nil {
			p.logger.Debug("Recovery probe failed", map[string]interface{}{
				"provider": providerID,
				"error":    err.Error(),
			})
		} else {
			p.logger.Info("Recovery probe succeeded", map[string]interface{}{
				"provider": providerID,
			})
		}
	}
}
