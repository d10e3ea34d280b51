package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

// DeadLetterFunc receives tasks the dispatcher has given up on, either
// because delivery attempts ran out or the worker rejected the payload
// permanently. The request must still reach a terminal record, so the
// hook is where that record gets written.
type DeadLetterFunc func(ctx context.Context, env *core.TaskEnvelope, kind core.FailureKind, cause error)

// DispatcherConfig configures the queue dispatcher.
type DispatcherConfig struct {
	// WorkerURL is the worker's task endpoint.
	WorkerURL string `json:"worker_url"`

	// DispatchesPerSecond is the global outbound dispatch rate.
	// Default: 5
	DispatchesPerSecond float64 `json:"dispatches_per_second"`

	// MaxConcurrent caps in-flight deliveries. Default: 20
	MaxConcurrent int `json:"max_concurrent"`

	// DequeueTimeout is how long one poll blocks on the queue.
	// Default: 5s
	DequeueTimeout time.Duration `json:"dequeue_timeout"`

	// RequestTimeout bounds a single delivery attempt. Default: 30s
	RequestTimeout time.Duration `json:"request_timeout"`

	// DeadLetter is invoked for tasks that will never be delivered.
	DeadLetter DeadLetterFunc `json:"-"`

	// HTTPClient overrides the default instrumented client.
	HTTPClient *http.Client `json:"-"`

	Logger core.Logger `json:"-"`
}

// DefaultDispatcherConfig returns production dispatch settings.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		DispatchesPerSecond: 5,
		MaxConcurrent:       20,
		DequeueTimeout:      5 * time.Second,
		RequestTimeout:      30 * time.Second,
	}
}

// DispatcherStats is a point-in-time view of dispatcher activity.
type DispatcherStats struct {
	Delivered   uint64 `json:"delivered"`
	Retried     uint64 `json:"retried"`
	DeadLetters uint64 `json:"dead_letters"`
	InFlight    int64  `json:"in_flight"`
}

// Dispatcher drains the queue and delivers tasks to the worker over
// HTTP. Delivery is at-least-once: transient failures are rescheduled
// with exponential backoff per the envelope's retry policy.
type Dispatcher struct {
	queue   TaskQueue
	config  *DispatcherConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  core.Logger

	delivered   atomic.Uint64
	retried     atomic.Uint64
	deadLetters atomic.Uint64
	inFlight    atomic.Int64

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given queue.
func NewDispatcher(q TaskQueue, config *DispatcherConfig) (*Dispatcher, error) {
	if config == nil {
		config = DefaultDispatcherConfig()
	}
	if config.WorkerURL == "" {
		return nil, fmt.Errorf("%w: dispatcher worker URL is empty", core.ErrMissingConfiguration)
	}
	if config.DispatchesPerSecond <= 0 {
		config.DispatchesPerSecond = 5
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 20
	}
	if config.DequeueTimeout <= 0 {
		config.DequeueTimeout = 5 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   config.RequestTimeout,
		}
	}

	burst := int(config.DispatchesPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &Dispatcher{
		queue:   q,
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(config.DispatchesPerSecond), burst),
		logger:  core.ComponentLogger(config.Logger, "queue.dispatcher"),
		stopCh:  make(chan struct{}),
	}, nil
}

// UpdateRateLimit changes the global dispatch rate at runtime.
func (d *Dispatcher) UpdateRateLimit(perSecond float64, burst int) {
	if perSecond <= 0 {
		return
	}
	if burst < 1 {
		burst = 1
	}
	d.limiter.SetLimit(rate.Limit(perSecond))
	d.limiter.SetBurst(burst)
	d.logger.Info("Dispatch rate updated", map[string]interface{}{
		"per_second": perSecond,
		"burst":      burst,
	})
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	if rec, ok := d.queue.(interface {
		RecoverProcessing(context.Context) (int, error)
	}); ok {
		moved, err := rec.RecoverProcessing(ctx)
		if err != nil {
			d.logger.Warn("Failed to recover in-flight tasks", map[string]interface{}{
				"error": err.Error(),
			})
		} else if moved > 0 {
			d.logger.Info("Recovered in-flight tasks", map[string]interface{}{
				"count": moved,
			})
		}
	}
	d.wg.Add(1)
	go d.loop(ctx)
	d.logger.Info("Dispatcher started", map[string]interface{}{
		"worker_url":     d.config.WorkerURL,
		"per_second":     d.config.DispatchesPerSecond,
		"max_concurrent": d.config.MaxConcurrent,
	})
}

// Stop halts dispatching and waits for in-flight deliveries, up to the
// context deadline.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.running.CompareAndSwap(true, false) {
		return nil
	}
	d.stopOnce.Do(func() { close(d.stopCh) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("Dispatcher stopped", map[string]interface{}{
			"delivered": d.delivered.Load(),
		})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Delivered:   d.delivered.Load(),
		Retried:     d.retried.Load(),
		DeadLetters: d.deadLetters.Load(),
		InFlight:    d.inFlight.Load(),
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	slots := make(chan struct{}, d.config.MaxConcurrent)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		env, receipt, err := d.queue.Dequeue(ctx, d.config.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("Dequeue failed", map[string]interface{}{
				"error": err.Error(),
			})
			time.Sleep(time.Second)
			continue
		}
		if env == nil {
			continue
		}

		if err := d.limiter.Wait(ctx); err != nil {
			// Shutting down with a task in hand: push it back.
			d.requeue(env, receipt)
			return
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			d.requeue(env, receipt)
			return
		case <-d.stopCh:
			d.requeue(env, receipt)
			return
		}

		d.wg.Add(1)
		d.inFlight.Add(1)
		go func(env *core.TaskEnvelope, receipt string) {
			defer d.wg.Done()
			defer d.inFlight.Add(-1)
			defer func() { <-slots }()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("Dispatch panic", map[string]interface{}{
						"request_id": env.RequestID,
						"panic":      r,
						"stack":      string(debug.Stack()),
					})
				}
			}()
			d.dispatch(ctx, env)
			d.ack(receipt)
		}(env, receipt)
	}
}

// ack releases a task's redelivery protection. It runs on its own
// context so a canceled dispatch context cannot strand the receipt.
func (d *Dispatcher) ack(receipt string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.queue.Ack(ctx, receipt); err != nil {
		d.logger.Error("Failed to ack task", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (d *Dispatcher) requeue(env *core.TaskEnvelope, receipt string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.queue.Enqueue(ctx, env); err != nil {
		d.logger.Error("Failed to requeue task on shutdown", map[string]interface{}{
			"request_id": env.RequestID,
			"error":      err.Error(),
		})
		// Leave the receipt in place; recovery will replay the task.
		return
	}
	d.ack(receipt)
}

// dispatch delivers one envelope. The response status decides the fate:
// 2xx acks, 429 and 5xx and transport errors reschedule, any other 4xx
// dead-letters immediately.
func (d *Dispatcher) dispatch(ctx context.Context, env *core.TaskEnvelope) {
	attempt := env.AttemptNo + 1

	status, err := d.deliver(ctx, env, attempt)
	switch {
	case err == nil && status >= 200 && status < 300:
		d.delivered.Add(1)
		d.logger.Info("Task delivered", map[string]interface{}{
			"request_id": env.RequestID,
			"attempt_no": attempt,
			"status":     status,
		})
		return

	case err == nil && status >= 400 && status < 500 && status != http.StatusTooManyRequests:
		d.deadLetter(ctx, env, core.FailureInternal,
			fmt.Errorf("worker rejected task with status %d", status))
		return
	}

	if err == nil {
		err = fmt.Errorf("worker returned status %d", status)
	}

	if attempt >= env.Retry.MaxAttempts {
		d.deadLetter(ctx, env, core.FailureTransientNetwork,
			fmt.Errorf("%w: %v", core.ErrMaxAttemptsExceeded, err))
		return
	}

	backoff := env.Retry.NextBackoff(attempt)
	next := *env
	next.AttemptNo = attempt
	next.NotBefore = time.Now().Add(backoff)

	if qerr := d.queue.Enqueue(ctx, &next); qerr != nil {
		d.logger.Error("Failed to reschedule task", map[string]interface{}{
			"request_id": env.RequestID,
			"error":      qerr.Error(),
		})
		return
	}
	d.retried.Add(1)
	d.logger.Warn("Delivery failed, rescheduled", map[string]interface{}{
		"request_id": env.RequestID,
		"attempt_no": attempt,
		"backoff":    backoff.String(),
		"error":      err.Error(),
	})
}

func (d *Dispatcher) deliver(ctx context.Context, env *core.TaskEnvelope, attempt int) (int, error) {
	body, err := json.Marshal(&env.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.config.WorkerURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", env.RequestID)
	req.Header.Set("X-Attempt-No", strconv.Itoa(attempt))
	req.Header.Set("X-Enqueue-Time", env.EnqueueTime.UTC().Format(time.RFC3339Nano))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func (d *Dispatcher) deadLetter(ctx context.Context, env *core.TaskEnvelope, kind core.FailureKind, cause error) {
	d.deadLetters.Add(1)
	d.logger.Error("Task dead-lettered", map[string]interface{}{
		"request_id": env.RequestID,
		"attempt_no": env.AttemptNo,
		"kind":       string(kind),
		"error":      cause.Error(),
	})
	if d.config.DeadLetter != nil {
		d.config.DeadLetter(ctx, env, kind, cause)
	}
}
