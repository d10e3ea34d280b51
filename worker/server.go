package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

// ServerConfig configures the worker HTTP server.
type ServerConfig struct {
	// ListenAddr is the bind address. Default: ":8080"
	ListenAddr string `json:"listen_addr"`

	// HandlerPoolSize caps concurrently processed tasks. Deliveries
	// beyond the cap get 429 and ride the queue's backoff. Default: 16
	HandlerPoolSize int `json:"handler_pool_size"`

	// PerRequestDeadline bounds one task's processing. Default: 900s
	PerRequestDeadline time.Duration `json:"per_request_deadline"`

	Logger core.Logger `json:"-"`
}

// DefaultServerConfig returns production server settings.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:         ":8080",
		HandlerPoolSize:    16,
		PerRequestDeadline: 900 * time.Second,
	}
}

// ServerStats is the payload of GET /stats.
type ServerStats struct {
	Processed  uint64     `json:"processed"`
	Completed  uint64     `json:"completed"`
	Accepted   uint64     `json:"accepted"`
	Duplicates uint64     `json:"duplicates"`
	Failed     uint64     `json:"failed"`
	Retried    uint64     `json:"retried"`
	Rejected   uint64     `json:"rejected"`
	InFlight   int64      `json:"in_flight"`
	LastJobAt  *time.Time `json:"last_job_at"`
	Uptime     string     `json:"uptime"`
}

// Server is the worker's HTTP surface.
type Server struct {
	processor *Processor
	config    *ServerConfig
	logger    core.Logger
	slots     chan struct{}
	httpSrv   *http.Server
	startedAt time.Time

	// lastJobAt is the unix-nano time of the most recent delivery, zero
	// until the first one.
	lastJobAt atomic.Int64

	processed  atomic.Uint64
	completed  atomic.Uint64
	accepted   atomic.Uint64
	duplicates atomic.Uint64
	failed     atomic.Uint64
	retried    atomic.Uint64
	rejected   atomic.Uint64
	inFlight   atomic.Int64
}

// NewServer creates the worker server around a processor.
func NewServer(processor *Processor, config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.HandlerPoolSize <= 0 {
		config.HandlerPoolSize = 16
	}
	if config.PerRequestDeadline <= 0 {
		config.PerRequestDeadline = 900 * time.Second
	}

	s := &Server{
		processor: processor,
		config:    config,
		logger:    core.ComponentLogger(config.Logger, "worker.server"),
		slots:     make(chan struct{}, config.HandlerPoolSize),
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/process_video_job", s.handleProcess)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)

	s.httpSrv = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           otelhttp.NewHandler(mux, "worker"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Worker listening", map[string]interface{}{
		"addr":      s.config.ListenAddr,
		"pool_size": s.config.HandlerPoolSize,
		"deadline":  s.config.PerRequestDeadline.String(),
	})
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight handlers up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the server's routes for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	select {
	case s.slots <- struct{}{}:
	default:
		s.rejected.Add(1)
		w.Header().Set("Retry-After", "10")
		http.Error(w, "handler pool full", http.StatusTooManyRequests)
		return
	}
	defer func() { <-s.slots }()

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("Handler panic", map[string]interface{}{
				"panic": rec,
				"stack": string(debug.Stack()),
			})
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()

	var req core.GenerationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad payload: %v", err), http.StatusBadRequest)
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("X-Request-Id")
	}
	w.Header().Set("X-Request-Id", req.RequestID)

	ctx, cancel := context.WithTimeout(r.Context(), s.config.PerRequestDeadline)
	defer cancel()

	outcome, err := s.processor.Process(ctx, &req)
	s.processed.Add(1)
	s.lastJobAt.Store(time.Now().UnixNano())

	switch outcome.Disposition {
	case DispositionCompleted:
		s.completed.Add(1)
		s.respond(w, http.StatusOK, outcome)
	case DispositionAccepted:
		s.accepted.Add(1)
		s.respond(w, http.StatusOK, outcome)
	case DispositionDuplicate:
		s.duplicates.Add(1)
		s.respond(w, http.StatusOK, outcome)
	case DispositionRetry:
		s.retried.Add(1)
		w.Header().Set("Retry-After", "30")
		s.respond(w, http.StatusServiceUnavailable, outcome)
	case DispositionFailed:
		s.failed.Add(1)
		if err != nil && core.IsConfigurationError(err) {
			// Malformed payload. Redelivery cannot fix it.
			s.respond(w, http.StatusBadRequest, outcome)
			return
		}
		// Terminal failure with a record written. Ack so the queue does
		// not redeliver a request that can no longer succeed.
		s.respond(w, http.StatusOK, outcome)
	default:
		s.respond(w, http.StatusInternalServerError, outcome)
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, outcome Outcome) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"disposition":  string(outcome.Disposition),
		"job_key":      outcome.JobKey,
		"failure_kind": string(outcome.FailureKind),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// The router is usable as long as some provider is still routable.
	routerOK := false
	for _, h := range s.processor.router.HealthSnapshot() {
		if h.State != "unhealthy" {
			routerOK = true
			break
		}
	}
	components := map[string]bool{
		"rate_limiter": s.processor.limiter != nil,
		"router":       routerOK,
		"budget":       s.processor.accountant.CheckInvariant() == nil,
	}
	status := "healthy"
	for _, ok := range components {
		if !ok {
			status = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var lastJobAt *time.Time
	if nanos := s.lastJobAt.Load(); nanos > 0 {
		t := time.Unix(0, nanos).UTC()
		lastJobAt = &t
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ServerStats{
		Processed:  s.processed.Load(),
		Completed:  s.completed.Load(),
		Accepted:   s.accepted.Load(),
		Duplicates: s.duplicates.Load(),
		Failed:     s.failed.Load(),
		Retried:    s.retried.Load(),
		Rejected:   s.rejected.Load(),
		InFlight:   s.inFlight.Load(),
		LastJobAt:  lastJobAt,
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
	})
}
