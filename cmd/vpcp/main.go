// Command vpcp operates the video production control plane: one binary
// with subcommands for submitting and inspecting requests and for
// running the long-lived components.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

// Exit codes.
const (
	exitOK       = 0
	exitConfig   = 2
	exitRuntime  = 3
	exitNotFound = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfig
	}

	switch args[0] {
	case "submit":
		return cmdSubmit(args[1:])
	case "status":
		return cmdStatus(args[1:])
	case "plan":
		return cmdPlan(args[1:])
	case "run-worker":
		return cmdRunWorker(args[1:])
	case "run-dispatcher":
		return cmdRunDispatcher(args[1:])
	case "run-scheduler":
		return cmdRunScheduler(args[1:])
	case "run-poller":
		return cmdRunPoller(args[1:])
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		return exitConfig
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: vpcp <command> [flags]

commands:
  submit          enqueue one generation request
  status          show system status, or one request's record with -id
  plan            print the daily plan without enqueueing it
  run-worker      serve the worker endpoint (with poller and prober)
  run-dispatcher  drain the queue into the worker
  run-scheduler   plan and enqueue daily batches
  run-poller      run a standalone poller
`)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func cmdSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	id := fs.String("id", "", "request ID (generated when empty)")
	tier := fs.String("tier", "STANDARD", "quality tier: PREMIUM, STANDARD, VOLUME")
	prompt := fs.String("prompt", "", "creative prompt")
	duration := fs.Int("duration", 30, "clip duration in seconds")
	aspect := fs.String("aspect", "16:9", "aspect ratio")
	platform := fs.String("platform", "", "platform hint")
	deadline := fs.Duration("deadline", 0, "completion deadline measured from now, e.g. 2h")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	ctx, cancel := signalContext()
	defer cancel()

	p, err := buildPipeline(ctx, *configPath, "vpcp-submit")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return configOrRuntime(err)
	}
	defer p.close()

	requestID := *id
	if requestID == "" {
		requestID = uuid.NewString()
	}
	now := time.Now().UTC()
	env := core.TaskEnvelope{
		RequestID: requestID,
		Payload: core.GenerationRequest{
			RequestID:       requestID,
			Tier:            core.Tier(*tier),
			Prompt:          *prompt,
			DurationSeconds: *duration,
			AspectRatio:     *aspect,
			PlatformHint:    *platform,
			CreatedAt:       now,
		},
		EnqueueTime: now,
		Retry:       p.cfg.Queue.Retry,
	}
	if *deadline > 0 {
		t := now.Add(*deadline)
		env.Payload.Deadline = &t
	}
	if err := env.Payload.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	if err := p.queue.Enqueue(ctx, &env); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}
	printJSON(map[string]string{"request_id": requestID, "status": "enqueued"})
	return exitOK
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	id := fs.String("id", "", "request ID (omit for system-wide status)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	ctx, cancel := signalContext()
	defer cancel()

	p, err := buildPipeline(ctx, *configPath, "vpcp-status")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return configOrRuntime(err)
	}
	defer p.close()

	if *id == "" {
		return systemStatus(ctx, p)
	}

	out := make(map[string]interface{})
	rec, recErr := p.store.GetRecord(ctx, *id)
	if recErr == nil {
		out["record"] = rec
	}
	if job, err := p.store.ActiveForRequest(ctx, *id); err == nil {
		out["active_job"] = job
	}
	if len(out) == 0 {
		if recErr != nil && !errors.Is(recErr, core.ErrJobNotFound) {
			fmt.Fprintln(os.Stderr, recErr)
			return exitRuntime
		}
		fmt.Fprintf(os.Stderr, "request %s not found\n", *id)
		return exitNotFound
	}
	printJSON(out)
	return exitOK
}

// systemStatus prints queue depth, worker stats, router health, and the
// budget ledger.
func systemStatus(ctx context.Context, p *pipeline) int {
	ready, scheduled, err := p.queue.Depths(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}
	out := map[string]interface{}{
		"queue":         map[string]int64{"ready": ready, "scheduled": scheduled},
		"router_health": p.router.HealthSnapshot(),
		"budget":        p.accountant.Snapshot(),
	}
	if stats, err := fetchWorkerStats(ctx, p.cfg.Worker.WorkerURLSeenByQueue); err == nil {
		out["worker"] = stats
	} else {
		// The worker may simply not be running; status still prints.
		out["worker"] = map[string]string{"error": err.Error()}
	}
	printJSON(out)
	return exitOK
}

// fetchWorkerStats pulls GET /stats from the worker whose task endpoint
// the queue is configured to deliver to.
func fetchWorkerStats(ctx context.Context, workerURL string) (map[string]interface{}, error) {
	base := strings.TrimSuffix(workerURL, "/process_video_job")
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, base+"/stats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker stats returned %d", resp.StatusCode)
	}
	var stats map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func cmdPlan(args []string) int {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	date := fs.String("date", "", "plan date YYYY-MM-DD (default today UTC)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	ctx, cancel := signalContext()
	defer cancel()

	p, err := buildPipeline(ctx, *configPath, "vpcp-plan")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return configOrRuntime(err)
	}
	defer p.close()

	day := time.Now().UTC()
	if *date != "" {
		day, err = time.Parse("2006-01-02", *date)
		if err != nil {
			fmt.Fprintf(os.Stderr, "plan: bad date %q\n", *date)
			return exitConfig
		}
	}

	envelopes, err := p.newScheduler().Plan(day)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}
	printJSON(envelopes)
	return exitOK
}

func cmdRunWorker(args []string) int {
	fs := flag.NewFlagSet("run-worker", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	ctx, cancel := signalContext()
	defer cancel()

	p, err := buildPipeline(ctx, *configPath, "vpcp-worker")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return configOrRuntime(err)
	}
	defer p.close()

	srv := workerServer(p)
	pol := p.newPoller()
	prober := p.newProber()

	pol.Start(ctx)
	prober.Start(ctx)
	go p.persistLoop(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			p.logger.Error("Worker server failed", map[string]interface{}{
				"error": err.Error(),
			})
			return exitRuntime
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	pol.Stop(shutdownCtx)
	prober.Stop(shutdownCtx)
	return exitOK
}

func cmdRunDispatcher(args []string) int {
	fs := flag.NewFlagSet("run-dispatcher", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	ctx, cancel := signalContext()
	defer cancel()

	p, err := buildPipeline(ctx, *configPath, "vpcp-dispatcher")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return configOrRuntime(err)
	}
	defer p.close()

	d, err := p.newDispatcher()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	d.Start(ctx)
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	d.Stop(shutdownCtx)
	return exitOK
}

func cmdRunScheduler(args []string) int {
	fs := flag.NewFlagSet("run-scheduler", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	ctx, cancel := signalContext()
	defer cancel()

	p, err := buildPipeline(ctx, *configPath, "vpcp-scheduler")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return configOrRuntime(err)
	}
	defer p.close()

	s := p.newScheduler()
	s.Start(ctx)
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	s.Stop(shutdownCtx)
	return exitOK
}

func cmdRunPoller(args []string) int {
	fs := flag.NewFlagSet("run-poller", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	once := fs.Bool("once", false, "run a single tick and exit")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	ctx, cancel := signalContext()
	defer cancel()

	p, err := buildPipeline(ctx, *configPath, "vpcp-poller")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return configOrRuntime(err)
	}
	defer p.close()

	pol := p.newPoller()
	if *once {
		pol.Tick(ctx)
		printJSON(pol.Stats())
		return exitOK
	}

	pol.Start(ctx)
	go p.persistLoop(ctx)
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	pol.Stop(shutdownCtx)
	return exitOK
}

func configOrRuntime(err error) int {
	if core.IsConfigurationError(err) {
		return exitConfig
	}
	return exitRuntime
}
