// Package telemetry bootstraps OpenTelemetry for the control plane and
// exposes the counters the pipeline components emit.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds the configured providers and pipeline instruments.
type Telemetry struct {
	TraceProvider *sdktrace.TracerProvider
	Tracer        trace.Tracer
	Meter         metric.Meter

	RequestsSubmitted metric.Int64Counter
	JobsCompleted     metric.Int64Counter
	JobsFailed        metric.Int64Counter
	CreditsCommitted  metric.Int64Counter
	TierUplifts       metric.Int64Counter
}

// active holds the process-wide instance set by Init. Lock-free reads
// keep the emit helpers cheap enough for the submit path.
var active atomic.Pointer[Telemetry]

// Init configures tracing and metrics for a process. Set
// OTEL_SDK_DISABLED=true to run with no-op providers.
func Init(serviceName string) (*Telemetry, error) {
	if os.Getenv("OTEL_SDK_DISABLED") == "true" {
		t := &Telemetry{
			Tracer: otel.Tracer("noop"),
			Meter:  otel.Meter("noop"),
		}
		if err := t.createInstruments(); err != nil {
			return nil, err
		}
		active.Store(t)
		return t, nil
	}

	if serviceName == "" {
		serviceName = os.Getenv("OTEL_SERVICE_NAME")
		if serviceName == "" {
			serviceName = "vpcp"
		}
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("vpcp.component", serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t := &Telemetry{
		TraceProvider: tp,
		Tracer:        tp.Tracer(serviceName),
		Meter:         otel.Meter(serviceName),
	}
	if err := t.createInstruments(); err != nil {
		return nil, err
	}
	active.Store(t)
	return t, nil
}

func (t *Telemetry) createInstruments() error {
	var err error
	if t.RequestsSubmitted, err = t.Meter.Int64Counter("vpcp.requests.submitted",
		metric.WithDescription("Generation requests submitted to providers")); err != nil {
		return err
	}
	if t.JobsCompleted, err = t.Meter.Int64Counter("vpcp.jobs.completed",
		metric.WithDescription("Provider jobs reaching SUCCEEDED")); err != nil {
		return err
	}
	if t.JobsFailed, err = t.Meter.Int64Counter("vpcp.jobs.failed",
		metric.WithDescription("Provider jobs reaching FAILED or EXPIRED")); err != nil {
		return err
	}
	if t.CreditsCommitted, err = t.Meter.Int64Counter("vpcp.credits.committed",
		metric.WithDescription("Credits committed against provider budgets")); err != nil {
		return err
	}
	if t.TierUplifts, err = t.Meter.Int64Counter("vpcp.tier.uplifts",
		metric.WithDescription("Requests served at a tier other than requested")); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes spans. Safe on a no-op instance.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.TraceProvider == nil {
		return nil
	}
	return t.TraceProvider.Shutdown(ctx)
}

// Package-level emit helpers. Pipeline components call these instead of
// threading a *Telemetry through every config. Calls before Init (or in
// tests that never initialize telemetry) are dropped.

// RequestSubmitted counts one generation request handed to a provider.
func RequestSubmitted(ctx context.Context, providerID, tier string) {
	if t := active.Load(); t != nil {
		t.RequestsSubmitted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", providerID),
			attribute.String("tier", tier),
		))
	}
}

// JobCompleted counts one provider job that reached SUCCEEDED.
func JobCompleted(ctx context.Context, providerID string) {
	if t := active.Load(); t != nil {
		t.JobsCompleted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", providerID),
		))
	}
}

// JobFailed counts one provider job that reached FAILED or EXPIRED.
func JobFailed(ctx context.Context, providerID, kind string) {
	if t := active.Load(); t != nil {
		t.JobsFailed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", providerID),
			attribute.String("kind", kind),
		))
	}
}

// CommittedCredits counts credits committed against a provider budget.
func CommittedCredits(ctx context.Context, providerID string, credits int64) {
	if t := active.Load(); t != nil {
		t.CreditsCommitted.Add(ctx, credits, metric.WithAttributes(
			attribute.String("provider", providerID),
		))
	}
}

// TierUplift counts one request served at a tier other than requested.
func TierUplift(ctx context.Context, requested, served string) {
	if t := active.Load(); t != nil {
		t.TierUplifts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("requested", requested),
			attribute.String("served", served),
		))
	}
}
