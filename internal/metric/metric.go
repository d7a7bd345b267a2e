// Package metric wires the fleet's operational signals into OTel
// instruments, grounded on atc/metric/otel_metrics.go: a package-level
// set of instruments created once via Init, recorded through small
// functions that no-op until Init has been called.
package metric

import (
	"context"

	"github.com/podfleet/fleet/internal/podtype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	podsByStateGauge     otelmetric.Int64Gauge
	queuedPromptsGauge   otelmetric.Int64Gauge
	dispatchDuration     otelmetric.Float64Histogram
	podCreatedCounter    otelmetric.Int64Counter
	podTerminatedCounter otelmetric.Int64Counter
)

// Init creates the OTel instruments used by this package. Call it once
// during startup after a MeterProvider has been configured (or leave it
// uncalled in tests — every Record* function below tolerates nil
// instruments).
func Init() {
	meter := otel.Meter("github.com/podfleet/fleet")

	if g, err := meter.Int64Gauge(
		"podfleet.pods.by_state",
		otelmetric.WithDescription("Number of pods currently in each PodState"),
	); err == nil {
		podsByStateGauge = g
	}

	if g, err := meter.Int64Gauge(
		"podfleet.prompts.queued",
		otelmetric.WithDescription("Number of prompts currently queued for dispatch"),
	); err == nil {
		queuedPromptsGauge = g
	}

	if h, err := meter.Float64Histogram(
		"podfleet.dispatch.duration",
		otelmetric.WithDescription("Time from dispatch to completion for one prompt"),
		otelmetric.WithUnit("s"),
	); err == nil {
		dispatchDuration = h
	}

	if c, err := meter.Int64Counter(
		"podfleet.pods.created",
		otelmetric.WithDescription("Number of pods provisioned"),
	); err == nil {
		podCreatedCounter = c
	}

	if c, err := meter.Int64Counter(
		"podfleet.pods.terminated",
		otelmetric.WithDescription("Number of pods terminated"),
	); err == nil {
		podTerminatedCounter = c
	}
}

// RecordPodsByState records the current count of pods in one state.
func RecordPodsByState(ctx context.Context, state podtype.PodState, count int64) {
	if podsByStateGauge == nil {
		return
	}
	podsByStateGauge.Record(ctx, count, otelmetric.WithAttributes(
		attribute.String("state", state.String()),
	))
}

// RecordQueuedPrompts records the current depth of the queued-prompts map.
func RecordQueuedPrompts(ctx context.Context, depth int64) {
	if queuedPromptsGauge == nil {
		return
	}
	queuedPromptsGauge.Record(ctx, depth)
}

// RecordDispatchDuration records how long one prompt spent from dispatch
// to completion, successful or not.
func RecordDispatchDuration(ctx context.Context, secs float64, success bool) {
	if dispatchDuration == nil {
		return
	}
	dispatchDuration.Record(ctx, secs, otelmetric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordPodCreated increments the pods-provisioned counter.
func RecordPodCreated(ctx context.Context) {
	if podCreatedCounter == nil {
		return
	}
	podCreatedCounter.Add(ctx, 1)
}

// RecordPodTerminated increments the pods-terminated counter.
func RecordPodTerminated(ctx context.Context) {
	if podTerminatedCounter == nil {
		return
	}
	podTerminatedCounter.Add(ctx, 1)
}
