// Package telemetry - metrics.go provides cheap process-wide counters.
//
// DESIGN: Atomic counters for the hot path; the ring-buffer stores carry the
// per-request detail. For production, export these to Prometheus or similar.
package telemetry

import (
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational counters.
type MetricsCollector struct {
	startedAt time.Time

	requests  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	retries   atomic.Int64
	streams   atomic.Int64

	inputTokens  atomic.Int64
	outputTokens atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startedAt: time.Now()}
}

// RecordRequest records a finished request.
func (mc *MetricsCollector) RecordRequest(success, stream bool) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	} else {
		mc.failures.Add(1)
	}
	if stream {
		mc.streams.Add(1)
	}
}

// RecordRetry records one retry attempt.
func (mc *MetricsCollector) RecordRetry() { mc.retries.Add(1) }

// RecordTokens records billed token counts.
func (mc *MetricsCollector) RecordTokens(input, output int64) {
	mc.inputTokens.Add(input)
	mc.outputTokens.Add(output)
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
	Requests      int64 `json:"requests"`
	Successes     int64 `json:"successes"`
	Failures      int64 `json:"failures"`
	Retries       int64 `json:"retries"`
	Streams       int64 `json:"streams"`
	InputTokens   int64 `json:"input_tokens"`
	OutputTokens  int64 `json:"output_tokens"`
}

// Snapshot copies the counters.
func (mc *MetricsCollector) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds: int64(time.Since(mc.startedAt).Seconds()),
		Requests:      mc.requests.Load(),
		Successes:     mc.successes.Load(),
		Failures:      mc.failures.Load(),
		Retries:       mc.retries.Load(),
		Streams:       mc.streams.Load(),
		InputTokens:   mc.inputTokens.Load(),
		OutputTokens:  mc.outputTokens.Load(),
	}
}
