// Package telemetry - aggregate.go computes the stats surface.
package telemetry

import (
	"sort"
	"time"
)

// Summary is the all-time view over the stores.
type Summary struct {
	TotalRequests     int     `json:"total_requests"`
	Successes         int     `json:"successes"`
	Failures          int     `json:"failures"`
	Timeouts          int     `json:"timeouts"`
	Cancelled         int     `json:"cancelled"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	ErrorRate         float64 `json:"error_rate"`
}

// WindowStats covers the recent window only.
type WindowStats struct {
	Window       time.Duration `json:"-"`
	Requests     int           `json:"requests"`
	ErrorRate    float64       `json:"error_rate"`
	P95LatencyMS int64         `json:"p95_latency_ms"`
	Retrying     int           `json:"retrying"`
	OpenCircuits int           `json:"open_circuits"`
}

// CircuitSource reports how many provider types have at least one non-healthy
// credential. Implemented by the credential pool.
type CircuitSource interface {
	NonHealthyProviders() int
}

// Summarize aggregates the full request and usage snapshots.
func (s *Store) Summarize() Summary {
	sum := Summary{}
	for _, r := range s.Requests() {
		sum.TotalRequests++
		switch r.Status {
		case StatusSuccess:
			sum.Successes++
		case StatusFailed:
			sum.Failures++
		case StatusTimeout:
			sum.Timeouts++
		case StatusCancelled:
			sum.Cancelled++
		}
	}
	for _, u := range s.Usage() {
		sum.TotalInputTokens += u.InputTokens
		sum.TotalOutputTokens += u.OutputTokens
	}
	if terminal := sum.Successes + sum.Failures + sum.Timeouts; terminal > 0 {
		sum.ErrorRate = float64(sum.Failures+sum.Timeouts) / float64(terminal)
	}
	return sum
}

// Recent aggregates the trailing window. circuits may be nil.
func (s *Store) Recent(window time.Duration, circuits CircuitSource) WindowStats {
	cutoff := s.now().Add(-window)
	stats := WindowStats{Window: window}

	var latencies []int64
	errors := 0
	terminal := 0
	for _, r := range s.Requests() {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		stats.Requests++
		switch r.Status {
		case StatusRetrying:
			stats.Retrying++
			continue
		case StatusFailed, StatusTimeout:
			errors++
		}
		terminal++
		latencies = append(latencies, r.DurationMS)
	}
	if terminal > 0 {
		stats.ErrorRate = float64(errors) / float64(terminal)
	}
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		idx := (len(latencies)*95 + 99) / 100
		if idx > 0 {
			idx--
		}
		stats.P95LatencyMS = latencies[idx]
	}
	if circuits != nil {
		stats.OpenCircuits = circuits.NonHealthyProviders()
	}
	return stats
}
