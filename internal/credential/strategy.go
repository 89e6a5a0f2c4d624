package credential

import (
	"sort"
	"strings"
)

// Strategy picks one credential from an eligible, non-empty candidate set.
// Candidates arrive pre-filtered and sorted by id, so a strategy that keeps no
// state of its own is deterministic by construction.
type Strategy interface {
	Name() string
	Select(candidates []*Credential, model string) *Credential
}

// NewStrategy builds a strategy by config name.
func NewStrategy(name string) Strategy {
	switch name {
	case "least_loaded":
		return &leastLoaded{}
	case "priority":
		return &priorityThenRR{rr: &roundRobin{}}
	case "cost":
		return &costOptimized{}
	case "speed":
		return &speedOptimized{}
	default:
		return &roundRobin{}
	}
}

// roundRobin cycles through candidates. The cursor advances per call; the pick
// is next-index modulo the eligible count, so the same set and cursor always
// yield the same credential.
type roundRobin struct {
	cursor int
}

func (s *roundRobin) Name() string { return "round_robin" }

func (s *roundRobin) Select(candidates []*Credential, _ string) *Credential {
	pick := candidates[s.cursor%len(candidates)]
	s.cursor++
	return pick
}

// leastLoaded picks the minimum in-flight count, ties broken by
// least-recently-used, then id for stability.
type leastLoaded struct{}

func (s *leastLoaded) Name() string { return "least_loaded" }

func (s *leastLoaded) Select(candidates []*Credential, _ string) *Credential {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.inFlight < best.inFlight {
			best = c
			continue
		}
		if c.inFlight == best.inFlight {
			if c.Stats.LastUsed.Before(best.Stats.LastUsed) ||
				(c.Stats.LastUsed.Equal(best.Stats.LastUsed) && c.ID < best.ID) {
				best = c
			}
		}
	}
	return best
}

// priorityThenRR narrows to the highest priority bucket, then round-robins.
type priorityThenRR struct {
	rr *roundRobin
}

func (s *priorityThenRR) Name() string { return "priority" }

func (s *priorityThenRR) Select(candidates []*Credential, model string) *Credential {
	top := candidates[0].Priority
	for _, c := range candidates[1:] {
		if c.Priority > top {
			top = c.Priority
		}
	}
	bucket := make([]*Credential, 0, len(candidates))
	for _, c := range candidates {
		if c.Priority == top {
			bucket = append(bucket, c)
		}
	}
	return s.rr.Select(bucket, model)
}

// modelCostTier ranks models by combined input+output price per MTok. Exact
// prices do not matter for selection, only the relative order of families.
func modelCostTier(model string) int {
	switch {
	case strings.Contains(model, "haiku"),
		strings.Contains(model, "mini"),
		strings.Contains(model, "flash"),
		strings.Contains(model, "lite"):
		return 1
	case strings.Contains(model, "opus"),
		strings.Contains(model, "pro"):
		return 3
	default:
		return 2
	}
}

// modelLatencyClass buckets model families by expected time-to-first-token.
func modelLatencyClass(model string) int {
	switch {
	case strings.Contains(model, "haiku"),
		strings.Contains(model, "flash"),
		strings.Contains(model, "mini"),
		strings.Contains(model, "turbo"):
		return 1
	case strings.Contains(model, "opus"):
		return 3
	default:
		return 2
	}
}

// cheapestServable returns the lowest tier among the models a credential can
// serve for the requested model; credentials restricted to cheaper aliases of
// the same request rank ahead.
func cheapestServable(c *Credential, model string) int {
	if len(c.Models) == 0 {
		return modelCostTier(model)
	}
	best := modelCostTier(model)
	for _, m := range c.Models {
		if m == "*" {
			continue
		}
		if t := modelCostTier(m); t < best {
			best = t
		}
	}
	return best
}

// costOptimized ranks by per-model cost tier, then by priority and id.
type costOptimized struct{}

func (s *costOptimized) Name() string { return "cost" }

func (s *costOptimized) Select(candidates []*Credential, model string) *Credential {
	picks := append([]*Credential(nil), candidates...)
	sort.SliceStable(picks, func(i, j int) bool {
		ti, tj := cheapestServable(picks[i], model), cheapestServable(picks[j], model)
		if ti != tj {
			return ti < tj
		}
		if picks[i].Priority != picks[j].Priority {
			return picks[i].Priority > picks[j].Priority
		}
		return picks[i].ID < picks[j].ID
	})
	return picks[0]
}

// fastestServable mirrors cheapestServable for latency classes.
func fastestServable(c *Credential, model string) int {
	if len(c.Models) == 0 {
		return modelLatencyClass(model)
	}
	best := modelLatencyClass(model)
	for _, m := range c.Models {
		if m == "*" {
			continue
		}
		if cl := modelLatencyClass(m); cl < best {
			best = cl
		}
	}
	return best
}

// speedOptimized ranks by latency class, then in-flight load, then id.
type speedOptimized struct{}

func (s *speedOptimized) Name() string { return "speed" }

func (s *speedOptimized) Select(candidates []*Credential, model string) *Credential {
	picks := append([]*Credential(nil), candidates...)
	sort.SliceStable(picks, func(i, j int) bool {
		ci, cj := fastestServable(picks[i], model), fastestServable(picks[j], model)
		if ci != cj {
			return ci < cj
		}
		if picks[i].inFlight != picks[j].inFlight {
			return picks[i].inFlight < picks[j].inFlight
		}
		return picks[i].ID < picks[j].ID
	})
	return picks[0]
}
