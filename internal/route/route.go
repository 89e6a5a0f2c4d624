// Package route resolves client model names to canonical upstream models and
// picks the provider that serves them.
//
// DESIGN: A Table holds the alias map, the rule list, and the overrides
// behind a read lock. Every request resolves through it; writes happen only
// on config reload. Resolution order for the provider is: explicit rule on
// the canonical model, then client-type override, then the default provider.
// Message hints sit outside this order and are applied by the pipeline only
// when no explicit rule matched.
package route

import (
	"sort"
	"strings"
	"sync"

	"github.com/relaycore/ai-gateway/internal/config"
	"github.com/relaycore/ai-gateway/internal/gwerr"
)

// Decision is the outcome of provider resolution.
type Decision struct {
	Provider string
	// Explicit is true when a configured rule matched the model. Explicit
	// decisions cannot be displaced by hints or client-type overrides.
	Explicit bool
	// DefaultUsed is true when the catch-all default provider was chosen.
	DefaultUsed bool
}

// Table is the reloadable routing state.
type Table struct {
	mu          sync.RWMutex
	aliases     map[string]string
	rules       []config.RouteRule
	defaultProv string
	clientTypes map[string]string
	hints       map[string]config.HintTarget
}

// NewTable builds a Table from routing config.
func NewTable(cfg config.RoutingConfig) *Table {
	t := &Table{}
	t.Reload(cfg)
	return t
}

// Reload swaps in new routing config atomically.
func (t *Table) Reload(cfg config.RoutingConfig) {
	aliases := make(map[string]string, len(cfg.Aliases))
	for k, v := range cfg.Aliases {
		aliases[k] = v
	}
	clientTypes := make(map[string]string, len(cfg.ClientTypes))
	for k, v := range cfg.ClientTypes {
		clientTypes[strings.ToLower(k)] = v
	}
	hints := make(map[string]config.HintTarget, len(cfg.Hints))
	for k, v := range cfg.Hints {
		hints[strings.ToLower(k)] = v
	}
	rules := make([]config.RouteRule, len(cfg.Rules))
	copy(rules, cfg.Rules)
	// Exact rules outrank prefix rules; longer prefixes outrank shorter.
	sort.SliceStable(rules, func(i, j int) bool {
		wi, wj := ruleWeight(rules[i].Model), ruleWeight(rules[j].Model)
		return wi > wj
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	t.aliases = aliases
	t.rules = rules
	t.defaultProv = cfg.DefaultProvider
	t.clientTypes = clientTypes
	t.hints = hints
}

func ruleWeight(pattern string) int {
	if strings.HasSuffix(pattern, "*") {
		return len(pattern) - 1
	}
	return len(pattern) + 1<<20
}

// Resolve maps a client-visible model name to its canonical upstream name.
// Unknown names pass through unchanged.
func (t *Table) Resolve(model string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if canonical, ok := t.aliases[model]; ok {
		return canonical
	}
	return model
}

// Route picks the provider for a canonical model. Precedence: explicit rule,
// client-type override, default provider. No match anywhere is a routing
// failure.
func (t *Table) Route(model, clientType string) (Decision, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, r := range t.rules {
		if matchModel(r.Model, model) {
			return Decision{Provider: r.Provider, Explicit: true}, nil
		}
	}
	if p, ok := t.clientTypes[strings.ToLower(clientType)]; ok && p != "" {
		return Decision{Provider: p}, nil
	}
	if t.defaultProv != "" {
		return Decision{Provider: t.defaultProv, DefaultUsed: true}, nil
	}
	// the client asked for a model nothing is configured to serve
	return Decision{}, gwerr.Newf(gwerr.KindInvalidRequest, "no route for model %q and no default provider", model)
}

// Hint looks up a message-prefix keyword. Matching is case-insensitive.
func (t *Table) Hint(keyword string) (config.HintTarget, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	target, ok := t.hints[strings.ToLower(keyword)]
	return target, ok
}

func matchModel(pattern, model string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(model, pattern[:len(pattern)-1])
	}
	return pattern == model
}
