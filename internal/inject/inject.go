// Package inject applies operator-configured parameter rules to request
// bodies before they reach the provider.
package inject

import (
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/relaycore/ai-gateway/internal/config"
)

// allowedKeys is the closed set of sampling parameters a rule may touch.
var allowedKeys = map[string]bool{
	"temperature":       true,
	"max_tokens":        true,
	"top_p":             true,
	"top_k":             true,
	"frequency_penalty": true,
	"presence_penalty":  true,
	"stop":              true,
	"seed":              true,
	"n":                 true,
}

// protectedKeys may never be overridden regardless of rule mode.
var protectedKeys = map[string]bool{
	"model":           true,
	"messages":        true,
	"tools":           true,
	"tool_choice":     true,
	"stream":          true,
	"response_format": true,
}

// Result records what a pass over the rules changed.
type Result struct {
	AppliedRules []string
	InjectedKeys []string
}

// Injector holds the active rule set behind a read lock; rules are replaced
// only on config reload.
type Injector struct {
	mu    sync.RWMutex
	rules []config.InjectionRule
}

func New(rules []config.InjectionRule) *Injector {
	inj := &Injector{}
	inj.Reload(rules)
	return inj
}

// Reload replaces the rule set. Rules apply in ascending priority so the
// highest priority writes last and wins contested keys.
func (inj *Injector) Reload(rules []config.InjectionRule) {
	sorted := make([]config.InjectionRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	inj.mu.Lock()
	inj.rules = sorted
	inj.mu.Unlock()
}

// Apply runs every rule matching the model against the body. Merge inserts a
// key only when absent; override replaces it. Keys outside the allowed set
// and protected keys are dropped silently.
func (inj *Injector) Apply(body []byte, model string) ([]byte, Result, error) {
	inj.mu.RLock()
	rules := inj.rules
	inj.mu.RUnlock()

	var res Result
	for _, rule := range rules {
		if !matchModel(rule.ModelMatch, model) {
			continue
		}
		applied := false
		// deterministic key order within a rule
		keys := make([]string, 0, len(rule.Parameters))
		for k := range rule.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if !allowedKeys[key] || protectedKeys[key] {
				continue
			}
			override := strings.EqualFold(rule.Mode, "override")
			if !override && gjson.GetBytes(body, key).Exists() {
				continue
			}
			updated, err := sjson.SetBytes(body, key, rule.Parameters[key])
			if err != nil {
				return body, res, err
			}
			body = updated
			applied = true
			res.InjectedKeys = append(res.InjectedKeys, key)
		}
		if applied {
			res.AppliedRules = append(res.AppliedRules, rule.ID)
		}
	}
	return body, res, nil
}

func matchModel(pattern, model string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(model, pattern[:len(pattern)-1])
	default:
		return pattern == model
	}
}
