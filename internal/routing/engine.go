package routing

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/eventbus"
	"github.com/iobridge/datagate/internal/logging"
)

// Decision is the outcome of routing a single envelope.
type Decision struct {
	Envelope        *envelope.Envelope
	MatchedRules    []string
	TargetSystemIDs []string
}

// Engine matches envelopes against a snapshot of rules. The snapshot is
// copy-on-write: readers never take a lock, writers publish a new sorted
// slice atomically.
type Engine struct {
	bus *eventbus.Bus

	mu       sync.Mutex // serializes writers
	snapshot atomic.Pointer[[]*compiledRule]
	nextSeq  int

	evaluated atomic.Int64
	matched   atomic.Int64
	misses    atomic.Int64
}

// NewEngine creates a routing engine publishing decisions on the given bus.
func NewEngine(bus *eventbus.Bus) *Engine {
	e := &Engine{bus: bus}
	empty := []*compiledRule{}
	e.snapshot.Store(&empty)
	return e
}

// AddRule registers or replaces a rule by id. Idempotent for identical input.
func (e *Engine) AddRule(r Rule) error {
	cr, err := compileRule(r)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := *e.snapshot.Load()
	next := make([]*compiledRule, 0, len(current)+1)
	replaced := false
	for _, existing := range current {
		if existing.ID == r.ID {
			cr.seq = existing.seq
			// Carry match statistics across replacement.
			existing.statsMu.Lock()
			cr.matchCount = existing.matchCount
			cr.lastMatchAt = existing.lastMatchAt
			existing.statsMu.Unlock()
			next = append(next, cr)
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		cr.seq = e.nextSeq
		e.nextSeq++
		next = append(next, cr)
	}
	e.publish(next)
	return nil
}

// RemoveRule deletes a rule by id. Unknown ids are ignored.
func (e *Engine) RemoveRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := *e.snapshot.Load()
	next := make([]*compiledRule, 0, len(current))
	for _, existing := range current {
		if existing.ID != id {
			next = append(next, existing)
		}
	}
	e.publish(next)
}

// ReplaceRules swaps the complete rule set.
func (e *Engine) ReplaceRules(rules []Rule) error {
	compiled := make([]*compiledRule, 0, len(rules))
	for i, r := range rules {
		cr, err := compileRule(r)
		if err != nil {
			return err
		}
		cr.seq = i
		compiled = append(compiled, cr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSeq = len(compiled)
	e.publish(compiled)
	return nil
}

// publish sorts by descending priority (stable on insertion order) and swaps
// the snapshot. Caller holds e.mu.
func (e *Engine) publish(rules []*compiledRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].seq < rules[j].seq
	})
	e.snapshot.Store(&rules)
}

// RouteMessage evaluates all active published rules against the envelope,
// attaches the decision to it, and emits ROUTING_DECIDED. A miss still emits
// the event with empty arrays so downstream can record no_target.
func (e *Engine) RouteMessage(env *envelope.Envelope) Decision {
	e.evaluated.Add(1)
	now := time.Now().UTC()

	var matchedRules []string
	var targetIDs []string
	seenTargets := make(map[string]struct{})

	for _, cr := range *e.snapshot.Load() {
		if !cr.IsActive || !cr.IsPublished {
			continue
		}
		if !e.ruleMatches(cr, env) {
			continue
		}
		cr.recordMatch(now)
		matchedRules = append(matchedRules, cr.ID)
		for _, tid := range cr.TargetSystemIDs {
			if _, seen := seenTargets[tid]; seen {
				continue
			}
			seenTargets[tid] = struct{}{}
			targetIDs = append(targetIDs, tid)
		}
	}

	if len(matchedRules) > 0 {
		e.matched.Add(1)
	} else {
		e.misses.Add(1)
	}

	env.MatchedRules = matchedRules
	env.TargetSystemIDs = targetIDs
	decision := Decision{Envelope: env, MatchedRules: matchedRules, TargetSystemIDs: targetIDs}

	if e.bus != nil {
		e.bus.Publish(eventbus.TopicRoutingDecided, decision, "routing")
	}
	return decision
}

func (e *Engine) ruleMatches(cr *compiledRule, env *envelope.Envelope) bool {
	if !matchesSource(cr.SourceConfig, env) {
		return false
	}

	// An empty condition list matches on the source filter alone.
	if len(cr.Conditions) > 0 {
		combined := cr.LogicalOperator != LogicalOr
		for _, c := range cr.Conditions {
			ok := evalCondition(c, env)
			if cr.LogicalOperator == LogicalOr {
				if ok {
					combined = true
					break
				}
			} else if !ok {
				combined = false
				break
			}
		}
		if !combined {
			return false
		}
	}

	if cr.program != nil {
		out, err := runExpression(cr.program, env)
		if err != nil {
			logging.Error("rule expression error", zap.String("rule_id", cr.ID), zap.Error(err))
			return false
		}
		if !out {
			return false
		}
	}
	return true
}

// RuleCount returns the number of rules in the snapshot.
func (e *Engine) RuleCount() int {
	return len(*e.snapshot.Load())
}

// Stats returns the current match statistics for every rule, in snapshot order.
func (e *Engine) Stats() []RuleStats {
	rules := *e.snapshot.Load()
	out := make([]RuleStats, 0, len(rules))
	for _, cr := range rules {
		out = append(out, cr.stats())
	}
	return out
}

// Counters returns engine-level counters: envelopes routed, envelopes with at
// least one match, and envelopes with no match.
func (e *Engine) Counters() (evaluated, matched, misses int64) {
	return e.evaluated.Load(), e.matched.Load(), e.misses.Load()
}
