// Package routing evaluates priority-ordered rules against envelopes and
// produces routing decisions.
package routing

import (
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/gwerrors"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEQ          Operator = "EQ"
	OpNEQ         Operator = "NEQ"
	OpGT          Operator = "GT"
	OpGTE         Operator = "GTE"
	OpLT          Operator = "LT"
	OpLTE         Operator = "LTE"
	OpIn          Operator = "IN"
	OpNotIn       Operator = "NOT_IN"
	OpContains    Operator = "CONTAINS"
	OpNotContains Operator = "NOT_CONTAINS"
)

// LogicalOperator combines a rule's conditions.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// Condition is one field predicate inside a rule. FieldPath is dot-delimited
// into the envelope; a missing path resolves to nil.
type Condition struct {
	FieldPath string   `json:"field_path" yaml:"field_path"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Value     any      `json:"value" yaml:"value"`
}

// SourceFilter restricts a rule by ingress protocol, data source id, and an
// optional glob pattern over the envelope's source string (HTTP path, MQTT
// topic, or source name). All configured clauses must pass.
type SourceFilter struct {
	Protocols []envelope.Protocol `json:"protocols,omitempty" yaml:"protocols"`
	SourceIDs []string            `json:"source_ids,omitempty" yaml:"source_ids"`
	Pattern   string              `json:"pattern,omitempty" yaml:"pattern"`
}

// Rule is the reference DTO registered by the admin layer.
type Rule struct {
	ID              string          `json:"id" yaml:"id"`
	Name            string          `json:"name,omitempty" yaml:"name"`
	Priority        int             `json:"priority" yaml:"priority"`
	IsActive        bool            `json:"is_active" yaml:"is_active"`
	IsPublished     bool            `json:"is_published" yaml:"is_published"`
	SourceConfig    SourceFilter    `json:"source_config" yaml:"source_config"`
	Conditions      []Condition     `json:"conditions,omitempty" yaml:"conditions"`
	LogicalOperator LogicalOperator `json:"logical_operator,omitempty" yaml:"logical_operator"`

	// Expression is an optional free-form predicate compiled with expr-lang
	// and AND-combined with the structured conditions.
	Expression string `json:"expression,omitempty" yaml:"expression"`

	TargetSystemIDs []string `json:"target_system_ids" yaml:"target_system_ids"`
}

// compiledRule is a rule prepared for evaluation, plus its mutable match
// statistics.
type compiledRule struct {
	Rule
	seq     int // insertion order, tie-break for equal priorities
	program *vm.Program

	statsMu     sync.Mutex
	matchCount  int64
	lastMatchAt time.Time
}

func compileRule(r Rule) (*compiledRule, error) {
	if r.ID == "" {
		return nil, gwerrors.NewConfigError("routing", "rule id is required", nil)
	}
	if r.LogicalOperator == "" {
		r.LogicalOperator = LogicalAnd
	}
	cr := &compiledRule{Rule: r}
	if r.Expression != "" {
		program, err := expr.Compile(r.Expression, expr.AsBool())
		if err != nil {
			return nil, gwerrors.NewConfigError("routing", fmt.Sprintf("rule %s: compile expression", r.ID), err)
		}
		cr.program = program
	}
	return cr, nil
}

// recordMatch bumps the rule's statistics. Safe under concurrent matches.
func (cr *compiledRule) recordMatch(now time.Time) {
	cr.statsMu.Lock()
	cr.matchCount++
	if now.After(cr.lastMatchAt) {
		cr.lastMatchAt = now
	}
	cr.statsMu.Unlock()
}

// RuleStats is a point-in-time copy of a rule's match statistics.
type RuleStats struct {
	RuleID      string    `json:"rule_id"`
	MatchCount  int64     `json:"match_count"`
	LastMatchAt time.Time `json:"last_match_at"`
}

func (cr *compiledRule) stats() RuleStats {
	cr.statsMu.Lock()
	defer cr.statsMu.Unlock()
	return RuleStats{RuleID: cr.ID, MatchCount: cr.matchCount, LastMatchAt: cr.lastMatchAt}
}
