package routing

import (
	"testing"

	"github.com/iobridge/datagate/internal/envelope"
)

func condEnv() *envelope.Envelope {
	env := envelope.New(envelope.ProtocolTCP, "tcp-main")
	env.DataSourceID = "plc-4"
	env.ParsedData = map[string]any{
		"temperature": 25.5,
		"count":       uint64(7),
		"status":      "RUNNING",
		"tags":        []any{"prod", "line3"},
		"nested":      map[string]any{"depth": 2},
	}
	return env
}

func TestEvalConditionOperators(t *testing.T) {
	env := condEnv()

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq string", Condition{"status", OpEQ, "RUNNING"}, true},
		{"eq numeric coercion", Condition{"count", OpEQ, 7}, true},
		{"eq string-number coercion", Condition{"count", OpEQ, "7"}, true},
		{"neq", Condition{"status", OpNEQ, "STOPPED"}, true},
		{"gt", Condition{"temperature", OpGT, 20}, true},
		{"gt false", Condition{"temperature", OpGT, 30}, false},
		{"gte boundary", Condition{"temperature", OpGTE, 25.5}, true},
		{"lt", Condition{"temperature", OpLT, 30}, true},
		{"lte boundary", Condition{"temperature", OpLTE, 25.5}, true},
		{"in", Condition{"status", OpIn, []any{"IDLE", "RUNNING"}}, true},
		{"in miss", Condition{"status", OpIn, []any{"IDLE"}}, false},
		{"not_in", Condition{"status", OpNotIn, []any{"IDLE"}}, true},
		{"contains substring", Condition{"status", OpContains, "RUN"}, true},
		{"contains list member", Condition{"tags", OpContains, "line3"}, true},
		{"not_contains", Condition{"tags", OpNotContains, "line9"}, true},
		{"nested path", Condition{"nested.depth", OpEQ, 2}, true},
		{"missing path eq", Condition{"nope", OpEQ, "x"}, false},
		{"missing path neq", Condition{"nope", OpNEQ, "x"}, true},
		{"gt on non-numeric", Condition{"status", OpGT, 1}, false},
		{"top-level envelope field", Condition{"data_source_id", OpEQ, "plc-4"}, true},
	}

	for _, tc := range cases {
		if got := evalCondition(tc.cond, env); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestMatchesSourceClauses(t *testing.T) {
	env := condEnv()

	if !matchesSource(SourceFilter{}, env) {
		t.Error("empty filter must pass")
	}
	if !matchesSource(SourceFilter{SourceIDs: []string{"plc-4", "plc-5"}}, env) {
		t.Error("expected source id match")
	}
	if matchesSource(SourceFilter{SourceIDs: []string{"plc-9"}}, env) {
		t.Error("expected source id miss")
	}
	// All configured clauses must pass together.
	f := SourceFilter{
		Protocols: []envelope.Protocol{envelope.ProtocolTCP},
		SourceIDs: []string{"plc-4"},
		Pattern:   "plc-*",
	}
	if !matchesSource(f, env) {
		t.Error("expected combined filter to pass")
	}
	f.Protocols = []envelope.Protocol{envelope.ProtocolUDP}
	if matchesSource(f, env) {
		t.Error("expected protocol clause to fail the filter")
	}
}
