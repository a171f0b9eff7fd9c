package routing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/iobridge/datagate/internal/envelope"
)

// matchesSource applies the rule's source filter. Unconfigured clauses pass.
func matchesSource(f SourceFilter, env *envelope.Envelope) bool {
	if len(f.Protocols) > 0 {
		found := false
		for _, p := range f.Protocols {
			if p == env.SourceProtocol {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.SourceIDs) > 0 {
		found := false
		for _, id := range f.SourceIDs {
			if id == env.DataSourceID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Pattern != "" {
		ok, err := doublestar.Match(f.Pattern, env.SourceString())
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// evalCondition evaluates one predicate against the envelope. Missing paths
// resolve to nil, which only NEQ and NOT_* operators can match.
func evalCondition(c Condition, env *envelope.Envelope) bool {
	actual, _ := env.Field(c.FieldPath)

	switch c.Operator {
	case OpEQ:
		return looseEqual(actual, c.Value)
	case OpNEQ:
		return !looseEqual(actual, c.Value)
	case OpGT, OpGTE, OpLT, OpLTE:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Operator {
		case OpGT:
			return a > b
		case OpGTE:
			return a >= b
		case OpLT:
			return a < b
		default:
			return a <= b
		}
	case OpIn:
		return inList(actual, c.Value)
	case OpNotIn:
		return !inList(actual, c.Value)
	case OpContains:
		return contains(actual, c.Value)
	case OpNotContains:
		return !contains(actual, c.Value)
	}
	return false
}

// looseEqual compares with numeric coercion: 5, 5.0 and "5" are equal.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return stringify(a) == stringify(b)
}

func inList(actual, value any) bool {
	list, ok := value.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if looseEqual(actual, item) {
			return true
		}
	}
	return false
}

// contains matches substrings against strings and membership against lists.
func contains(actual, value any) bool {
	switch a := actual.(type) {
	case string:
		return strings.Contains(a, stringify(value))
	case []any:
		for _, item := range a {
			if looseEqual(item, value) {
				return true
			}
		}
	case []string:
		needle := stringify(value)
		for _, item := range a {
			if item == needle {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case time.Time:
		return s.Format(time.RFC3339Nano)
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}
