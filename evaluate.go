package rls

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/oarkflow/rls/logger"
)

// Evaluator decides whether individual rows satisfy rule expressions.
// Malformed nodes, unknown operators and missing custom predicates all
// evaluate false rather than failing the request.
type Evaluator struct {
	registry *PredicateRegistry
	log      logger.Logger
}

func NewEvaluator(registry *PredicateRegistry, log logger.Logger) *Evaluator {
	if registry == nil {
		registry = NewPredicateRegistry()
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Evaluator{registry: registry, log: log}
}

// Evaluate reports whether row satisfies the rule's expression in ctx.
func (ev *Evaluator) Evaluate(rule *Rule, ctx *EvalContext, row Row) bool {
	if rule == nil || rule.Expression == nil {
		return false
	}
	return ev.EvaluateExpr(rule.Expression.Expr(), ctx, row)
}

// EvaluateNode decodes and evaluates a wire expression node.
func (ev *Evaluator) EvaluateNode(node *ExprNode, ctx *EvalContext, row Row) bool {
	return ev.EvaluateExpr(node.Expr(), ctx, row)
}

// EvaluateExpr walks a decoded expression tree against one row.
func (ev *Evaluator) EvaluateExpr(e Expr, ctx *EvalContext, row Row) bool {
	switch v := e.(type) {
	case *CompareExpr:
		fieldVal, present := row.Field(v.Field)
		if !present {
			fieldVal = nil
		}
		return compareLeaf(v.Op, fieldVal, ResolveValue(v.Value, ctx))
	case *NullExpr:
		fieldVal, present := row.Field(v.Field)
		isNull := !present || fieldVal == nil
		return isNull != v.Negate
	case *AndExpr:
		for _, c := range v.Children {
			if !ev.EvaluateExpr(c, ctx, row) {
				return false
			}
		}
		return true
	case *OrExpr:
		for _, c := range v.Children {
			if ev.EvaluateExpr(c, ctx, row) {
				return true
			}
		}
		return false
	case *NotExpr:
		return !ev.EvaluateExpr(v.Child, ctx, row)
	case *CustomExpr:
		return ev.evalCustom(v.Name, ctx, row)
	case *invalidExpr:
		ev.log.Warn("invalid expression node", "reason", v.Reason)
		return false
	default:
		ev.log.Warn("unhandled expression type", "type", fmt.Sprintf("%T", e))
		return false
	}
}

func (ev *Evaluator) evalCustom(name string, ctx *EvalContext, row Row) (result bool) {
	fn, ok := ev.registry.Lookup(name)
	if !ok {
		ev.log.Warn("custom predicate not registered", "name", name)
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ev.log.Error("custom predicate panicked", "name", name, "panic", fmt.Sprint(r))
			result = false
		}
	}()
	return fn(ctx, row)
}

// compareLeaf applies one comparison operator to a row value and an already
// resolved rule value. Both the evaluator and compiled predicates route
// through here so in-memory and query-time decisions cannot diverge.
func compareLeaf(op Operator, fieldVal any, ruleVal any) bool {
	switch op {
	case OpEquals:
		return valueEquals(fieldVal, ruleVal)
	case OpNotEquals:
		return !valueEquals(fieldVal, ruleVal)
	case OpIn:
		return valueIn(fieldVal, ruleVal)
	case OpNotIn:
		list, ok := asSlice(ruleVal)
		if !ok {
			return false
		}
		for _, item := range list {
			if valueEquals(fieldVal, item) {
				return false
			}
		}
		return true
	case OpContains:
		// NULL never matches a substring, mirroring SQL LIKE.
		if fieldVal == nil {
			return false
		}
		return strings.Contains(strings.ToLower(toString(fieldVal)), strings.ToLower(toString(ruleVal)))
	case OpNotContains:
		if fieldVal == nil {
			return true
		}
		return !strings.Contains(strings.ToLower(toString(fieldVal)), strings.ToLower(toString(ruleVal)))
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		a, okA := toFloat(fieldVal)
		b, okB := toFloat(ruleVal)
		if !okA || !okB {
			return false
		}
		switch op {
		case OpGreaterThan:
			return a > b
		case OpLessThan:
			return a < b
		case OpGreaterOrEqual:
			return a >= b
		default:
			return a <= b
		}
	default:
		return false
	}
}

func valueIn(fieldVal any, ruleVal any) bool {
	list, ok := asSlice(ruleVal)
	if !ok {
		return false
	}
	for _, item := range list {
		if valueEquals(fieldVal, item) {
			return true
		}
	}
	return false
}

func asSlice(v any) ([]any, bool) {
	switch vv := v.(type) {
	case []any:
		return vv, true
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// valueEquals compares loosely across numeric types; everything else falls
// back to deep equality.
func valueEquals(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if fa, okA := numericValue(a); okA {
		if fb, okB := numericValue(b); okB {
			return fa == fb
		}
	}
	if a == b {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// numericValue converts genuine numbers only; strings stay strings so that
// "1" does not equal 1.
func numericValue(v any) (float64, bool) {
	switch vv := v.(type) {
	case int:
		return float64(vv), true
	case int32:
		return float64(vv), true
	case int64:
		return float64(vv), true
	case uint:
		return float64(vv), true
	case uint32:
		return float64(vv), true
	case uint64:
		return float64(vv), true
	case float32:
		return float64(vv), true
	case float64:
		return vv, true
	default:
		return 0, false
	}
}

// toFloat is the coercion used by ordering comparisons; numeric strings and
// bools are accepted there.
func toFloat(v any) (float64, bool) {
	if f, ok := numericValue(v); ok {
		return f, true
	}
	switch vv := v.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(vv), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case bool:
		if vv {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
