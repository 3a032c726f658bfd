package rls

import (
	"fmt"
	"strings"
)

// Operator identifies an expression node type on the wire.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpIn             Operator = "in"
	OpNotIn          Operator = "not_in"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessOrEqual    Operator = "less_or_equal"
	OpIsNull         Operator = "is_null"
	OpIsNotNull      Operator = "is_not_null"
	OpAnd            Operator = "and"
	OpOr             Operator = "or"
	OpNot            Operator = "not"
	OpCustom         Operator = "custom"
)

// ExprNode is the wire representation of an expression tree as stored in
// rule documents and config files.
type ExprNode struct {
	Operator       Operator    `json:"operator" yaml:"operator"`
	Field          string      `json:"field,omitempty" yaml:"field,omitempty"`
	Value          any         `json:"value,omitempty" yaml:"value,omitempty"`
	Children       []*ExprNode `json:"children,omitempty" yaml:"children,omitempty"`
	CustomFunction string      `json:"custom_function,omitempty" yaml:"custom_function,omitempty"`
}

// Expr is a decoded expression tree node.
type Expr interface {
	String() string
}

// CompareExpr covers the ten field-vs-value comparison operators.
type CompareExpr struct {
	Op    Operator
	Field string
	Value any
}

func (e *CompareExpr) String() string {
	return fmt.Sprintf("%s %s %v", e.Field, e.Op, e.Value)
}

// NullExpr checks field presence. Negate true means is_not_null.
type NullExpr struct {
	Field  string
	Negate bool
}

func (e *NullExpr) String() string {
	if e.Negate {
		return fmt.Sprintf("%s is_not_null", e.Field)
	}
	return fmt.Sprintf("%s is_null", e.Field)
}

// AndExpr is true when every child is true. An empty child list is true.
type AndExpr struct {
	Children []Expr
}

func (e *AndExpr) String() string { return joinExprs("and", e.Children) }

// OrExpr is true when any child is true. An empty child list is false.
type OrExpr struct {
	Children []Expr
}

func (e *OrExpr) String() string { return joinExprs("or", e.Children) }

// NotExpr inverts its single child.
type NotExpr struct {
	Child Expr
}

func (e *NotExpr) String() string { return fmt.Sprintf("not(%s)", e.Child.String()) }

// CustomExpr defers to a named predicate registered with the engine.
type CustomExpr struct {
	Name string
}

func (e *CustomExpr) String() string { return fmt.Sprintf("custom(%s)", e.Name) }

// invalidExpr marks a node that could not be decoded. It always evaluates
// false and carries the reason for logging.
type invalidExpr struct {
	Reason string
}

func (e *invalidExpr) String() string { return fmt.Sprintf("invalid(%s)", e.Reason) }

func joinExprs(op string, children []Expr) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = c.String()
	}
	return op + "(" + strings.Join(parts, ", ") + ")"
}

var comparisonOps = map[Operator]bool{
	OpEquals: true, OpNotEquals: true,
	OpIn: true, OpNotIn: true,
	OpContains: true, OpNotContains: true,
	OpGreaterThan: true, OpLessThan: true,
	OpGreaterOrEqual: true, OpLessOrEqual: true,
}

// Expr decodes the wire node into a typed tree. Malformed or unrecognized
// nodes decode to an always-false node instead of failing; the reason
// surfaces in evaluation logs.
func (n *ExprNode) Expr() Expr {
	if n == nil {
		return &invalidExpr{Reason: "nil node"}
	}
	switch {
	case comparisonOps[n.Operator]:
		if n.Field == "" {
			return &invalidExpr{Reason: fmt.Sprintf("%s without field", n.Operator)}
		}
		return &CompareExpr{Op: n.Operator, Field: n.Field, Value: n.Value}
	case n.Operator == OpIsNull || n.Operator == OpIsNotNull:
		if n.Field == "" {
			return &invalidExpr{Reason: fmt.Sprintf("%s without field", n.Operator)}
		}
		return &NullExpr{Field: n.Field, Negate: n.Operator == OpIsNotNull}
	case n.Operator == OpAnd:
		return &AndExpr{Children: decodeChildren(n.Children)}
	case n.Operator == OpOr:
		return &OrExpr{Children: decodeChildren(n.Children)}
	case n.Operator == OpNot:
		if len(n.Children) != 1 {
			return &invalidExpr{Reason: fmt.Sprintf("not with %d children", len(n.Children))}
		}
		return &NotExpr{Child: n.Children[0].Expr()}
	case n.Operator == OpCustom:
		if n.CustomFunction == "" {
			return &invalidExpr{Reason: "custom without custom_function"}
		}
		return &CustomExpr{Name: n.CustomFunction}
	default:
		return &invalidExpr{Reason: fmt.Sprintf("unknown operator %q", n.Operator)}
	}
}

func decodeChildren(nodes []*ExprNode) []Expr {
	out := make([]Expr, len(nodes))
	for i, c := range nodes {
		out[i] = c.Expr()
	}
	return out
}

// EncodeExpr converts a typed tree back to the wire representation.
func EncodeExpr(e Expr) *ExprNode {
	switch v := e.(type) {
	case *CompareExpr:
		return &ExprNode{Operator: v.Op, Field: v.Field, Value: v.Value}
	case *NullExpr:
		op := OpIsNull
		if v.Negate {
			op = OpIsNotNull
		}
		return &ExprNode{Operator: op, Field: v.Field}
	case *AndExpr:
		return &ExprNode{Operator: OpAnd, Children: encodeChildren(v.Children)}
	case *OrExpr:
		return &ExprNode{Operator: OpOr, Children: encodeChildren(v.Children)}
	case *NotExpr:
		return &ExprNode{Operator: OpNot, Children: []*ExprNode{EncodeExpr(v.Child)}}
	case *CustomExpr:
		return &ExprNode{Operator: OpCustom, CustomFunction: v.Name}
	default:
		return nil
	}
}

func encodeChildren(children []Expr) []*ExprNode {
	out := make([]*ExprNode, 0, len(children))
	for _, c := range children {
		if n := EncodeExpr(c); n != nil {
			out = append(out, n)
		}
	}
	return out
}
