package rls

import (
	"fmt"
	"regexp"
	"strings"
)

// Predicate is a compiled, context-resolved filter. Unlike Expr it carries
// no placeholders: every dynamic value was bound at compile time, so the
// same predicate can be applied in memory or rendered to SQL.
type Predicate interface {
	String() string
}

// Cond is a single comparison against a row field.
type Cond struct {
	Op    Operator
	Field string
	Value any
}

func (p *Cond) String() string { return fmt.Sprintf("%s %s %v", p.Field, p.Op, p.Value) }

// NullCond checks field nullness.
type NullCond struct {
	Field  string
	Negate bool
}

func (p *NullCond) String() string {
	if p.Negate {
		return p.Field + " is_not_null"
	}
	return p.Field + " is_null"
}

type AndPred struct {
	Children []Predicate
}

func (p *AndPred) String() string { return joinPreds("and", p.Children) }

type OrPred struct {
	Children []Predicate
}

func (p *OrPred) String() string { return joinPreds("or", p.Children) }

type NotPred struct {
	Child Predicate
}

func (p *NotPred) String() string { return fmt.Sprintf("not(%s)", p.Child.String()) }

// TruePred matches every row.
type TruePred struct{}

func (p *TruePred) String() string { return "true" }

// FalsePred matches no row.
type FalsePred struct{}

func (p *FalsePred) String() string { return "false" }

// CustomPred defers to a registered predicate. It cannot be rendered to SQL;
// callers must post-filter rows that reach it.
type CustomPred struct {
	Name string
	Ctx  *EvalContext
}

func (p *CustomPred) String() string { return fmt.Sprintf("custom(%s)", p.Name) }

func joinPreds(op string, children []Predicate) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = c.String()
	}
	return op + "(" + strings.Join(parts, ", ") + ")"
}

// Matches applies a compiled predicate to one row. Leaf comparisons share
// compareLeaf with expression evaluation, so a compiled filter admits exactly
// the rows the evaluator would.
func (ev *Evaluator) Matches(p Predicate, row Row) bool {
	switch v := p.(type) {
	case *Cond:
		fieldVal, present := row.Field(v.Field)
		if !present {
			fieldVal = nil
		}
		return compareLeaf(v.Op, fieldVal, v.Value)
	case *NullCond:
		fieldVal, present := row.Field(v.Field)
		isNull := !present || fieldVal == nil
		return isNull != v.Negate
	case *AndPred:
		for _, c := range v.Children {
			if !ev.Matches(c, row) {
				return false
			}
		}
		return true
	case *OrPred:
		for _, c := range v.Children {
			if ev.Matches(c, row) {
				return true
			}
		}
		return false
	case *NotPred:
		return !ev.Matches(v.Child, row)
	case *TruePred:
		return true
	case *FalsePred:
		return false
	case *CustomPred:
		return ev.evalCustom(v.Name, v.Ctx, row)
	default:
		ev.log.Warn("unhandled predicate type", "type", fmt.Sprintf("%T", p))
		return false
	}
}

// SQLFilter is a rendered WHERE fragment with named bind parameters in the
// :name style.
type SQLFilter struct {
	Clause string
	Args   map[string]any
}

// ErrNotCompilable reports a predicate that has no SQL rendering.
type ErrNotCompilable struct {
	Name string
}

func (e *ErrNotCompilable) Error() string {
	return fmt.Sprintf("custom predicate %q cannot be rendered to SQL", e.Name)
}

var fieldIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// RenderSQL renders a predicate into a WHERE fragment with named binds.
// Column names are validated against a strict identifier pattern; custom
// predicates return *ErrNotCompilable so the caller can post-filter instead.
//
// Ordering operators bind the rule value as-is and compare with the column's
// native type and collation. The in-memory evaluator additionally coerces
// numeric strings for ordering, so ordering conditions belong on numeric
// columns when the filter is pushed to SQL.
func RenderSQL(p Predicate) (*SQLFilter, error) {
	r := &sqlRenderer{args: map[string]any{}}
	clause, err := r.render(p)
	if err != nil {
		return nil, err
	}
	return &SQLFilter{Clause: clause, Args: r.args}, nil
}

type sqlRenderer struct {
	args map[string]any
	n    int
}

func (r *sqlRenderer) bind(v any) string {
	r.n++
	name := fmt.Sprintf("rls_arg%d", r.n)
	r.args[name] = v
	return ":" + name
}

func (r *sqlRenderer) render(p Predicate) (string, error) {
	switch v := p.(type) {
	case *Cond:
		return r.renderCond(v)
	case *NullCond:
		col, err := column(v.Field)
		if err != nil {
			return "", err
		}
		if v.Negate {
			return col + " IS NOT NULL", nil
		}
		return col + " IS NULL", nil
	case *AndPred:
		return r.renderJoin(v.Children, " AND ", "1 = 1")
	case *OrPred:
		return r.renderJoin(v.Children, " OR ", "1 = 0")
	case *NotPred:
		inner, err := r.render(v.Child)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case *TruePred:
		return "1 = 1", nil
	case *FalsePred:
		return "1 = 0", nil
	case *CustomPred:
		return "", &ErrNotCompilable{Name: v.Name}
	default:
		return "", fmt.Errorf("unknown predicate type %T", p)
	}
}

func (r *sqlRenderer) renderJoin(children []Predicate, sep, empty string) (string, error) {
	if len(children) == 0 {
		return empty, nil
	}
	parts := make([]string, len(children))
	for i, c := range children {
		s, err := r.render(c)
		if err != nil {
			return "", err
		}
		parts[i] = "(" + s + ")"
	}
	return strings.Join(parts, sep), nil
}

func (r *sqlRenderer) renderCond(c *Cond) (string, error) {
	col, err := column(c.Field)
	if err != nil {
		return "", err
	}
	switch c.Op {
	case OpEquals:
		if c.Value == nil {
			return col + " IS NULL", nil
		}
		return col + " = " + r.bind(c.Value), nil
	case OpNotEquals:
		if c.Value == nil {
			return col + " IS NOT NULL", nil
		}
		// A bare <> is UNKNOWN for NULL columns; in-memory evaluation treats
		// NULL as not-equal to any non-null value.
		return "(" + col + " IS NULL OR " + col + " <> " + r.bind(c.Value) + ")", nil
	case OpIn, OpNotIn:
		list, ok := asSlice(c.Value)
		if !ok || len(list) == 0 {
			// An in over a non-list or empty list matches nothing; not_in
			// over the same matches everything.
			if c.Op == OpIn {
				return "1 = 0", nil
			}
			if !ok {
				return "1 = 0", nil
			}
			return "1 = 1", nil
		}
		binds := make([]string, len(list))
		for i, item := range list {
			binds[i] = r.bind(item)
		}
		if c.Op == OpIn {
			return col + " IN (" + strings.Join(binds, ", ") + ")", nil
		}
		// NULL columns never match an IN list, so they pass not_in.
		return "(" + col + " IS NULL OR " + col + " NOT IN (" + strings.Join(binds, ", ") + "))", nil
	case OpContains:
		return "LOWER(" + col + ") LIKE " + r.bind(likePattern(c.Value)) + " ESCAPE '\\'", nil
	case OpNotContains:
		return "(" + col + " IS NULL OR LOWER(" + col + ") NOT LIKE " + r.bind(likePattern(c.Value)) + " ESCAPE '\\')", nil
	case OpGreaterThan:
		return col + " > " + r.bind(c.Value), nil
	case OpLessThan:
		return col + " < " + r.bind(c.Value), nil
	case OpGreaterOrEqual:
		return col + " >= " + r.bind(c.Value), nil
	case OpLessOrEqual:
		return col + " <= " + r.bind(c.Value), nil
	default:
		return "", fmt.Errorf("operator %q has no SQL rendering", c.Op)
	}
}

func column(field string) (string, error) {
	if !fieldIdentRe.MatchString(field) {
		return "", fmt.Errorf("invalid column name %q", field)
	}
	return field, nil
}

func likePattern(v any) string {
	s := strings.ToLower(toString(v))
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return "%" + s + "%"
}
