package rls

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/oarkflow/rls/logger"
)

func TestCompileResolvesPlaceholders(t *testing.T) {
	c := NewCompiler(logger.NewNullLogger())
	ctx := &EvalContext{UserID: "u9"}
	pred := c.CompileExpr(Eq("owner_id", "${userId}").Expr(), ctx)
	cond, ok := pred.(*Cond)
	if !ok {
		t.Fatalf("expected *Cond, got %T", pred)
	}
	if cond.Value != "u9" {
		t.Fatalf("placeholder not resolved: %v", cond.Value)
	}
}

func TestCompileSimplifiesConstants(t *testing.T) {
	c := NewCompiler(logger.NewNullLogger())
	ctx := &EvalContext{}
	if _, ok := c.CompileExpr(And().Expr(), ctx).(*TruePred); !ok {
		t.Fatalf("empty and should compile to true")
	}
	if _, ok := c.CompileExpr(Or().Expr(), ctx).(*FalsePred); !ok {
		t.Fatalf("empty or should compile to false")
	}
	// or(X, and()) is always true
	pred := c.CompileExpr(Or(Eq("a", 1), And()).Expr(), ctx)
	if _, ok := pred.(*TruePred); !ok {
		t.Fatalf("or with vacuous-true child should collapse, got %T", pred)
	}
}

func TestCompileInvalidNodeMatchesNothing(t *testing.T) {
	c := NewCompiler(logger.NewNullLogger())
	pred := c.CompileExpr((&ExprNode{Operator: "bogus"}).Expr(), &EvalContext{})
	if _, ok := pred.(*FalsePred); !ok {
		t.Fatalf("invalid node should compile to false, got %T", pred)
	}
}

func TestRenderSQLBasic(t *testing.T) {
	f, err := RenderSQL(&Cond{Op: OpEquals, Field: "owner_id", Value: "u1"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if f.Clause != "owner_id = :rls_arg1" {
		t.Fatalf("clause: %s", f.Clause)
	}
	if f.Args["rls_arg1"] != "u1" {
		t.Fatalf("args: %#v", f.Args)
	}
}

func TestRenderSQLNullSemantics(t *testing.T) {
	f, err := RenderSQL(&Cond{Op: OpEquals, Field: "deleted_at", Value: nil})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if f.Clause != "deleted_at IS NULL" {
		t.Fatalf("clause: %s", f.Clause)
	}

	f, err = RenderSQL(&Cond{Op: OpNotIn, Field: "status", Value: []any{"closed"}})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(f.Clause, "status IS NULL OR") {
		t.Fatalf("not_in must admit NULL columns: %s", f.Clause)
	}
}

func TestRenderSQLNotEqualsAdmitsNull(t *testing.T) {
	f, err := RenderSQL(&Cond{Op: OpNotEquals, Field: "owner_id", Value: "u2"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	// A NULL owner is not "u2"; a bare <> would drop such rows.
	want := "(owner_id IS NULL OR owner_id <> :rls_arg1)"
	if f.Clause != want {
		t.Fatalf("clause:\n got %s\nwant %s", f.Clause, want)
	}

	f, err = RenderSQL(&Cond{Op: OpNotEquals, Field: "owner_id", Value: nil})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if f.Clause != "owner_id IS NOT NULL" {
		t.Fatalf("not_equals nil: %s", f.Clause)
	}
}

func TestRenderSQLContainsEscapesLike(t *testing.T) {
	f, err := RenderSQL(&Cond{Op: OpContains, Field: "title", Value: "50%_Off"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if f.Args["rls_arg1"] != `%50\%\_off%` {
		t.Fatalf("pattern: %v", f.Args["rls_arg1"])
	}
}

func TestRenderSQLRejectsBadColumn(t *testing.T) {
	_, err := RenderSQL(&Cond{Op: OpEquals, Field: "x; DROP TABLE rows", Value: 1})
	if err == nil {
		t.Fatalf("expected error for invalid column name")
	}
}

func TestRenderSQLCustomNotCompilable(t *testing.T) {
	_, err := RenderSQL(&OrPred{Children: []Predicate{
		&Cond{Op: OpEquals, Field: "a", Value: 1},
		&CustomPred{Name: "special"},
	}})
	var nc *ErrNotCompilable
	if !errors.As(err, &nc) {
		t.Fatalf("expected ErrNotCompilable, got %v", err)
	}
	if nc.Name != "special" {
		t.Fatalf("name: %s", nc.Name)
	}
}

func TestRenderSQLComposite(t *testing.T) {
	pred := &AndPred{Children: []Predicate{
		&Cond{Op: OpEquals, Field: "org_unit_id", Value: "ou-1"},
		&OrPred{Children: []Predicate{
			&Cond{Op: OpGreaterOrEqual, Field: "amount", Value: 100},
			&NullCond{Field: "manager_id", Negate: true},
		}},
	}}
	f, err := RenderSQL(pred)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := "(org_unit_id = :rls_arg1) AND ((amount >= :rls_arg2) OR (manager_id IS NOT NULL))"
	if f.Clause != want {
		t.Fatalf("clause:\n got %s\nwant %s", f.Clause, want)
	}
}

// randomExpr builds arbitrary wire trees over a small field and value pool.
func randomExpr(rng *rand.Rand, depth int) *ExprNode {
	fields := []string{"f0", "f1", "f2", "f3"}
	values := []any{"alpha", "beta", "u1", 1, 2, 10.5, nil, "${userId}"}
	leafOps := []Operator{OpEquals, OpNotEquals, OpContains, OpNotContains, OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual}

	if depth > 0 && rng.Intn(3) == 0 {
		n := rng.Intn(3)
		children := make([]*ExprNode, n)
		for i := range children {
			children[i] = randomExpr(rng, depth-1)
		}
		switch rng.Intn(3) {
		case 0:
			return &ExprNode{Operator: OpAnd, Children: children}
		case 1:
			return &ExprNode{Operator: OpOr, Children: children}
		default:
			return &ExprNode{Operator: OpNot, Children: []*ExprNode{randomExpr(rng, depth-1)}}
		}
	}

	field := fields[rng.Intn(len(fields))]
	switch rng.Intn(4) {
	case 0:
		return &ExprNode{Operator: OpIn, Field: field, Value: []any{values[rng.Intn(len(values))], values[rng.Intn(len(values))]}}
	case 1:
		return &ExprNode{Operator: OpNotIn, Field: field, Value: []any{values[rng.Intn(len(values))]}}
	case 2:
		if rng.Intn(2) == 0 {
			return &ExprNode{Operator: OpIsNull, Field: field}
		}
		return &ExprNode{Operator: OpIsNotNull, Field: field}
	default:
		return &ExprNode{Operator: leafOps[rng.Intn(len(leafOps))], Field: field, Value: values[rng.Intn(len(values))]}
	}
}

func randomRow(rng *rand.Rand) Row {
	values := []any{"alpha", "beta", "u1", 1, 2, 10.5, nil}
	row := Row{}
	for _, f := range []string{"f0", "f1", "f2", "f3"} {
		if rng.Intn(5) == 0 {
			continue // leave the field missing
		}
		row[f] = values[rng.Intn(len(values))]
	}
	return row
}

// Evaluating an expression directly and applying its compiled predicate must
// agree on every row.
func TestCompiledPredicateMatchesEvaluator(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ev := testEvaluator()
	c := NewCompiler(logger.NewNullLogger())
	ctx := &EvalContext{UserID: "u1", TenantID: "t1", OrgUnitID: "ou-1"}

	for i := 0; i < 2000; i++ {
		node := randomExpr(rng, 3)
		expr := node.Expr()
		pred := c.CompileExpr(expr, ctx)
		row := randomRow(rng)

		want := ev.EvaluateExpr(expr, ctx, row)
		got := ev.Matches(pred, row)
		if got != want {
			t.Fatalf("iteration %d: evaluator=%v compiled=%v\nexpr: %s\npred: %s\nrow: %#v",
				i, want, got, expr.String(), pred.String(), row)
		}
	}
}
