package rls

import (
	"github.com/oarkflow/rls/logger"
)

// Compiler turns rule expressions into compiled predicates for query-time
// filtering. Placeholders are resolved against the evaluation context during
// compilation, so the resulting predicate is self-contained.
type Compiler struct {
	log logger.Logger
}

func NewCompiler(log logger.Logger) *Compiler {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Compiler{log: log}
}

// Compile compiles one rule's expression for ctx. A rule whose expression
// cannot be decoded compiles to a predicate matching no rows.
func (c *Compiler) Compile(rule *Rule, ctx *EvalContext) Predicate {
	if rule == nil || rule.Expression == nil {
		return &FalsePred{}
	}
	return c.CompileExpr(rule.Expression.Expr(), ctx)
}

// CompileExpr compiles a decoded expression tree for ctx.
func (c *Compiler) CompileExpr(e Expr, ctx *EvalContext) Predicate {
	switch v := e.(type) {
	case *CompareExpr:
		return &Cond{Op: v.Op, Field: v.Field, Value: ResolveValue(v.Value, ctx)}
	case *NullExpr:
		return &NullCond{Field: v.Field, Negate: v.Negate}
	case *AndExpr:
		if len(v.Children) == 0 {
			return &TruePred{}
		}
		children := make([]Predicate, len(v.Children))
		for i, child := range v.Children {
			children[i] = c.CompileExpr(child, ctx)
		}
		return simplifyAnd(children)
	case *OrExpr:
		if len(v.Children) == 0 {
			return &FalsePred{}
		}
		children := make([]Predicate, len(v.Children))
		for i, child := range v.Children {
			children[i] = c.CompileExpr(child, ctx)
		}
		return simplifyOr(children)
	case *NotExpr:
		child := c.CompileExpr(v.Child, ctx)
		switch child.(type) {
		case *TruePred:
			return &FalsePred{}
		case *FalsePred:
			return &TruePred{}
		}
		return &NotPred{Child: child}
	case *CustomExpr:
		return &CustomPred{Name: v.Name, Ctx: ctx}
	case *invalidExpr:
		c.log.Warn("compiling invalid expression node", "reason", v.Reason)
		return &FalsePred{}
	default:
		return &FalsePred{}
	}
}

// simplifyAnd drops always-true children and collapses on always-false ones.
func simplifyAnd(children []Predicate) Predicate {
	kept := make([]Predicate, 0, len(children))
	for _, c := range children {
		switch c.(type) {
		case *TruePred:
			continue
		case *FalsePred:
			return &FalsePred{}
		}
		kept = append(kept, c)
	}
	switch len(kept) {
	case 0:
		return &TruePred{}
	case 1:
		return kept[0]
	}
	return &AndPred{Children: kept}
}

func simplifyOr(children []Predicate) Predicate {
	kept := make([]Predicate, 0, len(children))
	for _, c := range children {
		switch c.(type) {
		case *FalsePred:
			continue
		case *TruePred:
			return &TruePred{}
		}
		kept = append(kept, c)
	}
	switch len(kept) {
	case 0:
		return &FalsePred{}
	case 1:
		return kept[0]
	}
	return &OrPred{Children: kept}
}
