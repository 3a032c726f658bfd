package rls

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/oarkflow/rls/logger"
)

// RuleStore supplies the rules the engine decides with.
type RuleStore interface {
	// ListRules returns enabled and disabled rules for the tenant, resource
	// and action. The engine filters disabled rules itself.
	ListRules(ctx context.Context, tenantID, resource string, action Action) ([]*Rule, error)
}

// RuleWriter is the mutation side of a rule store.
type RuleWriter interface {
	UpsertRule(ctx context.Context, rule *Rule) error
	DeleteRule(ctx context.Context, tenantID, ruleID string) error
}

// RuleGenerations is optionally implemented by stores that track a mutation
// counter. The engine folds the counter into cache keys so cached resolutions
// become unreachable the moment rules change.
type RuleGenerations interface {
	Generation() uint64
}

// OrgHierarchy answers ancestry questions for org-unit scoped rules.
type OrgHierarchy interface {
	// IsAncestor reports whether ancestorID is unitID or one of its
	// ancestors within the tenant.
	IsAncestor(ctx context.Context, tenantID, ancestorID, unitID string) (bool, error)
}

// OrgUnitWriter is the mutation side of an org hierarchy. ApplyConfig seeds
// declared org units through it.
type OrgUnitWriter interface {
	AddUnit(ctx context.Context, u OrgUnitConfig) error
}

// Engine resolves row-level security rules and evaluates them against rows
// and queries. Construct with New; zero value is not usable.
type Engine struct {
	store        RuleStore
	cache        CacheStore
	hierarchy    OrgHierarchy
	registry     *PredicateRegistry
	evaluator    *Evaluator
	compiler     *Compiler
	log          logger.Logger
	defaultAllow bool
	cacheTTL     time.Duration

	// localGen backs generation tracking when the store does not.
	localGen atomic.Uint64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCache installs a cache backend for resolved rulesets.
func WithCache(c CacheStore) EngineOption {
	return func(e *Engine) { e.cache = c }
}

// WithOrgHierarchy installs the ancestry resolver used by inheritance rules.
func WithOrgHierarchy(h OrgHierarchy) EngineOption {
	return func(e *Engine) { e.hierarchy = h }
}

// WithPredicateRegistry installs a shared custom-predicate registry.
func WithPredicateRegistry(r *PredicateRegistry) EngineOption {
	return func(e *Engine) { e.registry = r }
}

// WithLogger installs the engine logger.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithDefaultAllow controls the outcome when no rule applies. The default is
// true: tenants without rules for a resource see everything.
func WithDefaultAllow(allow bool) EngineOption {
	return func(e *Engine) { e.defaultAllow = allow }
}

// WithCacheTTL sets how long resolved rulesets stay cached.
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) { e.cacheTTL = ttl }
}

// New builds an Engine over the given rule store.
func New(store RuleStore, opts ...EngineOption) *Engine {
	e := &Engine{
		store:        store,
		registry:     NewPredicateRegistry(),
		log:          logger.NewNullLogger(),
		defaultAllow: true,
		cacheTTL:     5 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.evaluator = NewEvaluator(e.registry, e.log)
	e.compiler = NewCompiler(e.log)
	return e
}

// Registry exposes the engine's custom-predicate registry.
func (e *Engine) Registry() *PredicateRegistry { return e.registry }

// Evaluator exposes the engine's row evaluator.
func (e *Engine) Evaluator() *Evaluator { return e.evaluator }

// InvalidateCache bumps the local generation counter. Stores that implement
// RuleGenerations invalidate implicitly on mutation; this is for everyone
// else.
func (e *Engine) InvalidateCache() {
	e.localGen.Add(1)
}

func (e *Engine) generation() uint64 {
	if g, ok := e.store.(RuleGenerations); ok {
		return g.Generation() + e.localGen.Load()
	}
	return e.localGen.Load()
}

// ResolveRules returns the enabled rules applying to the context's principal,
// ordered by priority ascending then rule ID. Results are cached per
// principal and generation when a cache is installed.
func (e *Engine) ResolveRules(ctx context.Context, ec *EvalContext) ([]*Rule, error) {
	if ec == nil {
		return nil, fmt.Errorf("nil evaluation context")
	}
	key := ""
	if e.cache != nil {
		key = CacheKey(e.generation(), "rules", ec.TenantID, ec.UserID, ec.OrgUnitID, ec.Role, ec.Resource, string(ec.Action))
		if raw, ok := e.cache.Get(key); ok {
			var cached []*Rule
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
			e.cache.Delete(key)
		}
	}

	candidates, err := e.store.ListRules(ctx, ec.TenantID, ec.Resource, ec.Action)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	matched := make([]*Rule, 0, len(candidates))
	for _, r := range candidates {
		if !r.Enabled {
			continue
		}
		if e.scopeMatches(ctx, r, ec) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})

	if e.cache != nil {
		if raw, err := json.Marshal(matched); err == nil {
			e.cache.Set(key, raw, e.cacheTTL)
		}
	}
	return matched, nil
}

// scopeMatches reports whether the rule's principal scope covers ec. A rule
// with no scope fields applies tenant-wide.
func (e *Engine) scopeMatches(ctx context.Context, r *Rule, ec *EvalContext) bool {
	switch {
	case r.UserID != "":
		return r.UserID == ec.UserID
	case r.OrgUnitID != "":
		if r.OrgUnitID == ec.OrgUnitID {
			return true
		}
		if !r.Inheritance || ec.OrgUnitID == "" {
			return false
		}
		if e.hierarchy == nil {
			e.log.Warn("inheritance rule without hierarchy resolver", "rule", r.ID)
			return false
		}
		ok, err := e.hierarchy.IsAncestor(ctx, r.TenantID, r.OrgUnitID, ec.OrgUnitID)
		if err != nil {
			// Hierarchy failures degrade to no-match rather than failing
			// the whole resolution.
			e.log.Warn("org hierarchy lookup failed", "rule", r.ID, "org_unit", ec.OrgUnitID, "error", err.Error())
			return false
		}
		return ok
	case r.Role != "":
		return r.Role == ec.Role
	default:
		return true
	}
}

// HasAccess reports whether the principal may act on the given row. Rules
// combine with OR: any matching rule admits the row. With no applicable
// rules the configured default applies.
func (e *Engine) HasAccess(ctx context.Context, ec *EvalContext, row Row) (bool, error) {
	rules, err := e.ResolveRules(ctx, ec)
	if err != nil {
		return false, err
	}
	if len(rules) == 0 {
		return e.defaultAllow, nil
	}
	for _, r := range rules {
		if e.evaluator.Evaluate(r, ec, row) {
			return true, nil
		}
	}
	return false, nil
}

// FilterRows returns the subset of rows the principal may access, preserving
// input order. Rules resolve once for the whole batch.
func (e *Engine) FilterRows(ctx context.Context, ec *EvalContext, rows []Row) ([]Row, error) {
	rules, err := e.ResolveRules(ctx, ec)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		if e.defaultAllow {
			return rows, nil
		}
		return []Row{}, nil
	}
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		for _, r := range rules {
			if e.evaluator.Evaluate(r, ec, row) {
				out = append(out, row)
				break
			}
		}
	}
	return out, nil
}

// CompileFilter compiles every applicable rule and combines them with OR into
// one predicate suitable for query push-down via RenderSQL. With no
// applicable rules the result is the configured default as a constant
// predicate.
func (e *Engine) CompileFilter(ctx context.Context, ec *EvalContext) (Predicate, error) {
	rules, err := e.ResolveRules(ctx, ec)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		if e.defaultAllow {
			return &TruePred{}, nil
		}
		return &FalsePred{}, nil
	}
	children := make([]Predicate, len(rules))
	for i, r := range rules {
		children[i] = e.compiler.Compile(r, ec)
	}
	return simplifyOr(children), nil
}

// CompileSQL compiles the principal's filter and renders it to a WHERE
// fragment with named binds. Custom predicates surface *ErrNotCompilable.
func (e *Engine) CompileSQL(ctx context.Context, ec *EvalContext) (*SQLFilter, error) {
	pred, err := e.CompileFilter(ctx, ec)
	if err != nil {
		return nil, err
	}
	return RenderSQL(pred)
}

// RuleTrace records one rule's contribution to a decision.
type RuleTrace struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`
	Expression  string `json:"expression"`
	Matched     bool   `json:"matched"`
}

// Decision is an explained access check.
type Decision struct {
	Allowed     bool        `json:"allowed"`
	DefaultUsed bool        `json:"default_used"`
	Traces      []RuleTrace `json:"traces,omitempty"`
}

// Explain evaluates every applicable rule against the row and reports the
// per-rule outcomes alongside the combined decision.
func (e *Engine) Explain(ctx context.Context, ec *EvalContext, row Row) (*Decision, error) {
	rules, err := e.ResolveRules(ctx, ec)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return &Decision{Allowed: e.defaultAllow, DefaultUsed: true}, nil
	}
	d := &Decision{Traces: make([]RuleTrace, 0, len(rules))}
	for _, r := range rules {
		matched := e.evaluator.Evaluate(r, ec, row)
		if matched {
			d.Allowed = true
		}
		d.Traces = append(d.Traces, RuleTrace{
			RuleID:      r.ID,
			Description: r.Description,
			Priority:    r.Priority,
			Expression:  r.Expression.Expr().String(),
			Matched:     matched,
		})
	}
	return d, nil
}
