package rls

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// mustRule unwraps a builder result so rule construction can stay inline at
// the call site.
func mustRule(r *Rule, err error) *Rule {
	if err != nil {
		panic(err)
	}
	return r
}

func seedStore(t *testing.T, rules ...*Rule) *MemoryRuleStore {
	t.Helper()
	store := NewMemoryRuleStore()
	for _, r := range rules {
		if err := store.UpsertRule(context.Background(), r); err != nil {
			t.Fatalf("seed rule %s: %v", r.ID, err)
		}
	}
	return store
}

func TestDefaultAllowWithNoRules(t *testing.T) {
	ctx := context.Background()
	eng := New(NewMemoryRuleStore())
	ec := &EvalContext{UserID: "u1", TenantID: "t1", Resource: "orders", Action: ActionRead}

	ok, err := eng.HasAccess(ctx, ec, Row{"id": 1})
	if err != nil {
		t.Fatalf("has access: %v", err)
	}
	if !ok {
		t.Fatalf("no rules should default to allow")
	}

	strict := New(NewMemoryRuleStore(), WithDefaultAllow(false))
	ok, err = strict.HasAccess(ctx, ec, Row{"id": 1})
	if err != nil {
		t.Fatalf("has access: %v", err)
	}
	if ok {
		t.Fatalf("strict engine should deny without rules")
	}
}

func TestRulesCombineWithOr(t *testing.T) {
	ctx := context.Background()
	own := mustRule(OwnRecords("r-own", "t1", "orders", ActionRead, "owner_id"))
	region := mustRule(NewRule("r-region", "t1", "orders", ActionRead).
		WhereEquals("region", "emea").
		Build())
	eng := New(seedStore(t, own, region))

	ec := &EvalContext{UserID: "u1", TenantID: "t1", Resource: "orders", Action: ActionRead}

	// Fails the first rule but passes the second; OR means access.
	ok, err := eng.HasAccess(ctx, ec, Row{"owner_id": "u2", "region": "emea"})
	if err != nil {
		t.Fatalf("has access: %v", err)
	}
	if !ok {
		t.Fatalf("second rule should admit the row")
	}

	ok, _ = eng.HasAccess(ctx, ec, Row{"owner_id": "u2", "region": "apac"})
	if ok {
		t.Fatalf("no rule admits this row")
	}
}

func TestScopeMatching(t *testing.T) {
	ctx := context.Background()
	userRule := mustRule(NewRule("r-user", "t1", "orders", ActionRead).
		ForUser("u1").WhereEquals("kind", "a").Build())
	roleRule := mustRule(NewRule("r-role", "t1", "orders", ActionRead).
		ForRole("manager").WhereEquals("kind", "b").Build())
	orgRule := mustRule(NewRule("r-org", "t1", "orders", ActionRead).
		ForOrgUnit("ou-1", false).WhereEquals("kind", "c").Build())
	eng := New(seedStore(t, userRule, roleRule, orgRule), WithDefaultAllow(false))

	cases := []struct {
		name string
		ec   *EvalContext
		want []string
	}{
		{"user match", &EvalContext{UserID: "u1", TenantID: "t1", Resource: "orders", Action: ActionRead}, []string{"r-user"}},
		{"role match", &EvalContext{UserID: "u9", Role: "manager", TenantID: "t1", Resource: "orders", Action: ActionRead}, []string{"r-role"}},
		{"org match", &EvalContext{UserID: "u9", OrgUnitID: "ou-1", TenantID: "t1", Resource: "orders", Action: ActionRead}, []string{"r-org"}},
		{"no match", &EvalContext{UserID: "u9", TenantID: "t1", Resource: "orders", Action: ActionRead}, []string{}},
	}
	for _, tc := range cases {
		rules, err := eng.ResolveRules(ctx, tc.ec)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(rules) != len(tc.want) {
			t.Fatalf("%s: got %d rules, want %d", tc.name, len(rules), len(tc.want))
		}
		for i, id := range tc.want {
			if rules[i].ID != id {
				t.Fatalf("%s: rule %d = %s, want %s", tc.name, i, rules[i].ID, id)
			}
		}
	}
}

func TestOrgUnitInheritance(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryOrgHierarchy()
	h.AddParent("t1", "ou-child", "ou-mid")
	h.AddParent("t1", "ou-mid", "ou-root")

	rule := mustRule(NewRule("r-inherit", "t1", "orders", ActionRead).
		ForOrgUnit("ou-root", true).WhereEquals("x", 1).Build())
	eng := New(seedStore(t, rule), WithOrgHierarchy(h), WithDefaultAllow(false))

	ec := &EvalContext{UserID: "u1", OrgUnitID: "ou-child", TenantID: "t1", Resource: "orders", Action: ActionRead}
	rules, err := eng.ResolveRules(ctx, ec)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("descendant unit should inherit the rule, got %d", len(rules))
	}

	// Without inheritance the same rule must not apply to descendants.
	flat := mustRule(NewRule("r-flat", "t1", "orders", ActionRead).
		ForOrgUnit("ou-root", false).WhereEquals("x", 1).Build())
	eng2 := New(seedStore(t, flat), WithOrgHierarchy(h), WithDefaultAllow(false))
	rules, _ = eng2.ResolveRules(ctx, ec)
	if len(rules) != 0 {
		t.Fatalf("non-inheriting rule should not apply to descendants")
	}
}

type failingHierarchy struct{}

func (failingHierarchy) IsAncestor(ctx context.Context, tenantID, ancestorID, unitID string) (bool, error) {
	return false, errors.New("hierarchy backend down")
}

func TestHierarchyFailureDegradesToNoMatch(t *testing.T) {
	ctx := context.Background()
	rule := mustRule(NewRule("r-inherit", "t1", "orders", ActionRead).
		ForOrgUnit("ou-root", true).WhereEquals("x", 1).Build())
	eng := New(seedStore(t, rule), WithOrgHierarchy(failingHierarchy{}), WithDefaultAllow(false))

	ec := &EvalContext{UserID: "u1", OrgUnitID: "ou-child", TenantID: "t1", Resource: "orders", Action: ActionRead}
	rules, err := eng.ResolveRules(ctx, ec)
	if err != nil {
		t.Fatalf("resolution must not fail on hierarchy errors: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("failed lookup should mean no match")
	}
}

func TestPriorityOrdersButDoesNotShortCircuit(t *testing.T) {
	ctx := context.Background()
	high := mustRule(NewRule("r-b", "t1", "orders", ActionRead).
		Priority(10).WhereEquals("never", "matches").Build())
	low := mustRule(NewRule("r-a", "t1", "orders", ActionRead).
		Priority(20).WhereEquals("region", "emea").Build())
	eng := New(seedStore(t, high, low), WithDefaultAllow(false))

	ec := &EvalContext{UserID: "u1", TenantID: "t1", Resource: "orders", Action: ActionRead}
	rules, err := eng.ResolveRules(ctx, ec)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rules[0].ID != "r-b" || rules[1].ID != "r-a" {
		t.Fatalf("rules should sort by priority ascending: %s, %s", rules[0].ID, rules[1].ID)
	}

	// The lower-priority rule still admits the row.
	ok, _ := eng.HasAccess(ctx, ec, Row{"region": "emea"})
	if !ok {
		t.Fatalf("later rule should still grant access")
	}
}

func TestRuleCoversEveryListedAction(t *testing.T) {
	ctx := context.Background()
	rule := mustRule(NewRule("r-rw", "t1", "orders", ActionRead, ActionUpdate).
		WhereEquals("owner_id", "${userId}").Build())
	eng := New(seedStore(t, rule), WithDefaultAllow(false))

	for _, a := range []Action{ActionRead, ActionUpdate} {
		ec := &EvalContext{UserID: "u1", TenantID: "t1", Resource: "orders", Action: a}
		ok, err := eng.HasAccess(ctx, ec, Row{"owner_id": "u1"})
		if err != nil {
			t.Fatalf("%s: %v", a, err)
		}
		if !ok {
			t.Fatalf("rule lists %s, access expected", a)
		}
	}

	ec := &EvalContext{UserID: "u1", TenantID: "t1", Resource: "orders", Action: ActionDelete}
	ok, _ := eng.HasAccess(ctx, ec, Row{"owner_id": "u1"})
	if ok {
		t.Fatalf("delete is not in the rule's action set")
	}
}

func TestDisabledRulesAreIgnored(t *testing.T) {
	ctx := context.Background()
	rule := mustRule(NewRule("r-off", "t1", "orders", ActionRead).
		Disabled().WhereEquals("x", 1).Build())
	eng := New(seedStore(t, rule), WithDefaultAllow(false))
	ec := &EvalContext{UserID: "u1", TenantID: "t1", Resource: "orders", Action: ActionRead}
	ok, _ := eng.HasAccess(ctx, ec, Row{"x": 1})
	if ok {
		t.Fatalf("disabled rule must not grant access")
	}
}

func TestFilterRowsPreservesOrder(t *testing.T) {
	ctx := context.Background()
	rule := mustRule(OwnRecords("r-own", "t1", "orders", ActionRead, "owner_id"))
	eng := New(seedStore(t, rule), WithDefaultAllow(false))
	ec := &EvalContext{UserID: "u1", TenantID: "t1", Resource: "orders", Action: ActionRead}

	rows := []Row{
		{"id": 1, "owner_id": "u1"},
		{"id": 2, "owner_id": "u2"},
		{"id": 3, "owner_id": "u1"},
	}
	got, err := eng.FilterRows(ctx, ec, rows)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(got) != 2 || got[0]["id"] != 1 || got[1]["id"] != 3 {
		t.Fatalf("unexpected filtered rows: %#v", got)
	}
}

func TestCompileSQLEndToEnd(t *testing.T) {
	ctx := context.Background()
	own := mustRule(OwnRecords("r-own", "t1", "orders", ActionRead, "owner_id"))
	region := mustRule(NewRule("r-region", "t1", "orders", ActionRead).
		WhereIn("region", "emea", "apac").Build())
	eng := New(seedStore(t, own, region), WithDefaultAllow(false))

	ec := &EvalContext{UserID: "u7", TenantID: "t1", Resource: "orders", Action: ActionRead}
	filter, err := eng.CompileSQL(ctx, ec)
	if err != nil {
		t.Fatalf("compile sql: %v", err)
	}
	if !strings.Contains(filter.Clause, "owner_id = :rls_arg1") {
		t.Fatalf("clause: %s", filter.Clause)
	}
	if filter.Args["rls_arg1"] != "u7" {
		t.Fatalf("placeholder should bind the caller's user id: %#v", filter.Args)
	}
	if !strings.Contains(filter.Clause, "region IN (") {
		t.Fatalf("clause: %s", filter.Clause)
	}
}

func TestCompileSQLDefaults(t *testing.T) {
	ctx := context.Background()
	ec := &EvalContext{UserID: "u1", TenantID: "t1", Resource: "orders", Action: ActionRead}

	open := New(NewMemoryRuleStore())
	f, err := open.CompileSQL(ctx, ec)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if f.Clause != "1 = 1" {
		t.Fatalf("default-allow filter: %s", f.Clause)
	}

	strict := New(NewMemoryRuleStore(), WithDefaultAllow(false))
	f, err = strict.CompileSQL(ctx, ec)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if f.Clause != "1 = 0" {
		t.Fatalf("default-deny filter: %s", f.Clause)
	}
}

func TestCachedResolutionInvalidatesOnMutation(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t, mustRule(OwnRecords("r-own", "t1", "orders", ActionRead, "owner_id")))
	eng := New(store, WithCache(NewMemoryCacheStore()), WithCacheTTL(time.Hour), WithDefaultAllow(false))
	ec := &EvalContext{UserID: "u1", TenantID: "t1", Resource: "orders", Action: ActionRead}

	rules, err := eng.ResolveRules(ctx, ec)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule")
	}

	// A store mutation bumps the generation; the stale cache entry must not
	// be served.
	extra := mustRule(NewRule("r-region", "t1", "orders", ActionRead).
		WhereEquals("region", "emea").Build())
	if err := store.UpsertRule(ctx, extra); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rules, err = eng.ResolveRules(ctx, ec)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules after mutation, got %d", len(rules))
	}
}

func TestExplain(t *testing.T) {
	ctx := context.Background()
	own := mustRule(OwnRecords("r-own", "t1", "orders", ActionRead, "owner_id"))
	region := mustRule(NewRule("r-region", "t1", "orders", ActionRead).
		WhereEquals("region", "emea").Describe("EMEA analysts").Build())
	eng := New(seedStore(t, own, region), WithDefaultAllow(false))

	ec := &EvalContext{UserID: "u1", TenantID: "t1", Resource: "orders", Action: ActionRead}
	d, err := eng.Explain(ctx, ec, Row{"owner_id": "u2", "region": "emea"})
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if !d.Allowed || d.DefaultUsed {
		t.Fatalf("decision: %+v", d)
	}
	if len(d.Traces) != 2 {
		t.Fatalf("expected 2 traces")
	}
	byID := map[string]bool{}
	for _, tr := range d.Traces {
		byID[tr.RuleID] = tr.Matched
	}
	if byID["r-own"] || !byID["r-region"] {
		t.Fatalf("traces: %#v", d.Traces)
	}

	d, _ = eng.Explain(ctx, &EvalContext{UserID: "u1", TenantID: "t2", Resource: "orders", Action: ActionRead}, Row{})
	if !d.DefaultUsed {
		t.Fatalf("other tenant has no rules, default should apply")
	}
}

// End-to-end shape mirroring a sales team: reps see their own leads, the
// EMEA org unit sees regional leads, managers see everything under review.
func TestLeadVisibilityScenario(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryOrgHierarchy()
	h.AddParent("acme", "emea-uk", "emea")

	repRule := mustRule(OwnRecords("leads-own", "acme", "leads", ActionRead, "owner_id"))
	orgRule := mustRule(NewRule("leads-emea", "acme", "leads", ActionRead).
		ForOrgUnit("emea", true).WhereEquals("region", "emea").Build())
	mgrRule := mustRule(NewRule("leads-mgr", "acme", "leads", ActionRead).
		ForRole("manager").WhereIn("status", "review", "escalated").Build())

	eng := New(seedStore(t, repRule, orgRule, mgrRule), WithOrgHierarchy(h), WithDefaultAllow(false))

	rows := []Row{
		{"id": 1, "owner_id": "rep-1", "region": "apac", "status": "new"},
		{"id": 2, "owner_id": "rep-2", "region": "emea", "status": "new"},
		{"id": 3, "owner_id": "rep-2", "region": "apac", "status": "review"},
	}

	// A UK rep sees their own lead plus EMEA leads through inheritance.
	rep := &EvalContext{UserID: "rep-1", OrgUnitID: "emea-uk", TenantID: "acme", Resource: "leads", Action: ActionRead}
	got, err := eng.FilterRows(ctx, rep, rows)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(got) != 2 || got[0]["id"] != 1 || got[1]["id"] != 2 {
		t.Fatalf("rep visibility: %#v", got)
	}

	// A manager outside EMEA sees only leads under review.
	mgr := &EvalContext{UserID: "mgr-1", Role: "manager", TenantID: "acme", Resource: "leads", Action: ActionRead}
	got, _ = eng.FilterRows(ctx, mgr, rows)
	if len(got) != 1 || got[0]["id"] != 3 {
		t.Fatalf("manager visibility: %#v", got)
	}
}
