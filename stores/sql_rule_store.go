package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rls"
)

// SQLRuleStore persists rules in SQL (squealx). Mutations bump a generation
// counter so engine caches invalidate without explicit coordination.
type SQLRuleStore struct {
	db  *squealx.DB
	gen atomic.Uint64
}

func NewSQLRuleStore(db *squealx.DB) *SQLRuleStore {
	return &SQLRuleStore{db: db}
}

// Generation implements rls.RuleGenerations.
func (s *SQLRuleStore) Generation() uint64 { return s.gen.Load() }

// ListRules fetches the tenant's rules for the resource and filters action
// membership in process; the actions column stores a comma-joined set.
func (s *SQLRuleStore) ListRules(ctx context.Context, tenantID, resource string, action rls.Action) ([]*rls.Rule, error) {
	q := `SELECT id, tenant_id, resource, actions, user_id, org_unit_id, role, inheritance, expression_json, priority, enabled, description, created_at, updated_at FROM rules WHERE tenant_id = :tenant_id AND resource = :resource`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"tenant_id": tenantID,
		"resource":  resource,
	})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rls.Rule, 0)
	for r.Next() {
		rule, err := scanRule(r)
		if err != nil {
			return nil, err
		}
		if rule.AppliesTo(action) {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (s *SQLRuleStore) GetRule(ctx context.Context, tenantID, ruleID string) (*rls.Rule, error) {
	q := `SELECT id, tenant_id, resource, actions, user_id, org_unit_id, role, inheritance, expression_json, priority, enabled, description, created_at, updated_at FROM rules WHERE tenant_id = :tenant_id AND id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "id": ruleID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("rule not found: %s", ruleID)
	}
	return scanRule(r)
}

// ListAllRules returns every rule for the tenant.
func (s *SQLRuleStore) ListAllRules(ctx context.Context, tenantID string) ([]*rls.Rule, error) {
	q := `SELECT id, tenant_id, resource, actions, user_id, org_unit_id, role, inheritance, expression_json, priority, enabled, description, created_at, updated_at FROM rules WHERE tenant_id = :tenant_id ORDER BY priority ASC, id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rls.Rule, 0)
	for r.Next() {
		rule, err := scanRule(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

func (s *SQLRuleStore) UpsertRule(ctx context.Context, rule *rls.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if _, err := s.GetRule(ctx, rule.TenantID, rule.ID); err != nil {
		return s.createRule(ctx, rule)
	}
	return s.updateRule(ctx, rule)
}

func (s *SQLRuleStore) createRule(ctx context.Context, rule *rls.Rule) error {
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	rule.UpdatedAt = rule.CreatedAt
	q := `INSERT INTO rules(id, tenant_id, resource, actions, user_id, org_unit_id, role, inheritance, expression_json, priority, enabled, description, created_at, updated_at) VALUES(:id, :tenant_id, :resource, :actions, :user_id, :org_unit_id, :role, :inheritance, :expression_json, :priority, :enabled, :description, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, ruleArgs(rule))
	if err != nil {
		return err
	}
	if err := s.insertRuleHistory(ctx, rule); err != nil {
		return err
	}
	s.gen.Add(1)
	return nil
}

func (s *SQLRuleStore) updateRule(ctx context.Context, rule *rls.Rule) error {
	rule.UpdatedAt = time.Now()
	q := `UPDATE rules SET resource=:resource, actions=:actions, user_id=:user_id, org_unit_id=:org_unit_id, role=:role, inheritance=:inheritance, expression_json=:expression_json, priority=:priority, enabled=:enabled, description=:description, updated_at=:updated_at WHERE tenant_id=:tenant_id AND id=:id`
	_, err := s.db.NamedExecContext(ctx, q, ruleArgs(rule))
	if err != nil {
		return err
	}
	if err := s.insertRuleHistory(ctx, rule); err != nil {
		return err
	}
	s.gen.Add(1)
	return nil
}

func (s *SQLRuleStore) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	q := `DELETE FROM rules WHERE tenant_id = :tenant_id AND id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"tenant_id": tenantID, "id": ruleID})
	if err != nil {
		return err
	}
	s.gen.Add(1)
	return nil
}

func ruleArgs(rule *rls.Rule) map[string]any {
	expr, _ := json.Marshal(rule.Expression)
	return map[string]any{
		"id":              rule.ID,
		"tenant_id":       rule.TenantID,
		"resource":        rule.Resource,
		"actions":         rls.JoinActions(rule.Actions),
		"user_id":         rule.UserID,
		"org_unit_id":     rule.OrgUnitID,
		"role":            rule.Role,
		"inheritance":     boolToInt(rule.Inheritance),
		"expression_json": string(expr),
		"priority":        rule.Priority,
		"enabled":         boolToInt(rule.Enabled),
		"description":     rule.Description,
		"created_at":      rule.CreatedAt,
		"updated_at":      rule.UpdatedAt,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(r rowScanner) (*rls.Rule, error) {
	var id, tenant, resource, actions, userID, orgUnitID, role, exprJSON, desc string
	var inheritInt, priority, enabledInt int
	var createdRaw, updatedRaw any
	if err := r.Scan(&id, &tenant, &resource, &actions, &userID, &orgUnitID, &role, &inheritInt, &exprJSON, &priority, &enabledInt, &desc, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	rule := &rls.Rule{
		ID:          id,
		TenantID:    tenant,
		Resource:    resource,
		Actions:     rls.ParseActions(actions),
		UserID:      userID,
		OrgUnitID:   orgUnitID,
		Role:        role,
		Inheritance: inheritInt != 0,
		Priority:    priority,
		Enabled:     enabledInt != 0,
		Description: desc,
		CreatedAt:   scanTime(createdRaw),
		UpdatedAt:   scanTime(updatedRaw),
	}
	node := &rls.ExprNode{}
	if err := json.Unmarshal([]byte(exprJSON), node); err != nil {
		return nil, fmt.Errorf("rule %s: decode expression: %w", id, err)
	}
	rule.Expression = node
	return rule, nil
}

// insertRuleHistory appends a JSON snapshot to the append-only history table.
func (s *SQLRuleStore) insertRuleHistory(ctx context.Context, rule *rls.Rule) error {
	b, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	q := `INSERT INTO rule_history(tenant_id, rule_id, snapshot_json) VALUES(:tenant_id, :rule_id, :snapshot_json)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id":     rule.TenantID,
		"rule_id":       rule.ID,
		"snapshot_json": string(b),
	})
	return err
}

// GetRuleHistory returns historical snapshots of a rule, oldest first.
func (s *SQLRuleStore) GetRuleHistory(ctx context.Context, tenantID, ruleID string) ([]*rls.Rule, error) {
	q := `SELECT snapshot_json FROM rule_history WHERE tenant_id = :tenant_id AND rule_id = :rule_id ORDER BY seq ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "rule_id": ruleID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rls.Rule, 0)
	for r.Next() {
		var snap string
		if err := r.Scan(&snap); err != nil {
			return nil, err
		}
		rule := &rls.Rule{}
		if err := json.Unmarshal([]byte(snap), rule); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no history for rule %s", ruleID)
	}
	return out, nil
}
