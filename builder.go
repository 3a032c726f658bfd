package rls

import "fmt"

// RuleBuilder assembles rules fluently. Condition calls accumulate; Build
// joins them with AND and BuildOr with OR.
type RuleBuilder struct {
	rule  Rule
	conds []*ExprNode
	err   error
}

// NewRule starts a rule for the tenant and resource covering the given
// actions.
func NewRule(id, tenantID, resource string, actions ...Action) *RuleBuilder {
	return &RuleBuilder{rule: Rule{ID: id, TenantID: tenantID, Resource: resource, Actions: actions, Enabled: true}}
}

// ForActions replaces the rule's action set.
func (b *RuleBuilder) ForActions(actions ...Action) *RuleBuilder {
	b.rule.Actions = actions
	return b
}

func (b *RuleBuilder) ForUser(userID string) *RuleBuilder { b.rule.UserID = userID; return b }

func (b *RuleBuilder) ForRole(role string) *RuleBuilder { b.rule.Role = role; return b }

// ForOrgUnit scopes the rule to an org unit; inherit extends it to the
// unit's descendants.
func (b *RuleBuilder) ForOrgUnit(orgUnitID string, inherit bool) *RuleBuilder {
	b.rule.OrgUnitID = orgUnitID
	b.rule.Inheritance = inherit
	return b
}

func (b *RuleBuilder) Priority(p int) *RuleBuilder { b.rule.Priority = p; return b }

func (b *RuleBuilder) Disabled() *RuleBuilder { b.rule.Enabled = false; return b }

func (b *RuleBuilder) Describe(desc string) *RuleBuilder { b.rule.Description = desc; return b }

func (b *RuleBuilder) Where(node *ExprNode) *RuleBuilder {
	if node == nil {
		b.fail("nil condition")
		return b
	}
	b.conds = append(b.conds, node)
	return b
}

func (b *RuleBuilder) WhereEquals(field string, value any) *RuleBuilder {
	return b.Where(Eq(field, value))
}

func (b *RuleBuilder) WhereIn(field string, values ...any) *RuleBuilder {
	return b.Where(In(field, values...))
}

func (b *RuleBuilder) WhereCustom(name string) *RuleBuilder {
	return b.Where(Custom(name))
}

func (b *RuleBuilder) fail(msg string) {
	if b.err == nil {
		b.err = fmt.Errorf("rule %s: %s", b.rule.ID, msg)
	}
}

// Build finishes the rule with conditions joined by AND.
func (b *RuleBuilder) Build() (*Rule, error) { return b.build(OpAnd) }

// BuildOr finishes the rule with conditions joined by OR.
func (b *RuleBuilder) BuildOr() (*Rule, error) { return b.build(OpOr) }

func (b *RuleBuilder) build(join Operator) (*Rule, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.conds) == 0 {
		return nil, fmt.Errorf("rule %s: no conditions", b.rule.ID)
	}
	r := b.rule
	if len(b.conds) == 1 {
		r.Expression = b.conds[0]
	} else {
		r.Expression = &ExprNode{Operator: join, Children: b.conds}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Expression node constructors.

func Eq(field string, value any) *ExprNode {
	return &ExprNode{Operator: OpEquals, Field: field, Value: value}
}

func Neq(field string, value any) *ExprNode {
	return &ExprNode{Operator: OpNotEquals, Field: field, Value: value}
}

func In(field string, values ...any) *ExprNode {
	return &ExprNode{Operator: OpIn, Field: field, Value: values}
}

func NotIn(field string, values ...any) *ExprNode {
	return &ExprNode{Operator: OpNotIn, Field: field, Value: values}
}

func Contains(field string, value any) *ExprNode {
	return &ExprNode{Operator: OpContains, Field: field, Value: value}
}

func Gt(field string, value any) *ExprNode {
	return &ExprNode{Operator: OpGreaterThan, Field: field, Value: value}
}

func Lt(field string, value any) *ExprNode {
	return &ExprNode{Operator: OpLessThan, Field: field, Value: value}
}

func Gte(field string, value any) *ExprNode {
	return &ExprNode{Operator: OpGreaterOrEqual, Field: field, Value: value}
}

func Lte(field string, value any) *ExprNode {
	return &ExprNode{Operator: OpLessOrEqual, Field: field, Value: value}
}

func IsNull(field string) *ExprNode {
	return &ExprNode{Operator: OpIsNull, Field: field}
}

func IsNotNull(field string) *ExprNode {
	return &ExprNode{Operator: OpIsNotNull, Field: field}
}

func And(children ...*ExprNode) *ExprNode {
	return &ExprNode{Operator: OpAnd, Children: children}
}

func Or(children ...*ExprNode) *ExprNode {
	return &ExprNode{Operator: OpOr, Children: children}
}

func Not(child *ExprNode) *ExprNode {
	return &ExprNode{Operator: OpNot, Children: []*ExprNode{child}}
}

func Custom(name string) *ExprNode {
	return &ExprNode{Operator: OpCustom, CustomFunction: name}
}

// Common rule shapes.

// OwnRecords limits a principal to rows whose field equals their user ID.
func OwnRecords(id, tenantID, resource string, action Action, ownerField string) (*Rule, error) {
	return NewRule(id, tenantID, resource, action).
		WhereEquals(ownerField, "${userId}").
		Build()
}

// CreatedByRecords limits access to rows created by the principal.
func CreatedByRecords(id, tenantID, resource string, action Action) (*Rule, error) {
	return OwnRecords(id, tenantID, resource, action, "created_by")
}

// OrgUnitRecords limits access to rows within the principal's org unit.
func OrgUnitRecords(id, tenantID, resource string, action Action, orgField string) (*Rule, error) {
	return NewRule(id, tenantID, resource, action).
		WhereEquals(orgField, "${orgUnitId}").
		Build()
}

// ManagedRecords limits access to rows whose manager field is the principal.
func ManagedRecords(id, tenantID, resource string, action Action, managerField string) (*Rule, error) {
	return NewRule(id, tenantID, resource, action).
		WhereEquals(managerField, "${userId}").
		Build()
}

// OrgUnitOrManagedRecords admits rows in the principal's org unit or managed
// by them.
func OrgUnitOrManagedRecords(id, tenantID, resource string, action Action, orgField, managerField string) (*Rule, error) {
	return NewRule(id, tenantID, resource, action).
		Where(Eq(orgField, "${orgUnitId}")).
		Where(Eq(managerField, "${userId}")).
		BuildOr()
}
