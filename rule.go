package rls

import (
	"fmt"
	"strings"
	"time"
)

// Action is a CRUD operation a rule applies to.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ValidActions lists every recognized action.
var ValidActions = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}

// Rule scopes row access for a tenant's resource. Actions is the set of
// operations the rule covers. Exactly one of UserID, OrgUnitID, Role may be
// set; when all are empty the rule applies to every principal in the tenant.
type Rule struct {
	ID          string    `json:"id" yaml:"id"`
	TenantID    string    `json:"tenant_id" yaml:"tenant_id"`
	Resource    string    `json:"resource" yaml:"resource"`
	Actions     []Action  `json:"actions" yaml:"actions"`
	UserID      string    `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	OrgUnitID   string    `json:"org_unit_id,omitempty" yaml:"org_unit_id,omitempty"`
	Role        string    `json:"role,omitempty" yaml:"role,omitempty"`
	Inheritance bool      `json:"inheritance,omitempty" yaml:"inheritance,omitempty"`
	Expression  *ExprNode `json:"expression" yaml:"expression"`
	Priority    int       `json:"priority,omitempty" yaml:"priority,omitempty"`
	Enabled     bool      `json:"enabled" yaml:"enabled"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Validate reports structural problems with the rule.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule missing id")
	}
	if r.TenantID == "" {
		return fmt.Errorf("rule %s: missing tenant_id", r.ID)
	}
	if r.Resource == "" {
		return fmt.Errorf("rule %s: missing resource", r.ID)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %s: no actions", r.ID)
	}
	for _, a := range r.Actions {
		if !validAction(a) {
			return fmt.Errorf("rule %s: unknown action %q", r.ID, a)
		}
	}
	scopes := 0
	if r.UserID != "" {
		scopes++
	}
	if r.OrgUnitID != "" {
		scopes++
	}
	if r.Role != "" {
		scopes++
	}
	if scopes > 1 {
		return fmt.Errorf("rule %s: at most one of user_id, org_unit_id, role may be set", r.ID)
	}
	if r.Inheritance && r.OrgUnitID == "" {
		return fmt.Errorf("rule %s: inheritance requires org_unit_id", r.ID)
	}
	if r.Expression == nil {
		return fmt.Errorf("rule %s: missing expression", r.ID)
	}
	return nil
}

func validAction(a Action) bool {
	for _, v := range ValidActions {
		if a == v {
			return true
		}
	}
	return false
}

// AppliesTo reports whether the rule covers the action.
func (r *Rule) AppliesTo(a Action) bool {
	for _, v := range r.Actions {
		if v == a {
			return true
		}
	}
	return false
}

// JoinActions renders an action set as a comma-joined token.
func JoinActions(actions []Action) string {
	parts := make([]string, len(actions))
	for i, a := range actions {
		parts[i] = string(a)
	}
	return strings.Join(parts, ",")
}

// ParseActions splits a comma-joined action token.
func ParseActions(s string) []Action {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]Action, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, Action(p))
		}
	}
	return out
}

// EvalContext carries the principal and request attributes a decision is made
// against.
type EvalContext struct {
	UserID      string         `json:"user_id"`
	TenantID    string         `json:"tenant_id"`
	OrgUnitID   string         `json:"org_unit_id,omitempty"`
	Role        string         `json:"role,omitempty"`
	Action      Action         `json:"action"`
	Resource    string         `json:"resource"`
	ContextData map[string]any `json:"context_data,omitempty"`
}

// Row is a single record under evaluation.
type Row map[string]any

// Field resolves a dotted path against the row. Nested maps are traversed;
// a missing segment reports ok=false.
func (r Row) Field(path string) (any, bool) {
	if r == nil {
		return nil, false
	}
	if v, ok := r[path]; ok {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}
	var cur any = map[string]any(r)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
