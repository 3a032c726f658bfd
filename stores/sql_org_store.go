package stores

import (
	"context"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rls"
)

// SQLOrgHierarchy answers org-unit ancestry from the org_units table by
// walking parent pointers one row at a time.
type SQLOrgHierarchy struct {
	db *squealx.DB
}

var (
	_ rls.OrgHierarchy  = (*SQLOrgHierarchy)(nil)
	_ rls.OrgUnitWriter = (*SQLOrgHierarchy)(nil)
)

func NewSQLOrgHierarchy(db *squealx.DB) *SQLOrgHierarchy {
	return &SQLOrgHierarchy{db: db}
}

// AddUnit inserts or replaces an org unit.
func (s *SQLOrgHierarchy) AddUnit(ctx context.Context, u rls.OrgUnitConfig) error {
	_, found, err := s.lookupParent(ctx, u.TenantID, u.ID)
	if err != nil {
		return err
	}
	if found {
		q := `UPDATE org_units SET name=:name, parent_id=:parent_id WHERE tenant_id=:tenant_id AND id=:id`
		_, err := s.db.NamedExecContext(ctx, q, map[string]any{
			"id": u.ID, "tenant_id": u.TenantID, "name": u.Name, "parent_id": u.Parent,
		})
		return err
	}
	q := `INSERT INTO org_units(id, tenant_id, name, parent_id) VALUES(:id, :tenant_id, :name, :parent_id)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id": u.ID, "tenant_id": u.TenantID, "name": u.Name, "parent_id": u.Parent,
	})
	return err
}

func (s *SQLOrgHierarchy) RemoveUnit(ctx context.Context, tenantID, unitID string) error {
	q := `DELETE FROM org_units WHERE tenant_id = :tenant_id AND id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"tenant_id": tenantID, "id": unitID})
	return err
}

// IsAncestor implements rls.OrgHierarchy. A unit is its own ancestor. An
// unknown starting unit is not an error, just no match; database failures
// propagate so the engine can log and degrade.
func (s *SQLOrgHierarchy) IsAncestor(ctx context.Context, tenantID, ancestorID, unitID string) (bool, error) {
	if ancestorID == unitID {
		return true, nil
	}
	cur := unitID
	seen := map[string]bool{cur: true}
	for {
		parent, found, err := s.lookupParent(ctx, tenantID, cur)
		if err != nil {
			return false, fmt.Errorf("org unit %s: %w", cur, err)
		}
		if !found || parent == "" {
			return false, nil
		}
		if parent == ancestorID {
			return true, nil
		}
		if seen[parent] {
			return false, nil
		}
		seen[parent] = true
		cur = parent
	}
}

func (s *SQLOrgHierarchy) lookupParent(ctx context.Context, tenantID, unitID string) (string, bool, error) {
	q := `SELECT parent_id FROM org_units WHERE tenant_id = :tenant_id AND id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "id": unitID})
	if err != nil {
		return "", false, err
	}
	defer r.Close()
	if !r.Next() {
		return "", false, nil
	}
	var parent string
	if err := r.Scan(&parent); err != nil {
		return "", false, err
	}
	return parent, true, nil
}

// LoadInto copies the tenant's hierarchy into an in-memory resolver, useful
// for hot paths that should not hit the database per ancestor walk.
func (s *SQLOrgHierarchy) LoadInto(ctx context.Context, tenantID string, dst *rls.MemoryOrgHierarchy) error {
	q := `SELECT id, parent_id FROM org_units WHERE tenant_id = :tenant_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID})
	if err != nil {
		return err
	}
	defer r.Close()
	for r.Next() {
		var id, parent string
		if err := r.Scan(&id, &parent); err != nil {
			return err
		}
		if parent != "" {
			dst.AddParent(tenantID, id, parent)
		}
	}
	return nil
}
