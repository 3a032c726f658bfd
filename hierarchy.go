package rls

import (
	"context"
	"sync"
)

// MemoryOrgHierarchy is an in-process OrgHierarchy backed by parent pointers.
type MemoryOrgHierarchy struct {
	mu sync.RWMutex
	// tenant -> child unit -> parent unit
	parents map[string]map[string]string
}

func NewMemoryOrgHierarchy() *MemoryOrgHierarchy {
	return &MemoryOrgHierarchy{parents: map[string]map[string]string{}}
}

// AddParent records child's parent within the tenant.
func (m *MemoryOrgHierarchy) AddParent(tenantID, child, parent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.parents[tenantID]
	if !ok {
		t = map[string]string{}
		m.parents[tenantID] = t
	}
	t[child] = parent
}

// AddUnit implements OrgUnitWriter. Units without a parent need no entry;
// ancestry is derived from parent pointers alone.
func (m *MemoryOrgHierarchy) AddUnit(ctx context.Context, u OrgUnitConfig) error {
	if u.Parent != "" {
		m.AddParent(u.TenantID, u.ID, u.Parent)
	}
	return nil
}

// RemoveUnit drops the unit's parent pointer.
func (m *MemoryOrgHierarchy) RemoveUnit(tenantID, unitID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.parents[tenantID]; ok {
		delete(t, unitID)
	}
}

// IsAncestor walks the parent chain from unitID. A unit is its own ancestor.
func (m *MemoryOrgHierarchy) IsAncestor(ctx context.Context, tenantID, ancestorID, unitID string) (bool, error) {
	if ancestorID == unitID {
		return true, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.parents[tenantID]
	cur := unitID
	seen := map[string]bool{cur: true}
	for {
		parent, ok := t[cur]
		if !ok || parent == "" {
			return false, nil
		}
		if parent == ancestorID {
			return true, nil
		}
		if seen[parent] {
			// Cycle in configured hierarchy; treat as no match.
			return false, nil
		}
		seen[parent] = true
		cur = parent
	}
}
