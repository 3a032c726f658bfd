package rls

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryRuleStore is an in-process RuleStore and RuleWriter. Every mutation
// bumps the generation counter, which the engine folds into cache keys.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]map[string]*Rule // tenant -> rule ID -> rule
	gen   atomic.Uint64
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: map[string]map[string]*Rule{}}
}

func (s *MemoryRuleStore) ListRules(ctx context.Context, tenantID, resource string, action Action) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Rule{}
	for _, r := range s.rules[tenantID] {
		if r.Resource == resource && r.AppliesTo(action) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryRuleStore) GetRule(ctx context.Context, tenantID, ruleID string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[tenantID][ruleID]
	if !ok {
		return nil, fmt.Errorf("rule %s not found", ruleID)
	}
	return r, nil
}

// ListAllRules returns every rule for the tenant regardless of resource.
func (s *MemoryRuleStore) ListAllRules(ctx context.Context, tenantID string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Rule, 0, len(s.rules[tenantID]))
	for _, r := range s.rules[tenantID] {
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryRuleStore) UpsertRule(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	t, ok := s.rules[rule.TenantID]
	if !ok {
		t = map[string]*Rule{}
		s.rules[rule.TenantID] = t
	}
	t[rule.ID] = rule
	s.mu.Unlock()
	s.gen.Add(1)
	return nil
}

func (s *MemoryRuleStore) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	s.mu.Lock()
	t, ok := s.rules[tenantID]
	if ok {
		_, ok = t[ruleID]
		delete(t, ruleID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("rule %s not found", ruleID)
	}
	s.gen.Add(1)
	return nil
}

// Generation implements RuleGenerations.
func (s *MemoryRuleStore) Generation() uint64 { return s.gen.Load() }
