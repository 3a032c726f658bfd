package rls

import (
	"sort"
	"sync"
)

// CustomPredicate is an application-supplied row check referenced by custom
// expression nodes.
type CustomPredicate func(ctx *EvalContext, row Row) bool

// PredicateRegistry holds named custom predicates. Safe for concurrent use.
type PredicateRegistry struct {
	mu    sync.RWMutex
	preds map[string]CustomPredicate
}

func NewPredicateRegistry() *PredicateRegistry {
	return &PredicateRegistry{preds: map[string]CustomPredicate{}}
}

// Register installs or replaces a predicate under name.
func (r *PredicateRegistry) Register(name string, fn CustomPredicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preds[name] = fn
}

// Unregister removes a predicate.
func (r *PredicateRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.preds, name)
}

// Lookup fetches a predicate by name.
func (r *PredicateRegistry) Lookup(name string) (CustomPredicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.preds[name]
	return fn, ok
}

// Names returns registered predicate names in sorted order.
func (r *PredicateRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.preds))
	for name := range r.preds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
