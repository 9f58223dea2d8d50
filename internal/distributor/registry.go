package distributor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dreamware/torua-audit/internal/auditmeta"
)

type auditKey struct {
	t  auditmeta.Type
	id uint64
}

// Registry indexes the live audit handles of one distributor by type and
// id. At most one handle exists per audit, and no two handles of a type
// cover overlapping ranges.
type Registry struct {
	mu     sync.Mutex
	audits map[auditKey]*Audit
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{audits: make(map[auditKey]*Audit)}
}

// Add registers a. It fails if the audit already has a handle or overlaps
// a live audit of the same type.
func (r *Registry) Add(a *Audit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := auditKey{a.State.Type, a.State.ID}
	if _, ok := r.audits[k]; ok {
		return fmt.Errorf("audit %s/%d is already running", k.t, k.id)
	}
	for other, live := range r.audits {
		if other.t == k.t && live.State.Range.Intersects(a.State.Range) {
			return fmt.Errorf("audit %s/%d overlaps running audit %d", k.t, k.id, other.id)
		}
	}
	r.audits[k] = a
	return nil
}

// Get returns the live handle of audit t/id.
//
// Returns:
//   - the handle and true if the audit is running in this process
//   - nil and false otherwise, including after a retry swapped handles and
//     the new one has not been registered yet
func (r *Registry) Get(t auditmeta.Type, id uint64) (*Audit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.audits[auditKey{t, id}]
	return a, ok
}

// Remove drops a if it is still the registered handle for its audit. A
// handle replaced by a retry is left alone.
func (r *Registry) Remove(a *Audit) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := auditKey{a.State.Type, a.State.ID}
	if r.audits[k] != a {
		return false
	}
	delete(r.audits, k)
	return true
}

// RemoveID drops whatever handle is registered for the audit.
func (r *Registry) RemoveID(t auditmeta.Type, id uint64) (*Audit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := auditKey{t, id}
	a, ok := r.audits[k]
	delete(r.audits, k)
	return a, ok
}

// OfType returns the live handles of type t ordered by id.
func (r *Registry) OfType(t auditmeta.Type) []*Audit {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Audit
	for k, a := range r.audits {
		if k.t == t {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].State.ID < out[j].State.ID })
	return out
}

// Len returns the number of live handles across all types.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.audits)
}
