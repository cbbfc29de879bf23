package engine

import (
	"errors"
	"sort"
	"sync"
)

// ErrAlreadyRunning is returned when a job already has an active execution.
var ErrAlreadyRunning = errors.New("job is already running")

// Registry maps job IDs to their single active execution. Admission and
// removal are the only mutations and both happen under one lock.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Execution
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Execution)}
}

// TryStart admits jobID if nothing is running for it. The returned execution
// holds the slot until Remove is called with it.
func (r *Registry) TryStart(jobID string) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[jobID]; ok {
		return nil, ErrAlreadyRunning
	}
	x := newExecution(jobID)
	r.active[jobID] = x
	return x, nil
}

// Lookup returns the active execution for jobID.
func (r *Registry) Lookup(jobID string) (*Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	x, ok := r.active[jobID]
	return x, ok
}

// Remove frees the slot of jobID if x still holds it.
func (r *Registry) Remove(jobID string, x *Execution) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[jobID]; ok && cur == x {
		delete(r.active, jobID)
		return true
	}
	return false
}

// Len returns the number of active executions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Snapshot returns the active executions ordered by job ID.
func (r *Registry) Snapshot() []*Execution {
	r.mu.Lock()
	out := make([]*Execution, 0, len(r.active))
	for _, x := range r.active {
		out = append(out, x)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}
