package meeting

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyRunning is returned when a meeting code is already registered.
var ErrAlreadyRunning = errors.New("meeting is already running")

// Registry tracks live orchestrators by room code.
type Registry struct {
	mu       sync.RWMutex
	meetings map[string]*Orchestrator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{meetings: make(map[string]*Orchestrator)}
}

// Register adds an orchestrator under its room code. Two concurrent starts
// for the same code cannot both succeed.
func (r *Registry) Register(o *Orchestrator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.meetings[o.Code]; exists {
		return fmt.Errorf("meeting %s: %w", o.Code, ErrAlreadyRunning)
	}
	r.meetings[o.Code] = o
	return nil
}

// Get returns the live orchestrator for a room code, or nil.
func (r *Registry) Get(code string) *Orchestrator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meetings[code]
}

// Remove drops an orchestrator from the registry.
func (r *Registry) Remove(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.meetings, code)
}

// All returns a snapshot of the live orchestrators.
func (r *Registry) All() []*Orchestrator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Orchestrator, 0, len(r.meetings))
	for _, o := range r.meetings {
		all = append(all, o)
	}
	return all
}
