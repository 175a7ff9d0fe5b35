// Package health aggregates subsystem checks for the /health endpoint.
package health

import (
	"context"
	"sync"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Optional bool   `json:"optional,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Checker reports the health of one subsystem.
type Checker func(ctx context.Context) Status

// Registry runs registered checkers in registration order. Only required
// checkers decide the aggregate result; optional ones are reported alongside.
type Registry struct {
	mu       sync.RWMutex
	checkers []registered
}

type registered struct {
	name     string
	optional bool
	check    Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a required checker: the store, the expiry sweeper.
func (r *Registry) Register(name string, check Checker) {
	r.add(registered{name: name, check: check})
}

// RegisterOptional adds a checker whose failure degrades a side channel
// (event bus, payout provider) without failing the service.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(registered{name: name, optional: true, check: check})
}

func (r *Registry) add(c registered) {
	r.mu.Lock()
	r.checkers = append(r.checkers, c)
	r.mu.Unlock()
}

// CheckAll runs every checker. healthy is false when a required checker fails.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := append([]registered(nil), r.checkers...)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, 0, len(checkers))
	for _, c := range checkers {
		st := c.check(ctx)
		if st.Name == "" {
			st.Name = c.name
		}
		st.Optional = c.optional
		if !st.Healthy && !c.optional {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
