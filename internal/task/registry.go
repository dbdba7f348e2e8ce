package task

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Registry holds live tasks for polling. Entries expire after the TTL and
// the oldest are evicted past the size cap, so abandoned tasks do not pin
// their result buffers forever.
type Registry struct {
	tasks *expirable.LRU[string, *Task]
}

// NewRegistry creates a registry bounded by entry count and TTL.
func NewRegistry(maxEntries int, ttl time.Duration) *Registry {
	return &Registry{tasks: expirable.NewLRU[string, *Task](maxEntries, nil, ttl)}
}

// Add registers a task under its ID.
func (r *Registry) Add(t *Task) {
	r.tasks.Add(t.ID, t)
}

// Get looks up a task by ID.
func (r *Registry) Get(id string) (*Task, bool) {
	return r.tasks.Get(id)
}

// Remove drops a task, typically after its result has been delivered.
func (r *Registry) Remove(id string) {
	r.tasks.Remove(id)
}
