package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps events in append order. Tests and single-instance runs use it in
// place of the Postgres table.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryRepo) Events() []Event {
	return r.filter(func(Event) bool { return true })
}

// ByType returns the events of type t in append order.
func (r *MemoryRepo) ByType(t EventType) []Event {
	return r.filter(func(e Event) bool { return e.Type == t })
}

// ForJob returns every event that names job id, in append order.
func (r *MemoryRepo) ForJob(id string) []Event {
	return r.filter(func(e Event) bool { return e.JobID == id })
}

func (r *MemoryRepo) filter(keep func(Event) bool) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
