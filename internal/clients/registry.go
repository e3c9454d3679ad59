// Package clients tracks connected pages and fans envelopes out to them.
package clients

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/10yihang/pwarelay/internal/metrics"
)

// ID identifies one connected page.
type ID string

// NewID returns a random page ID.
func NewID() ID {
	return ID(uuid.NewString())
}

// Client is a page that can receive frames.
//
// Post must not block; a client that cannot accept the frame right now
// returns an error instead.
type Client interface {
	ID() ID
	Post(frame []byte) error
}

// MatchOptions filters a Snapshot.
type MatchOptions struct {
	// IncludeUncontrolled also returns pages no controller has claimed.
	IncludeUncontrolled bool
}

type entry struct {
	client     Client
	controller uint64
	seq        uint64
}

// Registry is the set of connected pages.
type Registry struct {
	mu      sync.RWMutex
	entries map[ID]*entry
	seq     uint64
	changed chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[ID]*entry),
		changed: make(chan struct{}),
	}
}

// Add registers c. controller is the generation the page was loaded under,
// zero when it is not controlled. Adding an existing ID replaces it.
func (r *Registry) Add(c Client, controller uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[c.ID()]; !ok {
		metrics.RecordClient(1)
	}
	r.seq++
	r.entries[c.ID()] = &entry{client: c, controller: controller, seq: r.seq}
	r.notifyLocked()
}

// Remove unregisters id. It reports whether id was present.
func (r *Registry) Remove(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	metrics.RecordClient(-1)
	r.notifyLocked()
	return true
}

// Get returns the client registered under id.
func (r *Registry) Get(id ID) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// Len returns the number of connected pages.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot enumerates the pages connected right now, in connection order.
// Callers must not cache the result across broadcasts.
func (r *Registry) Snapshot(opts MatchOptions) []Client {
	r.mu.RLock()
	matched := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.controller == 0 && !opts.IncludeUncontrolled {
			continue
		}
		matched = append(matched, e)
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	out := make([]Client, len(matched))
	for i, e := range matched {
		out[i] = e.client
	}
	return out
}

// Claim makes generation the controller of every connected page and returns
// how many pages changed controller.
func (r *Registry) Claim(generation uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.controller != generation {
			e.controller = generation
			n++
		}
	}
	if n > 0 {
		r.notifyLocked()
	}
	return n
}

// Controller returns the generation controlling id, zero if uncontrolled.
func (r *Registry) Controller(id ID) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return 0, false
	}
	return e.controller, true
}

// ControlledBefore reports whether any page is still controlled by a
// generation older than generation.
func (r *Registry) ControlledBefore(generation uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.controller != 0 && e.controller < generation {
			return true
		}
	}
	return false
}

// Changed returns a channel that is closed on the next membership or
// controller change.
func (r *Registry) Changed() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changed
}

func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
