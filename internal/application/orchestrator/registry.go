package orchestrator

import (
	"sync"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/session"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// entry is one live call. mu serializes events of the call; the registry
// lock is never held while mu is.
type entry struct {
	mu sync.Mutex

	ready    bool
	released bool

	sess        session.CallSession
	enrollments []string
	progress    map[string]*progress.Record
}

// registry maps call ids to live entries and remembers recently closed
// calls, so late telephony events do not start a new call.
type registry struct {
	mu      sync.Mutex
	entries map[shared.CallID]*entry
	closed  map[shared.CallID]time.Time
}

func newRegistry() *registry {
	return &registry{
		entries: make(map[shared.CallID]*entry),
		closed:  make(map[shared.CallID]time.Time),
	}
}

// acquire returns the locked entry for id, creating an empty one if needed.
// ok is false when the call was closed recently.
func (r *registry) acquire(id shared.CallID) (*entry, bool) {
	for {
		r.mu.Lock()
		if _, gone := r.closed[id]; gone {
			r.mu.Unlock()
			return nil, false
		}
		e, found := r.entries[id]
		if !found {
			e = &entry{}
			r.entries[id] = e
		}
		r.mu.Unlock()

		e.mu.Lock()
		if !e.released {
			return e, true
		}
		// released between lookup and lock: look again
		e.mu.Unlock()
	}
}

// put registers a ready entry unless the call is already known.
func (r *registry) put(id shared.CallID, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return false
	}
	if _, ok := r.closed[id]; ok {
		return false
	}
	r.entries[id] = e
	return true
}

// release removes the entry. With closedAt set the id is remembered as
// closed; a zero closedAt drops a half-initialized entry. Caller holds e.mu.
func (r *registry) release(id shared.CallID, e *entry, closedAt time.Time) {
	e.released = true
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[id]; ok && cur == e {
		delete(r.entries, id)
	}
	if !closedAt.IsZero() {
		r.closed[id] = closedAt
	}
}

func (r *registry) snapshot() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// forget drops closed-call markers older than before.
func (r *registry) forget(before time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, at := range r.closed {
		if at.Before(before) {
			delete(r.closed, id)
		}
	}
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
