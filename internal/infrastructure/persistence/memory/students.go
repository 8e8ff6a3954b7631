// Package memory implements the stores in process memory. It backs
// STORAGE_DRIVER=memory deployments (single node, no durability) and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// StudentRepository implements student.Repository.
type StudentRepository struct {
	mu      sync.RWMutex
	byID    map[shared.StudentID]*student.Student
	byPhone map[shared.PhoneNumber]shared.StudentID
}

// NewStudentRepository creates an empty repository.
func NewStudentRepository() *StudentRepository {
	return &StudentRepository{
		byID:    make(map[shared.StudentID]*student.Student),
		byPhone: make(map[shared.PhoneNumber]shared.StudentID),
	}
}

// Create stores a new student.
func (r *StudentRepository) Create(_ context.Context, s *student.Student) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[s.ID]; ok {
		return shared.ErrStudentAlreadyExists
	}
	if _, ok := r.byPhone[s.Phone]; ok {
		return shared.ErrStudentAlreadyExists
	}
	r.byID[s.ID] = cloneStudent(s)
	r.byPhone[s.Phone] = s.ID
	return nil
}

// GetByID returns a copy of the student.
func (r *StudentRepository) GetByID(_ context.Context, id shared.StudentID) (*student.Student, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[id]
	if !ok {
		return nil, shared.ErrStudentNotFound
	}
	return cloneStudent(s), nil
}

// GetByPhone returns a copy of the student registered with phone.
func (r *StudentRepository) GetByPhone(_ context.Context, phone shared.PhoneNumber) (*student.Student, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPhone[phone]
	if !ok {
		return nil, shared.ErrStudentNotFound
	}
	return cloneStudent(r.byID[id]), nil
}

// Update replaces the stored student. A changed phone moves the index.
func (r *StudentRepository) Update(_ context.Context, s *student.Student) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.byID[s.ID]
	if !ok {
		return shared.ErrStudentNotFound
	}
	if old.Phone != s.Phone {
		if owner, taken := r.byPhone[s.Phone]; taken && owner != s.ID {
			return shared.ErrStudentAlreadyExists
		}
		delete(r.byPhone, old.Phone)
		r.byPhone[s.Phone] = s.ID
	}
	r.byID[s.ID] = cloneStudent(s)
	return nil
}

// RecordCall sets LastCallAt on the stored student only.
func (r *StudentRepository) RecordCall(_ context.Context, id shared.StudentID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return shared.ErrStudentNotFound
	}
	s.RecordCall(at)
	return nil
}

// FindInactive returns active students whose last call (or registration)
// is before since and who were not reminded after remindedBefore, oldest first.
func (r *StudentRepository) FindInactive(_ context.Context, since, remindedBefore time.Time, limit int) ([]*student.Student, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*student.Student
	for _, s := range r.byID {
		if s.IsAnonymized() {
			continue
		}
		if !s.LastReminderAt.IsZero() && s.LastReminderAt.After(remindedBefore) {
			continue
		}
		if lastSeen(s).Before(since) {
			out = append(out, cloneStudent(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return lastSeen(out[i]).Before(lastSeen(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func lastSeen(s *student.Student) time.Time {
	if s.LastCallAt.IsZero() {
		return s.CreatedAt
	}
	return s.LastCallAt
}

func cloneStudent(s *student.Student) *student.Student {
	c := *s
	c.Enrollments = append([]student.Enrollment(nil), s.Enrollments...)
	return &c
}

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT CACHE
// ══════════════════════════════════════════════════════════════════════════════

// StudentCache implements student.Cache with a plain map and a TTL.
type StudentCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[shared.PhoneNumber]cachedStudent
}

type cachedStudent struct {
	s       *student.Student
	expires time.Time
}

// NewStudentCache creates a cache. ttl <= 0 keeps entries forever.
func NewStudentCache(ttl time.Duration) *StudentCache {
	return &StudentCache{ttl: ttl, now: time.Now, entries: make(map[shared.PhoneNumber]cachedStudent)}
}

// Get returns shared.ErrStudentNotFound on a miss.
func (c *StudentCache) Get(_ context.Context, phone shared.PhoneNumber) (*student.Student, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[phone]
	if !ok || (!e.expires.IsZero() && c.now().After(e.expires)) {
		delete(c.entries, phone)
		return nil, shared.ErrStudentNotFound
	}
	return cloneStudent(e.s), nil
}

// Set caches s under its phone.
func (c *StudentCache) Set(_ context.Context, s *student.Student) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if c.ttl > 0 {
		expires = c.now().Add(c.ttl)
	}
	c.entries[s.Phone] = cachedStudent{s: cloneStudent(s), expires: expires}
	return nil
}

// Invalidate drops the entry for phone.
func (c *StudentCache) Invalidate(_ context.Context, phone shared.PhoneNumber) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, phone)
	return nil
}
