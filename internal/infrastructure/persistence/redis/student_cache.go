package redis

import (
	"context"
	"errors"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/student"
)

// StudentCache implements student.Cache on top of Cache, keyed by phone.
type StudentCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewStudentCache creates a new StudentCache.
func NewStudentCache(cache *Cache, ttl time.Duration) *StudentCache {
	return &StudentCache{cache: cache, ttl: ttl}
}

// Get returns shared.ErrStudentNotFound on a miss.
func (s *StudentCache) Get(ctx context.Context, phone shared.PhoneNumber) (*student.Student, error) {
	var doc studentDoc
	if err := s.cache.Get(ctx, StudentPhoneKey(phone.String()), &doc); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, shared.ErrStudentNotFound
		}
		return nil, err
	}
	return doc.toDomain(), nil
}

// Set caches st under its phone.
func (s *StudentCache) Set(ctx context.Context, st *student.Student) error {
	if st == nil {
		return nil
	}
	return s.cache.Set(ctx, StudentPhoneKey(st.Phone.String()), newStudentDoc(st), s.ttl)
}

// Invalidate drops the entry for phone.
func (s *StudentCache) Invalidate(ctx context.Context, phone shared.PhoneNumber) error {
	return s.cache.Delete(ctx, StudentPhoneKey(phone.String()))
}

// ─────────────────────────────────────────────────────────────────────────────
// Wire format
// ─────────────────────────────────────────────────────────────────────────────

type studentDoc struct {
	ID             string          `json:"id"`
	Phone          string          `json:"phone"`
	Name           string          `json:"name,omitempty"`
	Language       string          `json:"language"`
	Status         string          `json:"status"`
	Enrollments    []enrollmentDoc `json:"enrollments,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	LastCallAt     time.Time       `json:"last_call_at"`
	LastReminderAt time.Time       `json:"last_reminder_at"`
}

type enrollmentDoc struct {
	Subject    string    `json:"subject"`
	Priority   int       `json:"priority"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

func newStudentDoc(s *student.Student) studentDoc {
	doc := studentDoc{
		ID:             s.ID.String(),
		Phone:          s.Phone.String(),
		Name:           s.Name,
		Language:       s.Language.String(),
		Status:         string(s.Status),
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		LastCallAt:     s.LastCallAt,
		LastReminderAt: s.LastReminderAt,
	}
	for _, e := range s.Enrollments {
		doc.Enrollments = append(doc.Enrollments, enrollmentDoc(e))
	}
	return doc
}

func (d studentDoc) toDomain() *student.Student {
	s := &student.Student{
		ID:             shared.StudentID(d.ID),
		Phone:          shared.PhoneNumber(d.Phone),
		Name:           d.Name,
		Language:       shared.Language(d.Language),
		Status:         student.Status(d.Status),
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		LastCallAt:     d.LastCallAt,
		LastReminderAt: d.LastReminderAt,
	}
	for _, e := range d.Enrollments {
		s.Enrollments = append(s.Enrollments, student.Enrollment(e))
	}
	return s
}
