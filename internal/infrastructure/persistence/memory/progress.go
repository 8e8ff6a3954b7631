package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/progress"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS STORE
// ══════════════════════════════════════════════════════════════════════════════

type progressKey struct {
	student shared.StudentID
	subject string
}

// ProgressStore implements progress.Store. One mutex makes every upsert
// atomic with respect to the version check.
type ProgressStore struct {
	mu       sync.Mutex
	records  map[progressKey]*progress.Record
	attempts []progress.Attempt
	seen     map[string]struct{}
	now      func() time.Time
}

// NewProgressStore creates an empty store.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{
		records: make(map[progressKey]*progress.Record),
		seen:    make(map[string]struct{}),
		now:     time.Now,
	}
}

// GetProgress returns a copy of the record.
func (s *ProgressStore) GetProgress(_ context.Context, studentID shared.StudentID, subject string) (*progress.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[progressKey{studentID, subject}]
	if !ok {
		return nil, shared.ErrProgressNotFound
	}
	return rec.Clone(), nil
}

// UpsertProgress writes rec according to progress.CheckUpsert.
func (s *ProgressStore) UpsertProgress(_ context.Context, rec *progress.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := progressKey{rec.StudentID, rec.Subject}
	stored := s.records[key]

	decision, err := progress.CheckUpsert(stored, rec)
	if err != nil {
		return err
	}

	switch decision {
	case progress.DecisionInsert:
		rec.Version = 1
	case progress.DecisionUpdate:
		rec.Version = stored.Version + 1
	case progress.DecisionNoop:
		rec.Version = stored.Version
		return nil
	}
	rec.UpdatedAt = s.now()
	s.records[key] = rec.Clone()
	return nil
}

// ResetProgress clears the record back to a fresh start.
func (s *ProgressStore) ResetProgress(_ context.Context, studentID shared.StudentID, subject string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := progressKey{studentID, subject}
	stored, ok := s.records[key]
	if !ok {
		return shared.ErrProgressNotFound
	}
	fresh := progress.NewRecord(studentID, subject)
	fresh.Version = stored.Version + 1
	fresh.UpdatedAt = at
	s.records[key] = fresh
	return nil
}

// ListProgress returns the student's records ordered by subject.
func (s *ProgressStore) ListProgress(_ context.Context, studentID shared.StudentID) ([]*progress.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*progress.Record
	for k, rec := range s.records {
		if k.student == studentID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out, nil
}

// AppendAttempt stores a; a repeated ID is ignored.
func (s *ProgressStore) AppendAttempt(_ context.Context, a progress.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[a.ID]; dup {
		return nil
	}
	s.seen[a.ID] = struct{}{}
	s.attempts = append(s.attempts, a)
	return nil
}

// RecentAttempts returns the newest attempts first.
func (s *ProgressStore) RecentAttempts(_ context.Context, studentID shared.StudentID, subject string, limit int) ([]progress.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []progress.Attempt
	for i := len(s.attempts) - 1; i >= 0; i-- {
		a := s.attempts[i]
		if a.StudentID != studentID || (subject != "" && a.Subject != subject) {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
