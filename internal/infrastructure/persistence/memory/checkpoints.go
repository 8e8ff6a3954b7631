package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/session"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// CheckpointStore keeps call-session checkpoints in memory. It only helps
// when the orchestrator is rebuilt inside one process (tests, dev reloads).
type CheckpointStore struct {
	mu    sync.Mutex
	now   func() time.Time
	saved map[shared.CallID]checkpoint
}

type checkpoint struct {
	sess    session.CallSession
	expires time.Time
}

// NewCheckpointStore creates an empty store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{now: time.Now, saved: make(map[shared.CallID]checkpoint)}
}

// Save stores a copy of sess for ttl.
func (s *CheckpointStore) Save(_ context.Context, sess session.CallSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = s.now().Add(ttl)
	}
	s.saved[sess.CallID] = checkpoint{sess: sess.Clone(), expires: expires}
	return nil
}

// Load returns shared.ErrCheckpointMissing when nothing live is stored.
func (s *CheckpointStore) Load(_ context.Context, callID shared.CallID) (session.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.saved[callID]
	if !ok || s.expired(cp) {
		delete(s.saved, callID)
		return session.CallSession{}, shared.ErrCheckpointMissing
	}
	return cp.sess.Clone(), nil
}

// Delete removes the checkpoint if present.
func (s *CheckpointStore) Delete(_ context.Context, callID shared.CallID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, callID)
	return nil
}

// List returns live checkpoints ordered by call id.
func (s *CheckpointStore) List(_ context.Context) ([]session.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]session.CallSession, 0, len(s.saved))
	for id, cp := range s.saved {
		if s.expired(cp) {
			delete(s.saved, id)
			continue
		}
		out = append(out, cp.sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out, nil
}

func (s *CheckpointStore) expired(cp checkpoint) bool {
	return !cp.expires.IsZero() && s.now().After(cp.expires)
}
