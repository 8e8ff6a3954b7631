package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/notification"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// SMSLogRepository implements notification.LogRepository.
type SMSLogRepository struct {
	mu   sync.RWMutex
	logs map[string]*notification.SMSLog
}

// NewSMSLogRepository creates an empty repository.
func NewSMSLogRepository() *SMSLogRepository {
	return &SMSLogRepository{logs: make(map[string]*notification.SMSLog)}
}

// Save creates or replaces the log entry.
func (r *SMSLogRepository) Save(_ context.Context, log *notification.SMSLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *log
	r.logs[log.ID] = &c
	return nil
}

// GetByID returns shared.ErrSMSLogNotFound for unknown ids.
func (r *SMSLogRepository) GetByID(_ context.Context, id string) (*notification.SMSLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.logs[id]
	if !ok {
		return nil, shared.ErrSMSLogNotFound
	}
	c := *l
	return &c, nil
}

// GetByProviderID looks the entry up by the gateway message id.
func (r *SMSLogRepository) GetByProviderID(_ context.Context, providerID string) (*notification.SMSLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.logs {
		if providerID != "" && l.ProviderID == providerID {
			c := *l
			return &c, nil
		}
	}
	return nil, shared.ErrSMSLogNotFound
}

// ListByStudent returns the newest entries first.
func (r *SMSLogRepository) ListByStudent(_ context.Context, studentID string, limit int) ([]*notification.SMSLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*notification.SMSLog
	for _, l := range r.logs {
		if l.StudentID.String() == studentID {
			c := *l
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
