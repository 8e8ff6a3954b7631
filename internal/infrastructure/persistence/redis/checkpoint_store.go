package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/session"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
)

// CheckpointStore keeps call sessions in Redis so another instance, or the
// same one after a restart, can pick a live call up.
//
// Each session is a JSON string with its own TTL; KeyCheckpointIndex lists
// call ids so List does not need SCAN. Index members whose value expired are
// pruned lazily by List.
type CheckpointStore struct {
	cache *Cache
}

// NewCheckpointStore creates a new CheckpointStore.
func NewCheckpointStore(cache *Cache) *CheckpointStore {
	return &CheckpointStore{cache: cache}
}

// Save writes sess and adds it to the index.
func (s *CheckpointStore) Save(ctx context.Context, sess session.CallSession, ttl time.Duration) error {
	if ttl < 0 {
		return ErrCacheInvalidTTL
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}

	id := sess.CallID.String()
	pipe := s.cache.Client().TxPipeline()
	pipe.Set(ctx, CheckpointKey(id), data, ttl)
	pipe.SAdd(ctx, KeyCheckpointIndex, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	return nil
}

// Load returns shared.ErrCheckpointMissing when nothing is stored.
func (s *CheckpointStore) Load(ctx context.Context, callID shared.CallID) (session.CallSession, error) {
	var sess session.CallSession
	if err := s.cache.Get(ctx, CheckpointKey(callID.String()), &sess); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return session.CallSession{}, shared.ErrCheckpointMissing
		}
		return session.CallSession{}, fmt.Errorf("load checkpoint %s: %w", callID, err)
	}
	return sess, nil
}

// Delete removes the checkpoint and its index entry.
func (s *CheckpointStore) Delete(ctx context.Context, callID shared.CallID) error {
	id := callID.String()
	pipe := s.cache.Client().TxPipeline()
	pipe.Del(ctx, CheckpointKey(id))
	pipe.SRem(ctx, KeyCheckpointIndex, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// List returns live checkpoints ordered by call id. Undecodable entries are
// skipped and left for their TTL to remove.
func (s *CheckpointStore) List(ctx context.Context) ([]session.CallSession, error) {
	ids, err := s.cache.Client().SMembers(ctx, KeyCheckpointIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = CheckpointKey(id)
	}
	values, err := s.cache.MGetRaw(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	out, stale := decodeCheckpoints(ids, values)
	if len(stale) > 0 {
		members := make([]any, len(stale))
		for i, id := range stale {
			members[i] = id
		}
		_ = s.cache.Client().SRem(ctx, KeyCheckpointIndex, members...).Err()
	}
	return out, nil
}

// decodeCheckpoints pairs MGET results with their ids. It returns the
// decoded sessions and the ids whose value is gone.
func decodeCheckpoints(ids []string, values []any) ([]session.CallSession, []string) {
	var (
		out   []session.CallSession
		stale []string
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var sess session.CallSession
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, stale
}
