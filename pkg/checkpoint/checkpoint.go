package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"parley/pkg/models"
	"parley/pkg/store"
)

var (
	// ErrNotFound means no checkpoint exists in either tier.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrStale rejects a write whose sequence is not above the stored one.
	ErrStale = errors.New("stale checkpoint write")
)

// Cold is the durable tier. Implementations enforce the sequence guard:
// a Put with a sequence at or below the stored one returns ErrStale.
type Cold interface {
	Get(ctx context.Context, conversationID string) (models.Checkpoint, error)
	Put(ctx context.Context, cp models.Checkpoint) error
}

// Store layers a sliding-TTL hot tier over the durable cold tier.
// Writes are write-through (cold first), so losing the hot tier never
// loses state; reads fill the hot tier on a miss.
type Store struct {
	Cold   Cold
	Hot    store.Cache
	HotTTL time.Duration
}

func New(cold Cold, hot store.Cache, hotTTL time.Duration) *Store {
	if hotTTL <= 0 {
		hotTTL = 15 * time.Minute
	}
	return &Store{Cold: cold, Hot: hot, HotTTL: hotTTL}
}

func hotKey(conversationID string) string { return "ckpt:" + conversationID }

func (s *Store) Get(ctx context.Context, conversationID string) (models.Checkpoint, error) {
	if s.Hot != nil {
		// GetEx refreshes the TTL so active conversations stay warm.
		if raw, err := s.Hot.GetEx(ctx, hotKey(conversationID), s.HotTTL); err == nil {
			var cp models.Checkpoint
			if json.Unmarshal([]byte(raw), &cp) == nil && cp.ConversationID == conversationID {
				return cp, nil
			}
		} else if !errors.Is(err, store.ErrCacheMiss) {
			log.Printf("checkpoint: hot tier read degraded for %s: %v", conversationID, err)
		}
	}
	cp, err := s.Cold.Get(ctx, conversationID)
	if err != nil {
		return models.Checkpoint{}, err
	}
	s.fillHot(ctx, cp)
	return cp, nil
}

func (s *Store) Put(ctx context.Context, cp models.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	if err := s.Cold.Put(ctx, cp); err != nil {
		return err
	}
	s.fillHot(ctx, cp)
	return nil
}

func (s *Store) fillHot(ctx context.Context, cp models.Checkpoint) {
	if s.Hot == nil {
		return
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return
	}
	if err := s.Hot.Set(ctx, hotKey(cp.ConversationID), string(payload), s.HotTTL); err != nil {
		// Hot tier is an accelerator; cold already holds the truth.
		log.Printf("checkpoint: hot tier write degraded for %s: %v", cp.ConversationID, err)
	}
}

// Evict drops the hot-tier entry. Used by tests and operational tooling;
// correctness never depends on it.
func (s *Store) Evict(ctx context.Context, conversationID string) {
	if s.Hot == nil {
		return
	}
	_ = s.Hot.Del(ctx, hotKey(conversationID))
}
