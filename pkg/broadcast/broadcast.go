package broadcast

import (
	"context"
	"sync"

	"parley/pkg/models"
)

// Broadcaster fans out output fragments to every subscriber of a
// conversation. Delivery is at-most-once per subscriber; ordering defense
// (sequence gap/duplicate discard) belongs to the consumer.
type Broadcaster interface {
	Publish(ctx context.Context, fragment models.OutputFragment) error
	// Subscribe returns a fragment stream for one conversation and a
	// cancel function that releases the subscription and closes the
	// channel.
	Subscribe(ctx context.Context, conversationID string) (<-chan models.OutputFragment, func(), error)
}

// Hub is an in-process broadcaster with one named group per conversation.
// A slow subscriber drops fragments rather than blocking the publisher.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[chan models.OutputFragment]struct{}
	buffer int
}

func NewHub() *Hub {
	return &Hub{groups: map[string]map[chan models.OutputFragment]struct{}{}, buffer: 64}
}

func (h *Hub) Publish(ctx context.Context, fragment models.OutputFragment) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.groups[fragment.ConversationID] {
		select {
		case ch <- fragment:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, conversationID string) (<-chan models.OutputFragment, func(), error) {
	ch := make(chan models.OutputFragment, h.buffer)
	h.mu.Lock()
	group, ok := h.groups[conversationID]
	if !ok {
		group = map[chan models.OutputFragment]struct{}{}
		h.groups[conversationID] = group
	}
	group[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if group, ok := h.groups[conversationID]; ok {
				delete(group, ch)
				if len(group) == 0 {
					delete(h.groups, conversationID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}
