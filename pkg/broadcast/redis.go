package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"parley/pkg/models"
)

const channelPrefix = "conv:"

// RedisBroadcaster fans fragments out across gateway instances through
// redis pub/sub, one channel per conversation.
type RedisBroadcaster struct {
	Client *redis.Client
}

func NewRedis(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{Client: client}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, fragment models.OutputFragment) error {
	payload, err := json.Marshal(fragment)
	if err != nil {
		return err
	}
	return b.Client.Publish(ctx, channelPrefix+fragment.ConversationID, payload).Err()
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan models.OutputFragment, func(), error) {
	sub := b.Client.Subscribe(ctx, channelPrefix+conversationID)
	// Force the SUBSCRIBE round trip so a broken connection surfaces here
	// instead of as a silent empty stream.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan models.OutputFragment, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var fragment models.OutputFragment
				if err := json.Unmarshal([]byte(msg.Payload), &fragment); err != nil {
					log.Printf("broadcast: drop undecodable fragment on %s: %v", msg.Channel, err)
					continue
				}
				select {
				case out <- fragment:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, cancel, nil
}
