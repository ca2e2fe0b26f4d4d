package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"parley/pkg/models"
)

// Dispatcher hands work items to the worker fleet. Enqueue returning nil
// means the item is durably accepted; delivery is at-least-once.
type Dispatcher interface {
	Enqueue(ctx context.Context, item models.WorkItem) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type WriterConfig struct {
	Brokers []string
	Topic   string
}

func (c WriterConfig) validate() ([]string, error) {
	brokers := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	return brokers, nil
}

// KafkaDispatcher publishes work items keyed by conversation id, so all
// tasks of one conversation land on one partition and stay ordered.
type KafkaDispatcher struct {
	writer kafkaWriter
}

func NewKafkaDispatcher(cfg WriterConfig) (*KafkaDispatcher, error) {
	brokers, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaDispatcher{writer: w}, nil
}

func (d *KafkaDispatcher) Enqueue(ctx context.Context, item models.WorkItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(item.ConversationID),
		Value: payload,
	})
}

func (d *KafkaDispatcher) Close() error {
	if d == nil || d.writer == nil {
		return nil
	}
	return d.writer.Close()
}

// ChannelQueue is an in-process queue for single-node development runs and
// tests. It implements both ends: Enqueue for the gateway and the Source
// interface for the worker. Commits are no-ops; a crash loses queued items,
// which is acceptable only outside production.
type ChannelQueue struct {
	ch chan kafka.Message
}

func NewChannelQueue(capacity int) *ChannelQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &ChannelQueue{ch: make(chan kafka.Message, capacity)}
}

func (q *ChannelQueue) Enqueue(ctx context.Context, item models.WorkItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	select {
	case q.ch <- kafka.Message{Key: []byte(item.ConversationID), Value: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *ChannelQueue) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-q.ch:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (q *ChannelQueue) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	return nil
}

func (q *ChannelQueue) Close() error { return nil }
