package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"parley/pkg/metrics"
	"parley/pkg/models"
	"parley/pkg/store"
)

type fakeSource struct {
	mu     sync.Mutex
	ch     chan kafka.Message
	events *[]string
}

func newFakeSource(events *[]string, msgs ...kafka.Message) *fakeSource {
	ch := make(chan kafka.Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	return &fakeSource{ch: ch, events: events}
}

func (f *fakeSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-f.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeSource) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.events = append(*f.events, "commit")
	return nil
}

func (f *fakeSource) Close() error { return nil }

func encodeItem(t *testing.T, item models.WorkItem) kafka.Message {
	t.Helper()
	payload, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return kafka.Message{Key: []byte(item.ConversationID), Value: payload}
}

func runWorkerUntilIdle(t *testing.T, w *Worker, src *fakeSource) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	deadline := time.After(2 * time.Second)
	for {
		src.mu.Lock()
		empty := len(src.ch) == 0
		src.mu.Unlock()
		if empty {
			// Give the in-flight message a moment to finish its commit.
			time.Sleep(20 * time.Millisecond)
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker did not drain the queue")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v, want context.Canceled", err)
	}
}

func TestWorkerCommitsAfterTerminalOutcome(t *testing.T) {
	t.Parallel()
	var events []string
	item := models.WorkItem{TaskID: "t-1", ConversationID: "c-1", Input: "hi"}
	src := newFakeSource(&events, encodeItem(t, item))
	cache := store.NewMemoryCache()
	w := &Worker{
		Source: src,
		Cache:  cache,
		Execute: func(ctx context.Context, got models.WorkItem) error {
			src.mu.Lock()
			events = append(events, "execute:"+got.TaskID)
			src.mu.Unlock()
			if got.Attempt != 1 {
				t.Errorf("attempt = %d, want 1", got.Attempt)
			}
			return nil
		},
	}
	runWorkerUntilIdle(t, w, src)

	if len(events) != 2 || events[0] != "execute:t-1" || events[1] != "commit" {
		t.Fatalf("events = %v, want execute before commit", events)
	}
	if _, err := cache.Get(context.Background(), "task:t-1"); err != nil {
		t.Fatalf("dedupe mark missing: %v", err)
	}
}

func TestWorkerDedupesFinishedTasks(t *testing.T) {
	t.Parallel()
	var events []string
	item := models.WorkItem{TaskID: "t-done", ConversationID: "c-1", Input: "hi"}
	src := newFakeSource(&events, encodeItem(t, item))
	cache := store.NewMemoryCache()
	if err := cache.Set(context.Background(), "task:t-done", "completed", time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}
	registry := metrics.NewRegistry()
	executed := false
	w := &Worker{
		Source:  src,
		Cache:   cache,
		Metrics: registry,
		Execute: func(ctx context.Context, got models.WorkItem) error {
			executed = true
			return nil
		},
	}
	runWorkerUntilIdle(t, w, src)

	if executed {
		t.Fatal("redelivered finished task must not execute")
	}
	// Still committed so the offset advances past the duplicate.
	if len(events) != 1 || events[0] != "commit" {
		t.Fatalf("events = %v, want lone commit", events)
	}
	if got := registry.Snapshot().Tasks["deduped"]; got != 1 {
		t.Fatalf("deduped count = %d, want 1", got)
	}
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	var events []string
	item := models.WorkItem{TaskID: "t-retry", ConversationID: "c-1", Input: "hi"}
	src := newFakeSource(&events, encodeItem(t, item))
	var backoffs []time.Duration
	attempts := 0
	w := &Worker{
		Source: src,
		Cache:  store.NewMemoryCache(),
		Retry:  RetryPolicy{MaxAttempts: 3, Base: 100 * time.Millisecond, Cap: time.Second},
		Execute: func(ctx context.Context, got models.WorkItem) error {
			attempts++
			if got.Attempt != attempts {
				t.Errorf("attempt = %d, want %d", got.Attempt, attempts)
			}
			if attempts < 3 {
				return fmt.Errorf("transient %d", attempts)
			}
			return nil
		},
		sleep: func(ctx context.Context, d time.Duration) error {
			backoffs = append(backoffs, d)
			return nil
		},
	}
	runWorkerUntilIdle(t, w, src)

	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if len(backoffs) != 2 || backoffs[0] != 100*time.Millisecond || backoffs[1] != 200*time.Millisecond {
		t.Fatalf("backoffs = %v, want doubling from base", backoffs)
	}
}

func TestWorkerExhaustedRetriesCallsFail(t *testing.T) {
	t.Parallel()
	var events []string
	item := models.WorkItem{TaskID: "t-fail", ConversationID: "c-1", Input: "hi"}
	src := newFakeSource(&events, encodeItem(t, item))
	boom := errors.New("boom")
	var failed models.WorkItem
	var cause error
	w := &Worker{
		Source:  src,
		Cache:   store.NewMemoryCache(),
		Retry:   RetryPolicy{MaxAttempts: 2, Base: time.Millisecond, Cap: time.Millisecond},
		Execute: func(ctx context.Context, got models.WorkItem) error { return boom },
		Fail: func(ctx context.Context, got models.WorkItem, err error) error {
			failed = got
			cause = err
			return nil
		},
		sleep: func(ctx context.Context, d time.Duration) error { return nil },
	}
	runWorkerUntilIdle(t, w, src)

	if failed.TaskID != "t-fail" {
		t.Fatalf("fail called with %+v", failed)
	}
	if !errors.Is(cause, boom) {
		t.Fatalf("cause = %v, want wrapped boom", cause)
	}
	if len(events) != 1 || events[0] != "commit" {
		t.Fatalf("events = %v, want commit after terminal failure", events)
	}
}

func TestWorkerSkipsPoisonMessages(t *testing.T) {
	t.Parallel()
	var events []string
	src := newFakeSource(&events,
		kafka.Message{Value: []byte("{not json")},
		encodeItem(t, models.WorkItem{ConversationID: "c", Input: "missing task id"}),
	)
	registry := metrics.NewRegistry()
	executed := 0
	w := &Worker{
		Source:  src,
		Cache:   store.NewMemoryCache(),
		Metrics: registry,
		Execute: func(ctx context.Context, got models.WorkItem) error {
			executed++
			return nil
		},
	}
	runWorkerUntilIdle(t, w, src)

	if executed != 0 {
		t.Fatalf("executed = %d, want 0", executed)
	}
	if got := registry.Snapshot().Tasks["poison"]; got != 2 {
		t.Fatalf("poison count = %d, want 2", got)
	}
	if len(events) != 2 {
		t.Fatalf("events = %v, want both committed", events)
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Base: 500 * time.Millisecond, Cap: 10 * time.Second}.withDefaults()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 8 * time.Second},
		{6, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Backoff(tc.attempt); got != tc.want {
			t.Fatalf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestChannelQueueRoundTrip(t *testing.T) {
	t.Parallel()
	q := NewChannelQueue(4)
	ctx := context.Background()
	item := models.WorkItem{TaskID: "t-1", ConversationID: "c-1", Input: "hi"}
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg, err := q.FetchMessage(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(msg.Key) != "c-1" {
		t.Fatalf("key = %q, want conversation id", msg.Key)
	}
	var got models.WorkItem
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.TaskID != "t-1" || got.EnqueuedAt.IsZero() {
		t.Fatalf("got = %+v", got)
	}
	if err := q.Enqueue(ctx, models.WorkItem{ConversationID: "c"}); err == nil {
		t.Fatal("expected validation error for missing task id")
	}
}
