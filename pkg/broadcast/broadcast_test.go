package broadcast

import (
	"context"
	"testing"
	"time"

	"parley/pkg/models"
)

func fragment(conversationID string, seq int64) models.OutputFragment {
	return models.OutputFragment{
		ConversationID: conversationID,
		TaskID:         "task-1",
		Seq:            seq,
		Kind:           models.FragmentChunk,
		Text:           "chunk",
	}
}

func collect(t *testing.T, ch <-chan models.OutputFragment, n int) []models.OutputFragment {
	t.Helper()
	out := make([]models.OutputFragment, 0, n)
	for len(out) < n {
		select {
		case f := <-ch:
			out = append(out, f)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d of %d fragments", len(out), n)
		}
	}
	return out
}

func TestHubDeliversInOrder(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, "conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	for seq := int64(1); seq <= 5; seq++ {
		if err := hub.Publish(ctx, fragment("conv-1", seq)); err != nil {
			t.Fatalf("publish %d: %v", seq, err)
		}
	}
	got := collect(t, ch, 5)
	for i, f := range got {
		if f.Seq != int64(i+1) {
			t.Fatalf("fragment %d seq = %d, want %d", i, f.Seq, i+1)
		}
	}
}

func TestHubIsolatesConversations(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	ctx := context.Background()
	chA, cancelA, _ := hub.Subscribe(ctx, "conv-a")
	defer cancelA()
	chB, cancelB, _ := hub.Subscribe(ctx, "conv-b")
	defer cancelB()

	_ = hub.Publish(ctx, fragment("conv-a", 1))
	got := collect(t, chA, 1)
	if got[0].ConversationID != "conv-a" {
		t.Fatalf("got %+v", got[0])
	}
	select {
	case f := <-chB:
		t.Fatalf("conv-b received foreign fragment %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubFanOut(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	ctx := context.Background()
	ch1, cancel1, _ := hub.Subscribe(ctx, "conv-1")
	defer cancel1()
	ch2, cancel2, _ := hub.Subscribe(ctx, "conv-1")
	defer cancel2()

	_ = hub.Publish(ctx, fragment("conv-1", 1))
	if f := collect(t, ch1, 1); f[0].Seq != 1 {
		t.Fatalf("sub1 got %+v", f[0])
	}
	if f := collect(t, ch2, 1); f[0].Seq != 1 {
		t.Fatalf("sub2 got %+v", f[0])
	}
}

// A full subscriber buffer must never block the publisher.
func TestHubDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	ctx := context.Background()
	_, cancelSlow, _ := hub.Subscribe(ctx, "conv-1")
	defer cancelSlow()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for seq := int64(1); seq <= 200; seq++ {
			_ = hub.Publish(ctx, fragment("conv-1", seq))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

func TestHubCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	ctx := context.Background()
	ch, cancel, _ := hub.Subscribe(ctx, "conv-1")
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	// Publishing after the last unsubscribe is a no-op.
	if err := hub.Publish(ctx, fragment("conv-1", 1)); err != nil {
		t.Fatalf("publish after cancel: %v", err)
	}
}
