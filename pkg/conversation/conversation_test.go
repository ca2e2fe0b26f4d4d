package conversation

import (
	"context"
	"errors"
	"testing"

	"parley/pkg/models"
)

func TestMemoryStoreEnsureOwnership(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	if err := m.Ensure(ctx, "conv-1", "alice"); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	// Idempotent for the same principal.
	if err := m.Ensure(ctx, "conv-1", "alice"); err != nil {
		t.Fatalf("repeat ensure: %v", err)
	}
	if err := m.Ensure(ctx, "conv-1", "bob"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}

	owner, err := m.Owner(ctx, "conv-1")
	if err != nil || owner != "alice" {
		t.Fatalf("owner = %q, %v", owner, err)
	}
	if _, err := m.Owner(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreAppendOrdering(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()
	if err := m.Ensure(ctx, "conv-1", "alice"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	bodies := []struct {
		role string
		text string
	}{
		{models.RoleUser, "hi"},
		{models.RoleAssistant, "hello"},
		{models.RoleUser, "how are you"},
	}
	for _, b := range bodies {
		err := m.AppendTurn(ctx, models.Turn{ConversationID: "conv-1", Role: b.role, Text: b.text})
		if err != nil {
			t.Fatalf("append %q: %v", b.text, err)
		}
	}

	turns, err := m.History(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("got %d turns, want 3", len(turns))
	}
	for i, turn := range turns {
		if turn.Index != i {
			t.Fatalf("turn %d index = %d", i, turn.Index)
		}
		if turn.Role != bodies[i].role || turn.Text != bodies[i].text {
			t.Fatalf("turn %d = %+v, want %+v", i, turn, bodies[i])
		}
		if turn.CreatedAt.IsZero() {
			t.Fatalf("turn %d missing created_at", i)
		}
	}
}

func TestMemoryStoreHistoryLimit(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := m.AppendTurn(ctx, models.Turn{ConversationID: "c", Role: models.RoleUser, Text: "t"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	turns, err := m.History(ctx, "c", 4)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("got %d turns, want 4", len(turns))
	}
	if turns[0].Index != 0 || turns[3].Index != 3 {
		t.Fatalf("limit must keep the oldest turns, got %+v", turns)
	}
	if empty, err := m.History(ctx, "unknown", 5); err != nil || len(empty) != 0 {
		t.Fatalf("history of unknown conversation = %v, %v", empty, err)
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()
	_ = m.AppendTurn(ctx, models.Turn{ConversationID: "a", Role: models.RoleUser, Text: "to-a"})
	_ = m.AppendTurn(ctx, models.Turn{ConversationID: "b", Role: models.RoleUser, Text: "to-b"})

	turns, err := m.History(ctx, "a", 0)
	if err != nil || len(turns) != 1 || turns[0].Text != "to-a" {
		t.Fatalf("history(a) = %+v, %v", turns, err)
	}
}
