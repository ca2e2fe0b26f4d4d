package agent

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from, to string
		ok       bool
	}{
		{StatePending, StateRunning, true},
		{StatePending, StateFailed, true},
		{StatePending, StateDegraded, true},
		{StatePending, StateStreaming, false},
		{StatePending, StateCompleted, false},
		{StateRunning, StateStreaming, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateDegraded, true},
		{StateRunning, StatePending, false},
		{StateStreaming, StateCompleted, true},
		{StateStreaming, StateFailed, true},
		{StateStreaming, StateDegraded, false},
		{StateCompleted, StateRunning, false},
		{StateFailed, StateRunning, false},
		{StateDegraded, StateRunning, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestNextFollowsEvents(t *testing.T) {
	t.Parallel()
	state := StatePending
	for _, step := range []struct {
		event Event
		want  string
	}{
		{EventStart, StateRunning},
		{EventFirstChunk, StateStreaming},
		{EventComplete, StateCompleted},
	} {
		next, err := Next(state, step.event)
		if err != nil {
			t.Fatalf("Next(%s, %s): %v", state, step.event, err)
		}
		if next != step.want {
			t.Fatalf("Next(%s, %s) = %s, want %s", state, step.event, next, step.want)
		}
		state = next
	}
	if _, err := Next(state, EventStart); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition out of terminal state", err)
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	t.Parallel()
	got, err := Transition(StateCompleted, StateRunning)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if got != StateCompleted {
		t.Fatalf("state moved to %s on rejected transition", got)
	}
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []string{StateCompleted, StateFailed, StateDegraded} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = false", s)
		}
	}
	for _, s := range []string{StatePending, StateRunning, StateStreaming} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = true", s)
		}
	}
}
