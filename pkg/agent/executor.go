package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"parley/pkg/breaker"
	"parley/pkg/broadcast"
	"parley/pkg/checkpoint"
	"parley/pkg/conversation"
	"parley/pkg/metrics"
	"parley/pkg/models"
	"parley/pkg/safety"
	"parley/pkg/store"
)

const seqPrefix = "seq:"

// FallbackMessage is streamed when the model backend's circuit is open.
const FallbackMessage = "The assistant is temporarily unavailable. Please retry in a moment."

// Executor runs one work item end to end: load checkpoint, stream the
// completion through the circuit breaker, filter and sequence every
// fragment, then persist the new checkpoint and history.
type Executor struct {
	Producer      Producer
	Breaker       breaker.Breaker
	Checkpoints   *checkpoint.Store
	Conversations conversation.Store
	Broadcast     broadcast.Broadcaster
	Cache         store.Cache
	Metrics       *metrics.Registry
}

// Execute is the per-attempt entry point wired into the dispatch worker.
// A nil return is a terminal outcome (including the degraded fallback); an
// error asks the worker to retry.
func (e *Executor) Execute(ctx context.Context, item models.WorkItem) error {
	state := StatePending

	cp, err := e.Checkpoints.Get(ctx, item.ConversationID)
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	e.seedSeq(ctx, item.ConversationID, cp.Seq)

	// History is secondary to delivery; degraded writes are logged, never
	// fatal. Only the first attempt appends the user turn.
	if item.Attempt <= 1 && e.Conversations != nil {
		turn := models.Turn{ConversationID: item.ConversationID, Role: models.RoleUser, Text: item.Input}
		if err := e.Conversations.AppendTurn(ctx, turn); err != nil {
			log.Printf("agent: user turn not recorded for %s: %v", item.ConversationID, err)
		}
	}

	state = e.advance(state, EventStart, item.TaskID)
	var (
		transcript strings.Builder
		finalState json.RawMessage
		lastSeq    int64
	)
	err = e.Breaker.Call(ctx, func(ctx context.Context) error {
		return e.Producer.Stream(ctx, Request{
			ConversationID: item.ConversationID,
			Input:          item.Input,
			State:          cp.State,
		}, func(chunk Chunk) error {
			if chunk.Final && len(chunk.State) > 0 {
				finalState = chunk.State
			}
			if chunk.Text == "" {
				return nil
			}
			if state == StateRunning {
				state = e.advance(state, EventFirstChunk, item.TaskID)
			}
			text := e.filter(chunk.Text)
			seq, err := e.nextSeq(ctx, item.ConversationID)
			if err != nil {
				return fmt.Errorf("allocate sequence: %w", err)
			}
			if err := e.publish(ctx, models.OutputFragment{
				ConversationID: item.ConversationID,
				TaskID:         item.TaskID,
				Seq:            seq,
				Kind:           models.FragmentChunk,
				Text:           text,
			}); err != nil {
				return err
			}
			transcript.WriteString(text)
			lastSeq = seq
			return nil
		})
	})
	if errors.Is(err, breaker.ErrCircuitOpen) {
		state = e.advance(state, EventDegrade, item.TaskID)
		return e.degrade(ctx, item)
	}
	if err != nil {
		e.advance(state, EventFail, item.TaskID)
		return err
	}

	seq, err := e.nextSeq(ctx, item.ConversationID)
	if err != nil {
		return fmt.Errorf("allocate sequence: %w", err)
	}
	if err := e.publish(ctx, models.OutputFragment{
		ConversationID: item.ConversationID,
		TaskID:         item.TaskID,
		Seq:            seq,
		Kind:           models.FragmentCompleted,
	}); err != nil {
		return err
	}
	lastSeq = seq
	e.advance(state, EventComplete, item.TaskID)

	if e.Conversations != nil && transcript.Len() > 0 {
		turn := models.Turn{ConversationID: item.ConversationID, Role: models.RoleAssistant, Text: transcript.String()}
		if err := e.Conversations.AppendTurn(ctx, turn); err != nil {
			log.Printf("agent: assistant turn not recorded for %s: %v", item.ConversationID, err)
		}
	}
	e.saveCheckpoint(ctx, item.ConversationID, lastSeq, finalState, cp.State)
	return nil
}

// Fail streams the terminal error to the conversation after the worker
// exhausts retries.
func (e *Executor) Fail(ctx context.Context, item models.WorkItem, cause error) error {
	seq, err := e.nextSeq(ctx, item.ConversationID)
	if err != nil {
		return fmt.Errorf("allocate sequence: %w", err)
	}
	// The cause stays in the logs; clients get a stable generic message.
	return e.publish(ctx, models.OutputFragment{
		ConversationID: item.ConversationID,
		TaskID:         item.TaskID,
		Seq:            seq,
		Kind:           models.FragmentError,
		ErrorCode:      models.CodeTaskFailed,
		ErrorMessage:   "the assistant could not complete this request",
	})
}

func (e *Executor) degrade(ctx context.Context, item models.WorkItem) error {
	if e.Metrics != nil {
		e.Metrics.IncTask("fallback")
	}
	seq, err := e.nextSeq(ctx, item.ConversationID)
	if err != nil {
		return fmt.Errorf("allocate sequence: %w", err)
	}
	return e.publish(ctx, models.OutputFragment{
		ConversationID: item.ConversationID,
		TaskID:         item.TaskID,
		Seq:            seq,
		Kind:           models.FragmentFallback,
		Text:           FallbackMessage,
	})
}

func (e *Executor) filter(text string) string {
	out := safety.CheckOutput(text)
	if out.Safe {
		return text
	}
	if e.Metrics != nil {
		e.Metrics.IncFragment("redacted")
		for _, v := range out.Violations {
			e.Metrics.IncSafety(v)
		}
	}
	return out.Redacted
}

func (e *Executor) publish(ctx context.Context, fragment models.OutputFragment) error {
	if err := e.Broadcast.Publish(ctx, fragment); err != nil {
		return fmt.Errorf("publish fragment: %w", err)
	}
	if e.Metrics != nil {
		e.Metrics.IncFragment("published")
	}
	return nil
}

func (e *Executor) nextSeq(ctx context.Context, conversationID string) (int64, error) {
	return e.Cache.Incr(ctx, seqPrefix+conversationID)
}

// seedSeq raises the shared sequence counter to at least the checkpointed
// value, so a fresh counter (cache restart) never reissues sequences the
// conversation has already seen. Tasks for one conversation run serialized,
// so the read-check-set cannot race with another writer of the same counter.
func (e *Executor) seedSeq(ctx context.Context, conversationID string, floor int64) {
	if floor <= 0 {
		return
	}
	key := seqPrefix + conversationID
	if cur, err := e.Cache.Get(ctx, key); err == nil {
		if n, perr := strconv.ParseInt(cur, 10, 64); perr == nil && n >= floor {
			return
		}
	}
	if err := e.Cache.Set(ctx, key, strconv.FormatInt(floor, 10), 0); err != nil {
		log.Printf("agent: sequence seed degraded for %s: %v", conversationID, err)
	}
}

func (e *Executor) saveCheckpoint(ctx context.Context, conversationID string, seq int64, next, prev json.RawMessage) {
	state := next
	if len(state) == 0 {
		state = prev
	}
	if len(state) == 0 {
		state = json.RawMessage(`{}`)
	}
	err := e.Checkpoints.Put(ctx, models.Checkpoint{
		ConversationID: conversationID,
		Seq:            seq,
		State:          state,
		UpdatedAt:      time.Now().UTC(),
	})
	if err == nil {
		return
	}
	if e.Metrics != nil {
		if errors.Is(err, checkpoint.ErrStale) {
			e.Metrics.IncCheckpoint("stale_rejected")
		} else {
			e.Metrics.IncCheckpoint("write_failed")
		}
	}
	// The stream already reached the client; the next run rebuilds from the
	// previous checkpoint.
	log.Printf("agent: checkpoint write degraded for %s: %v", conversationID, err)
}

// advance applies a lifecycle event and logs an illegal transition instead
// of failing the run; the transition table is the source of truth in tests.
func (e *Executor) advance(state string, event Event, taskID string) string {
	next, err := Next(state, event)
	if err != nil {
		log.Printf("agent: task %s: illegal transition %s from %s", taskID, event, state)
		return state
	}
	return next
}
