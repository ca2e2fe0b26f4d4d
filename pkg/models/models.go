package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrMissingTaskID       = errors.New("work item missing task id")
	ErrMissingConversation = errors.New("work item missing conversation id")
)

// Client -> gateway frame types.
const (
	FrameMessage = "message"
	FramePing    = "ping"
)

// Gateway -> client event types.
const (
	EventTaskQueued = "task_queued"
	EventChunk      = "chunk"
	EventCompleted  = "completed"
	EventError      = "error"
	EventPong       = "pong"
)

// Rejection codes attached to the close reason when a connection is refused.
const (
	RejectUnauthenticated = "unauthenticated"
	RejectOriginNotAllow  = "origin-not-allowed"
	RejectRateLimited     = "rate-limited"
)

// Error codes surfaced on the error event.
const (
	CodeValidationFailed = "validation_failed"
	CodeRateLimited      = "rate_limited"
	CodeMessageTooLong   = "message_too_long"
	CodeTaskFailed       = "task_failed"
	CodeInternal         = "internal"
)

// ClientFrame is a JSON frame received from a connected client.
type ClientFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ServerEvent is a JSON frame written back to a client.
type ServerEvent struct {
	Event   string `json:"event"`
	TaskID  string `json:"task_id,omitempty"`
	Chunk   string `json:"chunk,omitempty"`
	Seq     int64  `json:"seq,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	// RetryAfterSec is set on rate_limited errors.
	RetryAfterSec int `json:"retry_after_sec,omitempty"`
}

// Fragment kinds carried over the broadcast channel.
const (
	FragmentChunk     = "chunk"
	FragmentCompleted = "completed"
	FragmentError     = "error"
	FragmentFallback  = "fallback"
)

// OutputFragment is one ordered unit of streamed agent output for a
// conversation. Seq is strictly increasing per conversation.
type OutputFragment struct {
	ConversationID string `json:"conversation_id"`
	TaskID         string `json:"task_id,omitempty"`
	Seq            int64  `json:"seq"`
	Kind           string `json:"kind"`
	Text           string `json:"text,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// Terminal reports whether the fragment ends the stream for its task.
func (f OutputFragment) Terminal() bool {
	switch f.Kind {
	case FragmentCompleted, FragmentError, FragmentFallback:
		return true
	default:
		return false
	}
}

// WorkItem is a unit of deferred agent work. TaskID doubles as the
// idempotency key; Attempt counts in-process retries, not redeliveries.
type WorkItem struct {
	TaskID         string    `json:"task_id"`
	ConversationID string    `json:"conversation_id"`
	PrincipalID    string    `json:"principal_id"`
	Input          string    `json:"input"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	Attempt        int       `json:"attempt"`
}

// Validate checks the fields a consumer cannot proceed without.
func (w WorkItem) Validate() error {
	if strings.TrimSpace(w.TaskID) == "" {
		return ErrMissingTaskID
	}
	if strings.TrimSpace(w.ConversationID) == "" {
		return ErrMissingConversation
	}
	return nil
}

// Checkpoint is a serialized snapshot of a conversation's agent state.
// Seq is monotonically increasing; a lower-sequence write never overwrites
// a higher one.
type Checkpoint struct {
	ConversationID string          `json:"conversation_id"`
	Seq            int64           `json:"seq"`
	State          json.RawMessage `json:"state"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Turn is one entry of a conversation's ordered history.
type Turn struct {
	ConversationID string    `json:"conversation_id"`
	Index          int       `json:"index"`
	Role           string    `json:"role"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
