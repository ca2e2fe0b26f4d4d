package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"parley/pkg/models"
)

var (
	// ErrNotFound means the conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrNotOwner rejects access by a principal that does not own the
	// conversation.
	ErrNotOwner = errors.New("principal does not own conversation")
)

// Store persists conversations and their ordered turn history.
type Store interface {
	// Ensure creates the conversation for the principal if absent and
	// verifies ownership if present.
	Ensure(ctx context.Context, conversationID, principalID string) error
	Owner(ctx context.Context, conversationID string) (string, error)
	AppendTurn(ctx context.Context, turn models.Turn) error
	History(ctx context.Context, conversationID string, limit int) ([]models.Turn, error)
}

type conversationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the durable conversation store.
type PostgresStore struct {
	DB conversationDB
}

func NewPostgres(db conversationDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			principal_id    TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS turns (
			conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
			idx             INT NOT NULL,
			role            TEXT NOT NULL,
			body            TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (conversation_id, idx)
		)
	`)
	return err
}

func (s *PostgresStore) Ensure(ctx context.Context, conversationID, principalID string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO conversations(conversation_id, principal_id)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id) DO NOTHING
	`, conversationID, principalID)
	if err != nil {
		return err
	}
	owner, err := s.Owner(ctx, conversationID)
	if err != nil {
		return err
	}
	if owner != principalID {
		return ErrNotOwner
	}
	return nil
}

func (s *PostgresStore) Owner(ctx context.Context, conversationID string) (string, error) {
	var owner string
	err := s.DB.QueryRow(ctx, `
		SELECT principal_id FROM conversations WHERE conversation_id = $1
	`, conversationID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}

// AppendTurn assigns the next index inside the insert itself. Writers for a
// single conversation are already serialized by the dispatch path, so the
// max+1 subquery cannot race in practice.
func (s *PostgresStore) AppendTurn(ctx context.Context, turn models.Turn) error {
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO turns(conversation_id, idx, role, body, created_at)
		SELECT $1, COALESCE(MAX(idx)+1, 0), $2, $3, $4
		FROM turns WHERE conversation_id = $1
	`, turn.ConversationID, turn.Role, turn.Text, createdAt)
	return err
}

func (s *PostgresStore) History(ctx context.Context, conversationID string, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.DB.Query(ctx, `
		SELECT conversation_id, idx, role, body, created_at
		FROM turns
		WHERE conversation_id = $1
		ORDER BY idx ASC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var turns []models.Turn
	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.ConversationID, &t.Index, &t.Role, &t.Text, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// MemoryStore backs tests and single-node development runs.
type MemoryStore struct {
	mu     sync.Mutex
	owners map[string]string
	turns  map[string][]models.Turn
}

func NewMemory() *MemoryStore {
	return &MemoryStore{owners: map[string]string{}, turns: map[string][]models.Turn{}}
}

func (m *MemoryStore) Ensure(ctx context.Context, conversationID, principalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[conversationID]
	if !ok {
		m.owners[conversationID] = principalID
		return nil
	}
	if owner != principalID {
		return ErrNotOwner
	}
	return nil
}

func (m *MemoryStore) Owner(ctx context.Context, conversationID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[conversationID]
	if !ok {
		return "", ErrNotFound
	}
	return owner, nil
}

func (m *MemoryStore) AppendTurn(ctx context.Context, turn models.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	turn.Index = len(m.turns[turn.ConversationID])
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	m.turns[turn.ConversationID] = append(m.turns[turn.ConversationID], turn)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, conversationID string, limit int) ([]models.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := m.turns[conversationID]
	out := make([]models.Turn, len(turns))
	copy(out, turns)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
