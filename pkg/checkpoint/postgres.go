package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"parley/pkg/models"
)

// checkpointDB is the slice of pgxpool.Pool the cold tier needs; tests
// substitute fakes.
type checkpointDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresCold stores checkpoints durably. The conditional upsert is the
// sequence guard: a concurrent lower-sequence writer affects zero rows.
type PostgresCold struct {
	DB checkpointDB
}

func NewPostgresCold(db checkpointDB) *PostgresCold {
	return &PostgresCold{DB: db}
}

// EnsureSchema creates the checkpoints table when absent.
func (p *PostgresCold) EnsureSchema(ctx context.Context) error {
	_, err := p.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			conversation_id TEXT PRIMARY KEY,
			seq             BIGINT NOT NULL,
			state           JSONB NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (p *PostgresCold) Get(ctx context.Context, conversationID string) (models.Checkpoint, error) {
	row := p.DB.QueryRow(ctx, `
		SELECT conversation_id, seq, state, updated_at
		FROM checkpoints
		WHERE conversation_id = $1
	`, conversationID)
	var cp models.Checkpoint
	if err := row.Scan(&cp.ConversationID, &cp.Seq, &cp.State, &cp.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Checkpoint{}, ErrNotFound
		}
		return models.Checkpoint{}, err
	}
	return cp, nil
}

func (p *PostgresCold) Put(ctx context.Context, cp models.Checkpoint) error {
	cmd, err := p.DB.Exec(ctx, `
		INSERT INTO checkpoints(conversation_id, seq, state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id)
		DO UPDATE SET
			seq = EXCLUDED.seq,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
		WHERE checkpoints.seq < EXCLUDED.seq
	`, cp.ConversationID, cp.Seq, cp.State, cp.UpdatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// MemoryCold is an in-process cold tier for tests and single-node
// development runs. Same sequence guard as the postgres tier.
type MemoryCold struct {
	mu    sync.Mutex
	items map[string]models.Checkpoint
}

func NewMemoryCold() *MemoryCold {
	return &MemoryCold{items: map[string]models.Checkpoint{}}
}

func (m *MemoryCold) Get(ctx context.Context, conversationID string) (models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.items[conversationID]
	if !ok {
		return models.Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

func (m *MemoryCold) Put(ctx context.Context, cp models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.items[cp.ConversationID]; ok && existing.Seq >= cp.Seq {
		return ErrStale
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	m.items[cp.ConversationID] = cp
	return nil
}
