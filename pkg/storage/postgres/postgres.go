// Package postgres stores checkpoints in PostgreSQL through a pgx pool.
// Each message is one JSONB row ordered by a per-thread sequence number.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/datachat/pkg/debug"
	"github.com/rhuss/datachat/pkg/llm"
	"github.com/rhuss/datachat/pkg/storage"
)

// Store is a PostgreSQL-backed CheckpointStore.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.CheckpointStore = (*Store)(nil)

// New connects to the database and, if MigrateOnStart is set, applies
// the schema migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}
	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return s, nil
}

// Append upserts the thread row, which locks it for the rest of the
// transaction, then inserts msgs after the current last sequence number.
func (s *Store) Append(ctx context.Context, threadID string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var owner string
	err = tx.QueryRow(ctx, `
		INSERT INTO checkpoint_threads (thread_id, tenant_id) VALUES ($1, $2)
		ON CONFLICT (thread_id) DO UPDATE SET updated_at = now()
		RETURNING tenant_id
	`, threadID, storage.GetTenant(ctx)).Scan(&owner)
	if err != nil {
		return fmt.Errorf("upserting thread: %w", err)
	}
	if !storage.SameTenant(ctx, owner) {
		return storage.ErrNotFound
	}

	var last int
	if err := tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM checkpoint_messages WHERE thread_id = $1", threadID,
	).Scan(&last); err != nil {
		return fmt.Errorf("reading sequence: %w", err)
	}

	batch := &pgx.Batch{}
	for i, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshaling message: %w", err)
		}
		batch.Queue("INSERT INTO checkpoint_messages (thread_id, seq, message) VALUES ($1, $2, $3)",
			threadID, last+i+1, data)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	debug.Log("storage", "checkpoint appended", "backend", "postgres", "thread", threadID, "count", len(msgs))
	return nil
}

func (s *Store) Load(ctx context.Context, threadID string) ([]llm.Message, error) {
	var owner string
	err := s.pool.QueryRow(ctx,
		"SELECT tenant_id FROM checkpoint_threads WHERE thread_id = $1", threadID,
	).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	if !storage.SameTenant(ctx, owner) {
		return nil, storage.ErrNotFound
	}

	rows, err := s.pool.Query(ctx,
		"SELECT message FROM checkpoint_messages WHERE thread_id = $1 ORDER BY seq", threadID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []llm.Message
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		var m llm.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("unmarshaling message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes the thread; its messages go with it through the
// cascading foreign key.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	tenant := storage.GetTenant(ctx)
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM checkpoint_threads WHERE thread_id = $1 AND ($2 = '' OR tenant_id = $2)",
		threadID, tenant)
	if err != nil {
		return fmt.Errorf("deleting thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
