// Package sqlite stores checkpoints in a local SQLite file through the
// pure Go modernc driver. Schema changes are goose migrations.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/rhuss/datachat/pkg/debug"
	"github.com/rhuss/datachat/pkg/llm"
	"github.com/rhuss/datachat/pkg/storage"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const pragmas = "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

// Store is a SQLite-backed CheckpointStore.
type Store struct {
	db *sql.DB
}

var _ storage.CheckpointStore = (*Store)(nil)

// New opens (or creates) the database at path and migrates it.
func New(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+pragmas)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("sqlite checkpoint store ready", "path", path)
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	results, err := p.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		slog.Info("applied migration", "file", r.Source.Path, "duration", r.Duration)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, threadID string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO checkpoint_threads (thread_id, tenant_id) VALUES (?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET updated_at = CURRENT_TIMESTAMP
		RETURNING tenant_id
	`, threadID, storage.GetTenant(ctx)).Scan(&owner)
	if err != nil {
		return fmt.Errorf("upserting thread: %w", err)
	}
	if !storage.SameTenant(ctx, owner) {
		return storage.ErrNotFound
	}

	var last int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM checkpoint_messages WHERE thread_id = ?", threadID,
	).Scan(&last); err != nil {
		return fmt.Errorf("reading sequence: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO checkpoint_messages (thread_id, seq, message) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshaling message: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, threadID, last+i+1, string(data)); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	debug.Log("storage", "checkpoint appended", "backend", "sqlite", "thread", threadID, "count", len(msgs))
	return nil
}

func (s *Store) Load(ctx context.Context, threadID string) ([]llm.Message, error) {
	var owner string
	err := s.db.QueryRowContext(ctx,
		"SELECT tenant_id FROM checkpoint_threads WHERE thread_id = ?", threadID,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	if !storage.SameTenant(ctx, owner) {
		return nil, storage.ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT message FROM checkpoint_messages WHERE thread_id = ? ORDER BY seq", threadID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []llm.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		var m llm.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("unmarshaling message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, threadID string) error {
	tenant := storage.GetTenant(ctx)
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM checkpoint_threads WHERE thread_id = ? AND (? = '' OR tenant_id = ?)",
		threadID, tenant, tenant)
	if err != nil {
		return fmt.Errorf("deleting thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting thread: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
