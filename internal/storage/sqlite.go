// Package storage provides the durable pending-plan store backed by SQLite,
// for deployments where an approval must survive a process restart.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"collab/internal/observability"
	"collab/internal/planning"
)

// SQLitePendingStore implements planning.PendingStore on a local SQLite
// database. Fetch-and-delete runs in a transaction so a pending plan is
// consumed by exactly one of the racing paths even across processes sharing
// the file.
type SQLitePendingStore struct {
	db     *sql.DB
	logger *observability.Logger
	nowFn  func() time.Time
}

// NewSQLitePendingStore opens (and if needed creates) the store at path.
func NewSQLitePendingStore(path string, logger *observability.Logger) (*SQLitePendingStore, error) {
	if logger == nil {
		logger = observability.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLitePendingStore{db: db, logger: logger, nowFn: time.Now}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("pending plan store initialized", "path", path)
	return s, nil
}

func (s *SQLitePendingStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS pending_plans (
			request_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			payload    TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pending_plans_session
			ON pending_plans(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save implements planning.PendingStore. Saving under an existing request id
// replaces the previous pending plan.
func (s *SQLitePendingStore) Save(ctx context.Context, pending planning.PendingPlan) error {
	payload, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("encoding pending plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_plans (request_id, session_id, payload, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			session_id = excluded.session_id,
			payload    = excluded.payload,
			expires_at = excluded.expires_at
	`, pending.RequestID, pending.SessionID, string(payload), pending.ExpiresAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving pending plan: %w", err)
	}
	return nil
}

// FetchAndDelete implements planning.PendingStore.
func (s *SQLitePendingStore) FetchAndDelete(ctx context.Context, requestID string) (*planning.PendingPlan, error) {
	return s.consume(ctx, "request_id = ?", requestID)
}

// FetchAndDeleteBySession implements planning.PendingStore.
func (s *SQLitePendingStore) FetchAndDeleteBySession(ctx context.Context, sessionID string) (*planning.PendingPlan, error) {
	return s.consume(ctx, "session_id = ?", sessionID)
}

// consume atomically loads and removes one matching row. An expired row is
// removed and reported as not found.
func (s *SQLitePendingStore) consume(ctx context.Context, where string, arg string) (*planning.PendingPlan, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var requestID, payload, expiresRaw string
	query := "SELECT request_id, payload, expires_at FROM pending_plans WHERE " + where + " LIMIT 1"
	err = tx.QueryRowContext(ctx, query, arg).Scan(&requestID, &payload, &expiresRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, planning.ErrPendingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading pending plan: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, expiresRaw)
	if err != nil {
		return nil, fmt.Errorf("parsing expiry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_plans WHERE request_id = ?", requestID); err != nil {
		return nil, fmt.Errorf("deleting pending plan: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing consume: %w", err)
	}

	if s.nowFn().After(expiresAt) {
		s.logger.Debug("discarding expired pending plan", "request_id", requestID)
		return nil, planning.ErrPendingNotFound
	}

	var pending planning.PendingPlan
	if err := json.Unmarshal([]byte(payload), &pending); err != nil {
		return nil, fmt.Errorf("decoding pending plan: %w", err)
	}
	return &pending, nil
}

// Delete implements planning.PendingStore. Deleting an absent key is not an
// error.
func (s *SQLitePendingStore) Delete(ctx context.Context, requestID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pending_plans WHERE request_id = ?", requestID); err != nil {
		return fmt.Errorf("deleting pending plan: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLitePendingStore) Close() error {
	return s.db.Close()
}
