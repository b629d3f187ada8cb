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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cogtoolslab/cab-experiments/backend/internal/model/record"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded record.Store used with --local_store. All
// projects share one database file; rows are scoped by dbname and collname.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	ddl := []string{`
CREATE TABLE IF NOT EXISTS collections (
  dbname TEXT NOT NULL,
  collname TEXT NOT NULL,
  created_at TEXT NOT NULL,
  PRIMARY KEY (dbname, collname)
);`, `
CREATE TABLE IF NOT EXISTS records (
  id TEXT NOT NULL UNIQUE,
  dbname TEXT NOT NULL,
  collname TEXT NOT NULL,
  body TEXT NOT NULL,
  is_trial_set INTEGER NOT NULL DEFAULT 0,
  num_games INTEGER NOT NULL DEFAULT 0,
  games TEXT NOT NULL DEFAULT '[]',
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS records_by_collection ON records (dbname, collname);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Insert implements record.Store.
func (s *SQLiteStore) Insert(ctx context.Context, database, collection string, doc json.RawMessage) (string, error) {
	if err := record.ValidateTarget(database, collection, doc); err != nil {
		return "", err
	}
	_, isSet := record.TrialsOf(doc)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO collections (dbname, collname, created_at) VALUES (?, ?, ?)`, database, collection, now)
	if err != nil {
		return "", fmt.Errorf("create collection: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("creating collection", zap.String("database", database), zap.String("collection", collection))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records (id, dbname, collname, body, is_trial_set, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, database, collection, string(doc), boolToInt(isSet), now,
	); err != nil {
		return "", fmt.Errorf("insert into %s.%s: %w", database, collection, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit insert: %w", err)
	}
	return id, nil
}

// GetStims implements record.Store with the same selection rules as the
// MongoDB backend.
func (s *SQLiteStore) GetStims(ctx context.Context, database, collection string, q record.StimsQuery) (record.TrialSet, error) {
	if database == "" || collection == "" {
		return record.TrialSet{}, record.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return record.TrialSet{}, fmt.Errorf("begin getstims: %w", err)
	}
	defer tx.Rollback()

	var id, body, gamesJSON string
	err = tx.QueryRowContext(ctx, `
SELECT id, body, games FROM records
WHERE dbname = ? AND collname = ? AND is_trial_set = 1
ORDER BY num_games ASC, rowid ASC LIMIT 1`, database, collection).Scan(&id, &body, &gamesJSON)
	switch {
	case err == nil:
		set, err := s.claim(ctx, tx, id, body, gamesJSON, q.SessionID)
		if err != nil {
			return record.TrialSet{}, err
		}
		return set, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return record.TrialSet{}, fmt.Errorf("query trial set: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, body FROM records WHERE dbname = ? AND collname = ? ORDER BY rowid ASC`, database, collection)
	if err != nil {
		return record.TrialSet{}, fmt.Errorf("query trials: %w", err)
	}
	defer rows.Close()

	var set record.TrialSet
	for rows.Next() {
		var rowID, rowBody string
		if err := rows.Scan(&rowID, &rowBody); err != nil {
			return record.TrialSet{}, fmt.Errorf("scan trial: %w", err)
		}
		if set.ID == "" {
			set.ID = rowID
		}
		set.Trials = append(set.Trials, json.RawMessage(rowBody))
	}
	if err := rows.Err(); err != nil {
		return record.TrialSet{}, err
	}
	if len(set.Trials) == 0 {
		return record.TrialSet{}, fmt.Errorf("%w in %s.%s", record.ErrNotFound, database, collection)
	}
	return set, nil
}

func (s *SQLiteStore) claim(ctx context.Context, tx *sql.Tx, id, body, gamesJSON, sessionID string) (record.TrialSet, error) {
	trials, ok := record.TrialsOf(json.RawMessage(body))
	if !ok {
		return record.TrialSet{}, fmt.Errorf("trial set record %s has no trials array", id)
	}

	var games []string
	if err := json.Unmarshal([]byte(gamesJSON), &games); err != nil {
		return record.TrialSet{}, fmt.Errorf("decode games of %s: %w", id, err)
	}
	if sessionID != "" {
		games = append(games, sessionID)
	}
	encoded, err := json.Marshal(games)
	if err != nil {
		return record.TrialSet{}, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE records SET num_games = num_games + 1, games = ? WHERE id = ?`, string(encoded), id); err != nil {
		return record.TrialSet{}, fmt.Errorf("mark trial set %s: %w", id, err)
	}
	return record.TrialSet{ID: id, Trials: trials}, nil
}

// Count returns the number of documents in database/collection.
func (s *SQLiteStore) Count(ctx context.Context, database, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE dbname = ? AND collname = ?`, database, collection).Scan(&n)
	return n, err
}

// Close closes the database file.
func (s *SQLiteStore) Close(context.Context) error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
