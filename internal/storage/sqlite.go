//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"sync"

	"github.com/juju/errors"

	"funsearch/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string
	opts Options

	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

func NewSQLiteStore(path string, opts Options) *SQLiteStore {
	return &SQLiteStore{path: path, opts: opts.normalize()}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.path == "" {
		return errors.NotValidf("empty sqlite path")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return errors.Trace(err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errors.Trace(err)
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return errors.Trace(err)
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) EnqueuePrompt(ctx context.Context, prompt model.Prompt) (model.Prompt, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Prompt{}, err
	}

	prompt = stampPrompt(prompt)
	payload, err := EncodePrompt(prompt)
	if err != nil {
		return model.Prompt{}, errors.Trace(err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO prompts (id, island_id, version_generated, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, prompt.ID, prompt.IslandID, prompt.Version, prompt.SchemaVersion, prompt.CodecVersion, payload)
	if err != nil {
		return model.Prompt{}, errors.Annotatef(err, "enqueue prompt %s", prompt.ID)
	}
	return prompt, nil
}

func (s *SQLiteStore) GetPrompt(ctx context.Context) (model.Prompt, error) {
	return pollPrompt(ctx, s.opts, s.popPrompt)
}

func (s *SQLiteStore) popPrompt(ctx context.Context) (model.Prompt, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Prompt{}, false, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return model.Prompt{}, false, errors.Trace(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		seq     int64
		payload []byte
	)
	err = tx.QueryRowContext(ctx, `SELECT seq, payload FROM prompts ORDER BY seq LIMIT 1`).Scan(&seq, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Prompt{}, false, nil
		}
		return model.Prompt{}, false, errors.Trace(err)
	}

	prompt, decodeErr := DecodePrompt(payload)
	if decodeErr != nil {
		if _, err := tx.ExecContext(ctx, `INSERT INTO quarantined_prompts (seq, payload) VALUES (?, ?)`, seq, payload); err != nil {
			return model.Prompt{}, false, errors.Trace(err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM prompts WHERE seq = ?`, seq); err != nil {
		return model.Prompt{}, false, errors.Trace(err)
	}
	if err := tx.Commit(); err != nil {
		return model.Prompt{}, false, errors.Trace(err)
	}
	if decodeErr != nil {
		return model.Prompt{}, false, errors.WithType(
			errors.Annotatef(decodeErr, "decode prompt at sequence %d", seq), ErrCorruptRecord)
	}
	return prompt, true, nil
}

func (s *SQLiteStore) QuarantinedPrompts(ctx context.Context) (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quarantined_prompts`).Scan(&n); err != nil {
		return 0, errors.Trace(err)
	}
	return n, nil
}

func (s *SQLiteStore) PendingPrompts(ctx context.Context) (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prompts`).Scan(&n); err != nil {
		return 0, errors.Trace(err)
	}
	return n, nil
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM prompts`)
	return errors.Trace(err)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS prompts (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			island_id INTEGER NOT NULL,
			version_generated INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS quarantined_prompts (
			seq INTEGER PRIMARY KEY,
			payload BLOB NOT NULL
		);
	`)
	return err
}
