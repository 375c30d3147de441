// Package store provides the SQLite-backed metadata and history store for
// Studiora. It tracks ingested sources and their chunks, and persists every
// question/answer exchange so conversation history survives server restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// SourceStatus tracks how far a source has made it through ingestion.
type SourceStatus string

const (
	// StatusPending means the source row exists but indexing is incomplete.
	StatusPending SourceStatus = "pending"
	// StatusOK means the source is fully chunked and indexed.
	StatusOK SourceStatus = "ok"
	// StatusFailed means ingestion gave up on the source.
	StatusFailed SourceStatus = "failed"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Source is an ingested document, keyed by content hash within a scope so
// re-ingesting identical content is a no-op.
type Source struct {
	// ID is the deterministic source identifier.
	ID string
	// ScopeID is the retrieval scope the source belongs to.
	ScopeID string
	// Name is the original file or document name.
	Name string
	// ContentHash is the hex-encoded hash of the raw content.
	ContentHash string
	// Status is the ingestion status of the source.
	Status SourceStatus
	// CreatedAt is when the source row was first created.
	CreatedAt time.Time
}

// Chunk is the persisted record of one indexed chunk of a source.
type Chunk struct {
	// ID is the deterministic chunk identifier, shared with the vector index.
	ID string
	// Ordinal is the chunk's position within its source, starting at 0.
	Ordinal int
	// Text is the chunk content as indexed.
	Text string
}

// Exchange is one completed question/answer turn within a scope.
type Exchange struct {
	// ID is the row identifier, assigned on save.
	ID int64
	// ScopeID is the retrieval scope the exchange belongs to.
	ScopeID string
	// Question is the learner's question as asked.
	Question string
	// Answer is the full answer text, or the refusal text.
	Answer string
	// Refused is true when the guard declined to answer.
	Refused bool
	// Degraded is true when the answer was produced without retrieval.
	Degraded bool
	// Truncated is true when generation was cut off before completion.
	Truncated bool
	// CreatedAt is when the exchange was persisted.
	CreatedAt time.Time
}

// Store persists sources, chunks, and exchanges. Implementations must be
// safe for concurrent use.
type Store interface {
	// FindSourceByHash looks up a source by (scope, content hash).
	// Returns ErrNotFound when no such source exists.
	FindSourceByHash(ctx context.Context, scopeID, contentHash string) (*Source, error)
	// CreateSource inserts a source row in pending status.
	CreateSource(ctx context.Context, src *Source) error
	// MarkSourceStatus updates the ingestion status of a source.
	MarkSourceStatus(ctx context.Context, sourceID string, status SourceStatus) error
	// ReplaceChunks atomically replaces all chunk rows for a source.
	ReplaceChunks(ctx context.Context, sourceID string, chunks []Chunk) error
	// ChunksBySource returns a source's chunks ordered by ordinal.
	ChunksBySource(ctx context.Context, sourceID string) ([]Chunk, error)
	// SaveExchange persists an exchange and fills in its ID.
	SaveExchange(ctx context.Context, ex *Exchange) error
	// RecentExchanges returns the most recent n exchanges for a scope,
	// ordered oldest-first so they can feed the LLM message slice directly.
	RecentExchanges(ctx context.Context, scopeID string, n int) ([]Exchange, error)
	// ListExchanges returns up to limit exchanges for a scope, newest-first.
	ListExchanges(ctx context.Context, scopeID string, limit int) ([]Exchange, error)
	// DeleteExchange removes one exchange within a scope.
	// Returns ErrNotFound when the exchange does not exist in that scope.
	DeleteExchange(ctx context.Context, scopeID string, id int64) error
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a Store backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// DefaultDBPath returns the default path for the Studiora database.
// It resolves to ~/.studiora/studiora.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".studiora")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "studiora.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sources (
    id            TEXT    PRIMARY KEY,
    scope_id      TEXT    NOT NULL,
    name          TEXT    NOT NULL,
    content_hash  TEXT    NOT NULL,
    status        TEXT    NOT NULL CHECK(status IN ('pending','ok','failed')),
    created_at    INTEGER NOT NULL,  -- Unix timestamp (seconds)
    UNIQUE (scope_id, content_hash)
);
CREATE TABLE IF NOT EXISTS chunks (
    id         TEXT    PRIMARY KEY,
    source_id  TEXT    NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    ordinal    INTEGER NOT NULL,
    text       TEXT    NOT NULL,
    UNIQUE (source_id, ordinal)
);
CREATE TABLE IF NOT EXISTS exchanges (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    scope_id    TEXT    NOT NULL,
    question    TEXT    NOT NULL,
    answer      TEXT    NOT NULL,
    refused     INTEGER NOT NULL DEFAULT 0,
    degraded    INTEGER NOT NULL DEFAULT 0,
    truncated   INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exchanges_scope_created
    ON exchanges (scope_id, created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// FindSourceByHash looks up a source by (scope, content hash).
func (s *SQLiteStore) FindSourceByHash(ctx context.Context, scopeID, contentHash string) (*Source, error) {
	const q = `SELECT id, scope_id, name, content_hash, status, created_at
FROM sources WHERE scope_id = ? AND content_hash = ?`

	var src Source
	var ts int64
	var status string
	err := s.db.QueryRowContext(ctx, q, scopeID, contentHash).
		Scan(&src.ID, &src.ScopeID, &src.Name, &src.ContentHash, &status, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find source: %w", err)
	}
	src.Status = SourceStatus(status)
	src.CreatedAt = time.Unix(ts, 0)
	return &src, nil
}

// CreateSource inserts a source row in pending status.
func (s *SQLiteStore) CreateSource(ctx context.Context, src *Source) error {
	if src.Status == "" {
		src.Status = StatusPending
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now()
	}
	const q = `INSERT INTO sources (id, scope_id, name, content_hash, status, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		src.ID, src.ScopeID, src.Name, src.ContentHash, string(src.Status), src.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: create source: %w", err)
	}
	return nil
}

// MarkSourceStatus updates the ingestion status of a source.
func (s *SQLiteStore) MarkSourceStatus(ctx context.Context, sourceID string, status SourceStatus) error {
	const q = `UPDATE sources SET status = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, string(status), sourceID)
	if err != nil {
		return fmt.Errorf("store: mark source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceChunks atomically replaces all chunk rows for a source.
func (s *SQLiteStore) ReplaceChunks(ctx context.Context, sourceID string, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: replace chunks: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("store: replace chunks delete: %w", err)
	}
	const ins = `INSERT INTO chunks (id, source_id, ordinal, text) VALUES (?, ?, ?, ?)`
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, ins, c.ID, sourceID, c.Ordinal, c.Text); err != nil {
			return fmt.Errorf("store: replace chunks insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: replace chunks commit: %w", err)
	}
	return nil
}

// ChunksBySource returns a source's chunks ordered by ordinal.
func (s *SQLiteStore) ChunksBySource(ctx context.Context, sourceID string) ([]Chunk, error) {
	const q = `SELECT id, ordinal, text FROM chunks WHERE source_id = ? ORDER BY ordinal ASC`
	rows, err := s.db.QueryContext(ctx, q, sourceID)
	if err != nil {
		return nil, fmt.Errorf("store: chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.Ordinal, &c.Text); err != nil {
			return nil, fmt.Errorf("store: chunks scan: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: chunks rows: %w", err)
	}
	return chunks, nil
}

// SaveExchange persists an exchange and fills in its ID.
func (s *SQLiteStore) SaveExchange(ctx context.Context, ex *Exchange) error {
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}
	const q = `INSERT INTO exchanges (scope_id, question, answer, refused, degraded, truncated, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		ex.ScopeID, ex.Question, ex.Answer,
		boolInt(ex.Refused), boolInt(ex.Degraded), boolInt(ex.Truncated),
		ex.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: save exchange: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: save exchange id: %w", err)
	}
	ex.ID = id
	return nil
}

// RecentExchanges returns the most recent n exchanges for a scope, ordered
// oldest-first. Uses a subquery to select the tail then re-order for injection.
func (s *SQLiteStore) RecentExchanges(ctx context.Context, scopeID string, n int) ([]Exchange, error) {
	const q = `
SELECT id, scope_id, question, answer, refused, degraded, truncated, created_at FROM (
    SELECT id, scope_id, question, answer, refused, degraded, truncated, created_at
    FROM   exchanges
    WHERE  scope_id = ?
    ORDER  BY created_at DESC, id DESC
    LIMIT  ?
) ORDER BY created_at ASC, id ASC`
	return s.queryExchanges(ctx, q, scopeID, n)
}

// ListExchanges returns up to limit exchanges for a scope, newest-first.
func (s *SQLiteStore) ListExchanges(ctx context.Context, scopeID string, limit int) ([]Exchange, error) {
	const q = `
SELECT id, scope_id, question, answer, refused, degraded, truncated, created_at
FROM   exchanges
WHERE  scope_id = ?
ORDER  BY created_at DESC, id DESC
LIMIT  ?`
	return s.queryExchanges(ctx, q, scopeID, limit)
}

func (s *SQLiteStore) queryExchanges(ctx context.Context, q string, args ...any) ([]Exchange, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: exchanges: %w", err)
	}
	defer rows.Close()

	var exs []Exchange
	for rows.Next() {
		var ex Exchange
		var ts int64
		var refused, degraded, truncated int
		if err := rows.Scan(&ex.ID, &ex.ScopeID, &ex.Question, &ex.Answer,
			&refused, &degraded, &truncated, &ts); err != nil {
			return nil, fmt.Errorf("store: exchanges scan: %w", err)
		}
		ex.Refused = refused != 0
		ex.Degraded = degraded != 0
		ex.Truncated = truncated != 0
		ex.CreatedAt = time.Unix(ts, 0)
		exs = append(exs, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: exchanges rows: %w", err)
	}
	return exs, nil
}

// DeleteExchange removes one exchange within a scope.
func (s *SQLiteStore) DeleteExchange(ctx context.Context, scopeID string, id int64) error {
	const q = `DELETE FROM exchanges WHERE scope_id = ? AND id = ?`
	res, err := s.db.ExecContext(ctx, q, scopeID, id)
	if err != nil {
		return fmt.Errorf("store: delete exchange: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
