// Package store provides SQLite persistence for threading runs: the input
// stories, an embedding cache, run metadata and story→event assignments.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/abelbrown/eventthread/internal/model"
)

// ErrRunNotFound is returned when a run id (or a topic's latest run) does
// not exist.
var ErrRunNotFound = errors.New("run not found")

// Store handles SQLite persistence. NOT an interface - concrete type.
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates a new Store with the given database path.
// Creates tables if they don't exist.
// Uses WAL mode for better concurrent read performance (file-based DBs only).
func Open(dbPath string) (*Store, error) {
	connStr := dbPath
	memory := dbPath == ":memory:"
	if memory {
		// Shared cache so every pooled connection sees the same database;
		// a unique name keeps separate Stores apart.
		connStr = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if !memory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stories (
		topic TEXT NOT NULL,
		id TEXT NOT NULL,
		title TEXT NOT NULL,
		url TEXT,
		source TEXT,
		origin TEXT,
		published_at DATETIME NOT NULL,
		PRIMARY KEY (topic, id)
	);

	CREATE INDEX IF NOT EXISTS idx_stories_published ON stories(topic, published_at);

	CREATE TABLE IF NOT EXISTS embeddings (
		model TEXT NOT NULL,
		text_hash TEXT NOT NULL,
		dims INTEGER NOT NULL,
		vector BLOB NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (model, text_hash)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		stories INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		clusters INTEGER NOT NULL,
		config TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_topic ON runs(topic, started_at DESC);

	CREATE TABLE IF NOT EXISTS assignments (
		run_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		story_id TEXT NOT NULL,
		event_id INTEGER NOT NULL,
		PRIMARY KEY (run_id, story_id),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_assignments_event ON assignments(run_id, event_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
// Thread-safe: acquires write lock to prevent closing during in-flight operations.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SaveStories upserts the stories of a topic and returns how many were new.
func (s *Store) SaveStories(ctx context.Context, topic string, stories []model.Story) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(stories) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stories (topic, id, title, url, source, origin, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic, id) DO UPDATE SET
			title = excluded.title,
			url = excluded.url,
			source = excluded.source
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var before int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM stories WHERE topic = ?", topic).Scan(&before); err != nil {
		return 0, err
	}
	for _, st := range stories {
		if _, err := stmt.ExecContext(ctx, topic, st.ID, st.Title, st.URL, st.Source, string(st.Origin), st.Published.UTC()); err != nil {
			return 0, fmt.Errorf("save story %s: %w", st.ID, err)
		}
	}
	var after int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM stories WHERE topic = ?", topic).Scan(&after); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return after - before, nil
}

// Stories returns the stored stories of a topic, oldest first.
func (s *Store) Stories(ctx context.Context, topic string) ([]model.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, url, source, origin, published_at
		FROM stories WHERE topic = ?
		ORDER BY published_at, id
	`, topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Story
	for rows.Next() {
		st := model.Story{Topic: topic}
		var origin string
		if err := rows.Scan(&st.ID, &st.Title, &st.URL, &st.Source, &origin, &st.Published); err != nil {
			return nil, err
		}
		st.Origin = model.SourceType(origin)
		st.Published = st.Published.UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetEmbedding returns the cached vector for text under model, or nil when
// there is none.
func (s *Store) GetEmbedding(ctx context.Context, model, text string) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob []byte
	var dims int
	err := s.db.QueryRowContext(ctx,
		"SELECT dims, vector FROM embeddings WHERE model = ? AND text_hash = ?",
		model, textHash(text),
	).Scan(&dims, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return nil, err
	}
	if len(vec) != dims {
		return nil, fmt.Errorf("embedding blob has %d values, row says %d", len(vec), dims)
	}
	return vec, nil
}

// SaveEmbedding caches vec for text under model.
func (s *Store) SaveEmbedding(ctx context.Context, model, text string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (model, text_hash, dims, vector, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(model, text_hash) DO UPDATE SET
			dims = excluded.dims,
			vector = excluded.vector
	`, model, textHash(text), len(vec), encodeVector(vec), time.Now().UTC())
	return err
}

// EmbeddingCount returns the number of cached vectors.
func (s *Store) EmbeddingCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings").Scan(&n)
	return n, err
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// encodeVector packs vec as little-endian float32s.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}
