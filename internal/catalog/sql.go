package catalog

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	_ "modernc.org/sqlite"

	"EventLens/internal/embedding"
)

const dimensionKey = "dimension"

var errClosed = errors.New("index closed")

// SQLIndex keeps catalog rows in a SQLite or DuckDB file and scores them in
// process. Catalogs hold thousands of rows at most, so a full scan per query
// is exact and fast enough.
type SQLIndex struct {
	db     *sql.DB
	driver string
	mu     sync.RWMutex
}

// OpenSQL opens (and bootstraps) the catalog database at path using driver
// "sqlite" or "duckdb".
func OpenSQL(driver, path string) (*SQLIndex, error) {
	switch driver {
	case "", "sqlite":
		driver = "sqlite"
	case "duckdb":
	default:
		return nil, fmt.Errorf("catalog: unsupported sql driver %q", driver)
	}
	if path == "" {
		return nil, fmt.Errorf("catalog: sql path is required")
	}

	if path != ":memory:" {
		if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create catalog directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIndexUnavailable, driver, err)
	}
	// Single writer; both engines lock the file per connection.
	db.SetMaxOpenConns(1)

	idx := &SQLIndex{db: db, driver: driver}
	if err := idx.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *SQLIndex) bootstrap() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS catalog (
			event_name  TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			embedding   BLOB NOT NULL,
			dimensions  INTEGER NOT NULL,
			seq         BIGINT NOT NULL,
			updated_at  BIGINT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create catalog table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS catalog_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create catalog_meta table: %w", err)
	}

	return nil
}

func (s *SQLIndex) Get(ctx context.Context, name string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return Entry{}, unavailable("get", errClosed)
	}

	var (
		e       Entry
		blob    []byte
		dims    int
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT event_name, description, embedding, dimensions, seq, updated_at
		FROM catalog WHERE event_name = ?
	`, name).Scan(&e.EventName, &e.Description, &blob, &dims, &e.Seq, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, unavailable("get", err)
	}
	e.Embedding = blobToFloat32(blob, dims)
	e.UpdatedAt = time.Unix(0, updated).UTC()
	return e, nil
}

func (s *SQLIndex) Put(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return unavailable("upsert", errClosed)
	}

	dim, err := s.dimension(ctx)
	if err != nil {
		return err
	}
	if dim != 0 && dim != len(e.Embedding) {
		return fmt.Errorf("%w: entry %q has %d, index has %d", embedding.ErrDimensionMismatch, e.EventName, len(e.Embedding), dim)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	defer tx.Rollback()

	if dim == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO catalog_meta (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value
		`, dimensionKey, strconv.Itoa(len(e.Embedding))); err != nil {
			return unavailable("record dimension", err)
		}
	}

	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO catalog (event_name, description, embedding, dimensions, seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_name) DO UPDATE SET
			description = excluded.description,
			embedding   = excluded.embedding,
			dimensions  = excluded.dimensions,
			seq         = excluded.seq,
			updated_at  = excluded.updated_at
	`, e.EventName, e.Description, float32ToBlob(e.Embedding), len(e.Embedding), e.Seq, updated.UnixNano()); err != nil {
		return unavailable("upsert", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func (s *SQLIndex) Nearest(ctx context.Context, vec []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, unavailable("scan", errClosed)
	}

	dim, err := s.dimension(ctx)
	if err != nil {
		return nil, err
	}
	if dim == 0 {
		return nil, nil
	}
	if dim != len(vec) {
		return nil, fmt.Errorf("%w: query has %d, index has %d", embedding.ErrDimensionMismatch, len(vec), dim)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_name, description, embedding, dimensions, seq FROM catalog
	`)
	if err != nil {
		return nil, unavailable("scan", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m    Match
			blob []byte
			dims int
		)
		if err := rows.Scan(&m.EventName, &m.Description, &blob, &dims, &m.Seq); err != nil {
			return nil, unavailable("scan row", err)
		}
		stored := blobToFloat32(blob, dims)
		if len(stored) != len(vec) {
			continue
		}
		m.Score = embedding.Dot(vec, stored)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan", err)
	}

	return rank(matches, k), nil
}

func (s *SQLIndex) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false, unavailable("delete", errClosed)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM catalog WHERE event_name = ?`, name)
	if err != nil {
		return false, unavailable("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("delete", err)
	}
	return n > 0, nil
}

func (s *SQLIndex) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return unavailable("reset", errClosed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog`); err != nil {
		return unavailable("reset", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_meta WHERE key = ?`, dimensionKey); err != nil {
		return unavailable("reset", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func (s *SQLIndex) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, unavailable("count", errClosed)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM catalog`).Scan(&n); err != nil {
		return 0, unavailable("count", err)
	}
	return n, nil
}

func (s *SQLIndex) MaxSeq(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, unavailable("max seq", errClosed)
	}

	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM catalog`).Scan(&seq); err != nil {
		return 0, unavailable("max seq", err)
	}
	return seq.Int64, nil
}

// Dimension returns the recorded vector dimension, zero for an empty catalog.
func (s *SQLIndex) Dimension(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension(ctx)
}

func (s *SQLIndex) dimension(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, unavailable("read dimension", errClosed)
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM catalog_meta WHERE key = ?`, dimensionKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("read dimension", err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("catalog: corrupt dimension %q: %w", raw, err)
	}
	return n, nil
}

func (s *SQLIndex) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return unavailable("ping", errClosed)
	}
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases database resources.
func (s *SQLIndex) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrIndexUnavailable, op, err)
}

func float32ToBlob(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func blobToFloat32(buf []byte, dims int) []float32 {
	if len(buf) != dims*4 {
		return nil
	}
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
