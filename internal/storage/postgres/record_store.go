// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/opendata-ingest/internal/ingest"
)

// DefaultSchema holds one table per store.
const DefaultSchema = "infrações"

// Relations the store keeps next to the per-store tables. Store names cannot
// start with an underscore, so neither can collide with a store.
const (
	totalsTable = "_store_totals"
	indexPrefix = "_uid_"
)

var copyColumns = []string{"unique_id", "doc", "doc_bytes"}

// RecordStoreConfig controls the Postgres connection pool and store caps.
type RecordStoreConfig struct {
	DSN             string
	Schema          string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	Caps            ingest.Caps
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RecordStore keeps each store as a capped table. Running totals per store
// decide when the oldest rows must be evicted.
type RecordStore struct {
	pool   pool
	schema string
	caps   ingest.Caps

	mu      sync.Mutex
	created map[string]bool
}

// NewRecordStore connects to Postgres using the provided config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewRecordStoreWithPool(p, cfg.Schema, cfg.Caps)
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, schema string, caps ingest.Caps) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if schema == "" {
		schema = DefaultSchema
	}
	if err := ingest.ValidateStoreName(schema); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	defaults := ingest.DefaultCaps()
	if caps.MaxBytes <= 0 {
		caps.MaxBytes = defaults.MaxBytes
	}
	if caps.MaxRecords <= 0 {
		caps.MaxRecords = defaults.MaxRecords
	}
	return &RecordStore{
		pool:    p,
		schema:  schema,
		caps:    caps,
		created: make(map[string]bool),
	}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks the database is reachable.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *RecordStore) table(store string) pgx.Identifier {
	return pgx.Identifier{s.schema, store}
}

// EnsureCreated creates the schema, table, unique_id index and running
// totals row for store once per process.
func (s *RecordStore) EnsureCreated(ctx context.Context, store string) error {
	if err := ingest.ValidateStoreName(store); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created[store] {
		return nil
	}
	table := s.table(store).Sanitize()
	totals := s.totals()
	statements := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{s.schema}.Sanitize()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	store TEXT PRIMARY KEY,
	records BIGINT NOT NULL,
	bytes BIGINT NOT NULL
)`, totals),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	seq BIGSERIAL PRIMARY KEY,
	unique_id TEXT NOT NULL,
	doc JSONB NOT NULL,
	doc_bytes BIGINT NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (unique_id)`, indexName(store).Sanitize(), table),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create store %s: %w", store, err)
		}
	}
	seed := fmt.Sprintf(`INSERT INTO %s (store, records, bytes)
SELECT $1, count(*), COALESCE(sum(doc_bytes), 0)::bigint FROM %s
ON CONFLICT (store) DO NOTHING`, totals, table)
	if _, err := s.pool.Exec(ctx, seed, store); err != nil {
		return fmt.Errorf("seed totals for %s: %w", store, err)
	}
	s.created[store] = true
	return nil
}

// indexName is derived from a hash so that long store names neither exceed
// the identifier limit nor collide after truncation.
func indexName(store string) pgx.Identifier {
	sum := sha256.Sum256([]byte(store))
	return pgx.Identifier{indexPrefix + hex.EncodeToString(sum[:8])}
}

func (s *RecordStore) totals() string {
	return pgx.Identifier{s.schema, totalsTable}.Sanitize()
}

// Exists reports whether any row in store carries uniqueID.
func (s *RecordStore) Exists(ctx context.Context, store, uniqueID string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE unique_id = $1)`, s.table(store).Sanitize())
	var exists bool
	if err := s.pool.QueryRow(ctx, query, uniqueID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check %s in %s: %w", uniqueID, store, err)
	}
	return exists, nil
}

// InsertMany copies records into store and trims it to the configured caps.
func (s *RecordStore) InsertMany(ctx context.Context, store string, records []ingest.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	rows, err := encodeRows(records)
	if err != nil {
		return 0, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	n, err := s.copyAndTrim(ctx, tx, store, rows)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return n, nil
}

// InsertIfAbsent serializes writers for the same id with a transaction-scoped
// advisory lock, then inserts only if no row carries uniqueID.
func (s *RecordStore) InsertIfAbsent(ctx context.Context, store, uniqueID string, records []ingest.Record) (bool, error) {
	rows, err := encodeRows(records)
	if err != nil {
		return false, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin insert: %w", err)
	}
	inserted, err := s.insertIfAbsent(ctx, tx, store, uniqueID, rows)
	if err != nil {
		_ = tx.Rollback(ctx)
		return false, err
	}
	if !inserted {
		if err := tx.Rollback(ctx); err != nil {
			return false, fmt.Errorf("release lock: %w", err)
		}
		return false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit insert: %w", err)
	}
	return true, nil
}

func (s *RecordStore) insertIfAbsent(ctx context.Context, tx pgx.Tx, store, uniqueID string, rows [][]any) (bool, error) {
	lockKey := store + "/" + uniqueID
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		return false, fmt.Errorf("lock %s: %w", lockKey, err)
	}
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE unique_id = $1)`, s.table(store).Sanitize())
	var exists bool
	if err := tx.QueryRow(ctx, query, uniqueID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check %s in %s: %w", uniqueID, store, err)
	}
	if exists {
		return false, nil
	}
	if _, err := s.copyAndTrim(ctx, tx, store, rows); err != nil {
		return false, err
	}
	return true, nil
}

// copyAndTrim appends rows and evicts the oldest rows while the store is over
// its caps. The totals row is locked by the update, which serializes writers
// to the same store and keeps the common in-cap path free of table scans.
func (s *RecordStore) copyAndTrim(ctx context.Context, tx pgx.Tx, store string, rows [][]any) (int, error) {
	n, err := tx.CopyFrom(ctx, s.table(store), copyColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", store, err)
	}
	var added int64
	for _, row := range rows {
		added += row[2].(int64)
	}

	totals := s.totals()
	bump := fmt.Sprintf(`INSERT INTO %s AS t (store, records, bytes) VALUES ($1, $2, $3)
ON CONFLICT (store) DO UPDATE SET records = t.records + EXCLUDED.records, bytes = t.bytes + EXCLUDED.bytes
RETURNING records, bytes`, totals)
	var records, size int64
	if err := tx.QueryRow(ctx, bump, store, n, added).Scan(&records, &size); err != nil {
		return 0, fmt.Errorf("update totals for %s: %w", store, err)
	}

	maxRecords := int64(s.caps.MaxRecords)
	if records <= maxRecords && size <= s.caps.MaxBytes {
		return int(n), nil
	}

	table := s.table(store).Sanitize()
	evict := fmt.Sprintf(`WITH oldest AS (
	SELECT seq,
		ROW_NUMBER() OVER (ORDER BY seq) AS rn,
		SUM(doc_bytes) OVER (ORDER BY seq) - doc_bytes AS freed_before
	FROM (SELECT seq, doc_bytes FROM %s ORDER BY seq LIMIT $1) candidates
), deleted AS (
	DELETE FROM %s WHERE seq IN (SELECT seq FROM oldest WHERE rn <= $2 OR freed_before < $3)
	RETURNING doc_bytes
)
SELECT count(*), COALESCE(sum(doc_bytes), 0)::bigint FROM deleted`, table, table)
	for records > maxRecords || size > s.caps.MaxBytes {
		excessRecords := max(records-maxRecords, 0)
		excessBytes := max(size-s.caps.MaxBytes, 0)
		window := excessRecords + evictionEstimate(excessBytes, records, size)
		var removed, freed int64
		if err := tx.QueryRow(ctx, evict, window, excessRecords, excessBytes).Scan(&removed, &freed); err != nil {
			return 0, fmt.Errorf("trim %s: %w", store, err)
		}
		if removed == 0 {
			break
		}
		records -= removed
		size -= freed
	}

	settle := fmt.Sprintf(`UPDATE %s SET records = $2, bytes = $3 WHERE store = $1`, totals)
	if _, err := tx.Exec(ctx, settle, store, records, size); err != nil {
		return 0, fmt.Errorf("update totals for %s: %w", store, err)
	}
	return int(n), nil
}

// evictionEstimate guesses how many of the oldest rows hold excessBytes,
// using the average row size with some headroom. The eviction loop covers
// underestimates.
func evictionEstimate(excessBytes, records, size int64) int64 {
	if excessBytes <= 0 || records <= 0 || size <= 0 {
		return 0
	}
	avg := max(size/records, 1)
	return 2*(excessBytes/avg) + 16
}

func encodeRows(records []ingest.Record) ([][]any, error) {
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		doc, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
		rows = append(rows, []any{r.UniqueID(), doc, int64(len(doc))})
	}
	return rows, nil
}
