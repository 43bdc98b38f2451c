package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"grainstore/internal/record"
)

// Store is a record store backed by a PostgreSQL table.
type Store struct {
	db     *sql.DB
	schema string
	table  string
}

// Open connects with the given conn_str URL and ensures the records table
// exists. An empty schema defaults to public.
func Open(connStr, schema, table string) (*Store, error) {
	if schema == "" {
		schema = "public"
	}
	if table == "" {
		return nil, fmt.Errorf("postgres store: table name must not be empty")
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	s := &Store{db: db, schema: schema, table: table}
	if err := s.ensureTable(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureTable() error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		grain_key varchar(%d) PRIMARY KEY,
		version   bigint NOT NULL,
		payload   bytea,
		tombstone boolean NOT NULL DEFAULT false
		)`, s.qualifiedTable(), record.MaxKeyLen)
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create records table: %w", err)
	}
	return nil
}

// qualifiedTable returns the quoted schema.table pair. Identifiers cannot
// be bound as placeholders, so they are quoted into the statement text.
func (s *Store) qualifiedTable() string {
	return pq.QuoteIdentifier(s.schema) + "." + pq.QuoteIdentifier(s.table)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping probes database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertIfAbsent creates the record with version 1 unless any record for
// the key already exists.
func (s *Store) InsertIfAbsent(ctx context.Context, key string, payload []byte) (int64, error) {
	if err := record.ValidateKey(key); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`INSERT INTO %s (grain_key, version, payload, tombstone)
		VALUES ($1, 1, $2, false)
		ON CONFLICT (grain_key) DO NOTHING
		RETURNING version`, s.qualifiedTable())

	var version int64
	err := s.db.QueryRowContext(ctx, query, key, payload).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, record.ErrNoMatch
	}
	if err != nil {
		return 0, fmt.Errorf("insert %q: %w", key, err)
	}
	return version, nil
}

// CompareAndSwapUpdate replaces the payload if the stored version equals
// expected. A matching tombstone is revived.
func (s *Store) CompareAndSwapUpdate(ctx context.Context, key string, expected int64, payload []byte) (int64, error) {
	if err := record.ValidateKey(key); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`UPDATE %s
		SET version = version + 1, payload = $3, tombstone = false
		WHERE grain_key = $1 AND version = $2
		RETURNING version`, s.qualifiedTable())

	var version int64
	err := s.db.QueryRowContext(ctx, query, key, expected, payload).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, record.ErrNoMatch
	}
	if err != nil {
		return 0, fmt.Errorf("update %q: %w", key, err)
	}
	return version, nil
}

// CompareAndSwapTombstone clears the payload if the stored version equals
// expected. The row stays, preserving the version lineage.
func (s *Store) CompareAndSwapTombstone(ctx context.Context, key string, expected int64) (int64, error) {
	if err := record.ValidateKey(key); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`UPDATE %s
		SET version = version + 1, payload = NULL, tombstone = true
		WHERE grain_key = $1 AND version = $2
		RETURNING version`, s.qualifiedTable())

	var version int64
	err := s.db.QueryRowContext(ctx, query, key, expected).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, record.ErrNoMatch
	}
	if err != nil {
		return 0, fmt.Errorf("tombstone %q: %w", key, err)
	}
	return version, nil
}

// ReadByKey returns the current record, or nil if the key has never been
// written.
func (s *Store) ReadByKey(ctx context.Context, key string) (*record.Record, error) {
	if err := record.ValidateKey(key); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT version, payload, tombstone FROM %s
		WHERE grain_key = $1`, s.qualifiedTable())

	rec := &record.Record{Key: key}
	err := s.db.QueryRowContext(ctx, query, key).Scan(&rec.Version, &rec.Payload, &rec.Tombstone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	return rec, nil
}

// PurgeTombstones deletes tombstoned rows.
func (s *Store) PurgeTombstones(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE tombstone`, s.qualifiedTable())

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}
	return int(n), nil
}
