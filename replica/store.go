package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Record is one stored replica row. Tombstoned rows keep their id so a stale
// create arriving after the delete is ignored.
type Record struct {
	Entity    string
	ID        string
	Data      []byte
	UpdatedBy string
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the row is a tombstone.
func (r Record) Deleted() bool {
	return r.DeletedAt != nil
}

// Repository persists replica rows. Every method is idempotent.
type Repository interface {
	// Insert stores a new row and reports whether it was written. A row that
	// already exists, live or tombstoned, is left untouched.
	Insert(ctx context.Context, entity, id string, data []byte, user string) (bool, error)
	// Update replaces the data of a live row and reports whether one existed.
	Update(ctx context.Context, entity, id string, data []byte, user string) (bool, error)
	// Patch merges fields into the data of a live row and reports whether one existed.
	Patch(ctx context.Context, entity, id string, fields map[string]any, user string) (bool, error)
	// Delete tombstones the row, creating the tombstone when the row is unknown.
	Delete(ctx context.Context, entity, id, user string) error
	// Lookup returns the row including tombstones.
	Lookup(ctx context.Context, entity, id string) (Record, bool, error)
	Close() error
}

// Dialect selects placeholder syntax and locking for SQLStore.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	default:
		return "sqlite3"
	}
}

// SQLStore keeps every replicated entity in one table keyed by (entity, id).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	table   string
	now     func() time.Time
}

var _ Repository = (*SQLStore)(nil)

// SQLOption customises an SQLStore.
type SQLOption func(*SQLStore)

// WithTable overrides the table name, "replica_entities" by default.
func WithTable(name string) SQLOption {
	return func(s *SQLStore) {
		if name != "" {
			s.table = name
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) SQLOption {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// OpenSQLite opens a SQLite replica store. Use ":memory:" for tests.
func OpenSQLite(ctx context.Context, path string, opts ...SQLOption) (*SQLStore, error) {
	if path == "" {
		path = "replica.db"
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = path
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// An in-memory database exists per connection, and SQLite allows one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store, err := NewSQLStore(ctx, db, DialectSQLite, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// OpenPostgres opens a PostgreSQL replica store.
func OpenPostgres(ctx context.Context, dsn string, opts ...SQLOption) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	store, err := NewSQLStore(ctx, db, DialectPostgres, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps db and creates the replica table when missing.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect, opts ...SQLOption) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("replica: database is required")
	}
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		table:   "replica_entities",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	timestamp := "TIMESTAMP"
	if s.dialect == DialectPostgres {
		timestamp = "TIMESTAMPTZ"
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		entity TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_by TEXT NOT NULL DEFAULT '',
		updated_at %[2]s NOT NULL,
		deleted_at %[2]s NULL,
		PRIMARY KEY (entity, id)
	)`, s.table, timestamp)
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Insert(ctx context.Context, entity, id string, data []byte, user string) (bool, error) {
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO %s (entity, id, data, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity, id) DO NOTHING
	`, s.table))
	res, err := s.db.ExecContext(ctx, query, entity, id, string(data), user, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert %s %s: %w", entity, id, err)
	}
	return affected(res)
}

func (s *SQLStore) Update(ctx context.Context, entity, id string, data []byte, user string) (bool, error) {
	query := s.rebind(fmt.Sprintf(`
		UPDATE %s SET data = ?, updated_by = ?, updated_at = ?
		WHERE entity = ? AND id = ? AND deleted_at IS NULL
	`, s.table))
	res, err := s.db.ExecContext(ctx, query, string(data), user, s.now().UTC(), entity, id)
	if err != nil {
		return false, fmt.Errorf("update %s %s: %w", entity, id, err)
	}
	return affected(res)
}

func (s *SQLStore) Patch(ctx context.Context, entity, id string, fields map[string]any, user string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	selectQuery := fmt.Sprintf(`SELECT data FROM %s WHERE entity = ? AND id = ? AND deleted_at IS NULL`, s.table)
	if s.dialect == DialectPostgres {
		selectQuery += " FOR UPDATE"
	}

	var raw string
	err = tx.QueryRowContext(ctx, s.rebind(selectQuery), entity, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s %s: %w", entity, id, err)
	}

	doc := map[string]any{}
	if err := sonic.UnmarshalString(raw, &doc); err != nil {
		return false, fmt.Errorf("decode %s %s: %w", entity, id, err)
	}
	for key, value := range fields {
		doc[key] = value
	}
	merged, err := sonic.MarshalString(doc)
	if err != nil {
		return false, fmt.Errorf("encode %s %s: %w", entity, id, err)
	}

	updateQuery := s.rebind(fmt.Sprintf(`
		UPDATE %s SET data = ?, updated_by = ?, updated_at = ?
		WHERE entity = ? AND id = ?
	`, s.table))
	if _, err := tx.ExecContext(ctx, updateQuery, merged, user, s.now().UTC(), entity, id); err != nil {
		return false, fmt.Errorf("patch %s %s: %w", entity, id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func (s *SQLStore) Delete(ctx context.Context, entity, id, user string) error {
	now := s.now().UTC()
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO %[1]s (entity, id, data, updated_by, updated_at, deleted_at)
		VALUES (?, ?, 'null', ?, ?, ?)
		ON CONFLICT (entity, id) DO UPDATE
		SET updated_by = excluded.updated_by, updated_at = excluded.updated_at, deleted_at = excluded.deleted_at
		WHERE %[1]s.deleted_at IS NULL
	`, s.table))
	if _, err := s.db.ExecContext(ctx, query, entity, id, user, now, now); err != nil {
		return fmt.Errorf("delete %s %s: %w", entity, id, err)
	}
	return nil
}

func (s *SQLStore) Lookup(ctx context.Context, entity, id string) (Record, bool, error) {
	query := s.rebind(fmt.Sprintf(`
		SELECT data, updated_by, updated_at, deleted_at FROM %s
		WHERE entity = ? AND id = ?
	`, s.table))

	rec := Record{Entity: entity, ID: id}
	var (
		data      string
		deletedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, entity, id).Scan(&data, &rec.UpdatedBy, &rec.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup %s %s: %w", entity, id, err)
	}
	rec.Data = []byte(data)
	if deletedAt.Valid {
		deleted := deletedAt.Time
		rec.DeletedAt = &deleted
	}
	return rec, true, nil
}

// Count returns the number of live rows of entity.
func (s *SQLStore) Count(ctx context.Context, entity string) (int, error) {
	query := s.rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE entity = ? AND deleted_at IS NULL`, s.table))
	var n int
	if err := s.db.QueryRowContext(ctx, query, entity).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", entity, err)
	}
	return n, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get loads the live row of entity id into T.
func Get[T any](ctx context.Context, store Repository, entity, id string) (T, bool, error) {
	var out T
	rec, ok, err := store.Lookup(ctx, entity, id)
	if err != nil || !ok || rec.Deleted() {
		return out, false, err
	}
	if err := sonic.Unmarshal(rec.Data, &out); err != nil {
		return out, false, fmt.Errorf("decode %s %s: %w", entity, id, err)
	}
	return out, true, nil
}
