// Package postgres provides the Postgres-backed store that supplies pending
// artifact versions and persists harvested documents.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pom-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultDocumentsTable = "poms"

// maxBindParameters is the Postgres limit on parameters in one statement.
const maxBindParameters = 65535

// Config controls the Postgres connection pool and table naming.
type Config struct {
	DSN             string
	DocumentsTable  string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// conn is the subset of a pgx connection used by a session.
type conn interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// acquirer hands out pooled connections together with their release func.
type acquirer interface {
	Acquire(ctx context.Context) (conn, func(), error)
	Close()
}

type pgxAcquirer struct {
	pool *pgxpool.Pool
}

func (a pgxAcquirer) Acquire(ctx context.Context) (conn, func(), error) {
	c, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err //nolint:wrapcheck // wrapped by Store.Acquire
	}
	return c, c.Release, nil
}

func (a pgxAcquirer) Close() {
	a.pool.Close()
}

// Store implements harvest.Store on a pgx connection pool.
type Store struct {
	pool    acquirer
	queries queries
}

// NewStore creates a pool-backed Store using the provided config.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	q, err := newQueries(cfg.DocumentsTable)
	if err != nil {
		return nil, err
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pgxAcquirer{pool: pool}, queries: q}, nil
}

// newStoreWithAcquirer constructs a store from an existing acquirer (primarily for testing).
func newStoreWithAcquirer(pool acquirer, table string) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	q, err := newQueries(table)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, queries: q}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// DocumentsTable returns the table harvested documents are written to.
func (s *Store) DocumentsTable() string {
	return s.queries.table
}

// Acquire takes a connection from the pool for the caller's exclusive use
// until Release is called on the returned session.
func (s *Store) Acquire(ctx context.Context) (harvest.Session, error) {
	c, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &Session{conn: c, release: release, queries: s.queries}, nil
}

// Session is a held connection implementing harvest.Session.
type Session struct {
	conn    conn
	release func()
	queries queries
}

// Release returns the connection to the pool. It is safe to call twice.
func (s *Session) Release() {
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

// CountPending returns the number of versions without a stored document.
func (s *Session) CountPending(ctx context.Context) (int64, error) {
	var count int64
	if err := s.conn.QueryRow(ctx, s.queries.countPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending versions: %w", err)
	}
	return count, nil
}

// StreamPending streams pending versions in batches of at most batchSize.
// The cursor stays open while fn blocks, so a full queue throttles the read.
func (s *Session) StreamPending(ctx context.Context, batchSize int, fn func(harvest.Batch) error) error {
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be > 0, got %d", batchSize)
	}
	rows, err := s.conn.Query(ctx, s.queries.selectPending)
	if err != nil {
		return fmt.Errorf("query pending versions: %w", err)
	}
	defer rows.Close()

	batch := make(harvest.Batch, 0, batchSize)
	for rows.Next() {
		var item harvest.WorkItem
		if err := rows.Scan(&item.VersionID, &item.GroupID, &item.ArtifactID, &item.Version); err != nil {
			return fmt.Errorf("scan pending version: %w", err)
		}
		batch = append(batch, item)
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = make(harvest.Batch, 0, batchSize)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read pending versions: %w", err)
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

// WriteBatch inserts all documents with a single multi-row INSERT.
func (s *Session) WriteBatch(ctx context.Context, docs []harvest.FetchedDocument) error {
	if len(docs) == 0 {
		return nil
	}
	if len(docs)*2 > maxBindParameters {
		return fmt.Errorf("batch of %d documents exceeds the bind parameter limit", len(docs))
	}
	query, args := s.queries.bulkInsert(docs)
	if _, err := s.conn.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d documents: %w", len(docs), err)
	}
	return nil
}

// WriteOne inserts a single document.
func (s *Session) WriteOne(ctx context.Context, doc harvest.FetchedDocument) error {
	if _, err := s.conn.Exec(ctx, s.queries.insertOne, doc.VersionID, textValue(doc.Content)); err != nil {
		return fmt.Errorf("insert document for version %d: %w", doc.VersionID, err)
	}
	return nil
}

type queries struct {
	table         string
	countPending  string
	selectPending string
	insertOne     string
	createTable   string
	stats         string
}

func newQueries(table string) (queries, error) {
	if table == "" {
		table = defaultDocumentsTable
	}
	if !validTableName.MatchString(table) {
		return queries{}, fmt.Errorf("invalid table name %q", table)
	}
	pending := fmt.Sprintf(`
FROM
	artifacts
	JOIN versions ON versions.artifact_id = artifacts.id
	LEFT JOIN %s AS documents ON documents.version_id = versions.id
WHERE
	documents.version_id IS NULL`, table)

	return queries{
		table:        table,
		countPending: "SELECT count(*)" + pending,
		selectPending: `
SELECT
	versions.id,
	artifacts.group_id,
	artifacts.artifact_id,
	versions.version` + pending,
		insertOne: fmt.Sprintf("INSERT INTO %s (version_id, value) VALUES ($1, $2)", table),
		createTable: fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	version_id integer PRIMARY KEY REFERENCES versions (id),
	value text NOT NULL
)`, table),
		stats: fmt.Sprintf(`
SELECT
	(SELECT count(*) FROM versions),
	(SELECT count(*) FROM %s)`, table),
	}, nil
}

func (q queries) bulkInsert(docs []harvest.FetchedDocument) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (version_id, value) VALUES ", q.table)
	args := make([]any, 0, len(docs)*2)
	for i, doc := range docs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "($%d, $%d)", i*2+1, i*2+2)
		args = append(args, doc.VersionID, textValue(doc.Content))
	}
	return b.String(), args
}

// textValue converts fetched bytes into something a text column accepts.
// Invalid UTF-8 sequences and NUL bytes, which Postgres rejects in text,
// become U+FFFD.
func textValue(content []byte) string {
	v := strings.ToValidUTF8(string(content), "\uFFFD")
	return strings.ReplaceAll(v, "\x00", "\uFFFD")
}
