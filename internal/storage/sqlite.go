package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/martinsuchenak/protosync/internal/model"
)

//go:embed schema.sql
var schemaFS embed.FS

// Dialect selects placeholder syntax for the SQL backend
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// rebind rewrites ? placeholders to $n for PostgreSQL
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements Repository on top of a database handle or transaction
type queries struct {
	db      execer
	dialect Dialect
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(ctx, q.dialect.rebind(query), args...)
}

func (q *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.db.QueryContext(ctx, q.dialect.rebind(query), args...)
}

// SQLStore implements Store with a database/sql backend
type SQLStore struct {
	*queries

	mu   sync.Mutex
	sql  *sql.DB
	path string
}

// NewSQLiteStorage opens (or creates) the SQLite database in dataDir
func NewSQLiteStorage(dataDir string) (*SQLStore, error) {
	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, "protosync.db")

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// SQLite works best with single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ss := NewSQLStore(db, DialectSQLite)
	ss.path = dbPath

	if err := ss.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return ss, nil
}

// NewPostgresStorage connects to PostgreSQL through the pgx driver
func NewPostgresStorage(ctx context.Context, databaseURL string) (*SQLStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	ss := NewSQLStore(db, DialectPostgres)
	if err := ss.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return ss, nil
}

// NewStorage opens the store for the given driver ("sqlite" or "postgres")
func NewStorage(ctx context.Context, driver, dataDir, databaseURL string) (*SQLStore, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLiteStorage(dataDir)
	case "postgres":
		if databaseURL == "" {
			return nil, fmt.Errorf("postgres driver requires a database URL")
		}
		return NewPostgresStorage(ctx, databaseURL)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLStore wraps an already opened database. The schema is not touched.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		queries: &queries{db: db, dialect: dialect},
		sql:     db,
	}
}

// WithTx runs fn inside a database transaction
func (ss *SQLStore) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	tx, err := ss.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{db: tx, dialect: ss.dialect}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// SaveHostPrototypes saves the batch in its own transaction
func (ss *SQLStore) SaveHostPrototypes(ctx context.Context, batch []model.HostPrototype) ([]model.HostPrototype, error) {
	var saved []model.HostPrototype
	err := ss.WithTx(ctx, func(tx Repository) error {
		var err error
		saved, err = tx.SaveHostPrototypes(ctx, batch)
		return err
	})
	return saved, err
}

// DeleteHostPrototypes deletes the prototypes in its own transaction
func (ss *SQLStore) DeleteHostPrototypes(ctx context.Context, ids []string) error {
	return ss.WithTx(ctx, func(tx Repository) error {
		return tx.DeleteHostPrototypes(ctx, ids)
	})
}

// CreateHost inserts the host and its template links in one transaction
func (ss *SQLStore) CreateHost(ctx context.Context, host *model.Host) error {
	return ss.WithTx(ctx, func(tx Repository) error {
		return tx.CreateHost(ctx, host)
	})
}

// Close closes the database connection
func (ss *SQLStore) Close() error {
	return ss.sql.Close()
}

// GetDatabasePath returns the database file path (empty for PostgreSQL)
func (ss *SQLStore) GetDatabasePath() string {
	return ss.path
}

// Helper functions

// generateID generates a UUIDv7
func generateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
