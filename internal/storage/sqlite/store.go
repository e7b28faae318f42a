// Package sqlite implements storage.PackStore on a single SQLite file.
//
// One file holds one agent's complete memory pack, so a pack can be copied
// between machines as an opaque blob. The store keeps a single connection:
// SQLite allows one writer at a time, and serialising through one
// connection means a write transaction can never interleave with another.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/spirit-memory/internal/storage"
)

// MemoryPath opens an in-memory pack, used by tests.
const MemoryPath = ":memory:"

// timeLayout is fixed-width so lexical order in SQL equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// PackStore implements storage.PackStore using SQLite.
type PackStore struct {
	db     *sql.DB
	path   string
	owner  string
	packID string
	logger *zap.Logger
}

// Option configures a PackStore.
type Option func(*PackStore)

// WithLogger sets the logger used for non-fatal diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(s *PackStore) {
		if l != nil {
			s.logger = l
		}
	}
}

var _ storage.PackStore = (*PackStore)(nil)

// Open opens or creates the pack at path for agentID. A new file is stamped
// with agentID as its owner; an existing file owned by another agent is
// rejected with storage.ErrPackOwnerMismatch.
//
// If the initial open fails because of stale WAL files left by a crashed
// process, the stale -shm/-wal files are removed and the open retried once,
// provided no other process holds them.
func Open(path, agentID string, opts ...Option) (*PackStore, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, fmt.Errorf("%w: agent id is required", storage.ErrInvalidInput)
	}

	s := &PackStore{path: path, owner: agentID, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	err := s.open()
	if err != nil && isRecoverableWALError(err) && path != MemoryPath && isWALStale(path) {
		removeStaleWAL(path, s.logger)
		if retryErr := s.open(); retryErr != nil {
			return nil, fmt.Errorf("%w: failed after WAL recovery: %w (original: %v)", storage.ErrStorageFailure, retryErr, err)
		}
		s.logger.Info("sqlite: recovered from stale WAL files", zap.String("path", path))
		err = nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.claimOwnership(context.Background()); err != nil {
		_ = s.db.Close()
		return nil, err
	}
	return s, nil
}

// open connects, configures WAL mode and creates the schema.
func (s *PackStore) open() error {
	db, err := sql.Open("sqlite", dsnFor(s.path))
	if err != nil {
		return fmt.Errorf("%w: failed to open database: %w", storage.ErrStorageFailure, err)
	}

	// SQLite only supports one concurrent writer. Using a single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// foreign_keys and busy_timeout are per connection, so they travel in
	// the DSN and apply to every connection the pool opens.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return fmt.Errorf("%w: enable WAL: %w", storage.ErrStorageFailure, err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return fmt.Errorf("%w: failed to create schema: %w", storage.ErrStorageFailure, err)
	}

	s.db = db
	return nil
}

// claimOwnership stamps a new pack with its owner or verifies an existing one.
func (s *PackStore) claimOwnership(ctx context.Context) error {
	owner, err := readMeta(ctx, s.db, metaOwner)
	if errors.Is(err, storage.ErrNotFound) {
		s.packID = uuid.NewString()
		now := formatTime(time.Now())
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO pack_meta (key, value) VALUES (?, ?), (?, ?), (?, ?), (?, ?)`,
			metaOwner, s.owner,
			metaPackID, s.packID,
			metaSchemaVersion, SchemaVersion,
			metaCreatedAt, now,
		)
		if err != nil {
			return fmt.Errorf("%w: stamp pack owner: %w", storage.ErrStorageFailure, err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if owner != s.owner {
		return fmt.Errorf("%w: %q is owned by %q", storage.ErrPackOwnerMismatch, s.owner, owner)
	}
	s.packID, err = readMeta(ctx, s.db, metaPackID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// ReadOwner returns the agent recorded in the pack file at path without
// taking ownership of it.
func ReadOwner(ctx context.Context, path string) (string, error) {
	if !fileExists(path) {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %w", storage.ErrStorageFailure, path, err)
	}
	defer func() { _ = db.Close() }()
	return readMeta(ctx, db, metaOwner)
}

// Owner returns the agent id recorded in the pack.
func (s *PackStore) Owner() string { return s.owner }

// PackID returns the random id stamped into the pack when it was created.
func (s *PackStore) PackID() string { return s.packID }

// Path returns the pack file location.
func (s *PackStore) Path() string { return s.path }

// WithTx runs fn inside one transaction.
func (s *PackStore) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", storage.ErrStorageFailure, err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&packTx{tx: sqlTx, owner: s.owner}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", storage.ErrStorageFailure, err)
	}
	return nil
}

// readTx runs fn in a transaction so multi-query reads observe one
// snapshot. It never commits.
func (s *PackStore) readTx(ctx context.Context, fn func(q querier) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin read: %w", storage.ErrStorageFailure, err)
	}
	defer func() { _ = sqlTx.Rollback() }()
	return fn(sqlTx)
}

// Snapshot writes a consistent copy of the pack to dest using VACUUM INTO,
// which handles WAL mode correctly.
func (s *PackStore) Snapshot(ctx context.Context, dest string) error {
	if s.path == MemoryPath {
		return fmt.Errorf("%w: cannot snapshot an in-memory pack", storage.ErrInvalidInput)
	}
	if fileExists(dest) {
		return fmt.Errorf("%w: %s already exists", storage.ErrInvalidInput, dest)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("%w: snapshot: %w", storage.ErrStorageFailure, err)
	}
	return nil
}

// Close flushes the WAL into the main database file and releases resources.
// The TRUNCATE checkpoint removes the -shm and -wal files so the pack is a
// single self-contained file once closed.
func (s *PackStore) Close() error {
	if s.db == nil {
		return nil
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("sqlite: WAL checkpoint on close failed", zap.String("path", s.path), zap.Error(err))
	}

	return s.db.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readMeta(ctx context.Context, q querier, key string) (string, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM pack_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: pack meta %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("%w: read pack meta: %w", storage.ErrStorageFailure, err)
	}
	return v, nil
}

// connPragmas are applied by the driver to each new connection.
const connPragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

func dsnFor(path string) string {
	dsn := path
	if path != MemoryPath && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + connPragmas
	}
	return dsn + "?" + connPragmas
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullableString converts a string to sql.NullString.
// An empty string is treated as NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

// storageErr wraps a driver error as a storage failure.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", storage.ErrStorageFailure, op, err)
}

// checkAffected maps zero affected rows to notFound.
func checkAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// dbPathFromDSN extracts the filesystem path from a SQLite DSN.
// Handles bare paths and file: URIs. Returns "" for in-memory databases.
func dbPathFromDSN(dsn string) string {
	if dsn == MemoryPath || dsn == "" {
		return ""
	}

	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == MemoryPath {
			return ""
		}
		return path
	}

	return dsn
}

// isRecoverableWALError returns true if the error matches patterns caused by
// stale WAL files left behind after a crash (SIGKILL, OOM, etc.).
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal files exist for the given database path
// AND no other process currently holds them open (via lsof).
// Returns false if lsof is unavailable.
func isWALStale(dsn string) bool {
	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" {
		return false
	}
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	cmd := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath)
	output, err := cmd.Output()
	if err != nil {
		// lsof exits 1 when no process has the files open.
		return true
	}

	return strings.TrimSpace(string(output)) == ""
}

// removeStaleWAL removes -shm and -wal files for the given database path.
func removeStaleWAL(dsn string, logger *zap.Logger) {
	dbPath := dbPathFromDSN(dsn)
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("sqlite: failed to remove stale WAL file", zap.String("path", path), zap.Error(err))
		}
	}
}

// fileExists returns true if the path exists on disk.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
