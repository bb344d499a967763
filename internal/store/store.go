// Package store keeps a durable ledger of bridge sessions and uploaded
// worlds in SQLite, so that workspaces and uploads left behind by a crash
// can be found and removed on the next start.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
)

// Session statuses.
const (
	StatusActive   = "active"
	StatusClosed   = "closed"
	StatusOrphaned = "orphaned"
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

type Session struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	CloseCode  *int       `json:"close_code,omitempty"`
	RemoteAddr string     `json:"remote_addr,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

type Upload struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'active',
	close_code  INTEGER,
	remote_addr TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	closed_at   DATETIME
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS uploads (
	id         TEXT PRIMARY KEY,
	path       TEXT NOT NULL,
	filename   TEXT NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploads_created_at ON uploads(created_at);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the connection pool size (0 = default 4).
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) exec(what, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(query, args...)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return result, nil
}

func (s *Store) CreateSession(sess *Session) error {
	_, err := s.exec("inserting session",
		`INSERT INTO sessions (id, status, remote_addr, created_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Status, sess.RemoteAddr, sess.CreatedAt.UTC(),
	)
	return err
}

// GetSession returns the session, or nil when it does not exist.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, status, close_code, remote_addr, created_at, closed_at
		 FROM sessions WHERE id = ?`, id,
	)
	return scanSession(row)
}

func (s *Store) ListSessions() ([]*Session, error) {
	return s.querySessions(`SELECT id, status, close_code, remote_addr, created_at, closed_at
		 FROM sessions ORDER BY created_at DESC`)
}

func (s *Store) ListActiveSessions() ([]*Session, error) {
	return s.querySessions(`SELECT id, status, close_code, remote_addr, created_at, closed_at
		 FROM sessions WHERE status = ?`, StatusActive)
}

// CloseSession records that a session ended with code.
func (s *Store) CloseSession(id string, code int) error {
	result, err := s.exec("closing session",
		`UPDATE sessions SET status = ?, close_code = ?, closed_at = ? WHERE id = ?`,
		StatusClosed, code, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowAffected(result, "session", id)
}

func (s *Store) UpdateSessionStatus(id string, status string) error {
	result, err := s.exec("updating session status",
		`UPDATE sessions SET status = ? WHERE id = ?`, status, id,
	)
	if err != nil {
		return err
	}
	return checkRowAffected(result, "session", id)
}

// PruneSessions deletes ended sessions created before cutoff and returns how
// many were removed.
func (s *Store) PruneSessions(cutoff time.Time) (int64, error) {
	result, err := s.exec("pruning sessions",
		`DELETE FROM sessions WHERE status != ? AND created_at <= ?`, StatusActive, cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) CreateUpload(u *Upload) error {
	_, err := s.exec("inserting upload",
		`INSERT INTO uploads (id, path, filename, size_bytes, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Path, u.Filename, u.SizeBytes, u.CreatedAt.UTC(),
	)
	return err
}

func (s *Store) GetUpload(id string) (*Upload, error) {
	row := s.db.QueryRow(
		`SELECT id, path, filename, size_bytes, created_at FROM uploads WHERE id = ?`, id,
	)
	var u Upload
	err := row.Scan(&u.ID, &u.Path, &u.Filename, &u.SizeBytes, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("upload %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning upload: %w", err)
	}
	return &u, nil
}

// ListExpiredUploads returns uploads created at or before cutoff.
func (s *Store) ListExpiredUploads(cutoff time.Time) ([]*Upload, error) {
	rows, err := s.db.Query(
		`SELECT id, path, filename, size_bytes, created_at FROM uploads WHERE created_at <= ?`,
		cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*Upload
	for rows.Next() {
		var u Upload
		if err := rows.Scan(&u.ID, &u.Path, &u.Filename, &u.SizeBytes, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning upload: %w", err)
		}
		uploads = append(uploads, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating uploads: %w", err)
	}
	return uploads, nil
}

func (s *Store) DeleteUpload(id string) error {
	result, err := s.exec("deleting upload", `DELETE FROM uploads WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowAffected(result, "upload", id)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	var code sql.NullInt64
	var closedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.Status, &code, &sess.RemoteAddr, &sess.CreatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if code.Valid {
		c := int(code.Int64)
		sess.CloseCode = &c
	}
	if closedAt.Valid {
		sess.ClosedAt = &closedAt.Time
	}
	return &sess, nil
}

func (s *Store) querySessions(query string, args ...any) ([]*Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func checkRowAffected(result sql.Result, kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
