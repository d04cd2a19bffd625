package pairing

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS pairing_sessions (
	id             TEXT PRIMARY KEY,
	workspace_id   TEXT NOT NULL,
	workspace_name TEXT NOT NULL,
	pin            TEXT NOT NULL,
	secret_digest  TEXT NOT NULL,
	local_addr     TEXT NOT NULL DEFAULT '',
	relay_url      TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	created_at     INTEGER NOT NULL,
	expires_at     INTEGER NOT NULL,
	completed_at   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pairing_pin ON pairing_sessions(pin) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_pairing_digest ON pairing_sessions(secret_digest) WHERE status = 'pending';
`

// SQLiteStore is the durable session store used by the external relay.
// Status flips and index drops ride on single UPDATE statements, so the
// at-most-once redemption guarantee holds across processes.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(sessionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB returns the underlying database connection, shared with the other
// relay tables.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Create(sess *Session) error {
	now := time.Now().Unix()
	var exists int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM pairing_sessions WHERE pin = ? AND status = 'pending' AND expires_at > ?",
		sess.PIN, now,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check pin: %w", err)
	}
	if exists > 0 {
		return ErrPINCollision
	}
	_, err = s.db.Exec(
		`INSERT INTO pairing_sessions (id, workspace_id, workspace_name, pin, secret_digest, local_addr, relay_url, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		sess.ID, sess.WorkspaceID, sess.WorkspaceName, sess.PIN, sess.SecretDigest,
		sess.LocalAddr, sess.RelayURL, sess.CreatedAt.Unix(), sess.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(id string) (*Session, error) {
	return s.scanOne("SELECT * FROM pairing_sessions WHERE id = ?", id)
}

func (s *SQLiteStore) GetByPIN(pin string) (*Session, error) {
	return s.pendingLookup("pin", pin)
}

func (s *SQLiteStore) GetByDigest(digest string) (*Session, error) {
	return s.pendingLookup("secret_digest", digest)
}

func (s *SQLiteStore) pendingLookup(col, val string) (*Session, error) {
	sess, err := s.scanOne("SELECT * FROM pairing_sessions WHERE "+col+" = ? ORDER BY created_at DESC LIMIT 1", val)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusCompleted {
		return nil, ErrAlreadyPaired
	}
	if sess.Status == StatusExpired || sess.Expired(time.Now()) {
		return nil, ErrExpired
	}
	return sess, nil
}

func (s *SQLiteStore) Complete(id string) (*Session, error) {
	now := time.Now()
	res, err := s.db.Exec(
		"UPDATE pairing_sessions SET status = 'completed', completed_at = ? WHERE id = ? AND status = 'pending' AND expires_at > ?",
		now.Unix(), id, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish the failure mode for the caller.
		sess, err := s.Get(id)
		if err != nil {
			return nil, ErrNotFound
		}
		if sess.Status == StatusCompleted {
			return nil, ErrAlreadyPaired
		}
		return nil, ErrExpired
	}
	return s.Get(id)
}

func (s *SQLiteStore) Delete(id string) error {
	_, err := s.db.Exec("DELETE FROM pairing_sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Sweep(now time.Time) int {
	total := 0
	res, err := s.db.Exec(
		"UPDATE pairing_sessions SET status = 'expired' WHERE status = 'pending' AND expires_at <= ?",
		now.Unix(),
	)
	if err == nil {
		n, _ := res.RowsAffected()
		total += int(n)
	}
	cutoff := now.Add(-CompletedGrace).Unix()
	res, err = s.db.Exec(
		"DELETE FROM pairing_sessions WHERE (status = 'completed' AND completed_at <= ?) OR (status = 'expired' AND expires_at <= ?)",
		cutoff, cutoff,
	)
	if err == nil {
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total
}

func (s *SQLiteStore) scanOne(query string, args ...any) (*Session, error) {
	row := s.db.QueryRow(query, args...)
	var sess Session
	var created, expires, completed int64
	err := row.Scan(&sess.ID, &sess.WorkspaceID, &sess.WorkspaceName, &sess.PIN,
		&sess.SecretDigest, &sess.LocalAddr, &sess.RelayURL, &sess.Status,
		&created, &expires, &completed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt = time.Unix(created, 0)
	sess.ExpiresAt = time.Unix(expires, 0)
	if completed > 0 {
		sess.CompletedAt = time.Unix(completed, 0)
	}
	return &sess, nil
}
