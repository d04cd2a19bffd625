package relayd

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrDeviceNotFound = errors.New("device not found")

// Device is one paired client known to the durable relay.
type Device struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Platform    string    `json:"platform"`
	AppVersion  string    `json:"appVersion"`
	WorkspaceID string    `json:"workspaceId"`
	CreatedAt   time.Time `json:"createdAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// HistoryEntry is one delivered notification.
type HistoryEntry struct {
	ID          int64     `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	DeviceID    string    `json:"deviceId"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Priority    string    `json:"priority"`
	SentAt      time.Time `json:"sentAt"`
}

// onlineWindow within which a pinged device counts as online.
const onlineWindow = 2 * time.Minute

// historyTTL bounds how long notification history is retained.
const historyTTL = 30 * 24 * time.Hour

// Store is the durable relay state: devices, refresh revocations, push
// topics, and notification history.
type Store struct {
	db *sql.DB
}

func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS devices (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	platform     TEXT NOT NULL DEFAULT '',
	app_version  TEXT NOT NULL DEFAULT '',
	workspace_id TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	last_seen    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS workspaces (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS revoked_tokens (
	jti        TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS push_topics (
	device_id TEXT PRIMARY KEY REFERENCES devices(id) ON DELETE CASCADE,
	topic     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS notification_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace_id TEXT NOT NULL,
	device_id    TEXT NOT NULL,
	title        TEXT NOT NULL,
	body         TEXT NOT NULL,
	priority     TEXT NOT NULL DEFAULT 'default',
	sent_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_workspace ON notification_history(workspace_id, sent_at);
`)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for sharing with the sqlite pairing store.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateDevice(d *Device) error {
	_, err := s.db.Exec(
		`INSERT INTO devices (id, name, platform, app_version, workspace_id, created_at, last_seen) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Platform, d.AppVersion, d.WorkspaceID, d.CreatedAt.UnixMilli(), d.LastSeen.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

func (s *Store) GetDevice(id string) (*Device, error) {
	row := s.db.QueryRow(`SELECT id, name, platform, app_version, workspace_id, created_at, last_seen FROM devices WHERE id = ?`, id)
	return scanDevice(row)
}

func (s *Store) ListDevices(workspaceID string) ([]*Device, error) {
	rows, err := s.db.Query(
		`SELECT id, name, platform, app_version, workspace_id, created_at, last_seen FROM devices WHERE workspace_id = ? ORDER BY created_at`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()
	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// OnlineDevices lists devices pinged within the online window.
func (s *Store) OnlineDevices(workspaceID string, now time.Time) ([]*Device, error) {
	rows, err := s.db.Query(
		`SELECT id, name, platform, app_version, workspace_id, created_at, last_seen FROM devices
		 WHERE workspace_id = ? AND last_seen >= ? ORDER BY last_seen DESC`,
		workspaceID, now.Add(-onlineWindow).UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("list online devices: %w", err)
	}
	defer rows.Close()
	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) TouchDevice(id string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE devices SET last_seen = ? WHERE id = ?`, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (s *Store) DeleteDevice(id string) error {
	res, err := s.db.Exec(`DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(r rowScanner) (*Device, error) {
	var d Device
	var created, seen int64
	if err := r.Scan(&d.ID, &d.Name, &d.Platform, &d.AppVersion, &d.WorkspaceID, &created, &seen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("scan device: %w", err)
	}
	d.CreatedAt = time.UnixMilli(created)
	d.LastSeen = time.UnixMilli(seen)
	return &d, nil
}

// UpsertWorkspace remembers a workspace's display name.
func (s *Store) UpsertWorkspace(id, name string, now time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO workspaces (id, name, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
		id, name, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert workspace: %w", err)
	}
	return nil
}

// WorkspaceName returns the remembered display name, or "" when the
// workspace has never paired here.
func (s *Store) WorkspaceName(id string) string {
	var name string
	if err := s.db.QueryRow(`SELECT name FROM workspaces WHERE id = ?`, id).Scan(&name); err != nil {
		return ""
	}
	return name
}

// Revoke satisfies auth.RevocationStore over sqlite.
func (s *Store) Revoke(jti string, expiresAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO revoked_tokens (jti, expires_at) VALUES (?, ?)`,
		jti, expiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsRevoked satisfies auth.RevocationStore.
func (s *Store) IsRevoked(jti string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM revoked_tokens WHERE jti = ? AND expires_at > ?`,
		jti, time.Now().UnixMilli(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return n > 0, nil
}

func (s *Store) SetPushTopic(deviceID, topic string, now time.Time) error {
	res, err := s.db.Exec(
		`INSERT INTO push_topics (device_id, topic, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET topic = excluded.topic, updated_at = excluded.updated_at`,
		deviceID, topic, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set push topic: %w", err)
	}
	_ = res
	return nil
}

func (s *Store) PushTopic(deviceID string) (string, error) {
	var topic string
	err := s.db.QueryRow(`SELECT topic FROM push_topics WHERE device_id = ?`, deviceID).Scan(&topic)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrDeviceNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get push topic: %w", err)
	}
	return topic, nil
}

func (s *Store) DeletePushTopic(deviceID string) error {
	_, err := s.db.Exec(`DELETE FROM push_topics WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete push topic: %w", err)
	}
	return nil
}

func (s *Store) RecordNotification(e *HistoryEntry) error {
	res, err := s.db.Exec(
		`INSERT INTO notification_history (workspace_id, device_id, title, body, priority, sent_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.WorkspaceID, e.DeviceID, e.Title, e.Body, e.Priority, e.SentAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) NotificationHistory(workspaceID string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, workspace_id, device_id, title, body, priority, sent_at FROM notification_history
		 WHERE workspace_id = ? ORDER BY sent_at DESC LIMIT ?`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("notification history: %w", err)
	}
	defer rows.Close()
	var out []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var sent int64
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.DeviceID, &e.Title, &e.Body, &e.Priority, &sent); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.SentAt = time.UnixMilli(sent)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Sweep drops expired revocations and over-age history rows.
func (s *Store) Sweep(now time.Time) error {
	if _, err := s.db.Exec(`DELETE FROM revoked_tokens WHERE expires_at <= ?`, now.UnixMilli()); err != nil {
		return fmt.Errorf("sweep revocations: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM notification_history WHERE sent_at <= ?`, now.Add(-historyTTL).UnixMilli()); err != nil {
		return fmt.Errorf("sweep history: %w", err)
	}
	return nil
}
