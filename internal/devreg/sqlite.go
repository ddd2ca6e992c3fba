package devreg

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLiteStore is a [Store] persisted with database/sql. It keeps
// registry entries across restarts, standing in for the host
// platform's own registry storage.
type SQLiteStore struct {
	db       *sql.DB
	watchers watcherSet
	nowFunc  func() time.Time
}

// NewSQLiteStore opens (or creates) the registry database at dbPath
// using the sqlite3 driver.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &SQLiteStore{db: db, nowFunc: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewSQLiteStoreWithDB creates a registry store on an existing
// database connection.
func NewSQLiteStoreWithDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, nowFunc: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			identifier TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			name_by_user TEXT NOT NULL DEFAULT '',
			manufacturer TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			sw_version TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS device_connections (
			device_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (device_id, kind, value)
		);

		CREATE INDEX IF NOT EXISTS idx_devices_identifier ON devices(identifier);
		CREATE INDEX IF NOT EXISTS idx_connections_value ON device_connections(kind, value);
	`)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the entry with the given id.
func (s *SQLiteStore) Get(id string) (Entry, error) {
	return s.getWhere(`id = ?`, id)
}

// GetByIdentifier returns the entry registered under identifier.
func (s *SQLiteStore) GetByIdentifier(identifier string) (Entry, error) {
	return s.getWhere(`identifier = ?`, identifier)
}

func (s *SQLiteStore) getWhere(where string, arg any) (Entry, error) {
	row := s.db.QueryRow(`
		SELECT id, identifier, name, name_by_user, manufacturer, model, sw_version, created_at, updated_at
		FROM devices WHERE `+where, arg)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("query device: %w", err)
	}
	if e.Connections, err = s.loadConnections(e.ID); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// List returns all entries sorted by identifier.
func (s *SQLiteStore) List() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, identifier, name, name_by_user, manufacturer, model, sw_version, created_at, updated_at
		FROM devices ORDER BY identifier`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	for i := range out {
		if out[i].Connections, err = s.loadConnections(out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Create stores a new entry. A missing ID is assigned; the identifier
// must not already be registered.
func (s *SQLiteStore) Create(e Entry) (Entry, error) {
	if e.Identifier == "" {
		return Entry{}, fmt.Errorf("devreg: create without identifier")
	}
	if _, err := s.GetByIdentifier(e.Identifier); err == nil {
		return Entry{}, ErrIdentifierExists
	}
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Entry{}, fmt.Errorf("devreg: assign id: %w", err)
		}
		e.ID = id.String()
	}
	now := s.nowFunc()
	e.CreatedAt = now
	e.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return Entry{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO devices (id, identifier, name, name_by_user, manufacturer, model, sw_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Identifier, e.Name, e.NameByUser, e.Manufacturer, e.Model, e.SWVersion,
		now.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	if err != nil {
		return Entry{}, fmt.Errorf("insert device: %w", err)
	}
	if err := insertConnections(tx, e.ID, e.Connections); err != nil {
		return Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit: %w", err)
	}

	s.watchers.notify(Event{Action: ActionCreate, Entry: cloneEntry(e)})
	return e, nil
}

// Update applies ch to the entry with the given id. Watchers are only
// notified when a field actually changed.
func (s *SQLiteStore) Update(id string, ch Changes) (Entry, error) {
	e, err := s.Get(id)
	if err != nil {
		return Entry{}, err
	}
	if !applyChanges(&e, ch) {
		return e, nil
	}
	e.UpdatedAt = s.nowFunc()

	tx, err := s.db.Begin()
	if err != nil {
		return Entry{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE devices SET name = ?, name_by_user = ?, updated_at = ? WHERE id = ?`,
		e.Name, e.NameByUser, e.UpdatedAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return Entry{}, fmt.Errorf("update device: %w", err)
	}
	if ch.Connections != nil {
		if _, err := tx.Exec(`DELETE FROM device_connections WHERE device_id = ?`, id); err != nil {
			return Entry{}, fmt.Errorf("clear connections: %w", err)
		}
		if err := insertConnections(tx, id, e.Connections); err != nil {
			return Entry{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit: %w", err)
	}

	s.watchers.notify(Event{Action: ActionUpdate, Entry: cloneEntry(e)})
	return e, nil
}

// Remove deletes the entry with the given id.
func (s *SQLiteStore) Remove(id string) error {
	e, err := s.Get(id)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM device_connections WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("delete connections: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM devices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.watchers.notify(Event{Action: ActionRemove, Entry: e})
	return nil
}

// Watch registers fn for registry events and returns its cancel.
func (s *SQLiteStore) Watch(fn func(Event)) (cancel func()) {
	return s.watchers.add(fn)
}

func (s *SQLiteStore) loadConnections(deviceID string) ([]Connection, error) {
	rows, err := s.db.Query(`
		SELECT kind, value FROM device_connections WHERE device_id = ? ORDER BY kind, value`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var conns []Connection
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.Kind, &c.Value); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

func insertConnections(tx *sql.Tx, deviceID string, conns []Connection) error {
	for _, c := range conns {
		if _, err := tx.Exec(`
			INSERT INTO device_connections (device_id, kind, value) VALUES (?, ?, ?)`,
			deviceID, c.Kind, c.Value); err != nil {
			return fmt.Errorf("insert connection: %w", err)
		}
	}
	return nil
}

// scanner is the subset of sql.Row and sql.Rows used by scanEntry.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var created, updated string
	err := row.Scan(&e.ID, &e.Identifier, &e.Name, &e.NameByUser,
		&e.Manufacturer, &e.Model, &e.SWVersion, &created, &updated)
	if err != nil {
		return Entry{}, err
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
		return Entry{}, fmt.Errorf("parse created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339, updated); err != nil {
		return Entry{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return e, nil
}
