package history

import (
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/benrben/agentpriinter/pkg/protocol"
)

// SQLiteStore is a SQLite-backed history store for deployments that want
// session logs to survive a restart. It works with the pure-Go
// modernc.org/sqlite driver and requires a table with schema:
//
//	CREATE TABLE agentprinter_history (
//	    session_id TEXT NOT NULL,
//	    seq INTEGER NOT NULL,
//	    message BLOB NOT NULL,
//	    created_at TEXT DEFAULT (datetime('now')),
//	    PRIMARY KEY (session_id, seq)
//	);
type SQLiteStore struct {
	db        *sql.DB
	tableName string
	ownsDB    bool
	closed    atomic.Bool
}

// SQLiteStoreOption configures SQLiteStore behavior.
type SQLiteStoreOption func(*sqliteStoreConfig)

type sqliteStoreConfig struct {
	tableName string
}

// WithSQLiteTableName sets the table name for history storage.
// Default: "agentprinter_history".
func WithSQLiteTableName(name string) SQLiteStoreOption {
	return func(c *sqliteStoreConfig) {
		c.tableName = name
	}
}

// OpenSQLiteStore opens (or creates) the database at path and ensures the
// history table exists.
func OpenSQLiteStore(path string, opts ...SQLiteStoreOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent appends.
	db.SetMaxOpenConns(1)

	store := NewSQLiteStore(db, opts...)
	store.ownsDB = true
	if err := store.createTable(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an existing database handle. The caller owns the
// handle's lifecycle; Close does not close it.
func NewSQLiteStore(db *sql.DB, opts ...SQLiteStoreOption) *SQLiteStore {
	cfg := &sqliteStoreConfig{
		tableName: "agentprinter_history",
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &SQLiteStore{
		db:        db,
		tableName: cfg.tableName,
	}
}

func (s *SQLiteStore) createTable() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			message BLOB NOT NULL,
			created_at TEXT DEFAULT (datetime('now')),
			PRIMARY KEY (session_id, seq)
		)
	`, s.tableName)
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("history: create table: %w", err)
	}
	return nil
}

// Append implements Store. The next seq is computed and the row inserted in
// one transaction, so concurrent appends for a session still produce a dense
// sequence.
func (s *SQLiteStore) Append(sessionID string, msg *protocol.Message) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var last uint64
	query := fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0) FROM %s WHERE session_id = ?`, s.tableName)
	if err := tx.QueryRow(query, sessionID).Scan(&last); err != nil {
		return 0, err
	}

	seq := last + 1
	msg.Header.Seq = seq
	data, err := msg.Encode()
	if err != nil {
		return 0, err
	}

	query = fmt.Sprintf(`INSERT INTO %s (session_id, seq, message) VALUES (?, ?, ?)`, s.tableName)
	if _, err := tx.Exec(query, sessionID, seq, data); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// ReadSince implements Store.
func (s *SQLiteStore) ReadSince(sessionID string, cursor uint64, limit int) ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	query := fmt.Sprintf(`
		SELECT seq, message FROM %s
		WHERE session_id = ? AND seq > ?
		ORDER BY seq
	`, s.tableName)
	args := []any{sessionID, cursor}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var seq uint64
		var data []byte
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, err
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			return nil, fmt.Errorf("history: corrupt entry %s/%d: %w", sessionID, seq, err)
		}
		entries = append(entries, Entry{Seq: seq, Message: msg})
	}
	return entries, rows.Err()
}

// LastSeq implements Store.
func (s *SQLiteStore) LastSeq(sessionID string) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}

	var last uint64
	query := fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0) FROM %s WHERE session_id = ?`, s.tableName)
	if err := s.db.QueryRow(query, sessionID).Scan(&last); err != nil {
		return 0, err
	}
	return last, nil
}

// Close marks the store closed. The database handle stays open when it was
// supplied by the caller; stores opened via OpenSQLiteStore close it.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
