// Package db archives chat lines in SQLite so history can be queried.
package db

import (
	"database/sql"
	"errors"
	"time"

	"multichat/models"

	_ "github.com/mattn/go-sqlite3"
)

const (
	KindPublic  = "public"
	KindPrivate = "private"
)

var ErrNoRows = errors.New("no rows found")

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return db.migrate()
}

// migrate adds columns introduced after the first schema.
func (db *DB) migrate() error {
	if !db.columnExists("messages", "kind") {
		// SQLite doesn't support parameters in ALTER TABLE
		alterQuery := "ALTER TABLE messages ADD COLUMN kind TEXT NOT NULL DEFAULT '" + KindPrivate + "'"
		if _, err := db.conn.Exec(alterQuery); err != nil {
			return err
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, recipient, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_kind ON messages(kind, id)`,
	}
	for _, query := range indexes {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// columnExists checks if a column exists in a table
func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

func (db *DB) SaveMessage(kind, sender, recipient, text string, timestamp time.Time) error {
	_, err := db.conn.Exec(
		"INSERT INTO messages (kind, sender, recipient, text, timestamp) VALUES (?, ?, ?, ?, ?)",
		kind, sender, recipient, text, timestamp.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetConversation returns the latest limit private messages exchanged
// between owner and contact, oldest first.
func (db *DB) GetConversation(owner, contact string, limit int) ([]models.ArchivedMessage, error) {
	query := `
		SELECT id, kind, sender, recipient, text, timestamp FROM (
			SELECT id, kind, sender, recipient, text, timestamp
			FROM messages
			WHERE kind = ? AND ((sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?))
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`
	return db.query(query, KindPrivate, owner, contact, contact, owner, limit)
}

// GetPublic returns the latest limit public messages, oldest first.
func (db *DB) GetPublic(limit int) ([]models.ArchivedMessage, error) {
	query := `
		SELECT id, kind, sender, recipient, text, timestamp FROM (
			SELECT id, kind, sender, recipient, text, timestamp
			FROM messages
			WHERE kind = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`
	return db.query(query, KindPublic, limit)
}

func (db *DB) CountMessages(kind string) (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM messages WHERE kind = ?", kind).Scan(&count)
	return count, err
}

func (db *DB) query(query string, args ...any) ([]models.ArchivedMessage, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.ArchivedMessage
	for rows.Next() {
		var m models.ArchivedMessage
		var timestampStr string
		if err := rows.Scan(&m.ID, &m.Kind, &m.Sender, &m.Recipient, &m.Text, &timestampStr); err != nil {
			return nil, err
		}

		timestamp, err := time.Parse(time.RFC3339Nano, timestampStr)
		if err != nil {
			return nil, err
		}
		m.Timestamp = timestamp

		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrNoRows
	}
	return messages, nil
}
