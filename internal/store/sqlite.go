package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver "sqlite3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure-Go SQLite driver "sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// timestampLayout is fixed-width so TEXT ordering matches time ordering.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path using the named
// driver ("sqlite3" or "sqlite") and makes sure the schema exists.
func NewSQLiteStore(driver, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn, err := dataSourceName(driver, path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger, now: time.Now}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite store initialized", zap.String("driver", driver), zap.String("path", path))
	return store, nil
}

// dataSourceName applies WAL and a busy timeout to every pooled connection.
// The two drivers spell connection pragmas differently.
func dataSourceName(driver, path string) (string, error) {
	switch driver {
	case "sqlite3":
		return path + "?_journal_mode=WAL&_busy_timeout=5000", nil
	case "sqlite":
		return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS conversations (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL UNIQUE, -- UUID
        session_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('system', 'user', 'assistant')),
        content TEXT NOT NULL,
        timestamp TEXT NOT NULL,
        metadata TEXT
    );

    CREATE INDEX IF NOT EXISTS idx_conversations_session_ts
        ON conversations (session_id, timestamp);

    CREATE TABLE IF NOT EXISTS notes (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL UNIQUE, -- UUID
        title TEXT NOT NULL,
        content TEXT NOT NULL,
        tags TEXT NOT NULL DEFAULT '',
        created_at TEXT NOT NULL,
        updated_at TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS context (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        key TEXT UNIQUE NOT NULL,
        value TEXT NOT NULL,
        category TEXT NOT NULL DEFAULT 'general',
        updated_at TEXT NOT NULL
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) timestamp() (time.Time, string) {
	t := s.now().UTC()
	return t, t.Format(timestampLayout)
}

func parseTimestamp(v string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return t, nil
}

// Conversation methods

// AppendTurns writes the turns in the given order inside one transaction, so
// either all of them are stored or none is. IDs and timestamps are assigned
// here.
func (s *SQLiteStore) AppendTurns(ctx context.Context, turns ...*Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin turn insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO conversations (id, session_id, role, content, timestamp, metadata) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare turn insert: %w", err)
	}
	defer stmt.Close()

	for _, turn := range turns {
		turn.ID = uuid.NewString()
		var ts string
		turn.Timestamp, ts = s.timestamp()

		var metadata sql.NullString
		if len(turn.Metadata) > 0 {
			metadata = sql.NullString{String: string(turn.Metadata), Valid: true}
		}

		if _, err := stmt.ExecContext(ctx, turn.ID, turn.SessionID, turn.Role, turn.Content, ts, metadata); err != nil {
			return fmt.Errorf("failed to execute turn insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turns: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit of the newest turns of a session, oldest
// first.
func (s *SQLiteStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	query := `
        SELECT id, session_id, role, content, timestamp, metadata
        FROM conversations
        WHERE session_id = ?
        ORDER BY timestamp DESC, seq DESC
        LIMIT ?
    `
	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	turns := make([]Turn, 0)
	for rows.Next() {
		var turn Turn
		var ts string
		var metadata sql.NullString
		if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.Role, &turn.Content, &ts, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		if turn.Timestamp, err = parseTimestamp(ts); err != nil {
			return nil, err
		}
		if metadata.Valid {
			turn.Metadata = []byte(metadata.String)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Note methods

func (s *SQLiteStore) CreateNote(ctx context.Context, note *Note) error {
	note.ID = uuid.NewString()
	var ts string
	note.CreatedAt, ts = s.timestamp()
	note.UpdatedAt = note.CreatedAt

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO notes (id, title, content, tags, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		note.ID, note.Title, note.Content, note.Tags, ts, ts)
	if err != nil {
		return fmt.Errorf("failed to execute note insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetNote(ctx context.Context, id string) (*Note, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, title, content, tags, created_at, updated_at FROM notes WHERE id = ?", id)
	note, err := scanNote(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get note: %w", err)
	}
	return note, nil
}

// ListNotes returns the most recently updated notes, optionally only those
// whose tags contain tag.
func (s *SQLiteStore) ListNotes(ctx context.Context, tag string, limit int) ([]Note, error) {
	query := "SELECT id, title, content, tags, created_at, updated_at FROM notes"
	var args []any
	if tag != "" {
		query += ` WHERE tags LIKE ? ESCAPE '\'`
		args = append(args, likePattern(tag))
	}
	query += " ORDER BY updated_at DESC, seq DESC LIMIT ?"
	args = append(args, limit)

	return s.queryNotes(ctx, query, args...)
}

// SearchNotes matches q as a case-insensitive substring of title or content.
func (s *SQLiteStore) SearchNotes(ctx context.Context, q string, limit int) ([]Note, error) {
	pattern := likePattern(q)
	query := `
        SELECT id, title, content, tags, created_at, updated_at
        FROM notes
        WHERE title LIKE ? ESCAPE '\' OR content LIKE ? ESCAPE '\'
        ORDER BY updated_at DESC, seq DESC
        LIMIT ?
    `
	return s.queryNotes(ctx, query, pattern, pattern, limit)
}

func (s *SQLiteStore) queryNotes(ctx context.Context, query string, args ...any) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	notes := make([]Note, 0)
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan note row: %w", err)
		}
		notes = append(notes, *note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notes: %w", err)
	}
	return notes, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNote(row scanner) (*Note, error) {
	var note Note
	var createdAt, updatedAt string
	if err := row.Scan(&note.ID, &note.Title, &note.Content, &note.Tags, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if note.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if note.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return &note, nil
}

// likePattern wraps s for a substring LIKE match, escaping LIKE wildcards.
func likePattern(s string) string {
	s = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
	return "%" + s + "%"
}

// Context methods

// UpsertContext inserts the entry or, when the key already exists, replaces
// its value and category. updated_at is refreshed either way.
func (s *SQLiteStore) UpsertContext(ctx context.Context, entry *ContextEntry) error {
	if entry.Category == "" {
		entry.Category = DefaultCategory
	}
	var ts string
	entry.UpdatedAt, ts = s.timestamp()

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO context (key, value, category, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET
            value = excluded.value,
            category = excluded.category,
            updated_at = excluded.updated_at
    `, entry.Key, entry.Value, entry.Category, ts)
	if err != nil {
		return fmt.Errorf("failed to upsert context %q: %w", entry.Key, err)
	}
	return nil
}

// RecentContext returns the limit most recently updated entries.
func (s *SQLiteStore) RecentContext(ctx context.Context, limit int) ([]ContextEntry, error) {
	return s.queryContext(ctx,
		"SELECT key, value, category, updated_at FROM context ORDER BY updated_at DESC, id DESC LIMIT ?", limit)
}

// ListContext returns every entry, or only those in category when it is set.
func (s *SQLiteStore) ListContext(ctx context.Context, category string) ([]ContextEntry, error) {
	if category == "" {
		return s.queryContext(ctx, "SELECT key, value, category, updated_at FROM context ORDER BY key")
	}
	return s.queryContext(ctx,
		"SELECT key, value, category, updated_at FROM context WHERE category = ? ORDER BY key", category)
}

func (s *SQLiteStore) queryContext(ctx context.Context, query string, args ...any) ([]ContextEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query context: %w", err)
	}
	defer rows.Close()

	entries := make([]ContextEntry, 0)
	for rows.Next() {
		var entry ContextEntry
		var updatedAt string
		if err := rows.Scan(&entry.Key, &entry.Value, &entry.Category, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan context row: %w", err)
		}
		if entry.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate context: %w", err)
	}
	return entries, nil
}
