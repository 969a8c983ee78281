package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/onllm-dev/onpace/internal/secret"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store provides SQLite storage for onPace
type Store struct {
	db  *sql.DB
	box *secret.Box
}

// Option configures a Store.
type Option func(*Store)

// WithSecretBox encrypts GitHub tokens at rest with the given box.
// Without it tokens are stored as given.
func WithSecretBox(box *secret.Box) Option {
	return func(s *Store) {
		s.box = box
	}
}

// New creates a new Store with the given database path
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: SQLite is single-writer anyway, every connection
	// carries its own page cache, and an in-memory database exists only
	// inside the connection that created it. busy_timeout handles contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-500;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// createTables creates the database schema
func (s *Store) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE COLLATE NOCASE,
			github_token TEXT NOT NULL,
			copilot_plan TEXT NOT NULL DEFAULT '',
			quota_limit INTEGER NOT NULL DEFAULT 0,
			quota_reset_date TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT 'UTC',
			last_checked_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS usage_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			quota_limit INTEGER NOT NULL,
			remaining INTEGER NOT NULL,
			used INTEGER NOT NULL,
			percent_remaining REAL NOT NULL,
			reset_date TEXT NOT NULL,
			checked_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS auth_tokens (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_snapshots_user_checked ON usage_snapshots(user_id, checked_at);
		CREATE INDEX IF NOT EXISTS idx_auth_tokens_expires ON auth_tokens(expires_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// Run migrations for existing databases
	if err := s.migrateSchema(); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	return nil
}

// migrateSchema handles schema migrations for existing databases
func (s *Store) migrateSchema() error {
	// Timezone preference arrived after the first release.
	hasTZ, err := s.tableHasColumn("users", "timezone")
	if err != nil {
		return err
	}
	if !hasTZ {
		if _, err := s.db.Exec(`ALTER TABLE users ADD COLUMN timezone TEXT NOT NULL DEFAULT 'UTC'`); err != nil {
			if !strings.Contains(err.Error(), "duplicate column name") {
				return fmt.Errorf("failed to add timezone to users: %w", err)
			}
		}
	}
	return nil
}

func (s *Store) tableHasColumn(tableName, columnName string) (bool, error) {
	query := fmt.Sprintf("PRAGMA table_info(%s)", tableName)
	rows, err := s.db.Query(query)
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", tableName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name string
		var colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return false, fmt.Errorf("failed to scan table_info for %s: %w", tableName, err)
		}
		if name == columnName {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to iterate table_info for %s: %w", tableName, err)
	}
	return false, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t.UTC()
}

// GetSetting returns the value for a setting key. Returns "" if not found.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store.GetSetting: %w", err)
	}
	return value, nil
}

// SetSetting inserts or replaces a setting value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("store.SetSetting: %w", err)
	}
	return nil
}

// SaveAuthToken persists a session token for a user with its expiry.
func (s *Store) SaveAuthToken(token, userID string, expiresAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO auth_tokens (token, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)",
		token, userID, formatTime(expiresAt), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("store.SaveAuthToken: %w", err)
	}
	return nil
}

// GetAuthTokenUser returns the user owning a session token that is still
// valid at now. Returns nil if the token is unknown or expired.
func (s *Store) GetAuthTokenUser(token string, now time.Time) (*User, error) {
	var userID, expiresAt string
	err := s.db.QueryRow(
		"SELECT user_id, expires_at FROM auth_tokens WHERE token = ?", token,
	).Scan(&userID, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetAuthTokenUser: %w", err)
	}
	if !now.Before(parseTime(expiresAt)) {
		return nil, nil
	}
	return s.GetUser(userID)
}

// DeleteAuthToken removes a session token.
func (s *Store) DeleteAuthToken(token string) error {
	_, err := s.db.Exec("DELETE FROM auth_tokens WHERE token = ?", token)
	if err != nil {
		return fmt.Errorf("store.DeleteAuthToken: %w", err)
	}
	return nil
}

// CleanExpiredAuthTokens removes all expired tokens and returns how many
// were deleted.
func (s *Store) CleanExpiredAuthTokens() (int64, error) {
	res, err := s.db.Exec("DELETE FROM auth_tokens WHERE expires_at <= ?", formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("store.CleanExpiredAuthTokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
