package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/onllm-dev/onpace/internal/analytics"
)

// User is a GitHub account whose Copilot quota is tracked.
type User struct {
	ID             string
	Username       string
	CopilotPlan    string
	QuotaLimit     int
	QuotaResetDate analytics.Date
	Timezone       string
	LastCheckedAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	storedToken string
}

const userColumns = `id, username, github_token, copilot_plan, quota_limit, quota_reset_date,
	timezone, last_checked_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var resetDate, createdAt, updatedAt string
	var lastChecked sql.NullString
	if err := row.Scan(&u.ID, &u.Username, &u.storedToken, &u.CopilotPlan, &u.QuotaLimit,
		&resetDate, &u.Timezone, &lastChecked, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if resetDate != "" {
		u.QuotaResetDate, _ = analytics.ParseDate(resetDate)
	}
	if lastChecked.Valid && lastChecked.String != "" {
		t := parseTime(lastChecked.String)
		u.LastCheckedAt = &t
	}
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

// FindOrCreateUser upserts a user by username and stores the token it
// authenticated with, replacing any previous token.
func (s *Store) FindOrCreateUser(username, token string) (*User, error) {
	stored, err := s.sealToken(username, token)
	if err != nil {
		return nil, fmt.Errorf("store.FindOrCreateUser: %w", err)
	}

	now := formatTime(time.Now())
	_, err = s.db.Exec(`
		INSERT INTO users (id, username, github_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET github_token = excluded.github_token, updated_at = excluded.updated_at`,
		uuid.NewString(), username, stored, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("store.FindOrCreateUser: %w", err)
	}

	u, err := s.GetUserByUsername(username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("store.FindOrCreateUser: user %q vanished after upsert", username)
	}
	return u, nil
}

// GetUser returns a user by ID. Returns nil if not found.
func (s *Store) GetUser(id string) (*User, error) {
	u, err := scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetUser: %w", err)
	}
	return u, nil
}

// GetUserByUsername returns a user by GitHub login, case-insensitively.
// Returns nil if not found.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	u, err := scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetUserByUsername: %w", err)
	}
	return u, nil
}

// ListUsers returns all users ordered by username. A non-empty username
// restricts the result to that one account.
func (s *Store) ListUsers(username string) ([]*User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if username != "" {
		query += ` WHERE username = ?`
		args = append(args, username)
	}
	query += ` ORDER BY username`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store.ListUsers: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("store.ListUsers: scan: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CountUsers returns the number of tracked users.
func (s *Store) CountUsers() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store.CountUsers: %w", err)
	}
	return n, nil
}

// UpdateUserQuotaState caches the latest plan and quota on the user row.
func (s *Store) UpdateUserQuotaState(id, plan string, quotaLimit int, resetDate analytics.Date, checkedAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE users SET copilot_plan = ?, quota_limit = ?, quota_reset_date = ?, last_checked_at = ?, updated_at = ?
		WHERE id = ?`,
		plan, quotaLimit, resetDate.String(), formatTime(checkedAt), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("store.UpdateUserQuotaState: %w", err)
	}
	return nil
}

// UpdateUserTimezone stores the user's IANA zone preference. The caller
// validates the name.
func (s *Store) UpdateUserTimezone(id, timezone string) error {
	res, err := s.db.Exec(`UPDATE users SET timezone = ?, updated_at = ? WHERE id = ?`,
		timezone, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store.UpdateUserTimezone: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store.UpdateUserTimezone: no user with id %q", id)
	}
	return nil
}

// UserToken returns the decrypted GitHub token for u.
func (s *Store) UserToken(u *User) (string, error) {
	if s.box == nil {
		return u.storedToken, nil
	}
	token, err := s.box.Open(u.storedToken, tokenAAD(u.Username))
	if err != nil {
		return "", fmt.Errorf("store.UserToken: %w", err)
	}
	return token, nil
}

func (s *Store) sealToken(username, token string) (string, error) {
	if s.box == nil {
		return token, nil
	}
	return s.box.Seal(token, tokenAAD(username))
}

// tokenAAD binds a sealed token to its owner. Logins are case-insensitive.
func tokenAAD(username string) string {
	return strings.ToLower(username)
}
