package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/onllm-dev/onpace/internal/analytics"
)

const snapshotColumns = `quota_limit, remaining, used, percent_remaining, reset_date, checked_at`

func scanSnapshot(row rowScanner) (analytics.Snapshot, error) {
	var snap analytics.Snapshot
	var resetDate, checkedAt string
	if err := row.Scan(&snap.QuotaLimit, &snap.Remaining, &snap.Used, &snap.PercentRemaining,
		&resetDate, &checkedAt); err != nil {
		return snap, err
	}
	snap.ResetDate, _ = analytics.ParseDate(resetDate)
	snap.CheckedAt = parseTime(checkedAt)
	return snap, nil
}

// InsertUsageSnapshot appends one observation for a user.
func (s *Store) InsertUsageSnapshot(userID string, snap analytics.Snapshot) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO usage_snapshots (user_id, quota_limit, remaining, used, percent_remaining, reset_date, checked_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, snap.QuotaLimit, snap.Remaining, snap.Used, snap.PercentRemaining,
		snap.ResetDate.String(), formatTime(snap.CheckedAt), formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("store.InsertUsageSnapshot: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store.InsertUsageSnapshot: last insert id: %w", err)
	}
	return id, nil
}

// QueryLatestUsage returns the user's most recent snapshot. Returns nil if
// the user has none.
func (s *Store) QueryLatestUsage(userID string) (*analytics.Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRow(
		`SELECT `+snapshotColumns+` FROM usage_snapshots
		WHERE user_id = ? ORDER BY checked_at DESC, id DESC LIMIT 1`, userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.QueryLatestUsage: %w", err)
	}
	return &snap, nil
}

// QueryUsageRange returns the user's snapshots in [start, end), oldest first.
func (s *Store) QueryUsageRange(userID string, start, end time.Time) ([]analytics.Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT `+snapshotColumns+` FROM usage_snapshots
		WHERE user_id = ? AND checked_at >= ? AND checked_at < ?
		ORDER BY checked_at ASC, id ASC`,
		userID, formatTime(start), formatTime(end),
	)
	if err != nil {
		return nil, fmt.Errorf("store.QueryUsageRange: %w", err)
	}
	return collectSnapshots(rows, "store.QueryUsageRange")
}

// QueryUsageHistory returns up to limit snapshots checked at or after since,
// newest first.
func (s *Store) QueryUsageHistory(userID string, since time.Time, limit int) ([]analytics.Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT `+snapshotColumns+` FROM usage_snapshots
		WHERE user_id = ? AND checked_at >= ?
		ORDER BY checked_at DESC, id DESC LIMIT ?`,
		userID, formatTime(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store.QueryUsageHistory: %w", err)
	}
	return collectSnapshots(rows, "store.QueryUsageHistory")
}

// CountUsageSnapshots returns the number of stored snapshots across all users.
func (s *Store) CountUsageSnapshots() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM usage_snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store.CountUsageSnapshots: %w", err)
	}
	return n, nil
}

func collectSnapshots(rows *sql.Rows, op string) ([]analytics.Snapshot, error) {
	defer rows.Close()

	snaps := []analytics.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return snaps, nil
}
