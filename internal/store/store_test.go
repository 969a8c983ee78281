package store

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onllm-dev/onpace/internal/analytics"
	"github.com/onllm-dev/onpace/internal/secret"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(":memory:", opts...)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CreateTables(t *testing.T) {
	s := newTestStore(t)

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table'
		AND name IN ('users', 'usage_snapshots', 'auth_tokens', 'settings')`).Scan(&count)
	if err != nil {
		t.Fatalf("Failed to query tables: %v", err)
	}
	if count != 4 {
		t.Errorf("Expected 4 tables, got %d", count)
	}
}

func TestStore_WALMode(t *testing.T) {
	// WAL mode doesn't apply to :memory: databases
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected WAL mode, got %s", journalMode)
	}
}

func TestStore_MigratesTimezoneColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	_, err = raw.Exec(`CREATE TABLE users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE COLLATE NOCASE,
		github_token TEXT NOT NULL,
		copilot_plan TEXT NOT NULL DEFAULT '',
		quota_limit INTEGER NOT NULL DEFAULT 0,
		quota_reset_date TEXT NOT NULL DEFAULT '',
		last_checked_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create old schema: %v", err)
	}
	raw.Close()

	s, err := New(path)
	if err != nil {
		t.Fatalf("New on old schema: %v", err)
	}
	defer s.Close()

	has, err := s.tableHasColumn("users", "timezone")
	if err != nil || !has {
		t.Fatalf("timezone column missing after migration (err=%v)", err)
	}
	u, err := s.FindOrCreateUser("octocat", "ghp_x")
	if err != nil {
		t.Fatalf("FindOrCreateUser: %v", err)
	}
	if u.Timezone != "UTC" {
		t.Errorf("Timezone = %q, want UTC default", u.Timezone)
	}
}

func TestStore_Settings(t *testing.T) {
	s := newTestStore(t)

	v, err := s.GetSetting("missing")
	if err != nil || v != "" {
		t.Fatalf("GetSetting(missing) = %q, %v", v, err)
	}
	if err := s.SetSetting("last_check_run", "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSetting("last_check_run", "b"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetSetting("last_check_run"); v != "b" {
		t.Errorf("GetSetting = %q, want b", v)
	}
}

func TestStore_FindOrCreateUser(t *testing.T) {
	s := newTestStore(t)

	u1, err := s.FindOrCreateUser("octocat", "ghp_first")
	if err != nil {
		t.Fatalf("FindOrCreateUser: %v", err)
	}
	if u1.ID == "" || u1.Username != "octocat" || u1.Timezone != "UTC" {
		t.Errorf("user = %+v", u1)
	}
	if u1.LastCheckedAt != nil {
		t.Error("LastCheckedAt should be nil for a new user")
	}

	u2, err := s.FindOrCreateUser("OctoCat", "ghp_second")
	if err != nil {
		t.Fatalf("FindOrCreateUser (again): %v", err)
	}
	if u2.ID != u1.ID {
		t.Errorf("second login created a new user: %s != %s", u2.ID, u1.ID)
	}
	token, err := s.UserToken(u2)
	if err != nil || token != "ghp_second" {
		t.Errorf("UserToken = %q, %v; want replaced token", token, err)
	}

	n, _ := s.CountUsers()
	if n != 1 {
		t.Errorf("CountUsers = %d, want 1", n)
	}
}

func TestStore_TokensEncryptedAtRest(t *testing.T) {
	box, err := secret.NewBox("0123456789abcdef-test-secret")
	if err != nil {
		t.Fatal(err)
	}
	s := newTestStore(t, WithSecretBox(box))

	u, err := s.FindOrCreateUser("Hubot", "ghp_plaintext_token")
	if err != nil {
		t.Fatalf("FindOrCreateUser: %v", err)
	}

	var raw string
	if err := s.db.QueryRow(`SELECT github_token FROM users WHERE id = ?`, u.ID).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if !secret.IsEncrypted(raw) || strings.Contains(raw, "ghp_plaintext_token") {
		t.Errorf("stored token not encrypted: %q", raw)
	}

	got, err := s.UserToken(u)
	if err != nil || got != "ghp_plaintext_token" {
		t.Errorf("UserToken = %q, %v", got, err)
	}

	// Re-login with different casing still decrypts.
	u, _ = s.FindOrCreateUser("hubot", "ghp_rotated")
	if got, err := s.UserToken(u); err != nil || got != "ghp_rotated" {
		t.Errorf("UserToken after re-login = %q, %v", got, err)
	}
}

func TestStore_ListAndLookupUsers(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"zed", "alice", "mona"} {
		if _, err := s.FindOrCreateUser(name, "ghp_"+name); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListUsers("")
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(all) != 3 || all[0].Username != "alice" || all[2].Username != "zed" {
		t.Errorf("ListUsers order wrong: %v", all)
	}

	one, _ := s.ListUsers("mona")
	if len(one) != 1 || one[0].Username != "mona" {
		t.Errorf("ListUsers(mona) = %v", one)
	}
	none, _ := s.ListUsers("ghost")
	if len(none) != 0 {
		t.Errorf("ListUsers(ghost) = %v", none)
	}

	byName, _ := s.GetUserByUsername("ALICE")
	if byName == nil {
		t.Fatal("GetUserByUsername should be case-insensitive")
	}
	byID, _ := s.GetUser(byName.ID)
	if byID == nil || byID.Username != "alice" {
		t.Errorf("GetUser = %+v", byID)
	}
	missing, err := s.GetUser("nope")
	if err != nil || missing != nil {
		t.Errorf("GetUser(nope) = %+v, %v", missing, err)
	}
}

func TestStore_UpdateUserState(t *testing.T) {
	s := newTestStore(t)
	u, _ := s.FindOrCreateUser("octocat", "ghp_x")

	checked := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	reset := analytics.Date{Year: 2026, Month: time.April, Day: 1}
	if err := s.UpdateUserQuotaState(u.ID, "individual_pro", 1500, reset, checked); err != nil {
		t.Fatalf("UpdateUserQuotaState: %v", err)
	}
	if err := s.UpdateUserTimezone(u.ID, "Asia/Tokyo"); err != nil {
		t.Fatalf("UpdateUserTimezone: %v", err)
	}

	got, _ := s.GetUser(u.ID)
	if got.CopilotPlan != "individual_pro" || got.QuotaLimit != 1500 {
		t.Errorf("plan/limit = %q/%d", got.CopilotPlan, got.QuotaLimit)
	}
	if got.QuotaResetDate != reset {
		t.Errorf("QuotaResetDate = %s", got.QuotaResetDate)
	}
	if got.LastCheckedAt == nil || !got.LastCheckedAt.Equal(checked) {
		t.Errorf("LastCheckedAt = %v", got.LastCheckedAt)
	}
	if got.Timezone != "Asia/Tokyo" {
		t.Errorf("Timezone = %q", got.Timezone)
	}

	if err := s.UpdateUserTimezone("missing", "UTC"); err == nil {
		t.Error("expected error for unknown user")
	}
}

func TestStore_AuthTokens(t *testing.T) {
	s := newTestStore(t)
	u, _ := s.FindOrCreateUser("octocat", "ghp_x")
	now := time.Now()

	if err := s.SaveAuthToken("live", u.ID, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAuthToken("stale", u.ID, now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAuthTokenUser("live", now)
	if err != nil || got == nil || got.ID != u.ID {
		t.Fatalf("GetAuthTokenUser(live) = %+v, %v", got, err)
	}
	if got, _ := s.GetAuthTokenUser("stale", now); got != nil {
		t.Error("expired token should not resolve")
	}
	if got, _ := s.GetAuthTokenUser("unknown", now); got != nil {
		t.Error("unknown token should not resolve")
	}

	n, err := s.CleanExpiredAuthTokens()
	if err != nil || n != 1 {
		t.Errorf("CleanExpiredAuthTokens = %d, %v; want 1", n, err)
	}

	if err := s.DeleteAuthToken("live"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetAuthTokenUser("live", now); got != nil {
		t.Error("deleted token should not resolve")
	}
}
