// Package store provides the server's SQLite persistence. The server
// stores only ciphertext/IV pairs and non-secret routing identifiers:
// it holds no key capable of decrypting anything in these tables.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps the server database.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the database at path and initializes the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	-- Conversations: direct or group. Metadata (names, participant
	-- hints) is an opaque ciphertext blob.
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK(kind IN ('direct', 'group')),
		metadata_ciphertext BLOB,
		metadata_iv BLOB,
		created_at INTEGER NOT NULL
	);

	-- Messages: ciphertext/IV pairs only. key_epoch is set for group
	-- messages so clients know which group key to unwrap.
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		ciphertext BLOB NOT NULL,
		iv BLOB NOT NULL,
		key_epoch INTEGER,
		created_at INTEGER NOT NULL,
		expires_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_expiry ON messages(expires_at) WHERE expires_at IS NOT NULL;

	-- Group key epoch state. key_epoch strictly increases on every
	-- membership mutation.
	CREATE TABLE IF NOT EXISTS groups (
		id TEXT PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
		created_by TEXT NOT NULL,
		key_epoch INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK(role IN ('owner', 'admin', 'member')),
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (group_id, user_id)
	);

	-- Per-member wrapped group key envelopes, one per epoch. The
	-- server cannot open these; only the named member's vault key can.
	CREATE TABLE IF NOT EXISTS group_key_envelopes (
		group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		ciphertext BLOB NOT NULL,
		iv BLOB NOT NULL,
		PRIMARY KEY (group_id, user_id, epoch)
	);

	-- Authentication defense state. Policy-authoritative and persisted:
	-- failures and blocks survive process restarts.
	CREATE TABLE IF NOT EXISTS auth_failures (
		ip_address TEXT PRIMARY KEY,
		failure_count INTEGER NOT NULL,
		first_failure_at INTEGER NOT NULL,
		last_failure_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blocked_ips (
		ip_address TEXT PRIMARY KEY,
		blocked_at INTEGER NOT NULL,
		expires_at INTEGER,
		reason TEXT NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Wipe irreversibly erases all encrypted message and thread storage,
// plus the security tables. This is the db_wipe defense outcome; it is
// deliberate, destructive, and not recoverable.
func (s *Store) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Warn().Msg("WIPING DATABASE: erasing all stored data")

	tables := []string{
		"messages",
		"group_key_envelopes",
		"group_members",
		"groups",
		"conversations",
		"blocked_ips",
		"auth_failures",
	}
	for _, table := range tables {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed to wipe table %s: %w", table, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
