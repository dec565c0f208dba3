package store

import (
	"database/sql"
	"fmt"
	"time"
)

// FailureRecord mirrors one auth_failures row.
type FailureRecord struct {
	IP             string
	Count          int
	FirstFailureAt time.Time
	LastFailureAt  time.Time
}

// Block mirrors one blocked_ips row. A nil ExpiresAt is a permanent
// block.
type Block struct {
	IP        string
	BlockedAt time.Time
	ExpiresAt *time.Time
	Reason    string
}

// IncrementFailure records one authentication failure for an IP and
// returns the new count. The increment is a single atomic UPSERT so
// concurrent requests cannot race past the failure threshold.
func (s *Store) IncrementFailure(ip string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRow(`
		INSERT INTO auth_failures (ip_address, failure_count, first_failure_at, last_failure_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(ip_address) DO UPDATE SET
			failure_count = failure_count + 1,
			last_failure_at = excluded.last_failure_at
		RETURNING failure_count
	`, ip, now.Unix(), now.Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to record auth failure: %w", err)
	}
	return count, nil
}

// GetFailureCount returns the current failure count for an IP.
func (s *Store) GetFailureCount(ip string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRow(`
		SELECT failure_count FROM auth_failures WHERE ip_address = ?
	`, ip).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get failure count: %w", err)
	}
	return count, nil
}

// ResetFailures clears the failure record for an IP after a successful
// authentication.
func (s *Store) ResetFailures(ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM auth_failures WHERE ip_address = ?`, ip); err != nil {
		return fmt.Errorf("failed to reset auth failures: %w", err)
	}
	return nil
}

// GetBlock returns the block row for an IP, or nil if none exists.
func (s *Store) GetBlock(ip string) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b Block
	var blockedAt int64
	var expiresAt sql.NullInt64

	err := s.db.QueryRow(`
		SELECT ip_address, blocked_at, expires_at, reason
		FROM blocked_ips WHERE ip_address = ?
	`, ip).Scan(&b.IP, &blockedAt, &expiresAt, &b.Reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block: %w", err)
	}

	b.BlockedAt = time.Unix(blockedAt, 0)
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		b.ExpiresAt = &t
	}
	return &b, nil
}

// UpsertBlock inserts or refreshes a block for an IP. A nil expiresAt
// makes the block permanent.
func (s *Store) UpsertBlock(ip string, now time.Time, expiresAt *time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO blocked_ips (ip_address, blocked_at, expires_at, reason)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ip_address) DO UPDATE SET
			blocked_at = excluded.blocked_at,
			expires_at = excluded.expires_at,
			reason = excluded.reason
	`, ip, now.Unix(), unixOrNil(expiresAt), reason)
	if err != nil {
		return fmt.Errorf("failed to upsert block: %w", err)
	}
	return nil
}

// DeleteBlock removes a block row (expired temporary blocks).
func (s *Store) DeleteBlock(ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM blocked_ips WHERE ip_address = ?`, ip); err != nil {
		return fmt.Errorf("failed to delete block: %w", err)
	}
	return nil
}

// CleanupExpiredBlocks removes all temporary blocks that have expired.
// Called on startup; individual expired blocks also clear lazily at
// check time.
func (s *Store) CleanupExpiredBlocks(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		DELETE FROM blocked_ips
		WHERE expires_at IS NOT NULL AND expires_at < ?
	`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired blocks: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}
