package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thefeshin/hush-sub000/internal/group"
	"github.com/thefeshin/hush-sub000/internal/vault"
)

// CreateGroup persists a freshly created group in one transaction: the
// conversation row, the group row at its initial epoch, the member
// list, and every member's wrapped key envelope.
func (s *Store) CreateGroup(state *group.State, createdBy string, metadata *vault.EncryptedBlob, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var metaCT, metaIV []byte
	if metadata != nil {
		metaCT = metadata.Ciphertext
		metaIV = metadata.IV
	}

	if _, err := tx.Exec(`
		INSERT INTO conversations (id, kind, metadata_ciphertext, metadata_iv, created_at)
		VALUES (?, 'group', ?, ?, ?)
	`, state.GroupID, metaCT, metaIV, now.Unix()); err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO groups (id, created_by, key_epoch) VALUES (?, ?, ?)
	`, state.GroupID, createdBy, state.Epoch); err != nil {
		return fmt.Errorf("failed to insert group: %w", err)
	}

	if err := writeMembership(tx, state); err != nil {
		return err
	}

	return tx.Commit()
}

// ReplaceGroupState applies a membership mutation in one transaction:
// the epoch moves forward, the member list is replaced, and every
// envelope for the new epoch is written. Concurrent readers see either
// the old state or the new one, never a mix; the epoch must strictly
// increase.
func (s *Store) ReplaceGroupState(state *group.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentEpoch int64
	err = tx.QueryRow(`SELECT key_epoch FROM groups WHERE id = ?`, state.GroupID).Scan(&currentEpoch)
	if err == sql.ErrNoRows {
		return fmt.Errorf("group not found: %s", state.GroupID)
	}
	if err != nil {
		return fmt.Errorf("failed to read group epoch: %w", err)
	}
	if state.Epoch <= currentEpoch {
		return fmt.Errorf("epoch must increase: current %d, proposed %d", currentEpoch, state.Epoch)
	}

	if _, err := tx.Exec(`UPDATE groups SET key_epoch = ? WHERE id = ?`, state.Epoch, state.GroupID); err != nil {
		return fmt.Errorf("failed to update group epoch: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM group_members WHERE group_id = ?`, state.GroupID); err != nil {
		return fmt.Errorf("failed to clear group members: %w", err)
	}
	// Envelopes from superseded epochs are dropped: only the current
	// epoch's key is ever valid for sending.
	if _, err := tx.Exec(`DELETE FROM group_key_envelopes WHERE group_id = ?`, state.GroupID); err != nil {
		return fmt.Errorf("failed to clear group envelopes: %w", err)
	}

	if err := writeMembership(tx, state); err != nil {
		return err
	}

	return tx.Commit()
}

// GetGroupState loads the current state of a group. Only forUser's own
// envelope is attached: the server hands each member exactly the one
// envelope they can unwrap.
func (s *Store) GetGroupState(groupID, forUser string) (*group.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state group.State
	state.GroupID = groupID

	err := s.db.QueryRow(`SELECT key_epoch FROM groups WHERE id = ?`, groupID).Scan(&state.Epoch)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT user_id, role, joined_at
		FROM group_members WHERE group_id = ?
		ORDER BY joined_at ASC, user_id ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m group.Member
		var joinedAt int64
		if err := rows.Scan(&m.UserID, &m.Role, &joinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan group member: %w", err)
		}
		m.JoinedAt = time.Unix(joinedAt, 0)
		state.Members = append(state.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group members: %w", err)
	}

	state.Envelopes = make(map[string]vault.EncryptedBlob)
	var ct, iv []byte
	err = s.db.QueryRow(`
		SELECT ciphertext, iv FROM group_key_envelopes
		WHERE group_id = ? AND user_id = ? AND epoch = ?
	`, groupID, forUser, state.Epoch).Scan(&ct, &iv)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get key envelope: %w", err)
	}
	if err == nil {
		state.Envelopes[forUser] = vault.EncryptedBlob{Ciphertext: ct, IV: iv}
	}

	return &state, nil
}

// GroupRole returns the role of a user in a group, or "" if they are
// not a member.
func (s *Store) GroupRole(groupID, userID string) (group.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var role group.Role
	err := s.db.QueryRow(`
		SELECT role FROM group_members WHERE group_id = ? AND user_id = ?
	`, groupID, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get group role: %w", err)
	}
	return role, nil
}

func writeMembership(tx *sql.Tx, state *group.State) error {
	for _, m := range state.Members {
		if _, err := tx.Exec(`
			INSERT INTO group_members (group_id, user_id, role, joined_at)
			VALUES (?, ?, ?, ?)
		`, state.GroupID, m.UserID, m.Role, m.JoinedAt.Unix()); err != nil {
			return fmt.Errorf("failed to insert group member %s: %w", m.UserID, err)
		}
	}
	for userID, envelope := range state.Envelopes {
		if _, err := tx.Exec(`
			INSERT INTO group_key_envelopes (group_id, user_id, epoch, ciphertext, iv)
			VALUES (?, ?, ?, ?, ?)
		`, state.GroupID, userID, state.Epoch, envelope.Ciphertext, envelope.IV); err != nil {
			return fmt.Errorf("failed to insert key envelope for %s: %w", userID, err)
		}
	}
	return nil
}
