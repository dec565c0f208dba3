// Package group manages group membership and the group key epoch: a
// monotonically increasing version counter over the group's symmetric
// key. Every membership change bumps the epoch and replaces the key, so
// a newly added member cannot read messages from before their addition
// (forward secrecy) and a removed member cannot read anything encrypted
// after removal (post-compromise security).
package group

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thefeshin/hush-sub000/internal/vault"
)

// Role of a group member.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Member is one entry in a group's ordered member list.
type Member struct {
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// State is the full group state for one key epoch: membership plus a
// wrapped envelope of the epoch's group key for every member. Envelopes
// are AEAD-wrapped under each member's own derivable wrap key, so only
// that member's vault key can unwrap them.
type State struct {
	GroupID   string                         `json:"group_id"`
	Epoch     int64                          `json:"epoch"`
	Members   []Member                       `json:"members"`
	Envelopes map[string]vault.EncryptedBlob `json:"envelopes"`
}

// Directory is the group state collaborator (the server's group API).
// PublishState replaces the whole state in one call so membership
// mutations appear atomic to concurrent senders.
type Directory interface {
	FetchState(ctx context.Context, groupID string) (*State, error)
	PublishState(ctx context.Context, state *State) error
}

// Manager drives group key lifecycle for one unlocked vault session.
type Manager struct {
	dir     Directory
	session *vault.Session
	selfID  string

	// retryBackoff separates the two state-fetch attempts in
	// EnsureSendReadiness.
	retryBackoff time.Duration
}

// NewManager creates a group manager for the given session and caller
// identity.
func NewManager(dir Directory, session *vault.Session, selfID string) *Manager {
	return &Manager{
		dir:          dir,
		session:      session,
		selfID:       selfID,
		retryBackoff: 250 * time.Millisecond,
	}
}

// CreateGroup creates a group at epoch 1 with a fresh random group key,
// wrapped once per initial member. The creator becomes owner; all other
// initial members join as members.
func (m *Manager) CreateGroup(ctx context.Context, creatorID string, memberIDs []string) (*State, error) {
	now := time.Now().UTC()

	members := []Member{{UserID: creatorID, Role: RoleOwner, JoinedAt: now}}
	for _, id := range memberIDs {
		if id == creatorID {
			continue
		}
		members = append(members, Member{UserID: id, Role: RoleMember, JoinedAt: now})
	}

	state := &State{
		GroupID: uuid.NewString(),
		Epoch:   1,
		Members: members,
	}

	if err := m.rekey(state); err != nil {
		return nil, err
	}

	if err := m.dir.PublishState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to publish group state: %w", err)
	}

	log.Info().
		Str("group_id", state.GroupID).
		Int("members", len(state.Members)).
		Msg("Group created")

	return state, nil
}

// AddMember bumps the epoch, generates a new group key (the old one is
// never reused), and re-wraps it for every existing member plus the new
// member. The new member cannot decrypt blobs from earlier epochs.
func (m *Manager) AddMember(ctx context.Context, groupID, newMemberID string) (*State, error) {
	state, err := m.dir.FetchState(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch group state: %w", err)
	}

	for _, member := range state.Members {
		if member.UserID == newMemberID {
			return nil, fmt.Errorf("user %s is already a group member", newMemberID)
		}
	}

	state.Members = append(state.Members, Member{
		UserID:   newMemberID,
		Role:     RoleMember,
		JoinedAt: time.Now().UTC(),
	})
	state.Epoch++

	if err := m.rekey(state); err != nil {
		return nil, err
	}

	if err := m.dir.PublishState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to publish group state: %w", err)
	}

	log.Info().
		Str("group_id", groupID).
		Str("user_id", newMemberID).
		Int64("epoch", state.Epoch).
		Msg("Group member added")

	return state, nil
}

// RemoveMember bumps the epoch, generates a new group key, and re-wraps
// it for the remaining members only. The removed member's retained key
// material cannot decrypt anything encrypted after removal.
func (m *Manager) RemoveMember(ctx context.Context, groupID, memberID string) (*State, error) {
	state, err := m.dir.FetchState(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch group state: %w", err)
	}

	remaining := state.Members[:0]
	found := false
	for _, member := range state.Members {
		if member.UserID == memberID {
			found = true
			continue
		}
		remaining = append(remaining, member)
	}
	if !found {
		return nil, fmt.Errorf("user %s is not a group member", memberID)
	}

	state.Members = remaining
	state.Epoch++

	if err := m.rekey(state); err != nil {
		return nil, err
	}

	if err := m.dir.PublishState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to publish group state: %w", err)
	}

	log.Info().
		Str("group_id", groupID).
		Str("user_id", memberID).
		Int64("epoch", state.Epoch).
		Msg("Group member removed")

	return state, nil
}

// GroupKey unwraps the caller's envelope from a group state and returns
// the epoch's group key, usable directly with the AEAD cipher.
func (m *Manager) GroupKey(state *State) (*vault.ContextKey, error) {
	envelope, ok := state.Envelopes[m.selfID]
	if !ok {
		return nil, fmt.Errorf("no key envelope for user %s at epoch %d", m.selfID, state.Epoch)
	}

	wrapKey, err := m.session.MemberWrapKey(m.selfID)
	if err != nil {
		return nil, err
	}

	raw, err := vault.Decrypt(wrapKey, envelope)
	if err != nil {
		return nil, err
	}
	return vault.NewContextKey(raw)
}

// rekey replaces the group key with a fresh random one and rewraps it
// for every member currently in the state.
func (m *Manager) rekey(state *State) error {
	groupKey, err := vault.GenerateRandomKey()
	if err != nil {
		return fmt.Errorf("failed to generate group key: %w", err)
	}
	defer zeroBytes(groupKey)

	envelopes := make(map[string]vault.EncryptedBlob, len(state.Members))
	for _, member := range state.Members {
		wrapKey, err := m.session.MemberWrapKey(member.UserID)
		if err != nil {
			return err
		}
		envelope, err := vault.Encrypt(wrapKey, groupKey)
		if err != nil {
			return fmt.Errorf("failed to wrap group key for %s: %w", member.UserID, err)
		}
		envelopes[member.UserID] = envelope
	}

	state.Envelopes = envelopes
	return nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
