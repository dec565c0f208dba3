package group

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/thefeshin/hush-sub000/internal/vault"
)

const testPassphrase = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// memoryDirectory is an in-memory Directory with injectable fetch
// failures.
type memoryDirectory struct {
	states    map[string]*State
	failFetch int // fail this many fetches before succeeding
	fetches   int
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{states: make(map[string]*State)}
}

func (d *memoryDirectory) FetchState(ctx context.Context, groupID string) (*State, error) {
	d.fetches++
	if d.failFetch > 0 {
		d.failFetch--
		return nil, errors.New("directory unreachable")
	}
	state, ok := d.states[groupID]
	if !ok {
		return nil, fmt.Errorf("group not found: %s", groupID)
	}

	// Return a copy so tests mutating the result don't alias the store.
	cp := *state
	cp.Members = append([]Member(nil), state.Members...)
	cp.Envelopes = make(map[string]vault.EncryptedBlob, len(state.Envelopes))
	for k, v := range state.Envelopes {
		cp.Envelopes[k] = v
	}
	return &cp, nil
}

func (d *memoryDirectory) PublishState(ctx context.Context, state *State) error {
	d.states[state.GroupID] = state
	return nil
}

func newTestManager(t *testing.T, dir Directory, selfID string) *Manager {
	t.Helper()
	session, err := vault.Unlock(testPassphrase, []byte("testsalt12345678"))
	if err != nil {
		t.Fatalf("Failed to unlock session: %v", err)
	}
	t.Cleanup(session.Lock)

	m := NewManager(dir, session, selfID)
	m.retryBackoff = time.Millisecond
	return m
}

func TestCreateGroup(t *testing.T) {
	dir := newMemoryDirectory()
	m := newTestManager(t, dir, "alice")

	state, err := m.CreateGroup(context.Background(), "alice", []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}

	if state.Epoch != 1 {
		t.Errorf("Expected initial epoch 1, got %d", state.Epoch)
	}
	if len(state.Members) != 3 {
		t.Fatalf("Expected 3 members, got %d", len(state.Members))
	}
	if state.Members[0].UserID != "alice" || state.Members[0].Role != RoleOwner {
		t.Errorf("Expected alice as owner, got %s/%s", state.Members[0].UserID, state.Members[0].Role)
	}
	if len(state.Envelopes) != 3 {
		t.Errorf("Expected an envelope per member, got %d", len(state.Envelopes))
	}

	// The creator can unwrap their own envelope.
	key, err := m.GroupKey(state)
	if err != nil {
		t.Fatalf("Failed to unwrap group key: %v", err)
	}
	if len(key.Bytes()) != vault.VaultKeyLen {
		t.Errorf("Expected %d-byte group key, got %d", vault.VaultKeyLen, len(key.Bytes()))
	}
}

func TestCreateGroupDeduplicatesCreator(t *testing.T) {
	dir := newMemoryDirectory()
	m := newTestManager(t, dir, "alice")

	state, err := m.CreateGroup(context.Background(), "alice", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}
	if len(state.Members) != 2 {
		t.Errorf("Expected creator listed once, got %d members", len(state.Members))
	}
}

func TestAddMemberBumpsEpochAndRekeys(t *testing.T) {
	dir := newMemoryDirectory()
	m := newTestManager(t, dir, "alice")

	created, err := m.CreateGroup(context.Background(), "alice", []string{"bob"})
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}
	oldKey, err := m.GroupKey(created)
	if err != nil {
		t.Fatalf("Failed to unwrap group key: %v", err)
	}
	oldKeyBytes := append([]byte(nil), oldKey.Bytes()...)

	updated, err := m.AddMember(context.Background(), created.GroupID, "carol")
	if err != nil {
		t.Fatalf("Failed to add member: %v", err)
	}

	if updated.Epoch != created.Epoch+1 {
		t.Errorf("Expected epoch %d, got %d", created.Epoch+1, updated.Epoch)
	}
	if len(updated.Members) != 3 {
		t.Errorf("Expected 3 members, got %d", len(updated.Members))
	}
	if _, ok := updated.Envelopes["carol"]; !ok {
		t.Error("New member has no key envelope")
	}

	newKey, err := m.GroupKey(updated)
	if err != nil {
		t.Fatalf("Failed to unwrap new group key: %v", err)
	}
	if bytes.Equal(oldKeyBytes, newKey.Bytes()) {
		t.Error("Group key was not replaced on membership change")
	}
}

func TestAddMemberRejectsDuplicate(t *testing.T) {
	dir := newMemoryDirectory()
	m := newTestManager(t, dir, "alice")

	created, err := m.CreateGroup(context.Background(), "alice", []string{"bob"})
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}

	if _, err := m.AddMember(context.Background(), created.GroupID, "bob"); err == nil {
		t.Error("Expected error adding an existing member")
	}
}

func TestRemoveMemberExcludesFromEnvelopes(t *testing.T) {
	dir := newMemoryDirectory()
	m := newTestManager(t, dir, "alice")

	created, err := m.CreateGroup(context.Background(), "alice", []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}

	updated, err := m.RemoveMember(context.Background(), created.GroupID, "bob")
	if err != nil {
		t.Fatalf("Failed to remove member: %v", err)
	}

	if updated.Epoch != created.Epoch+1 {
		t.Errorf("Expected epoch %d, got %d", created.Epoch+1, updated.Epoch)
	}
	for _, member := range updated.Members {
		if member.UserID == "bob" {
			t.Error("Removed member still in member list")
		}
	}
	if _, ok := updated.Envelopes["bob"]; ok {
		t.Error("Removed member still has a key envelope for the new epoch")
	}
	if len(updated.Envelopes) != 2 {
		t.Errorf("Expected 2 envelopes, got %d", len(updated.Envelopes))
	}
}

func TestRemoveMemberNotFound(t *testing.T) {
	dir := newMemoryDirectory()
	m := newTestManager(t, dir, "alice")

	created, err := m.CreateGroup(context.Background(), "alice", nil)
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}

	if _, err := m.RemoveMember(context.Background(), created.GroupID, "mallory"); err == nil {
		t.Error("Expected error removing a non-member")
	}
}

func TestEnsureSendReadiness(t *testing.T) {
	dir := newMemoryDirectory()
	m := newTestManager(t, dir, "alice")

	created, err := m.CreateGroup(context.Background(), "alice", []string{"bob"})
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}

	key, err := m.EnsureSendReadiness(context.Background(), created.GroupID, created.Epoch)
	if err != nil {
		t.Fatalf("Expected ready, got %v", err)
	}
	if key == nil {
		t.Fatal("Expected a group key")
	}
}

func TestEnsureSendReadinessStaleEpoch(t *testing.T) {
	dir := newMemoryDirectory()
	m := newTestManager(t, dir, "alice")

	created, err := m.CreateGroup(context.Background(), "alice", []string{"bob"})
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}
	updated, err := m.AddMember(context.Background(), created.GroupID, "carol")
	if err != nil {
		t.Fatalf("Failed to add member: %v", err)
	}

	// Sender still holds the pre-mutation epoch.
	_, err = m.EnsureSendReadiness(context.Background(), created.GroupID, created.Epoch)
	var notReady *NotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("Expected NotReadyError, got %v", err)
	}
	if notReady.Reason != ReasonStaleEpoch {
		t.Errorf("Expected reason %s, got %s", ReasonStaleEpoch, notReady.Reason)
	}
	if notReady.CurrentEpoch != updated.Epoch {
		t.Errorf("Expected current epoch %d, got %d", updated.Epoch, notReady.CurrentEpoch)
	}
}

func TestEnsureSendReadinessMissingEnvelope(t *testing.T) {
	dir := newMemoryDirectory()
	owner := newTestManager(t, dir, "alice")

	created, err := owner.CreateGroup(context.Background(), "alice", []string{"bob"})
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}

	// mallory is not a member and has no envelope.
	outsider := newTestManager(t, dir, "mallory")
	_, err = outsider.EnsureSendReadiness(context.Background(), created.GroupID, created.Epoch)
	var notReady *NotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("Expected NotReadyError, got %v", err)
	}
	if notReady.Reason != ReasonMissingEnvelope {
		t.Errorf("Expected reason %s, got %s", ReasonMissingEnvelope, notReady.Reason)
	}
}

func TestEnsureSendReadinessStateUnavailable(t *testing.T) {
	dir := newMemoryDirectory()
	m := newTestManager(t, dir, "alice")

	created, err := m.CreateGroup(context.Background(), "alice", nil)
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}

	// Both fetch attempts fail.
	dir.failFetch = 2
	_, err = m.EnsureSendReadiness(context.Background(), created.GroupID, created.Epoch)
	var notReady *NotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("Expected NotReadyError, got %v", err)
	}
	if notReady.Reason != ReasonStateUnavailable {
		t.Errorf("Expected reason %s, got %s", ReasonStateUnavailable, notReady.Reason)
	}
}

func TestEnsureSendReadinessRetriesOnce(t *testing.T) {
	dir := newMemoryDirectory()
	m := newTestManager(t, dir, "alice")

	created, err := m.CreateGroup(context.Background(), "alice", nil)
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}

	// First fetch fails, the retry succeeds.
	dir.failFetch = 1
	dir.fetches = 0
	if _, err := m.EnsureSendReadiness(context.Background(), created.GroupID, created.Epoch); err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if dir.fetches != 2 {
		t.Errorf("Expected exactly 2 fetch attempts, got %d", dir.fetches)
	}
}

func TestGroupKeyPerMemberUnwrap(t *testing.T) {
	dir := newMemoryDirectory()
	alice := newTestManager(t, dir, "alice")

	created, err := alice.CreateGroup(context.Background(), "alice", []string{"bob"})
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}

	// bob shares the same vault key in this deployment and can unwrap
	// his own envelope; both members recover the same group key.
	bob := newTestManager(t, dir, "bob")
	state, err := dir.FetchState(context.Background(), created.GroupID)
	if err != nil {
		t.Fatalf("Failed to fetch state: %v", err)
	}

	aliceKey, err := alice.GroupKey(state)
	if err != nil {
		t.Fatalf("alice failed to unwrap: %v", err)
	}
	bobKey, err := bob.GroupKey(state)
	if err != nil {
		t.Fatalf("bob failed to unwrap: %v", err)
	}
	if !bytes.Equal(aliceKey.Bytes(), bobKey.Bytes()) {
		t.Error("Members unwrapped different group keys")
	}
}
