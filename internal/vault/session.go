package vault

import (
	"sync"
)

// Session owns all key material for one unlocked vault: the master
// vault key and a lazily-filled cache of derived context keys. There is
// exactly one Session per unlocked vault, created on unlock and
// destroyed on lock. It is passed explicitly into every crypto
// operation; there is no process-wide key singleton.
//
// The cache is single-writer (Unlock/Lock lifecycle) with multiple
// readers (message send/receive paths). Lock zeroes the vault key and
// every cached context key synchronously before returning, so no
// subsequent read can observe live key material.
type Session struct {
	mu     sync.RWMutex
	key    *VaultKey
	cache  map[string]*ContextKey
	locked bool
}

// NewSession creates a session owning the given vault key.
func NewSession(key *VaultKey) *Session {
	return &Session{
		key:   key,
		cache: make(map[string]*ContextKey),
	}
}

// Unlock derives the vault key from the passphrase and deployment salt
// and returns a live session.
func Unlock(words string, salt []byte) (*Session, error) {
	key, err := DeriveVaultKey(words, salt)
	if err != nil {
		return nil, err
	}
	return NewSession(key), nil
}

// Lock zeroes the vault key and all cached context keys. The session
// is unusable afterwards; every derivation returns ErrVaultLocked.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return
	}
	s.key.Zero()
	for _, ck := range s.cache {
		ck.Zero()
	}
	s.cache = nil
	s.locked = true
}

// Locked reports whether the session has been locked.
func (s *Session) Locked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked
}

// VaultKey returns the master key, for wrapping into a PIN envelope.
func (s *Session) VaultKey() (*VaultKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.locked {
		return nil, ErrVaultLocked
	}
	return s.key, nil
}

// contextKey returns the cached context key for (saltInput, info),
// deriving and caching it on first use.
func (s *Session) contextKey(saltInput, info string) (*ContextKey, error) {
	cacheKey := saltInput + "|" + info

	s.mu.RLock()
	if s.locked {
		s.mu.RUnlock()
		return nil, ErrVaultLocked
	}
	if ck, ok := s.cache[cacheKey]; ok {
		s.mu.RUnlock()
		return ck, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil, ErrVaultLocked
	}
	if ck, ok := s.cache[cacheKey]; ok {
		return ck, nil
	}

	ck, err := DeriveContextKey(s.key, saltInput, info)
	if err != nil {
		return nil, err
	}
	s.cache[cacheKey] = ck
	return ck, nil
}

// IdentityKey returns the context key for the caller's own identity
// payload.
func (s *Session) IdentityKey() (*ContextKey, error) {
	return s.contextKey(saltInputIdentity, InfoIdentity)
}

// ContactsKey returns the context key for the contact list.
func (s *Session) ContactsKey() (*ContextKey, error) {
	return s.contextKey(saltInputContacts, InfoContacts)
}

// ConversationKey returns the context key for the two-party
// conversation between idA and idB. Commutative in its arguments.
func (s *Session) ConversationKey(idA, idB string) (*ContextKey, error) {
	return s.contextKey(conversationSaltInput(idA, idB), InfoConversation)
}

// GroupEpochKey returns the context key bound to a specific group and
// key epoch. Used as the wrapping base when a fresh group key is
// derived rather than unwrapped.
func (s *Session) GroupEpochKey(groupID string, epoch int64) (*ContextKey, error) {
	return s.contextKey(groupEpochSaltInput(groupID, epoch), InfoGroupConversation)
}

// MemberWrapKey returns the context key under which group key
// envelopes for the given member are wrapped. Only that member's vault
// key can re-derive it.
func (s *Session) MemberWrapKey(memberID string) (*ContextKey, error) {
	return s.contextKey(memberSaltInput(memberID), InfoGroupEnvelope)
}
