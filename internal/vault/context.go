package vault

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// HKDF info strings for the four key domains. Keys from distinct
// domains are computationally independent under the HKDF/HMAC security
// assumption even though all of them descend from the same vault key.
const (
	InfoIdentity          = "hush-identity"
	InfoContacts          = "hush-contacts"
	InfoConversation      = "hush-conversation"
	InfoGroupConversation = "hush-group-conversation"
	InfoGroupEnvelope     = "hush-group-envelope"
)

// Static salt inputs for the singleton domains.
const (
	saltInputIdentity = "hush:identity"
	saltInputContacts = "hush:contacts"
)

// ContextKey is a domain-separated symmetric subkey derived from the
// vault key. Compromising one context key reveals neither another
// domain's key nor the vault key.
type ContextKey struct {
	raw []byte
}

// DeriveContextKey expands the vault key into a context key:
// HKDF-SHA256(salt = SHA-256(saltInput), info = info, ikm = vault key).
func DeriveContextKey(vk *VaultKey, saltInput, info string) (*ContextKey, error) {
	ikm, err := vk.Bytes()
	if err != nil {
		return nil, err
	}

	salt := sha256.Sum256([]byte(saltInput))
	r := hkdf.New(sha256.New, ikm, salt[:], []byte(info))

	raw := make([]byte, VaultKeyLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to expand context key: %w", err)
	}
	return &ContextKey{raw: raw}, nil
}

// NewContextKey wraps raw key bytes as a context key, copying them.
// Used for unwrapped group keys so they can feed the AEAD cipher.
func NewContextKey(raw []byte) (*ContextKey, error) {
	if len(raw) != VaultKeyLen {
		return nil, fmt.Errorf("context key must be %d bytes, got %d", VaultKeyLen, len(raw))
	}
	cp := make([]byte, VaultKeyLen)
	copy(cp, raw)
	return &ContextKey{raw: cp}, nil
}

// Bytes returns the raw key material. Callers must not retain or
// mutate the slice.
func (k *ContextKey) Bytes() []byte {
	return k.raw
}

// Zero destroys the key material in place.
func (k *ContextKey) Zero() {
	zeroBytes(k.raw)
}

// conversationSaltInput builds the salt input for a two-party
// conversation key: the sorted participant pair joined with a colon.
// Commutative by construction.
func conversationSaltInput(idA, idB string) string {
	pair := []string{idA, idB}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

// groupEpochSaltInput builds the salt input for a group epoch key.
func groupEpochSaltInput(groupID string, epoch int64) string {
	return fmt.Sprintf("%s:%d", groupID, epoch)
}

// memberSaltInput builds the salt input for a member's envelope
// wrapping key.
func memberSaltInput(memberID string) string {
	return "member:" + memberID
}
