// Package vault implements the cryptographic key hierarchy: the master
// vault key derived from the 12-word passphrase, domain-separated
// context keys expanded from it, the AEAD cipher keyed by them, and the
// session that owns all key material for an unlocked vault.
//
// The server never sees any of these keys. It persists only ciphertext,
// IVs, and non-secret routing identifiers.
package vault

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/thefeshin/hush-sub000/internal/passphrase"
)

// Argon2id parameters for vault key derivation.
//
// These are fixed for the lifetime of a deployment. There is no
// versioning or migration path: changing any of them silently
// invalidates every previously encrypted blob.
const (
	VaultKDFTime    = 3
	VaultKDFMemory  = 64 * 1024 // 64 MiB in KiB
	VaultKDFThreads = 2
	VaultKeyLen     = 32
)

// ErrVaultLocked is returned when key material is accessed after it has
// been zeroed.
var ErrVaultLocked = errors.New("vault is locked")

// VaultKey is the 32-byte master symmetric key. It exists only in
// volatile memory unless wrapped (see the keystore package) and is
// never serialized in plaintext.
type VaultKey struct {
	raw       []byte
	destroyed bool
}

// DeriveVaultKey derives the master vault key from a passphrase and the
// deployment salt using Argon2id. Deterministic: identical inputs
// always yield a byte-identical key. The passphrase is normalized
// before derivation so the result is insensitive to case and
// whitespace.
func DeriveVaultKey(words string, salt []byte) (*VaultKey, error) {
	normalized := passphrase.Normalize(words)
	if normalized == "" {
		return nil, fmt.Errorf("passphrase is empty")
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("salt is empty")
	}

	raw := argon2.IDKey([]byte(normalized), salt, VaultKDFTime, VaultKDFMemory, VaultKDFThreads, VaultKeyLen)
	return &VaultKey{raw: raw}, nil
}

// NewVaultKey wraps existing raw key bytes, copying them. Used when a
// key is recovered from a PIN envelope rather than derived.
func NewVaultKey(raw []byte) (*VaultKey, error) {
	if len(raw) != VaultKeyLen {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", VaultKeyLen, len(raw))
	}
	cp := make([]byte, VaultKeyLen)
	copy(cp, raw)
	return &VaultKey{raw: cp}, nil
}

// GenerateRandomKey generates a fresh random 32-byte symmetric key.
// Used for group keys, which are random rather than derived.
func GenerateRandomKey() ([]byte, error) {
	key := make([]byte, VaultKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Bytes returns the raw key material. Callers must not retain or
// mutate the slice.
func (k *VaultKey) Bytes() ([]byte, error) {
	if k.destroyed {
		return nil, ErrVaultLocked
	}
	return k.raw, nil
}

// Zero destroys the key material in place. The key is unusable
// afterwards.
func (k *VaultKey) Zero() {
	zeroBytes(k.raw)
	k.destroyed = true
}

// zeroBytes overwrites a byte slice with zeros.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
