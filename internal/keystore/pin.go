package keystore

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/thefeshin/hush-sub000/internal/vault"
)

// Argon2id parameters for the PIN wrapping key. Lighter than the vault
// KDF because the PIN path is interactive; the attempt throttle carries
// the rest of the defense.
const (
	pinKDFTime    = 3
	pinKDFMemory  = 16 * 1024 // 16 MiB in KiB
	pinKDFThreads = 2
	pinSaltLen    = 16
)

// ErrNoPIN is returned when a PIN operation runs without an envelope.
var ErrNoPIN = errors.New("no PIN is configured")

// PINEnvelope is the AEAD-wrapped raw vault key under a PIN-derived
// wrapping key, plus the salt and KDF parameters needed to re-derive
// that key. Persisted locally only; never leaves the client.
type PINEnvelope struct {
	Ciphertext []byte `cbor:"ciphertext"`
	IV         []byte `cbor:"iv"`
	Salt       []byte `cbor:"salt"`
	Time       uint32 `cbor:"time"`
	Memory     uint32 `cbor:"memory"`
	Threads    uint8  `cbor:"threads"`
	CreatedAt  int64  `cbor:"created_at"`
}

// EnablePIN wraps the session's vault key under a key derived from the
// PIN and a fresh local salt, and persists the envelope. Enables fast
// re-unlock without re-entering the passphrase.
func (ks *Keystore) EnablePIN(session *vault.Session, pin string) error {
	vk, err := session.VaultKey()
	if err != nil {
		return err
	}
	raw, err := vk.Bytes()
	if err != nil {
		return err
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	envelope, err := ks.wrap(raw, pin)
	if err != nil {
		return err
	}

	ks.state.PIN = envelope
	ks.state.Throttle = throttleState{}
	return ks.save()
}

// VerifyPIN re-derives the wrapping key and attempts to unwrap the
// vault key. An incorrect PIN fails closed via the AEAD authentication
// tag with vault.ErrDecryptionFailed; it never yields a silently wrong
// key. Failures feed the attempt throttle.
func (ks *Keystore) VerifyPIN(pin string) (*vault.VaultKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.state.PIN == nil {
		return nil, ErrNoPIN
	}
	if err := ks.checkThrottle(); err != nil {
		return nil, err
	}

	raw, err := ks.unwrap(ks.state.PIN, pin)
	if err != nil {
		if throttleErr := ks.recordPINFailure(); throttleErr != nil {
			return nil, throttleErr
		}
		return nil, vault.ErrDecryptionFailed
	}

	if err := ks.resetThrottle(); err != nil {
		return nil, err
	}
	return vault.NewVaultKey(raw)
}

// ChangePIN requires a successful verification of the old PIN, then
// re-wraps the vault key under a freshly derived new-PIN key with a
// fresh salt.
func (ks *Keystore) ChangePIN(oldPin, newPin string) error {
	vk, err := ks.VerifyPIN(oldPin)
	if err != nil {
		return err
	}
	raw, err := vk.Bytes()
	if err != nil {
		return err
	}
	defer vk.Zero()

	ks.mu.Lock()
	defer ks.mu.Unlock()

	envelope, err := ks.wrap(raw, newPin)
	if err != nil {
		return err
	}

	ks.state.PIN = envelope
	return ks.save()
}

// DisablePIN requires a successful verification, then deletes the
// envelope. The passphrase-based unlock path is unaffected.
func (ks *Keystore) DisablePIN(pin string) error {
	vk, err := ks.VerifyPIN(pin)
	if err != nil {
		return err
	}
	vk.Zero()

	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.state.PIN = nil
	ks.state.Throttle = throttleState{}
	return ks.save()
}

// PINEnabled reports whether a PIN envelope exists.
func (ks *Keystore) PINEnabled() bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.state.PIN != nil
}

// wrap derives a PIN wrapping key and AEAD-wraps the raw vault key.
func (ks *Keystore) wrap(raw []byte, pin string) (*PINEnvelope, error) {
	salt := make([]byte, pinSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate PIN salt: %w", err)
	}

	wrapKey, err := pinWrapKey(pin, salt)
	if err != nil {
		return nil, err
	}
	defer wrapKey.Zero()

	blob, err := vault.Encrypt(wrapKey, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap vault key: %w", err)
	}

	return &PINEnvelope{
		Ciphertext: blob.Ciphertext,
		IV:         blob.IV,
		Salt:       salt,
		Time:       pinKDFTime,
		Memory:     pinKDFMemory,
		Threads:    pinKDFThreads,
		CreatedAt:  ks.now().Unix(),
	}, nil
}

// unwrap re-derives the wrapping key from the envelope's stored
// parameters and attempts the AEAD unwrap.
func (ks *Keystore) unwrap(envelope *PINEnvelope, pin string) ([]byte, error) {
	raw := argon2.IDKey([]byte(pin), envelope.Salt, envelope.Time, envelope.Memory, envelope.Threads, vault.VaultKeyLen)
	wrapKey, err := vault.NewContextKey(raw)
	if err != nil {
		return nil, err
	}
	defer wrapKey.Zero()

	return vault.Decrypt(wrapKey, vault.EncryptedBlob{
		Ciphertext: envelope.Ciphertext,
		IV:         envelope.IV,
	})
}

func pinWrapKey(pin string, salt []byte) (*vault.ContextKey, error) {
	raw := argon2.IDKey([]byte(pin), salt, pinKDFTime, pinKDFMemory, pinKDFThreads, vault.VaultKeyLen)
	return vault.NewContextKey(raw)
}
