package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// IVSize is the fixed AES-GCM IV length in bytes.
const IVSize = 12

// ErrDecryptionFailed is the single generic decryption error. Every
// failure mode (wrong key, tampered ciphertext, corrupted or truncated
// IV) collapses to this sentinel so callers cannot be used as a
// decryption oracle.
var ErrDecryptionFailed = errors.New("decryption failed")

// EncryptedBlob is a ciphertext/IV pair, always produced and consumed
// together. On the wire both fields are base64 strings.
type EncryptedBlob struct {
	Ciphertext []byte
	IV         []byte
}

type encryptedBlobJSON struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

// MarshalJSON renders the blob in the wire format.
func (b EncryptedBlob) MarshalJSON() ([]byte, error) {
	return json.Marshal(encryptedBlobJSON{
		Ciphertext: base64.StdEncoding.EncodeToString(b.Ciphertext),
		IV:         base64.StdEncoding.EncodeToString(b.IV),
	})
}

// UnmarshalJSON parses the wire format with strict base64 decoding.
func (b *EncryptedBlob) UnmarshalJSON(data []byte) error {
	var wire encryptedBlobJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	ct, err := base64.StdEncoding.Strict().DecodeString(wire.Ciphertext)
	if err != nil {
		return fmt.Errorf("ciphertext is not valid base64")
	}
	iv, err := base64.StdEncoding.Strict().DecodeString(wire.IV)
	if err != nil {
		return fmt.Errorf("iv is not valid base64")
	}

	b.Ciphertext = ct
	b.IV = iv
	return nil
}

// Encrypt encrypts plaintext under the given context key with
// AES-256-GCM, generating a fresh random 12-byte IV per call. IVs are
// never reused for a given key.
func Encrypt(key *ContextKey, plaintext []byte) (EncryptedBlob, error) {
	aead, err := newGCM(key)
	if err != nil {
		return EncryptedBlob{}, err
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return EncryptedBlob{}, fmt.Errorf("failed to generate IV: %w", err)
	}

	return EncryptedBlob{
		Ciphertext: aead.Seal(nil, iv, plaintext, nil),
		IV:         iv,
	}, nil
}

// Decrypt decrypts a blob under the given context key. Any failure
// returns ErrDecryptionFailed with no indication of the cause.
func Decrypt(key *ContextKey, blob EncryptedBlob) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	if len(blob.IV) != IVSize {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := aead.Open(nil, blob.IV, blob.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key *ContextKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
