package server

import (
	"encoding/base64"
	"fmt"

	"github.com/thefeshin/hush-sub000/internal/vault"
)

// Decoded payload size limits. Violations are rejected before anything
// reaches the crypto layer or storage.
const (
	// MaxMessageCiphertextBytes caps a decoded message ciphertext.
	MaxMessageCiphertextBytes = 64 * 1024

	// MaxMetadataCiphertextBytes caps decoded conversation/group
	// metadata ciphertext, including key envelopes.
	MaxMetadataCiphertextBytes = 16 * 1024
)

// base64MaxLength returns the largest padded base64 string length for
// byteLimit decoded bytes.
func base64MaxLength(byteLimit int) int {
	return ((byteLimit + 2) / 3) * 4
}

// decodeBase64Field strictly decodes a base64 field and enforces size
// caps. exactBytes > 0 additionally requires an exact decoded length.
func decodeBase64Field(value, fieldName string, maxBytes, exactBytes int) ([]byte, error) {
	if len(value) > base64MaxLength(maxBytes) {
		return nil, fmt.Errorf("%s exceeds maximum size", fieldName)
	}

	decoded, err := base64.StdEncoding.Strict().DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid base64", fieldName)
	}

	if exactBytes > 0 && len(decoded) != exactBytes {
		return nil, fmt.Errorf("%s must decode to exactly %d bytes", fieldName, exactBytes)
	}
	if len(decoded) > maxBytes {
		return nil, fmt.Errorf("%s exceeds maximum size", fieldName)
	}
	return decoded, nil
}

// wireBlob is the {ciphertext, iv} pair as it appears in request
// bodies, before validation.
type wireBlob struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

// decodeBlob validates and decodes a wire blob: strict base64, decoded
// IV exactly 12 bytes, ciphertext within maxCiphertext.
func decodeBlob(w wireBlob, maxCiphertext int) (vault.EncryptedBlob, error) {
	ct, err := decodeBase64Field(w.Ciphertext, "ciphertext", maxCiphertext, 0)
	if err != nil {
		return vault.EncryptedBlob{}, err
	}
	if len(ct) == 0 {
		return vault.EncryptedBlob{}, fmt.Errorf("ciphertext is required")
	}

	iv, err := decodeBase64Field(w.IV, "iv", vault.IVSize, vault.IVSize)
	if err != nil {
		return vault.EncryptedBlob{}, err
	}

	return vault.EncryptedBlob{Ciphertext: ct, IV: iv}, nil
}

// encodeBlob renders a stored blob back to its wire form.
func encodeBlob(b vault.EncryptedBlob) wireBlob {
	return wireBlob{
		Ciphertext: base64.StdEncoding.EncodeToString(b.Ciphertext),
		IV:         base64.StdEncoding.EncodeToString(b.IV),
	}
}
