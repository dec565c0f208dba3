// Package passphrase handles the 12-word deployment passphrase: canonical
// normalization, hashing for the authentication exchange, and generation
// from the BIP39 English wordlist.
//
// Normalize is the single shared transform applied on both sides of the
// authentication boundary. The client hashes Normalize(words) before
// sending; the server stores and compares the same hash. Any divergence
// between the two sides silently breaks both authentication and
// decryption, so every caller goes through this package.
package passphrase

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	"github.com/tyler-smith/go-bip39/wordlists"
)

// WordCount is the number of words in a deployment passphrase.
const WordCount = 12

// Normalize canonicalizes a free-form passphrase into its byte-stable
// form: lowercase, whitespace-collapsed, single-space-joined, empty
// tokens dropped. Idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(words string) string {
	fields := strings.Fields(strings.ToLower(words))
	return strings.Join(fields, " ")
}

// Hash returns the base64-encoded SHA-256 hash of the normalized
// passphrase. This is the value sent by the client during
// authentication and the value the server stores in its config.
func Hash(words string) string {
	sum := sha256.Sum256([]byte(Normalize(words)))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// GenerateWords selects n words uniformly at random from the BIP39
// English wordlist using the system CSPRNG.
func GenerateWords(n int) ([]string, error) {
	list := wordlists.English
	max := big.NewInt(int64(len(list)))

	words := make([]string, n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return nil, fmt.Errorf("failed to draw random word index: %w", err)
		}
		words[i] = list[idx.Int64()]
	}
	return words, nil
}

// GenerateSalt generates a random salt of the given length, base64
// encoded for storage in the deployment config. The salt is
// deployment-wide and non-secret; it is handed to clients verbatim.
func GenerateSalt(length int) (string, error) {
	salt := make([]byte, length)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(salt), nil
}
