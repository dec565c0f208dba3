package vault

import (
	"crypto/sha256"

	"github.com/google/uuid"
)

// ConversationID computes the deterministic identifier for a two-party
// conversation: SHA-256 of the sorted participant pair, truncated to 16
// bytes and rendered in UUID form. Commutative: independent of argument
// order. This is not a random UUID; the same pair always maps to the
// same conversation.
func ConversationID(idA, idB string) string {
	sum := sha256.Sum256([]byte(conversationSaltInput(idA, idB)))

	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		// Unreachable: FromBytes only fails on length != 16.
		panic(err)
	}
	return id.String()
}
