package ingest

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// ContentHash digests a document's normalized extracted text. Identical text
// always yields the identical digest; distinct text never collides in practice.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// DocumentID derives a stable UUID for a document from its title and URL, so
// the same source maps to the same state row across runs.
func DocumentID(title, url string) string {
	sum := sha256.Sum256([]byte(title + url))
	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		// sum[:16] is always 16 bytes; FromBytes cannot fail on it.
		panic(err)
	}
	return id.String()
}
