package util

import (
	"crypto/rand"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// GetRandomId returns 32 random bytes as a hash. It panics only if the
// system random source is broken.
func GetRandomId() *chainhash.Hash {
	idBytes := make([]byte, chainhash.HashSize)
	if _, err := rand.Read(idBytes); err != nil {
		panic(err)
	}
	id, _ := chainhash.NewHash(idBytes)
	return id
}

// NewConnectionID returns an opaque identifier for an accepted or dialed
// socket: 32 random bytes in hex.
func NewConnectionID() string {
	return GetRandomId().String()
}

// ShortID trims a connection id for log lines.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
