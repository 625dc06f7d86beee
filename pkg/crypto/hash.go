package crypto

import (
	"crypto/sha256"

	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

// Sha256 hashes the concatenation of data. Used for asset ids and PDA
// derivation; not part of the Merkle commitment.
func Sha256(data ...[]byte) [32]byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Keccak256 hashes the concatenation of data. This is the authoritative
// hash for Merkle leaves, nodes, and the committed root.
func Keccak256(data ...[]byte) [32]byte {
	var out [32]byte
	copy(out[:], eth_crypto.Keccak256(data...))
	return out
}
