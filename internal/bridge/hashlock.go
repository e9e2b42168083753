// Package bridge - hashlock normalization and secret verification.
package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// HashFunc identifies the hash used to commit a secret on a given leg.
type HashFunc string

const (
	HashSHA256    HashFunc = "sha256"
	HashKeccak256 HashFunc = "keccak256"
)

// HashFuncFor returns the hash function committed on-chain for a direction.
// The NEAR HTLC contracts commit sha256; the Aptos fusion escrow path commits
// keccak256 to stay compatible with the EVM-side escrow.
func HashFuncFor(t Type) HashFunc {
	switch t {
	case ETHToAptos, AptosToETH:
		return HashKeccak256
	default:
		return HashSHA256
	}
}

// NormalizeHashlock lowercases a hashlock and strips any 0x prefix so values
// from different chains compare as opaque byte strings, not display strings.
func NormalizeHashlock(h string) string {
	h = strings.TrimSpace(h)
	h = strings.TrimPrefix(h, "0x")
	h = strings.TrimPrefix(h, "0X")
	return strings.ToLower(h)
}

// HashlocksEqual compares two hashlocks after normalization.
func HashlocksEqual(a, b string) bool {
	return NormalizeHashlock(a) == NormalizeHashlock(b)
}

// SecretBytes decodes a secret for hashing. Secrets are hex strings when they
// decode cleanly (with or without 0x); otherwise the raw string bytes are
// hashed, matching the NEAR contract's treatment of string preimages.
func SecretBytes(secret string) []byte {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(secret, "0x"), "0X")
	if len(trimmed) > 0 && len(trimmed)%2 == 0 {
		if b, err := hex.DecodeString(trimmed); err == nil {
			return b
		}
	}
	return []byte(secret)
}

// HashSecret computes the hex hashlock of a secret under the given hash.
func HashSecret(secret string, fn HashFunc) string {
	data := SecretBytes(secret)
	switch fn {
	case HashKeccak256:
		return hex.EncodeToString(crypto.Keccak256(data))
	default:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
}

// VerifySecret reports whether the secret's hash (under the direction's hash
// function) matches the hashlock.
func VerifySecret(secret, hashlock string, t Type) bool {
	return HashSecret(secret, HashFuncFor(t)) == NormalizeHashlock(hashlock)
}
