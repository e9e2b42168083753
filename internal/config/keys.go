package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
)

// Key errors
var (
	ErrNoSignerKey = errors.New("no signer key configured")
)

// Ed25519KeyFromMnemonic derives a signing key from a BIP-39 mnemonic. The
// first 32 bytes of the seed become the ed25519 seed.
func Ed25519KeyFromMnemonic(mnemonic string) (ed25519.PrivateKey, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	return ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize]), nil
}

// Ed25519KeyFromBase58 parses a NEAR-style key string. Both the bare base58
// form and the "ed25519:..." prefixed form are accepted; the payload may be
// a 32-byte seed or a 64-byte expanded key.
func Ed25519KeyFromBase58(s string) (ed25519.PrivateKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "ed25519:")
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base58 key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("invalid key length %d", len(raw))
	}
}

// Key resolves the NEAR signing key from config.
func (c NEARConfig) Key() (ed25519.PrivateKey, error) {
	switch {
	case c.SignerMnemonic != "":
		return Ed25519KeyFromMnemonic(c.SignerMnemonic)
	case c.SignerKey != "":
		return Ed25519KeyFromBase58(c.SignerKey)
	default:
		return nil, ErrNoSignerKey
	}
}

// Key resolves the Aptos signing key from config.
func (c AptosConfig) Key() (ed25519.PrivateKey, error) {
	switch {
	case c.SignerMnemonic != "":
		return Ed25519KeyFromMnemonic(c.SignerMnemonic)
	case c.SignerKey != "":
		raw, err := hex.DecodeString(strings.TrimPrefix(c.SignerKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid hex key: %w", err)
		}
		if len(raw) != ed25519.SeedSize {
			return nil, fmt.Errorf("invalid key length %d", len(raw))
		}
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, ErrNoSignerKey
	}
}
