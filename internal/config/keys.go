package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"QuantaLedger/internal/ledger"
)

// LoadNodeKey reads a hex-encoded ed25519 seed from the key file and
// expands it into the node's signing key and public identity.
func LoadNodeKey(path string) (ed25519.PrivateKey, ledger.PublicKey, error) {
	var pub ledger.PublicKey

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pub, fmt.Errorf("read key file: %w", err)
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, pub, fmt.Errorf("decode key file: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, pub, fmt.Errorf("key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return priv, pub, nil
}
