package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// keygen prints a fresh ed25519 seed and its public key. The seed goes into
// the node key file; the public key into the constellation settings.
func main() {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("seed:   %s\n", hex.EncodeToString(priv.Seed()))
	fmt.Printf("public: %s\n", hex.EncodeToString(pub))
}
