package sysplatform

import "crypto/rand"

// SystemRNG is the real platform.RNG, backed by crypto/rand. Every random
// value the core asks for -- SRP salts and secrets, X25519 ephemerals,
// device identifiers -- is security sensitive, so this is the only RNG
// adapter this repo ships; there is no math/rand fallback.
type SystemRNG struct{}

func (SystemRNG) Read(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}
