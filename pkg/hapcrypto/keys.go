package hapcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// GenerateLongTermKeyPair creates the accessory's immutable Ed25519
// identity key (spec.md §3 "Device identity"), generated once on first
// run and persisted thereafter.
func GenerateLongTermKeyPair() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	pub, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("hapcrypto: generate long-term key: %w", err)
	}
	return pub, priv, nil
}

// Sign produces an Ed25519 signature over message using the accessory's
// long-term private key.
func Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// VerifySignature checks an Ed25519 signature against a controller's
// long-term public key, used by Pair-Verify M3 and Pair-Setup M5.
func VerifySignature(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// X25519KeyPair is one ephemeral Pair-Verify Curve25519 key pair
// (spec.md §4.4).
type X25519KeyPair struct {
	Public  [32]byte
	private [32]byte
}

// GenerateX25519KeyPair creates a fresh ephemeral key pair for one
// Pair-Verify exchange.
func GenerateX25519KeyPair() (*X25519KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("hapcrypto: read X25519 private scalar: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("hapcrypto: derive X25519 public key: %w", err)
	}
	kp := &X25519KeyPair{private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the ECDH shared secret with a peer's public key.
func (kp *X25519KeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	shared, err := curve25519.X25519(kp.private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("hapcrypto: X25519 ECDH: %w", err)
	}
	return shared, nil
}
