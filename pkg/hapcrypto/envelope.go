// Package hapcrypto implements the cryptographic primitives shared by
// Pair-Setup, Pair-Verify and the session transport: HKDF-SHA512 key
// derivation, a ChaCha20-Poly1305 sealed-envelope helper, SRP6a verifier
// math, and Ed25519/X25519 wrappers.
package hapcrypto

import (
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// DeriveKey runs HKDF-SHA512 over ikm with the given salt/info strings and
// returns a 32-byte subkey, matching every named derivation in spec.md
// §4.3/§4.4/§4.6 ("Pair-Setup-Encrypt-Salt"/"...-Info", "Control-Salt"/
// "Control-Read-Encryption-Key", and so on).
func DeriveKey(ikm []byte, salt, info string) ([]byte, error) {
	r := hkdf.New(sha512.New, ikm, []byte(salt), []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hapcrypto: HKDF derive %q/%q: %w", salt, info, err)
	}
	return key, nil
}

// Seal encrypts plaintext with ChaCha20-Poly1305 under key using the given
// fixed nonce string (Pair-Setup/Pair-Verify use short ASCII nonces like
// "PS-Msg05"; the session transport uses a little-endian sequence number
// instead, see SessionNonce).
func Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("hapcrypto: new AEAD: %w", err)
	}
	padded := make([]byte, aead.NonceSize())
	copy(padded[aead.NonceSize()-len(nonce):], nonce)
	return aead.Seal(nil, padded, plaintext, aad), nil
}

// Open decrypts and authenticates ciphertext with ChaCha20-Poly1305 under
// key and the given fixed nonce string.
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("hapcrypto: new AEAD: %w", err)
	}
	padded := make([]byte, aead.NonceSize())
	copy(padded[aead.NonceSize()-len(nonce):], nonce)
	plaintext, err := aead.Open(nil, padded, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("hapcrypto: AEAD open: %w", err)
	}
	return plaintext, nil
}

// SessionNonce renders a session transport frame's 64-bit little-endian
// sequence number into chacha20poly1305's 12-byte nonce layout (4 zero
// bytes followed by the 8-byte counter), per spec.md §4.6's per-direction
// sequence-numbered envelope.
func SessionNonce(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	for i := 0; i < 8; i++ {
		nonce[4+i] = byte(seq >> (8 * i))
	}
	return nonce
}

// SealSession encrypts one session transport frame using a raw 12-byte
// nonce (see SessionNonce) rather than a padded ASCII string.
func SealSession(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("hapcrypto: new AEAD: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// OpenSession decrypts and authenticates one session transport frame using
// a raw 12-byte nonce.
func OpenSession(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("hapcrypto: new AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("hapcrypto: session AEAD open: %w", err)
	}
	return plaintext, nil
}
