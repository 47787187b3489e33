package hapcrypto

import (
	"bytes"
	"math/big"
	"testing"
)

func TestDeriveKeyIsDeterministic(t *testing.T) {
	ikm := []byte("shared-secret")
	k1, err := DeriveKey(ikm, "Pair-Setup-Encrypt-Salt", "Pair-Setup-Encrypt-Info")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k2, err := DeriveKey(ikm, "Pair-Setup-Encrypt-Salt", "Pair-Setup-Encrypt-Info")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Errorf("expected deterministic derivation for identical inputs")
	}

	k3, _ := DeriveKey(ikm, "Pair-Verify-Encrypt-Salt", "Pair-Verify-Encrypt-Info")
	if bytes.Equal(k1, k3) {
		t.Errorf("expected different salt/info to produce a different key")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	plaintext := []byte("hello accessory")
	ct, err := Seal(key, "PS-Msg05", plaintext, nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	pt, err := Open(key, "PS-Msg05", ct, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Errorf("round-trip mismatch: got %q", pt)
	}
}

func TestOpenRejectsWrongNonce(t *testing.T) {
	key := make([]byte, 32)
	ct, _ := Seal(key, "PS-Msg05", []byte("x"), nil)
	if _, err := Open(key, "PS-Msg06", ct, nil); err == nil {
		t.Errorf("expected Open to fail under the wrong nonce")
	}
}

func TestSessionNonceRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	plaintext := []byte("frame body")
	nonce := SessionNonce(42)
	ct, err := SealSession(key, nonce, plaintext, nil)
	if err != nil {
		t.Fatalf("SealSession: %v", err)
	}
	pt, err := OpenSession(key, nonce, ct, nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Errorf("round-trip mismatch: got %q", pt)
	}
	if _, err := OpenSession(key, SessionNonce(43), ct, nil); err == nil {
		t.Errorf("expected failure decrypting under the wrong sequence number")
	}
}

func TestSRPFullExchangeSucceeds(t *testing.T) {
	const setupCode = "123-45-678"

	server, err := NewServerSession(setupCode)
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}

	// Simulate the client side with the same math, mirroring what the HAP
	// controller would do: a = random, A = g^a mod N.
	a, _ := randBig(t)
	gA := new(big.Int).Exp(srpG, a, srpN)

	if err := server.SetClientPublic(pad(gA)); err != nil {
		t.Fatalf("SetClientPublic: %v", err)
	}

	v := Verifier([]byte(server.Salt()), setupCode)
	clientU := new(big.Int).SetBytes(srpHash(pad(gA), server.PublicValue()))
	k := new(big.Int).SetBytes(srpHash(pad(srpN), pad(srpG)))
	x := new(big.Int).SetBytes(srpHash(server.Salt(), srpHash([]byte("Pair-Setup:"+setupCode))))
	gx := new(big.Int).Exp(srpG, x, srpN)
	if gx.Cmp(v) != 0 {
		t.Fatalf("client verifier does not match server verifier")
	}

	bPub := new(big.Int).SetBytes(server.PublicValue())
	kgx := new(big.Int).Mul(k, gx)
	base := new(big.Int).Mod(new(big.Int).Sub(bPub, kgx), srpN)
	base.Mod(base, srpN)
	exp := new(big.Int).Add(a, new(big.Int).Mul(clientU, x))
	clientS := new(big.Int).Exp(base, exp, srpN)
	clientK := srpHash(pad(clientS))

	if !bytes.Equal(clientK, server.SessionKey()) {
		t.Fatalf("client and server derived different session keys")
	}
}

func randBig(t *testing.T) (*big.Int, error) {
	t.Helper()
	b := make([]byte, 32)
	for i := range b {
		b[i] = byte(i*7 + 11)
	}
	return new(big.Int).SetBytes(b), nil
}

func TestSRPZeroClientPublicRejected(t *testing.T) {
	server, err := NewServerSession("123-45-678")
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}
	if err := server.SetClientPublic(make([]byte, 1)); err != ErrInvalidClientPublic {
		t.Fatalf("got %v, want ErrInvalidClientPublic", err)
	}
}
