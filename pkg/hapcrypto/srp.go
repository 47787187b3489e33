package hapcrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

// SRP6a over the 3072-bit group from RFC 5054 §A; HAP designates the
// accessory as the verifier side. No SRP implementation exists anywhere in
// the reference corpus (kryptco-kr pairs over libsodium box keys instead),
// so this is built directly from RFC 5054/2945 over math/big and
// crypto/sha512 — the one deliberate stdlib-only piece of this package
// (see DESIGN.md).

const srpNHex = "" +
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC7" +
	"4020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14" +
	"374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B" +
	"7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163" +
	"BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208" +
	"552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E" +
	"36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF69" +
	"55817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFF" +
	"FFFFFFFF"

var (
	srpN = mustHexBig(srpNHex)
	srpG = big.NewInt(5)
)

func mustHexBig(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("hapcrypto: malformed SRP group constant")
	}
	return n
}

// ErrInvalidClientPublic is returned when a peer's SRP public value A is
// 0 mod N (an attempted "A=0 attack").
var ErrInvalidClientPublic = errors.New("hapcrypto: A mod N == 0")

// ErrProofMismatch is returned when a peer's SRP proof does not match.
var ErrProofMismatch = errors.New("hapcrypto: SRP proof mismatch")

func srpHash(parts ...[]byte) []byte {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// pad left-pads b with zero bytes to the byte length of N, as required
// before hashing or XORing values of mismatched length together.
func pad(b *big.Int) []byte {
	size := (srpN.BitLen() + 7) / 8
	raw := b.Bytes()
	if len(raw) >= size {
		return raw
	}
	out := make([]byte, size)
	copy(out[size-len(raw):], raw)
	return out
}

// Verifier computes the SRP6a password verifier v = g^x mod N for the
// given salt and setup code, where x = H(salt, H("Pair-Setup:"+code))
// (spec.md §4.3).
func Verifier(salt []byte, setupCode string) *big.Int {
	inner := srpHash([]byte("Pair-Setup:" + setupCode))
	x := new(big.Int).SetBytes(srpHash(salt, inner))
	return new(big.Int).Exp(srpG, x, srpN)
}

// GroupN and GroupG expose the RFC 5054 3072-bit group parameters for
// tests that exercise the full client/server SRP exchange; the accessory
// itself only ever plays the verifier role.
func GroupN() *big.Int { return new(big.Int).Set(srpN) }
func GroupG() *big.Int { return new(big.Int).Set(srpG) }

// PadToGroupSize left-pads b to N's byte length.
func PadToGroupSize(b *big.Int) []byte { return pad(b) }

// ServerSession is the accessory-side (verifier) half of one Pair-Setup
// SRP exchange (spec.md §4.3 M1..M4).
type ServerSession struct {
	salt []byte
	v    *big.Int
	b    *big.Int
	bPub *big.Int // B
	aPub *big.Int // A, set once the client's value is known
	key  []byte   // K = H(S)
}

// NewServerSession picks a random salt and server secret b, derives the
// verifier from setupCode, and computes the public value B to send as M2.
func NewServerSession(setupCode string) (*ServerSession, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("hapcrypto: read salt: %w", err)
	}
	return newServerSessionWithSalt(salt, setupCode)
}

func newServerSessionWithSalt(salt []byte, setupCode string) (*ServerSession, error) {
	v := Verifier(salt, setupCode)

	b, err := rand.Int(rand.Reader, srpN)
	if err != nil {
		return nil, fmt.Errorf("hapcrypto: read server secret: %w", err)
	}
	if b.Sign() == 0 {
		b = big.NewInt(1)
	}

	k := new(big.Int).SetBytes(srpHash(pad(srpN), pad(srpG)))

	gb := new(big.Int).Exp(srpG, b, srpN)
	kv := new(big.Int).Mul(k, v)
	bPub := new(big.Int).Mod(new(big.Int).Add(kv, gb), srpN)

	return &ServerSession{salt: salt, v: v, b: b, bPub: bPub}, nil
}

// Salt returns the salt to send in M2.
func (s *ServerSession) Salt() []byte { return append([]byte(nil), s.salt...) }

// PublicValue returns B, padded to N's byte length, to send in M2.
func (s *ServerSession) PublicValue() []byte { return pad(s.bPub) }

// SetClientPublic accepts the client's A (M3) and derives the shared
// session key K.
func (s *ServerSession) SetClientPublic(aBytes []byte) error {
	a := new(big.Int).SetBytes(aBytes)
	if new(big.Int).Mod(a, srpN).Sign() == 0 {
		return ErrInvalidClientPublic
	}
	s.aPub = a

	u := new(big.Int).SetBytes(srpHash(pad(a), pad(s.bPub)))
	if u.Sign() == 0 {
		return ErrInvalidClientPublic
	}

	// S = (A * v^u) ^ b mod N
	vu := new(big.Int).Exp(s.v, u, srpN)
	base := new(big.Int).Mod(new(big.Int).Mul(a, vu), srpN)
	sVal := new(big.Int).Exp(base, s.b, srpN)

	s.key = srpHash(pad(sVal))
	return nil
}

// SessionKey returns K = H(S); valid only after SetClientPublic.
func (s *ServerSession) SessionKey() []byte { return append([]byte(nil), s.key...) }

// expectedM1 computes H(H(N) xor H(g), H("Pair-Setup"), salt, A, B, K),
// the client evidence message per RFC 5054 §3 adapted to HAP's
// single-identity exchange.
func (s *ServerSession) expectedM1() []byte {
	hn := srpHash(pad(srpN))
	hg := srpHash(pad(srpG))
	xored := make([]byte, len(hn))
	for i := range hn {
		xored[i] = hn[i] ^ hg[i]
	}
	hi := srpHash([]byte("Pair-Setup"))
	return srpHash(xored, hi, s.salt, pad(s.aPub), pad(s.bPub), s.key)
}

// VerifyClientProof checks the client's M1 evidence message (M3) in
// constant time.
func (s *ServerSession) VerifyClientProof(clientM1 []byte) error {
	if !hmac.Equal(s.expectedM1(), clientM1) {
		return ErrProofMismatch
	}
	return nil
}

// ServerProof computes M2 = H(A, M1, K), the accessory's evidence message
// sent back in M4.
func (s *ServerSession) ServerProof(clientM1 []byte) []byte {
	return srpHash(pad(s.aPub), clientM1, s.key)
}

// DebugSalt renders the salt as hex, used only in diagnostic logging.
func (s *ServerSession) DebugSalt() string { return hex.EncodeToString(s.salt) }
