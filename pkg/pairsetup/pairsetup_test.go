package pairsetup

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha512"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/jwoglom/haprt/pkg/hapcrypto"
	"github.com/jwoglom/haprt/pkg/pairing"
	"github.com/jwoglom/haprt/pkg/platform"
	"github.com/jwoglom/haprt/pkg/tlv8"
)

// memKV mirrors the pairing package's test helper; duplicated here rather
// than exported since it is test-only scaffolding for both packages.
type memKV struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string]map[string][]byte)} }

func (m *memKV) Get(domain, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[domain]
	if !ok {
		return nil, platform.ErrNotFound
	}
	v, ok := d[key]
	if !ok {
		return nil, platform.ErrNotFound
	}
	return v, nil
}

func (m *memKV) Set(domain, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[domain] == nil {
		m.data[domain] = make(map[string][]byte)
	}
	m.data[domain][key] = value
	return nil
}

func (m *memKV) Remove(domain, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[domain], key)
	return nil
}

func (m *memKV) Enumerate(domain string, fn func(key string, value []byte) error) error {
	m.mu.Lock()
	items := make(map[string][]byte, len(m.data[domain]))
	for k, v := range m.data[domain] {
		items[k] = v
	}
	m.mu.Unlock()
	for k, v := range items {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (m *memKV) PurgeDomain(domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, domain)
	return nil
}

func srpClientHash(parts ...[]byte) []byte {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// TestFullPairSetupExchange drives the machine through M1..M6 with a
// hand-rolled SRP/Ed25519 client, mirroring the math a real controller
// performs, and checks the resulting admin pairing lands in the store.
func TestFullPairSetupExchange(t *testing.T) {
	const setupCode = "123-45-678"
	N := hapcrypto.GroupN()
	g := hapcrypto.GroupG()

	store, err := pairing.NewStore(newMemKV(), 16)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	accPub, accPriv, err := hapcrypto.GenerateLongTermKeyPair()
	if err != nil {
		t.Fatalf("GenerateLongTermKeyPair: %v", err)
	}
	attempts := &AttemptCounter{}
	m := New(func() (string, error) { return setupCode, nil }, store, Identity{Public: accPub, Private: accPriv}, []byte("device-1"), attempts)

	now := time.Now()

	// M1: client requests setup.
	m1 := tlv8.NewWriter()
	m1.Append(tlv8.Item{Type: tlvState, Value: []byte{1}})
	m1.Append(tlv8.Item{Type: tlvMethod, Value: []byte{0}})
	m2, err := m.HandleRequest(now, m1.Bytes())
	if err != nil {
		t.Fatalf("M1: %v", err)
	}
	m2Fields, err := tlv8.ExtractByType(m2, tlvState, tlvPublicKey, tlvSalt, tlvError)
	if err != nil {
		t.Fatalf("parse M2: %v", err)
	}
	if _, failed := m2Fields[tlvError]; failed {
		t.Fatalf("M2 carried an error TLV")
	}
	salt := m2Fields[tlvSalt]
	bPub := new(big.Int).SetBytes(m2Fields[tlvPublicKey])

	// Client-side SRP math.
	a, _ := new(big.Int).SetString("9183746512093847561029384756102938475610293847561029384756", 10)
	aPub := new(big.Int).Exp(g, a, N)

	k := new(big.Int).SetBytes(srpClientHash(hapcrypto.PadToGroupSize(N), hapcrypto.PadToGroupSize(g)))
	x := new(big.Int).SetBytes(srpClientHash(salt, srpClientHash([]byte("Pair-Setup:"+setupCode))))
	gx := new(big.Int).Exp(g, x, N)
	u := new(big.Int).SetBytes(srpClientHash(hapcrypto.PadToGroupSize(aPub), hapcrypto.PadToGroupSize(bPub)))

	kgx := new(big.Int).Mul(k, gx)
	base := new(big.Int).Mod(new(big.Int).Sub(bPub, kgx), N)
	exp := new(big.Int).Add(a, new(big.Int).Mul(u, x))
	clientS := new(big.Int).Exp(base, exp, N)
	clientK := srpClientHash(hapcrypto.PadToGroupSize(clientS))

	hn := srpClientHash(hapcrypto.PadToGroupSize(N))
	hg := srpClientHash(hapcrypto.PadToGroupSize(g))
	xored := make([]byte, len(hn))
	for i := range hn {
		xored[i] = hn[i] ^ hg[i]
	}
	hi := srpClientHash([]byte("Pair-Setup"))
	clientM1 := srpClientHash(xored, hi, salt, hapcrypto.PadToGroupSize(aPub), hapcrypto.PadToGroupSize(bPub), clientK)

	// M3: client sends A and M1.
	m3 := tlv8.NewWriter()
	m3.Append(tlv8.Item{Type: tlvState, Value: []byte{3}})
	m3.Append(tlv8.Item{Type: tlvPublicKey, Value: hapcrypto.PadToGroupSize(aPub)})
	m3.Append(tlv8.Item{Type: tlvProof, Value: clientM1})
	m4, err := m.HandleRequest(now, m3.Bytes())
	if err != nil {
		t.Fatalf("M3: %v", err)
	}
	m4Fields, err := tlv8.ExtractByType(m4, tlvState, tlvProof, tlvError)
	if err != nil {
		t.Fatalf("parse M4: %v", err)
	}
	if _, failed := m4Fields[tlvError]; failed {
		t.Fatalf("M4 carried an error TLV (proof mismatch)")
	}
	serverProof := m4Fields[tlvProof]
	expectedServerProof := srpClientHash(hapcrypto.PadToGroupSize(aPub), clientM1, clientK)
	if !bytes.Equal(serverProof, expectedServerProof) {
		t.Fatalf("server evidence message M2 did not match expected value")
	}

	// M5: client sends its identity, long-term key and signature.
	ctrlPub, ctrlPriv, _ := ed25519.GenerateKey(nil)
	encryptKey, err := hapcrypto.DeriveKey(clientK, "Pair-Setup-Encrypt-Salt", "Pair-Setup-Encrypt-Info")
	if err != nil {
		t.Fatalf("derive encrypt key: %v", err)
	}
	signSalt, err := hapcrypto.DeriveKey(clientK, "Pair-Setup-Controller-Sign-Salt", "Pair-Setup-Controller-Sign-Info")
	if err != nil {
		t.Fatalf("derive sign salt: %v", err)
	}
	controllerID := "controller-xyz"
	signedMaterial := append(append([]byte{}, signSalt...), []byte(controllerID)...)
	signedMaterial = append(signedMaterial, ctrlPub...)
	sig := hapcrypto.Sign(ctrlPriv, signedMaterial)

	sub := tlv8.NewWriter()
	sub.Append(tlv8.Item{Type: tlvIdentifier, Value: []byte(controllerID)})
	sub.Append(tlv8.Item{Type: tlvPublicKey, Value: ctrlPub})
	sub.Append(tlv8.Item{Type: tlvSignature, Value: sig})

	sealed, err := hapcrypto.Seal(encryptKey, "PS-Msg05", sub.Bytes(), nil)
	if err != nil {
		t.Fatalf("seal M5: %v", err)
	}

	m5 := tlv8.NewWriter()
	m5.Append(tlv8.Item{Type: tlvState, Value: []byte{5}})
	m5.Append(tlv8.Item{Type: tlvEncryptedData, Value: sealed})
	m6, err := m.HandleRequest(now, m5.Bytes())
	if err != nil {
		t.Fatalf("M5: %v", err)
	}
	m6Fields, err := tlv8.ExtractByType(m6, tlvState, tlvEncryptedData, tlvError)
	if err != nil {
		t.Fatalf("parse M6: %v", err)
	}
	if _, failed := m6Fields[tlvError]; failed {
		t.Fatalf("M6 carried an error TLV")
	}

	if m.State() != StateDone {
		t.Fatalf("machine state = %v, want Done", m.State())
	}
	rec, err := store.Lookup(controllerID)
	if err != nil {
		t.Fatalf("pairing lookup: %v", err)
	}
	if !rec.Admin {
		t.Errorf("expected the Pair-Setup pairing to be installed as admin")
	}
	if !bytes.Equal(rec.LongTermPublicKey, ctrlPub) {
		t.Errorf("stored public key does not match the controller's key")
	}
}

func TestM1RejectedWhenAlreadyPaired(t *testing.T) {
	store, _ := pairing.NewStore(newMemKV(), 4)
	_ = store.Add("existing-admin", []byte{1, 2, 3}, true)

	accPub, accPriv, _ := hapcrypto.GenerateLongTermKeyPair()
	m := New(func() (string, error) { return "123-45-678", nil }, store, Identity{Public: accPub, Private: accPriv}, []byte("dev"), &AttemptCounter{})

	m1 := tlv8.NewWriter()
	m1.Append(tlv8.Item{Type: tlvState, Value: []byte{1}})
	m1.Append(tlv8.Item{Type: tlvMethod, Value: []byte{0}})
	resp, err := m.HandleRequest(time.Now(), m1.Bytes())
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	fields, _ := tlv8.ExtractByType(resp, tlvState, tlvError)
	if _, failed := fields[tlvError]; !failed {
		t.Fatalf("expected an Unavailable error when the accessory already has a pairing")
	}
	if m.State() != StateError {
		t.Errorf("state = %v, want Error", m.State())
	}
}

func TestMaxTriesExhaustedRefusesM1(t *testing.T) {
	store, _ := pairing.NewStore(newMemKV(), 4)
	accPub, accPriv, _ := hapcrypto.GenerateLongTermKeyPair()
	attempts := &AttemptCounter{count: MaxAuthAttempts + 1}
	m := New(func() (string, error) { return "123-45-678", nil }, store, Identity{Public: accPub, Private: accPriv}, []byte("dev"), attempts)

	m1 := tlv8.NewWriter()
	m1.Append(tlv8.Item{Type: tlvState, Value: []byte{1}})
	m1.Append(tlv8.Item{Type: tlvMethod, Value: []byte{0}})
	resp, err := m.HandleRequest(time.Now(), m1.Bytes())
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	fields, _ := tlv8.ExtractByType(resp, tlvState, tlvError)
	errByte, ok := fields[tlvError]
	if !ok || errByte[0] != byte(errMaxTries) {
		t.Fatalf("expected MaxTries error, got %+v", fields)
	}
}

func TestExpiredAfterInactivity(t *testing.T) {
	store, _ := pairing.NewStore(newMemKV(), 4)
	accPub, accPriv, _ := hapcrypto.GenerateLongTermKeyPair()
	m := New(func() (string, error) { return "123-45-678", nil }, store, Identity{Public: accPub, Private: accPriv}, []byte("dev"), &AttemptCounter{})

	now := time.Now()
	m1 := tlv8.NewWriter()
	m1.Append(tlv8.Item{Type: tlvState, Value: []byte{1}})
	m1.Append(tlv8.Item{Type: tlvMethod, Value: []byte{0}})
	if _, err := m.HandleRequest(now, m1.Bytes()); err != nil {
		t.Fatalf("M1: %v", err)
	}

	if m.Expired(now.Add(30 * time.Second)) {
		t.Errorf("should not be expired after only 30s")
	}
	if !m.Expired(now.Add(61 * time.Second)) {
		t.Errorf("should be expired after 61s of inactivity")
	}
}
