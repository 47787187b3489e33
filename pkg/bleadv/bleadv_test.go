package bleadv

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/jwoglom/haprt/pkg/platform"
)

type fakeTimer struct{ stopped bool }

func (t *fakeTimer) Stop() bool              { was := !t.stopped; t.stopped = true; return was }
func (t *fakeTimer) Reset(time.Duration) bool { return true }

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []func()
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(5000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) platform.Timer {
	c.mu.Lock()
	c.pending = append(c.pending, fn)
	c.mu.Unlock()
	return &fakeTimer{}
}

func (c *fakeClock) fireAll() {
	c.mu.Lock()
	fns := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

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
	return nil
}

func (m *memKV) PurgeDomain(domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, domain)
	return nil
}

func testIdentity() Identity {
	return Identity{
		DeviceID:     [6]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66},
		CategoryID:   5,
		ConfigNumber: 1,
	}
}

func TestRegularPayloadLayout(t *testing.T) {
	clk := newFakeClock()
	gsn := func() (uint16, byte) { return 7, 0 }
	unpaired := func() bool { return true }
	c := New(testIdentity(), gsn, unpaired, clk, nil)

	payload := c.RegularPayload()
	if len(payload) != 2+1+1+6+2+2+1+1 {
		t.Fatalf("unexpected payload length %d", len(payload))
	}
	if binary.LittleEndian.Uint16(payload[0:2]) != companyID {
		t.Fatalf("company id mismatch")
	}
	if payload[2] != subtypeRegular {
		t.Fatalf("subtype = 0x%02x, want 0x%02x", payload[2], subtypeRegular)
	}
	if payload[3]&sfUnpaired == 0 {
		t.Fatal("expected unpaired SF bit set")
	}
	if !bytes.Equal(payload[4:10], testIdentity().DeviceID[:]) {
		t.Fatal("device id mismatch")
	}
	acid := binary.LittleEndian.Uint16(payload[10:12])
	if acid != 5 {
		t.Fatalf("ACID = %d, want 5", acid)
	}
	gsnField := binary.LittleEndian.Uint16(payload[12:14])
	if gsnField != 7 {
		t.Fatalf("GSN = %d, want 7", gsnField)
	}
	if payload[15] != protocolVersion {
		t.Fatalf("CV = %d, want %d", payload[15], protocolVersion)
	}
}

func TestRaiseDisconnectedRevertsAfterMinDuration(t *testing.T) {
	clk := newFakeClock()
	gsn := func() (uint16, byte) { return 1, 0 }
	c := New(testIdentity(), gsn, func() bool { return false }, clk, nil)

	if err := c.RaiseDisconnected(42, []byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("RaiseDisconnected: %v", err)
	}
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending == nil || pending.IID != 42 {
		t.Fatalf("expected pending notification for iid 42, got %+v", pending)
	}

	clk.fireAll()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		t.Fatal("expected notification to clear after the revert timer fires")
	}
}

func TestBroadcastKeyRotationProducesDistinctKeys(t *testing.T) {
	clk := newFakeClock()
	kv := newMemKV()

	k1, err := LoadOrRotateBroadcastKey(kv, clk)
	if err != nil {
		t.Fatalf("LoadOrRotateBroadcastKey: %v", err)
	}
	k1Again, err := LoadOrRotateBroadcastKey(kv, clk)
	if err != nil {
		t.Fatalf("LoadOrRotateBroadcastKey (reload): %v", err)
	}
	if k1.Root != k1Again.Root {
		t.Fatal("unexpired key should be reloaded unchanged")
	}

	k2, err := RotateOnPairingMutation(kv, clk)
	if err != nil {
		t.Fatalf("RotateOnPairingMutation: %v", err)
	}
	if k2.Root == k1.Root {
		t.Fatal("rotation should produce a distinct key")
	}
}
