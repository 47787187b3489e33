package ble

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/jwoglom/haprt/pkg/access"
	"github.com/jwoglom/haprt/pkg/db"
	"github.com/jwoglom/haprt/pkg/hapuuid"
	"github.com/jwoglom/haprt/pkg/pairing"
	"github.com/jwoglom/haprt/pkg/platform"
	"github.com/jwoglom/haprt/pkg/session"
)

type fakeTimer struct{ stopped bool }

func (t *fakeTimer) Stop() bool      { was := !t.stopped; t.stopped = true; return was }
func (t *fakeTimer) Reset(time.Duration) bool { return true }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) platform.Timer {
	return &fakeTimer{}
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

func testDatabase(t *testing.T) *db.Database {
	t.Helper()
	var current uint8 = 42
	ch := &db.Characteristic{
		ID:     2,
		Type:   hapuuid.MustParse("00000025-0000-1000-8000-0026BB765291"),
		Format: db.FormatUInt8,
		Properties: db.Properties{
			Readable:                  true,
			Writable:                  true,
			SupportsEventNotification: true,
		},
		Numeric: &db.NumericConstraints{
			Min:  db.UIntValue(db.FormatUInt8, 0),
			Max:  db.UIntValue(db.FormatUInt8, 1),
			Step: db.UIntValue(db.FormatUInt8, 1),
		},
		Callbacks: db.Callbacks{
			Read: func(req db.ReadRequest) (db.Value, db.Status) {
				return db.UIntValue(db.FormatUInt8, uint64(current)), db.StatusOK
			},
			Write: func(req db.WriteRequest) db.Status {
				current = uint8(req.Value.UInt)
				return db.StatusOK
			},
		},
	}
	svc := &db.Service{ID: 1, Type: hapuuid.MustParse("00000043-0000-1000-8000-0026BB765291"), Primary: true, Characteristics: []*db.Characteristic{ch}}
	acc := &db.Accessory{ID: 1, Name: "Test Lightbulb", Services: []*db.Service{svc}}
	return &db.Database{Accessories: []*db.Accessory{acc}}
}

func testEngine(t *testing.T) (*Engine, *session.Manager, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	database := testDatabase(t)
	accessEngine := access.NewEngine(database, nil, clk, func() bool { return false })
	pairings, err := pairing.NewStore(newMemKV(), 16)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	sessions := session.NewManager(clk, session.TransportBLE, session.BLESessionCount, time.Hour)
	cache := NewPairResumeCache(clk, 0, 0)

	engine := NewEngine(Config{
		AccessEngine: accessEngine,
		AccessoryID:  1,
		Pairings:     pairings,
		Clock:        clk,
		ResumeCache:  cache,
	})
	return engine, sessions, clk
}

func boundSession(t *testing.T, sessions *session.Manager) *session.Session {
	t.Helper()
	sess, err := sessions.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	sess.Bind("controller-1", true, make([]byte, 32), make([]byte, 32))
	sessions.MarkBound(sess)
	return sess
}

func TestEngineCharacteristicReadWrite(t *testing.T) {
	engine, sessions, _ := testEngine(t)
	sess := boundSession(t, sessions)

	writeReq := Request{Opcode: byte(OpCharacteristicWrite), TID: 1, IID: 2}
	w := writeTLV(t, tlvValue, []byte{1})
	writeReq.Body = w
	resp := engine.dispatch(sess, writeReq)
	if PDUStatus(resp.Status) != PDUStatusSuccess {
		t.Fatalf("write status = 0x%02x, want success", resp.Status)
	}

	readReq := Request{Opcode: byte(OpCharacteristicRead), TID: 2, IID: 2}
	resp = engine.dispatch(sess, readReq)
	if PDUStatus(resp.Status) != PDUStatusSuccess {
		t.Fatalf("read status = 0x%02x, want success", resp.Status)
	}
	if len(resp.Body) == 0 {
		t.Fatal("read response carried no body")
	}
}

func TestEngineRejectsUnboundSession(t *testing.T) {
	engine, sessions, _ := testEngine(t)
	sess, err := sessions.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	readReq := Request{Opcode: byte(OpCharacteristicRead), TID: 3, IID: 2}
	resp := engine.dispatch(sess, readReq)
	if PDUStatus(resp.Status) != PDUStatusInsufficientAuth {
		t.Fatalf("status = 0x%02x, want insufficient-auth", resp.Status)
	}
}

func TestEngineHandleFragmentReassemblesAcrossCalls(t *testing.T) {
	engine, sessions, _ := testEngine(t)
	sess := boundSession(t, sessions)

	body := writeTLV(t, tlvValue, []byte{1})
	frame := EncodeRequest(Request{Opcode: byte(OpCharacteristicWrite), TID: 9, IID: 2, Body: body})
	fragments := FragmentFrame(frame, 8, false)
	if len(fragments) < 2 {
		t.Skip("fragment count too small to exercise multi-call reassembly")
	}

	var respFragments [][]byte
	var err error
	for _, frag := range fragments {
		respFragments, err = engine.HandleFragment(sess, frag)
		if err != nil {
			t.Fatalf("HandleFragment: %v", err)
		}
	}
	if respFragments == nil {
		t.Fatal("expected a response once all fragments were fed")
	}

	var r Reassembler
	var reassembled []byte
	for _, frag := range respFragments {
		reassembled, _, err = r.Feed(frag)
		if err != nil {
			t.Fatalf("Feed response: %v", err)
		}
	}
	resp, err := decodeResponseFrame(reassembled)
	if err != nil {
		t.Fatalf("decodeResponseFrame: %v", err)
	}
	if PDUStatus(resp.Status) != PDUStatusSuccess {
		t.Fatalf("status = 0x%02x, want success", resp.Status)
	}
}

func TestEngineSignatureRead(t *testing.T) {
	engine, sessions, _ := testEngine(t)
	sess := boundSession(t, sessions)

	req := Request{Opcode: byte(OpSignatureRead), TID: 4, IID: 2}
	resp := engine.dispatch(sess, req)
	if PDUStatus(resp.Status) != PDUStatusSuccess {
		t.Fatalf("status = 0x%02x, want success", resp.Status)
	}
	if len(resp.Body) == 0 {
		t.Fatal("signature-read returned empty body")
	}
}

func TestEngineProtocolConfigVersionProbe(t *testing.T) {
	engine, sessions, _ := testEngine(t)
	sess := boundSession(t, sessions)

	req := Request{Opcode: byte(OpProtocolConfig), TID: 5, IID: 0}
	resp := engine.dispatch(sess, req)
	if PDUStatus(resp.Status) != PDUStatusSuccess {
		t.Fatalf("status = 0x%02x, want success", resp.Status)
	}
}

func TestPairResumeCollapsesToSingleResponse(t *testing.T) {
	engine, sessions, clk := testEngine(t)
	_ = clk

	if err := engine.pairings.Add("controller-9", make([]byte, 32), true); err != nil {
		t.Fatalf("Add: %v", err)
	}
	secret := bytes.Repeat([]byte{0x11}, 32)
	engine.resumeCache.Put("controller-9", secret)

	sess, err := sessions.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	clientNonce := bytes.Repeat([]byte{0x22}, 16)
	resp, ok := engine.tryResume(sess, "controller-9", clientNonce)
	if !ok {
		t.Fatal("expected resume cache hit")
	}
	if len(resp) == 0 {
		t.Fatal("expected a non-empty M2-equivalent body")
	}
	if !sess.Ready() {
		t.Fatal("tryResume should bind the session ready")
	}
}

func writeTLV(t *testing.T, typ byte, value []byte) []byte {
	t.Helper()
	return append([]byte{typ, byte(len(value))}, value...)
}
