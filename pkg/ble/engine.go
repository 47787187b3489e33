package ble

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/access"
	"github.com/jwoglom/haprt/pkg/db"
	"github.com/jwoglom/haprt/pkg/hapcrypto"
	"github.com/jwoglom/haprt/pkg/pairing"
	"github.com/jwoglom/haprt/pkg/pairsetup"
	"github.com/jwoglom/haprt/pkg/pairverify"
	"github.com/jwoglom/haprt/pkg/platform"
	"github.com/jwoglom/haprt/pkg/session"
	"github.com/jwoglom/haprt/pkg/tlv8"
)

// ErrNotReady names the condition of a non-pairing opcode arriving on a
// session that has not completed Pair-Verify. The engine does not return
// it: dispatch answers such a request with PDUStatusInsufficientAuth, and
// before Pair-Verify only the two pairing characteristics are served (no
// protocol-information reads are exempted).
var ErrNotReady = errors.New("ble: session is not Pair-Verify ready")

// pendingPairing holds a pairing-characteristic response awaiting the
// follow-up characteristic-read that retrieves it, matching real HAP-BLE's
// write-then-read pairing procedure shape.
type pendingPairing struct {
	body []byte
}

// sigCursor holds the remaining bytes of an in-progress whole-tree
// accessory-signature-read, chunked across repeated reads (spec.md §4.6).
type sigCursor struct {
	remaining []byte
}

// Engine is the BLE GATT procedure engine for one peripheral link
// (spec.md §4.6). It operates on a single bound session per link.
type Engine struct {
	accessEngine *access.Engine
	accessoryID  uint64
	pairings     *pairing.Store
	clock        platform.Clock

	pairSetupIID  uint64
	pairVerifyIID uint64
	identity      pairverify.Identity
	deviceID      []byte
	setupCode     pairsetup.SetupCodeProvider
	attempts      *pairsetup.AttemptCounter

	resumeCache *PairResumeCache

	mtu          int
	reassembler  Reassembler
	pendingPair  map[*session.Session]*pendingPairing
	pendingSig   map[*session.Session]*sigCursor
}

// DefaultMTU is the ATT MTU assumed before MTU exchange negotiates a
// larger value.
const DefaultMTU = 23

// Config bundles Engine's construction-time dependencies.
type Config struct {
	AccessEngine  *access.Engine
	AccessoryID   uint64
	Pairings      *pairing.Store
	Clock         platform.Clock
	PairSetupIID  uint64
	PairVerifyIID uint64
	Identity      pairverify.Identity
	DeviceID      []byte
	SetupCode     pairsetup.SetupCodeProvider
	Attempts      *pairsetup.AttemptCounter
	ResumeCache   *PairResumeCache
}

// NewEngine creates a BLE GATT procedure engine from cfg.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		accessEngine:  cfg.AccessEngine,
		accessoryID:   cfg.AccessoryID,
		pairings:      cfg.Pairings,
		clock:         cfg.Clock,
		pairSetupIID:  cfg.PairSetupIID,
		pairVerifyIID: cfg.PairVerifyIID,
		identity:      cfg.Identity,
		deviceID:      cfg.DeviceID,
		setupCode:     cfg.SetupCode,
		attempts:      cfg.Attempts,
		resumeCache:   cfg.ResumeCache,
		mtu:           DefaultMTU,
		pendingPair:   make(map[*session.Session]*pendingPairing),
		pendingSig:    make(map[*session.Session]*sigCursor),
	}
}

// SetMTU records the negotiated ATT MTU for response fragmentation.
func (e *Engine) SetMTU(mtu int) {
	if mtu < 23 {
		mtu = 23
	}
	e.mtu = mtu
}

// OnDisconnect discards any in-flight reassembly and pairing/signature
// cursor state for sess (spec.md §4.6, §3 "Session" lifecycle).
func (e *Engine) OnDisconnect(sess *session.Session) {
	e.reassembler.Reset()
	delete(e.pendingPair, sess)
	delete(e.pendingSig, sess)
}

// HandleFragment feeds one incoming ATT write fragment. It returns the
// response fragments to send back once a full request has been
// reassembled and dispatched, or (nil, nil) while more fragments are
// still expected.
func (e *Engine) HandleFragment(sess *session.Session, fragment []byte) ([][]byte, error) {
	frame, complete, err := e.reassembler.Feed(fragment)
	if err != nil {
		if errors.Is(err, ErrIncomplete) {
			return nil, nil
		}
		e.reassembler.Reset()
		return nil, fmt.Errorf("ble: reassemble fragment: %w", err)
	}
	if !complete {
		return nil, nil
	}

	req, err := decodeRequestFrame(frame)
	if err != nil {
		return nil, fmt.Errorf("ble: decode request frame: %w", err)
	}

	resp := e.dispatch(sess, req)
	respFrame := EncodeResponse(resp)
	return FragmentFrame(respFrame, e.mtu, true), nil
}

// dispatch routes one reassembled request to the matching opcode handler.
func (e *Engine) dispatch(sess *session.Session, req Request) Response {
	log.Debugf("ble: dispatch opcode=0x%02x tid=%d iid=%d", req.Opcode, req.TID, req.IID)

	if req.IID == e.pairSetupIID && Opcode(req.Opcode) == OpCharacteristicWrite {
		return e.handlePairSetupWrite(sess, req)
	}
	if req.IID == e.pairVerifyIID && Opcode(req.Opcode) == OpCharacteristicWrite {
		return e.handlePairVerifyWrite(sess, req)
	}
	if (req.IID == e.pairSetupIID || req.IID == e.pairVerifyIID) && Opcode(req.Opcode) == OpCharacteristicRead {
		return e.handlePairingRead(sess, req)
	}

	if !sess.Ready() {
		return Response{TID: req.TID, Status: byte(PDUStatusInsufficientAuth)}
	}

	switch Opcode(req.Opcode) {
	case OpCharacteristicRead:
		return e.handleCharacteristicRead(sess, req)
	case OpCharacteristicWrite:
		return e.handleCharacteristicWrite(sess, req)
	case OpTimedWritePrepare:
		return e.handleTimedWritePrepare(sess, req)
	case OpTimedWriteExecute:
		return e.handleTimedWriteExecute(sess, req)
	case OpCharacteristicConfig:
		return e.handleCharacteristicConfig(sess, req)
	case OpSignatureRead:
		return e.handleSignatureRead(req)
	case OpAccessorySignatureRead:
		return e.handleAccessorySignatureRead(sess, req)
	case OpProtocolConfig:
		return e.handleProtocolConfig(sess, req)
	default:
		return Response{TID: req.TID, Status: byte(PDUStatusUnsupportedPDU)}
	}
}

func (e *Engine) find(iid uint64) (*db.Characteristic, bool) {
	_, _, ch, ok := e.accessEngine.Database().Find(e.accessoryID, iid)
	return ch, ok
}

func (e *Engine) handleCharacteristicRead(sess *session.Session, req Request) Response {
	if _, ok := e.find(req.IID); !ok {
		return Response{TID: req.TID, Status: byte(PDUStatusInvalidRequest)}
	}
	value, status, err := e.accessEngine.Read(sess, e.accessoryID, req.IID)
	if err != nil || status != db.StatusOK {
		return Response{TID: req.TID, Status: byte(statusFromDB(status))}
	}
	w := tlv8.NewWriter()
	w.Append(tlv8.Item{Type: tlvValue, Value: encodeValue(value)})
	return Response{TID: req.TID, Status: byte(PDUStatusSuccess), Body: w.Bytes()}
}

func (e *Engine) handleCharacteristicWrite(sess *session.Session, req Request) Response {
	ch, ok := e.find(req.IID)
	if !ok {
		return Response{TID: req.TID, Status: byte(PDUStatusInvalidRequest)}
	}
	fields, err := tlv8.ExtractByType(req.Body, tlvValue, tlvAdditionalParams)
	if err != nil {
		return Response{TID: req.TID, Status: byte(PDUStatusInvalidRequest)}
	}
	raw, ok := fields[tlvValue]
	if !ok {
		return Response{TID: req.TID, Status: byte(PDUStatusInvalidRequest)}
	}
	value, err := decodeValue(ch, raw)
	if err != nil {
		return Response{TID: req.TID, Status: byte(PDUStatusInvalidRequest)}
	}
	status, err := e.accessEngine.Write(sess, e.accessoryID, req.IID, value, fields[tlvAdditionalParams], 0, false)
	if err != nil {
		return Response{TID: req.TID, Status: byte(statusFromDB(status))}
	}
	return Response{TID: req.TID, Status: byte(statusFromDB(status))}
}

func (e *Engine) handleTimedWritePrepare(sess *session.Session, req Request) Response {
	fields, err := tlv8.ExtractByType(req.Body, tlvTTL)
	if err != nil {
		return Response{TID: req.TID, Status: byte(PDUStatusInvalidRequest)}
	}
	ttl := access.MaxTimedWriteTTL
	if raw, ok := fields[tlvTTL]; ok && len(raw) == 4 {
		ms := int64(raw[0]) | int64(raw[1])<<8 | int64(raw[2])<<16 | int64(raw[3])<<24
		ttl = time.Duration(ms) * time.Millisecond
	}
	e.accessEngine.PrepareTimedWrite(sess, req.IID, uint64(req.TID), ttl)
	return Response{TID: req.TID, Status: byte(PDUStatusSuccess)}
}

func (e *Engine) handleTimedWriteExecute(sess *session.Session, req Request) Response {
	ch, ok := e.find(req.IID)
	if !ok {
		return Response{TID: req.TID, Status: byte(PDUStatusInvalidRequest)}
	}
	fields, err := tlv8.ExtractByType(req.Body, tlvValue)
	if err != nil {
		return Response{TID: req.TID, Status: byte(PDUStatusInvalidRequest)}
	}
	raw, ok := fields[tlvValue]
	if !ok {
		return Response{TID: req.TID, Status: byte(PDUStatusInvalidRequest)}
	}
	value, err := decodeValue(ch, raw)
	if err != nil {
		return Response{TID: req.TID, Status: byte(PDUStatusInvalidRequest)}
	}
	status, err := e.accessEngine.Write(sess, e.accessoryID, req.IID, value, nil, uint64(req.TID), true)
	if err != nil {
		return Response{TID: req.TID, Status: byte(statusFromDB(status))}
	}
	return Response{TID: req.TID, Status: byte(statusFromDB(status))}
}

func (e *Engine) handleCharacteristicConfig(sess *session.Session, req Request) Response {
	fields, err := tlv8.ExtractByType(req.Body, tlvHAPBLEEventCfg)
	if err != nil {
		return Response{TID: req.TID, Status: byte(PDUStatusInvalidRequest)}
	}
	enable := len(fields[tlvHAPBLEEventCfg]) == 1 && fields[tlvHAPBLEEventCfg][0] != 0
	if enable {
		e.accessEngine.Subscribe(sess, e.accessoryID, req.IID)
	} else {
		e.accessEngine.Unsubscribe(sess, e.accessoryID, req.IID)
	}
	return Response{TID: req.TID, Status: byte(PDUStatusSuccess)}
}

func (e *Engine) handleSignatureRead(req Request) Response {
	ch, ok := e.find(req.IID)
	if !ok {
		return Response{TID: req.TID, Status: byte(PDUStatusInvalidRequest)}
	}
	return Response{TID: req.TID, Status: byte(PDUStatusSuccess), Body: characteristicSignature(ch)}
}

func (e *Engine) handleAccessorySignatureRead(sess *session.Session, req Request) Response {
	cur, ok := e.pendingSig[sess]
	if !ok {
		var acc *db.Accessory
		for _, a := range e.accessEngine.Database().Accessories {
			if a.ID == e.accessoryID {
				acc = a
				break
			}
		}
		if acc == nil {
			return Response{TID: req.TID, Status: byte(PDUStatusInvalidRequest)}
		}
		cur = &sigCursor{remaining: accessoryTreeSignature(acc)}
		e.pendingSig[sess] = cur
	}

	chunkSize := maxFragmentPayload(e.mtu)
	n := chunkSize
	if n > len(cur.remaining) {
		n = len(cur.remaining)
	}
	body := cur.remaining[:n]
	cur.remaining = cur.remaining[n:]
	if len(cur.remaining) == 0 {
		delete(e.pendingSig, sess)
	}
	return Response{TID: req.TID, Status: byte(PDUStatusSuccess), Body: body}
}

func (e *Engine) handleProtocolConfig(sess *session.Session, req Request) Response {
	fields, err := tlv8.ExtractByType(req.Body, tlvPairResumeSID, tlvPairResumeSharedS)
	if err == nil {
		if sid, ok := fields[tlvPairResumeSID]; ok {
			if secret, ok := fields[tlvPairResumeSharedS]; ok {
				e.resumeCache.Put(string(sid), secret)
				return Response{TID: req.TID, Status: byte(PDUStatusSuccess)}
			}
			if secret, ok := e.resumeCache.Lookup(string(sid)); ok {
				w := tlv8.NewWriter()
				w.Append(tlv8.Item{Type: tlvPairResumeSharedS, Value: secret})
				return Response{TID: req.TID, Status: byte(PDUStatusSuccess), Body: w.Bytes()}
			}
			return Response{TID: req.TID, Status: byte(PDUStatusInvalidRequest)}
		}
	}
	w := tlv8.NewWriter()
	w.Append(tlv8.Item{Type: 0x01, Value: []byte{2, 2}}) // HAP-BLE version 2.2
	return Response{TID: req.TID, Status: byte(PDUStatusSuccess), Body: w.Bytes()}
}

// handlePairSetupWrite feeds req.Body into sess's Pair-Setup machine
// (lazily created on the first write), stashing the response for the
// follow-up characteristic-read (spec.md §4.3 carried "on a dedicated
// pairing characteristic (BLE)").
func (e *Engine) handlePairSetupWrite(sess *session.Session, req Request) Response {
	m, ok := sess.PairSetupState.(*pairsetup.Machine)
	if !ok || m == nil {
		m = pairsetup.New(e.setupCode, e.pairings, pairsetup.Identity{Public: e.identity.Public, Private: e.identity.Private}, e.deviceID, e.attempts)
		sess.PairSetupState = m
	}
	resp, err := m.HandleRequest(e.clock.Now(), req.Body)
	if err != nil {
		log.Warnf("ble: pair-setup fatal error: %v", err)
		return Response{TID: req.TID, Status: byte(PDUStatusUnsupportedPDU)}
	}
	e.pendingPair[sess] = &pendingPairing{body: resp}
	return Response{TID: req.TID, Status: byte(PDUStatusSuccess)}
}

// handlePairVerifyWrite attempts a Pair-Resume collapse when the body
// carries resume markers, falling back to the full four-message exchange
// otherwise (spec.md §4.4, §4.6 "Pair-Resume").
func (e *Engine) handlePairVerifyWrite(sess *session.Session, req Request) Response {
	if resumeFields, err := tlv8.ExtractByType(req.Body, tlvPairResumeSID, tlvResumeNonce); err == nil {
		if sid, ok := resumeFields[tlvPairResumeSID]; ok {
			if clientNonce, ok := resumeFields[tlvResumeNonce]; ok {
				resp, ok := e.tryResume(sess, string(sid), clientNonce)
				if ok {
					e.pendingPair[sess] = &pendingPairing{body: resp}
					return Response{TID: req.TID, Status: byte(PDUStatusSuccess)}
				}
			}
		}
	}

	m, ok := sess.PairVerifyState.(*pairverify.Machine)
	if !ok || m == nil {
		m = pairverify.New(e.identity, e.deviceID, e.pairings)
		sess.PairVerifyState = m
	}
	resp, err := m.HandleRequest(req.Body)
	if err != nil {
		log.Warnf("ble: pair-verify fatal error: %v", err)
		return Response{TID: req.TID, Status: byte(PDUStatusUnsupportedPDU)}
	}
	if result := m.Result(); result != nil {
		sess.Bind(result.ControllerID, result.Admin, result.ReadKey, result.WriteKey)
		e.resumeCache.Put(result.ControllerID, m.SharedSecret())
		log.Infof("ble: session bound to controller %s via full pair-verify", result.ControllerID)
	}
	e.pendingPair[sess] = &pendingPairing{body: resp}
	return Response{TID: req.TID, Status: byte(PDUStatusSuccess)}
}

// tryResume attempts the two-message Pair-Resume collapse (spec.md §4.6):
// on a cache hit for sid, derive fresh control keys from the cached shared
// secret plus a fresh accessory nonce and bind the session immediately,
// skipping the ephemeral ECDH. Returns ok=false on a cache miss, leaving
// the caller to fall back to the full exchange.
func (e *Engine) tryResume(sess *session.Session, sid string, clientNonce []byte) ([]byte, bool) {
	cachedSecret, ok := e.resumeCache.Lookup(sid)
	if !ok {
		return nil, false
	}
	rec, err := e.pairings.Lookup(sid)
	if err != nil {
		return nil, false
	}

	accessoryNonce := make([]byte, 16)
	if _, err := rand.Read(accessoryNonce); err != nil {
		return nil, false
	}
	combined := append(append([]byte{}, clientNonce...), accessoryNonce...)

	resumeKey, err := hapcrypto.DeriveKey(append(append([]byte{}, cachedSecret...), combined...), "Pair-Resume-Salt", "Pair-Resume-Info")
	if err != nil {
		return nil, false
	}
	readKey, err := hapcrypto.DeriveKey(resumeKey, "Control-Salt", "Control-Read-Encryption-Key")
	if err != nil {
		return nil, false
	}
	writeKey, err := hapcrypto.DeriveKey(resumeKey, "Control-Salt", "Control-Write-Encryption-Key")
	if err != nil {
		return nil, false
	}

	sess.Bind(sid, rec.Admin, readKey, writeKey)
	e.resumeCache.Put(sid, cachedSecret)
	log.Infof("ble: session bound to controller %s via pair-resume", sid)

	w := tlv8.NewWriter()
	w.Append(tlv8.Item{Type: tlvResumeNonce, Value: accessoryNonce})
	return w.Bytes(), true
}

// handlePairingRead drains the pending response staged by the preceding
// write to the same pairing characteristic.
func (e *Engine) handlePairingRead(sess *session.Session, req Request) Response {
	pending, ok := e.pendingPair[sess]
	if !ok {
		return Response{TID: req.TID, Status: byte(PDUStatusInvalidRequest)}
	}
	delete(e.pendingPair, sess)
	return Response{TID: req.TID, Status: byte(PDUStatusSuccess), Body: pending.body}
}
