package iptransport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/access"
	"github.com/jwoglom/haprt/pkg/bleadv"
	"github.com/jwoglom/haprt/pkg/db"
	"github.com/jwoglom/haprt/pkg/ipjson"
	"github.com/jwoglom/haprt/pkg/pairing"
	"github.com/jwoglom/haprt/pkg/pairingadmin"
	"github.com/jwoglom/haprt/pkg/pairsetup"
	"github.com/jwoglom/haprt/pkg/pairverify"
	"github.com/jwoglom/haprt/pkg/platform"
	"github.com/jwoglom/haprt/pkg/session"
	"github.com/jwoglom/haprt/pkg/tlv8"
)

// Deps wires every collaborator the router's endpoint handlers dispatch
// into. One Deps is shared by every connection of an accessory server.
type Deps struct {
	Access    *access.Engine
	Pairings  *pairing.Store
	Admin     *pairingadmin.Admin
	Sessions  *session.Manager
	Identity  pairverify.Identity
	SetupID   pairsetup.Identity
	DeviceID  []byte
	SetupCode pairsetup.SetupCodeProvider
	Attempts  *pairsetup.AttemptCounter
	Clock     platform.Clock

	// BroadcastKV, when non-nil, is rotated (spec.md §12, grounded in
	// bleadv.RotateOnPairingMutation) whenever this router adds or
	// removes a pairing. Nil in configurations with no BLE advertising
	// controller (IP-only deployments).
	BroadcastKV platform.KVStore
}

func (d *Deps) rotateBroadcastKeyOnMutation() {
	if d.BroadcastKV == nil {
		return
	}
	if _, err := bleadv.RotateOnPairingMutation(d.BroadcastKV, d.Clock); err != nil {
		log.Warnf("iptransport: broadcast key rotation after pairing mutation: %v", err)
	}
}

// HandlerFunc handles one parsed request frame for a bound connection.
type HandlerFunc func(conn *Conn, req *RequestFrame) response

type response struct {
	status      int
	contentType string
	body        []byte
}

// Router dispatches parsed request frames to the IP session loop's fixed
// endpoint table (spec.md §4.7), generalized from the teacher's
// handler/router.go map-of-handlers shape.
type Router struct {
	deps   *Deps
	routes map[string]HandlerFunc
}

// NewRouter creates a Router over deps with every endpoint registered.
func NewRouter(deps *Deps) *Router {
	r := &Router{deps: deps, routes: make(map[string]HandlerFunc)}
	r.routes["/pair-setup"] = r.handlePairSetup
	r.routes["/pair-verify"] = r.handlePairVerify
	r.routes["/pairings"] = r.handlePairings
	r.routes["/accessories"] = r.handleAccessories
	r.routes["/characteristics"] = r.handleCharacteristics
	r.routes["/identify"] = r.handleIdentify
	r.routes["/prepare"] = r.handlePrepare
	r.routes["/resource"] = r.handleResource
	return r
}

// Dispatch routes one parsed frame, logging and defaulting to 404 for an
// unrecognized path.
func (r *Router) Dispatch(conn *Conn, req *RequestFrame) (int, string, []byte) {
	h, ok := r.routes[req.Path]
	if !ok {
		log.Debugf("iptransport: no route for %s", req.Path)
		return 404, "", nil
	}
	resp := h(conn, req)
	return resp.status, resp.contentType, resp.body
}

const tlv8ContentType = "application/pairing+tlv8"
const hapJSONContentType = "application/hap+json"

func (r *Router) handlePairSetup(conn *Conn, req *RequestFrame) response {
	sess := conn.sess
	machine, _ := sess.PairSetupState.(*pairsetup.Machine)
	if machine == nil {
		machine = pairsetup.New(r.deps.SetupCode, r.deps.Pairings, r.deps.SetupID, r.deps.DeviceID, r.deps.Attempts)
		sess.PairSetupState = machine
	}
	body, err := machine.HandleRequest(r.deps.Clock.Now(), req.Body)
	if err == pairsetup.ErrMaxTriesExceeded {
		return response{status: 470}
	}
	if err != nil {
		log.Warnf("iptransport: pair-setup: %v", err)
		return response{status: 400}
	}
	if machine.State() == pairsetup.StateDone {
		sess.PairSetupState = nil
		r.deps.rotateBroadcastKeyOnMutation()
	}
	return response{status: 200, contentType: tlv8ContentType, body: body}
}

func (r *Router) handlePairVerify(conn *Conn, req *RequestFrame) response {
	sess := conn.sess
	machine, _ := sess.PairVerifyState.(*pairverify.Machine)
	if machine == nil {
		machine = pairverify.New(r.deps.Identity, r.deps.DeviceID, r.deps.Pairings)
		sess.PairVerifyState = machine
	}
	body, err := machine.HandleRequest(req.Body)
	if err != nil {
		log.Warnf("iptransport: pair-verify: %v", err)
		return response{status: 400}
	}
	if machine.State() == pairverify.StateDone {
		result := machine.Result()
		sess.Bind(result.ControllerID, result.Admin, result.ReadKey, result.WriteKey)
		r.deps.Sessions.MarkBound(sess)
		log.Infof("iptransport: session bound for controller %s (admin=%v)", result.ControllerID, result.Admin)
	}
	return response{status: 200, contentType: tlv8ContentType, body: body}
}

// handlePairings decodes the raw TLV8 request body HAP uses for the
// /pairings endpoint, carrying the add/remove/list sub-request; the body
// is not wrapped in JSON or base64.
func (r *Router) handlePairings(conn *Conn, req *RequestFrame) response {
	if !conn.sess.Ready() {
		return response{status: 401}
	}
	fields, err := tlv8.ExtractByType(req.Body, tlvState, tlvMethod, tlvIdentifier, tlvPublicKey, tlvPermissions)
	if err != nil {
		return response{status: 400}
	}
	method := byte(0)
	if b, ok := fields[tlvMethod]; ok && len(b) == 1 {
		method = b[0]
	}

	switch method {
	case pairingMethodAdd:
		controllerID := string(fields[tlvIdentifier])
		admin := len(fields[tlvPermissions]) == 1 && fields[tlvPermissions][0] == 1
		if err := r.deps.Admin.AddPairing(conn.sess, controllerID, fields[tlvPublicKey], admin); err != nil {
			return response{status: 400, contentType: tlv8ContentType, body: pairingsError()}
		}
		r.deps.rotateBroadcastKeyOnMutation()
		return response{status: 200, contentType: tlv8ContentType, body: pairingsSuccess()}

	case pairingMethodRemove:
		controllerID := string(fields[tlvIdentifier])
		outcome, err := r.deps.Admin.RemovePairing(conn.sess, controllerID)
		if err != nil {
			return response{status: 400, contentType: tlv8ContentType, body: pairingsError()}
		}
		body := pairingsSuccess()
		conn.afterWrite = func() {
			r.deps.Admin.Finish(conn.sess, outcome)
			r.deps.rotateBroadcastKeyOnMutation()
		}
		return response{status: 200, contentType: tlv8ContentType, body: body}

	case pairingMethodList:
		records, err := r.deps.Admin.ListPairings(conn.sess)
		if err != nil {
			return response{status: 400, contentType: tlv8ContentType, body: pairingsError()}
		}
		return response{status: 200, contentType: tlv8ContentType, body: pairingsList(records)}

	default:
		return response{status: 400, contentType: tlv8ContentType, body: pairingsError()}
	}
}

// TLV8 tags for the /pairings sub-protocol, shared numbering with
// pairsetup/pairverify (spec.md §4.8).
const (
	tlvState       byte = 0x06
	tlvMethod      byte = 0x00
	tlvIdentifier  byte = 0x01
	tlvPublicKey   byte = 0x03
	tlvPermissions byte = 0x0B
	tlvError       byte = 0x07
	tlvSeparator   byte = 0xFF
)

const (
	pairingMethodAdd    byte = 3
	pairingMethodRemove byte = 4
	pairingMethodList   byte = 5
)

func pairingsSuccess() []byte {
	w := tlv8.NewWriter()
	w.Append(tlv8.Item{Type: tlvState, Value: []byte{2}})
	return w.Bytes()
}

func pairingsError() []byte {
	w := tlv8.NewWriter()
	w.Append(tlv8.Item{Type: tlvState, Value: []byte{2}})
	w.Append(tlv8.Item{Type: 0x07, Value: []byte{2}})
	return w.Bytes()
}

func pairingsList(records []pairing.Record) []byte {
	w := tlv8.NewWriter()
	w.Append(tlv8.Item{Type: tlvState, Value: []byte{2}})
	for i, rec := range records {
		if i > 0 {
			w.Append(tlv8.Item{Type: 0x0FF, Value: nil})
		}
		w.Append(tlv8.Item{Type: tlvIdentifier, Value: []byte(rec.ControllerID)})
		w.Append(tlv8.Item{Type: tlvPublicKey, Value: rec.LongTermPublicKey})
		perm := byte(0)
		if rec.Admin {
			perm = 1
		}
		w.Append(tlv8.Item{Type: tlvPermissions, Value: []byte{perm}})
	}
	return w.Bytes()
}

func (r *Router) handleAccessories(conn *Conn, req *RequestFrame) response {
	if !conn.sess.Ready() {
		return response{status: 401}
	}
	streamer := ipjson.New(r.deps.Access.Database(), r.deps.Access.ReadValue)
	var body []byte
	for !streamer.Done() {
		body = streamer.Fill(body, 4096)
	}
	return response{status: 200, contentType: hapJSONContentType, body: body}
}

func (r *Router) handleCharacteristics(conn *Conn, req *RequestFrame) response {
	if !conn.sess.Ready() {
		return response{status: 401}
	}
	if req.Method == "GET" {
		return r.handleCharacteristicsRead(conn, req)
	}
	return r.handleCharacteristicsWrite(conn, req)
}

type idPair struct{ aid, iid uint64 }

func parseIDList(raw string) ([]idPair, error) {
	var out []idPair
	for _, part := range strings.Split(raw, ",") {
		if part == "" {
			continue
		}
		dot := strings.IndexByte(part, '.')
		if dot < 0 {
			return nil, fmt.Errorf("iptransport: malformed id %q", part)
		}
		aid, err := strconv.ParseUint(part[:dot], 10, 64)
		if err != nil {
			return nil, err
		}
		iid, err := strconv.ParseUint(part[dot+1:], 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, idPair{aid: aid, iid: iid})
	}
	return out, nil
}

func (r *Router) handleCharacteristicsRead(conn *Conn, req *RequestFrame) response {
	ids, err := parseIDList(req.Query["id"])
	if err != nil {
		return response{status: 400}
	}
	var b strings.Builder
	b.WriteString(`{"characteristics":[`)
	anyError := false
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		value, status, rerr := r.deps.Access.Read(conn.sess, id.aid, id.iid)
		fmt.Fprintf(&b, `{"aid":%d,"iid":%d`, id.aid, id.iid)
		if rerr != nil || status != db.StatusOK {
			anyError = true
			code := -70402
			if rerr != nil {
				code = -70409
			}
			fmt.Fprintf(&b, `,"status":%d}`, code)
			continue
		}
		fmt.Fprintf(&b, `,"value":%s}`, ipjson.EncodeValue(value))
	}
	b.WriteString(`]}`)

	status := 200
	if anyError {
		status = 207
	}
	return response{status: status, contentType: hapJSONContentType, body: []byte(b.String())}
}

type characteristicWriteItem struct {
	AID      uint64          `json:"aid"`
	IID      uint64          `json:"iid"`
	Value    json.RawMessage `json:"value,omitempty"`
	Ev       *bool           `json:"ev,omitempty"`
	PID      *uint64         `json:"pid,omitempty"`
	AuthData string          `json:"authData,omitempty"`
}

type characteristicsWriteBody struct {
	Characteristics []characteristicWriteItem `json:"characteristics"`
}

func (r *Router) handleCharacteristicsWrite(conn *Conn, req *RequestFrame) response {
	var body characteristicsWriteBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return response{status: 400}
	}

	var b strings.Builder
	b.WriteString(`{"characteristics":[`)
	anyError := false
	anyResponse := false
	for i, item := range body.Characteristics {
		if i > 0 {
			b.WriteByte(',')
		}
		status, hasEntry := r.applyCharacteristicWrite(conn, item)
		fmt.Fprintf(&b, `{"aid":%d,"iid":%d`, item.AID, item.IID)
		if status.err != nil {
			anyError = true
			fmt.Fprintf(&b, `,"status":%d}`, -70409)
			continue
		}
		if status.status != db.StatusOK {
			anyError = true
			fmt.Fprintf(&b, `,"status":%d}`, -70402)
			continue
		}
		if hasEntry {
			anyResponse = true
			fmt.Fprintf(&b, `,"value":%s}`, ipjson.EncodeValue(status.value))
			continue
		}
		b.WriteString(`}`)
	}
	b.WriteString(`]}`)

	if !anyError && !anyResponse {
		return response{status: 204}
	}
	httpStatus := 200
	if anyError {
		httpStatus = 207
	}
	return response{status: httpStatus, contentType: hapJSONContentType, body: []byte(b.String())}
}

type writeOutcome struct {
	status db.Status
	value  db.Value
	err    error
}

// applyCharacteristicWrite dispatches one batch element to the correct
// access-engine operation: event subscription toggle, timed write with
// response, or plain write (spec.md §4.2, §4.7 "batch").
func (r *Router) applyCharacteristicWrite(conn *Conn, item characteristicWriteItem) (writeOutcome, bool) {
	if item.Ev != nil {
		if *item.Ev {
			r.deps.Access.Subscribe(conn.sess, item.AID, item.IID)
		} else {
			r.deps.Access.Unsubscribe(conn.sess, item.AID, item.IID)
		}
		return writeOutcome{status: db.StatusOK}, false
	}
	if len(item.Value) == 0 {
		return writeOutcome{status: db.StatusOK}, false
	}

	_, _, ch, ok := r.deps.Access.Database().Find(item.AID, item.IID)
	if !ok {
		return writeOutcome{err: access.ErrNotFound}, false
	}
	value, err := decodeJSONValue(ch, item.Value)
	if err != nil {
		return writeOutcome{status: db.StatusInvalidData}, false
	}

	var authData []byte
	if item.AuthData != "" {
		authData, _ = base64.StdEncoding.DecodeString(item.AuthData)
	}
	var pid uint64
	hasPID := item.PID != nil
	if hasPID {
		pid = *item.PID
	}

	status, readValue, hasValue, err := r.deps.Access.WriteWithResponse(conn.sess, item.AID, item.IID, value, authData, pid, hasPID)
	if err != nil {
		return writeOutcome{err: err}, false
	}
	if status != db.StatusOK {
		return writeOutcome{status: status}, false
	}
	if hasValue {
		return writeOutcome{status: status, value: readValue}, true
	}
	return writeOutcome{status: status}, false
}

func decodeJSONValue(ch *db.Characteristic, raw json.RawMessage) (db.Value, error) {
	switch ch.Format {
	case db.FormatBool:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			var n float64
			if err2 := json.Unmarshal(raw, &n); err2 != nil {
				return db.Value{}, err
			}
			v = n != 0
		}
		return db.BoolValue(v), nil
	case db.FormatUInt8, db.FormatUInt16, db.FormatUInt32, db.FormatUInt64:
		var v uint64
		if err := json.Unmarshal(raw, &v); err != nil {
			return db.Value{}, err
		}
		return db.UIntValue(ch.Format, v), nil
	case db.FormatInt32:
		var v int32
		if err := json.Unmarshal(raw, &v); err != nil {
			return db.Value{}, err
		}
		return db.IntValue(v), nil
	case db.FormatFloat32:
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return db.Value{}, err
		}
		return db.FloatValue(float32(v)), nil
	case db.FormatString:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return db.Value{}, err
		}
		return db.StringValue(v), nil
	case db.FormatTLV8:
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return db.Value{}, err
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return db.Value{}, err
		}
		return db.TLV8Value(decoded), nil
	default:
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return db.Value{}, err
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return db.Value{}, err
		}
		return db.DataValue(decoded), nil
	}
}

func (r *Router) handleIdentify(conn *Conn, req *RequestFrame) response {
	if !r.deps.Access.Unpaired() {
		return response{status: 400}
	}
	ids, err := parseIDList(req.Query["id"])
	var accessoryID uint64 = 1
	if err == nil && len(ids) > 0 {
		accessoryID = ids[0].aid
	}
	if err := r.deps.Access.Identify(accessoryID); err != nil {
		return response{status: 400}
	}
	return response{status: 204}
}

type prepareBody struct {
	TTL             int64                      `json:"ttl"`
	PID             uint64                     `json:"pid"`
	Characteristics []characteristicWriteItem `json:"characteristics"`
}

func (r *Router) handlePrepare(conn *Conn, req *RequestFrame) response {
	if !conn.sess.Ready() {
		return response{status: 401}
	}
	var body prepareBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return response{status: 400}
	}
	ttl := timeMillis(body.TTL)
	for _, item := range body.Characteristics {
		r.deps.Access.PrepareTimedWrite(conn.sess, item.IID, body.PID, ttl)
	}
	return response{status: 204}
}

func (r *Router) handleResource(conn *Conn, req *RequestFrame) response {
	return response{status: 404}
}
