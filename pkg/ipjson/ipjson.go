// Package ipjson implements the resumable IP JSON response streamer of
// spec.md §4.5: it serializes the accessories array into a caller-provided
// buffer, resuming across calls rather than building the whole graph in
// memory at once. Only the single service/characteristic currently being
// emitted is rendered into a token at a time; state is the explicit
// (accessoryIndex, serviceIndex, characteristicIndex, linked-index, token
// cursor) tuple spec.md §4.5 names. No direct teacher analogue exists (the
// teacher emits TLV8/hex, not JSON-over-HTTP); grounded on the *shape* of
// the teacher's protocol.Reassembler (explicit position/cursor state
// resumed across calls) applied to serialization instead of parsing.
// encoding/json is deliberately not used: the spec requires partial-buffer,
// resumable emission that json.Marshal cannot provide.
package ipjson

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jwoglom/haprt/pkg/db"
)

// ReadFunc resolves a characteristic's current value for serialization,
// mirroring access.Engine.ReadValue. Injected to avoid a dependency cycle.
type ReadFunc func(accessoryID, characteristicID uint64) (db.Value, db.Status)

// pos is one token-boundary label in the streamer's state machine
// (spec.md §4.5's "finite set of position labels covering every token
// boundary").
type pos int

const (
	posArrayStart pos = iota
	posAccessoryStart
	posAccessoryAID
	posServicesArrayStart
	posServiceStart
	posServiceFields
	posCharacteristicsArrayStart
	posCharacteristicStart
	posCharacteristicFields
	posServiceEnd
	posServicesArrayEnd
	posAccessoryEnd
	posArrayEnd
	posDone
)

// Streamer emits the accessories array as JSON, one bounded Fill call at a
// time.
type Streamer struct {
	database *db.Database
	read     ReadFunc

	state pos
	accIx int
	svcIx int
	chIx  int

	// token/tokenPos hold the byte cursor for whatever's currently
	// partially written — a punctuation run or one characteristic's
	// rendered JSON fragment.
	token    []byte
	tokenPos int

	firstAccessory bool
	firstService   bool
	firstChar      bool
}

// New creates a Streamer over database, resolving characteristic values
// through read.
func New(database *db.Database, read ReadFunc) *Streamer {
	return &Streamer{database: database, read: read, state: posArrayStart}
}

// Done reports whether the entire graph has been emitted.
func (s *Streamer) Done() bool { return s.state == posDone }

// Fill appends at least minBytes to buf (or until the graph is exhausted),
// returning the grown buffer. The caller is expected to flush buf and call
// Fill again (with buf reset to len 0, same backing array reused) until
// Done reports true. minBytes is a soft floor, not a hard cap: a single
// characteristic's fragment is never split mid-token, so a call may write
// somewhat more than minBytes.
func (s *Streamer) Fill(buf []byte, minBytes int) []byte {
	start := len(buf)
	for !s.Done() && len(buf)-start < minBytes {
		if s.tokenPos < len(s.token) {
			buf = append(buf, s.token[s.tokenPos:]...)
			s.tokenPos = len(s.token)
			continue
		}
		s.advance()
	}
	return buf
}

// advance runs the state machine forward by exactly one token, loading the
// next pending fragment into s.token/s.tokenPos. It never touches the
// caller's buffer directly — Fill owns all writes — which keeps each
// state transition a pure function of (accIx, svcIx, chIx, state).
func (s *Streamer) advance() {
	switch s.state {
	case posArrayStart:
		s.setToken("[")
		s.state = posAccessoryStart
		s.accIx = 0
		s.firstAccessory = true

	case posAccessoryStart:
		if s.accIx >= len(s.database.Accessories) {
			s.state = posArrayEnd
			s.advance()
			return
		}
		sep := ""
		if !s.firstAccessory {
			sep = ","
		}
		s.firstAccessory = false
		s.setToken(sep + "{")
		s.state = posAccessoryAID

	case posAccessoryAID:
		acc := s.database.Accessories[s.accIx]
		s.setToken(fmt.Sprintf(`"aid":%d,"services":`, acc.ID))
		s.state = posServicesArrayStart

	case posServicesArrayStart:
		s.setToken("[")
		s.svcIx = 0
		s.firstService = true
		s.state = posServiceStart

	case posServiceStart:
		acc := s.database.Accessories[s.accIx]
		if s.svcIx >= len(acc.Services) {
			s.state = posServicesArrayEnd
			s.advance()
			return
		}
		if !supportedOnIP(acc.Services[s.svcIx]) {
			s.svcIx++
			s.advance()
			return
		}
		sep := ""
		if !s.firstService {
			sep = ","
		}
		s.firstService = false
		s.setToken(sep + "{")
		s.state = posServiceFields

	case posServiceFields:
		acc := s.database.Accessories[s.accIx]
		svc := acc.Services[s.svcIx]
		s.setToken(serviceFieldsJSON(svc))
		s.chIx = 0
		s.firstChar = true
		s.state = posCharacteristicsArrayStart

	case posCharacteristicsArrayStart:
		s.setToken(`"characteristics":[`)
		s.state = posCharacteristicStart

	case posCharacteristicStart:
		acc := s.database.Accessories[s.accIx]
		svc := acc.Services[s.svcIx]
		if s.chIx >= len(svc.Characteristics) {
			s.state = posServiceEnd
			s.advance()
			return
		}
		sep := ""
		if !s.firstChar {
			sep = ","
		}
		s.firstChar = false
		s.setToken(sep)
		s.state = posCharacteristicFields

	case posCharacteristicFields:
		acc := s.database.Accessories[s.accIx]
		svc := acc.Services[s.svcIx]
		ch := svc.Characteristics[s.chIx]
		s.setToken(characteristicJSON(acc.ID, ch, s.read))
		s.chIx++
		s.state = posCharacteristicStart

	case posServiceEnd:
		s.setToken("]}")
		s.svcIx++
		s.state = posServiceStart

	case posServicesArrayEnd:
		s.setToken("]")
		s.state = posAccessoryEnd

	case posAccessoryEnd:
		s.setToken("}")
		s.accIx++
		s.state = posAccessoryStart

	case posArrayEnd:
		s.setToken("]")
		s.state = posDone

	case posDone:
		s.setToken("")
	}
}

func (s *Streamer) setToken(str string) {
	s.token = []byte(str)
	s.tokenPos = 0
}

// characteristicJSON renders one characteristic's JSON object fragment,
// applying the control-point/TLV/event-only/read-failure emission rules
// of spec.md §4.5.
func characteristicJSON(accessoryID uint64, ch *db.Characteristic, read ReadFunc) string {
	var b strings.Builder
	b.WriteByte('{')
	fmt.Fprintf(&b, `"iid":%d,"type":"%s"`, ch.ID, ch.Type.String())
	b.WriteString(`,"perms":[`)
	b.WriteString(permsJSON(ch.Properties))
	b.WriteString(`]`)
	fmt.Fprintf(&b, `,"format":"%s"`, formatName(ch.Format))
	if ch.DebugDescription != "" {
		fmt.Fprintf(&b, `,"description":%s`, jsonString(ch.DebugDescription))
	}
	if ch.Numeric != nil {
		if ch.Numeric.Unit != "" {
			fmt.Fprintf(&b, `,"unit":%s`, jsonString(ch.Numeric.Unit))
		}
		fmt.Fprintf(&b, `,"minValue":%s,"maxValue":%s,"minStep":%s`,
			jsonNumber(ch.Numeric.Min), jsonNumber(ch.Numeric.Max), jsonNumber(ch.Numeric.Step))
	}
	if ch.Length != nil {
		fmt.Fprintf(&b, `,"maxLen":%d`, ch.Length.MaxLength)
	}
	if ch.Integral != nil && ch.Type.IsCoreDefined() {
		if len(ch.Integral.ValidValues) > 0 {
			b.WriteString(`,"valid-values":[`)
			for i, v := range ch.Integral.ValidValues {
				if i > 0 {
					b.WriteByte(',')
				}
				fmt.Fprintf(&b, "%d", v)
			}
			b.WriteString(`]`)
		}
		if len(ch.Integral.ValidValueRanges) > 0 {
			b.WriteString(`,"valid-values-range":[`)
			for i, r := range ch.Integral.ValidValueRanges {
				if i > 0 {
					b.WriteByte(',')
				}
				fmt.Fprintf(&b, "[%d,%d]", r.Start, r.End)
			}
			b.WriteString(`]`)
		}
	}

	if ch.Properties.Readable {
		b.WriteString(`,"value":`)
		b.WriteString(valueJSON(accessoryID, ch, read))
	}
	b.WriteByte('}')
	return b.String()
}

// valueJSON applies the read-during-discovery suppression, control-point,
// TLV-format, and event-only rules (spec.md §4.2 step 6, §4.5).
func valueJSON(accessoryID uint64, ch *db.Characteristic, read ReadFunc) string {
	if ch.Properties.IPControlPoint {
		return "null"
	}
	if isEventOnly(ch) {
		return "null"
	}
	if read == nil {
		return nullOrEmpty(ch)
	}
	value, status := read(accessoryID, ch.ID)
	if status != db.StatusOK {
		return nullOrEmpty(ch)
	}
	return renderValue(value)
}

// nullOrEmpty preserves spec.md §9's open-question asymmetry verbatim: a
// TLV-formatted characteristic's failure renders as an empty JSON string,
// every other format's failure renders as null.
func nullOrEmpty(ch *db.Characteristic) string {
	if ch.Format == db.FormatTLV8 {
		return `""`
	}
	return "null"
}

// isEventOnly reports whether ch is an event-only ("input event")
// characteristic: readable and subscribable but never yields a real value
// on read (spec.md §4.2 "raise_event").
func isEventOnly(ch *db.Characteristic) bool {
	return ch.Properties.SupportsEventNotification && ch.Callbacks.Read == nil
}

// EncodeValue renders v the same way the accessories-array streamer would,
// for callers building single-characteristic JSON bodies outside a full
// Streamer pass (the IP transport's /characteristics batch endpoint).
func EncodeValue(v db.Value) string { return renderValue(v) }

func renderValue(v db.Value) string {
	switch v.Format {
	case db.FormatBool:
		if v.Bool {
			return "1"
		}
		return "0"
	case db.FormatUInt8, db.FormatUInt16, db.FormatUInt32, db.FormatUInt64:
		return strconv.FormatUint(v.UInt, 10)
	case db.FormatInt32:
		return strconv.FormatInt(int64(v.Int), 10)
	case db.FormatFloat32:
		return strconv.FormatFloat(float64(v.Float), 'g', -1, 32)
	case db.FormatString:
		return jsonString(string(v.Bytes))
	case db.FormatData, db.FormatTLV8:
		return jsonString(string(v.Bytes))
	default:
		return "null"
	}
}

func jsonNumber(v db.Value) string {
	switch v.Format {
	case db.FormatFloat32:
		f := float64(v.Float)
		if f > 3.0e38 {
			return `"inf"`
		}
		if f < -3.0e38 {
			return `"-inf"`
		}
		return strconv.FormatFloat(f, 'g', -1, 32)
	case db.FormatInt32:
		return strconv.FormatInt(int64(v.Int), 10)
	default:
		return strconv.FormatUint(v.UInt, 10)
	}
}

func formatName(f db.Format) string {
	switch f {
	case db.FormatBool:
		return "bool"
	case db.FormatUInt8:
		return "uint8"
	case db.FormatUInt16:
		return "uint16"
	case db.FormatUInt32:
		return "uint32"
	case db.FormatUInt64:
		return "uint64"
	case db.FormatInt32:
		return "int"
	case db.FormatFloat32:
		return "float"
	case db.FormatString:
		return "string"
	case db.FormatTLV8:
		return "tlv8"
	default:
		return "data"
	}
}

func permsJSON(p db.Properties) string {
	var perms []string
	if p.Readable {
		perms = append(perms, `"pr"`)
	}
	if p.Writable {
		perms = append(perms, `"pw"`)
	}
	if p.SupportsEventNotification {
		perms = append(perms, `"ev"`)
	}
	if p.Hidden {
		perms = append(perms, `"hd"`)
	}
	if p.RequiresAdminToWrite {
		perms = append(perms, `"aw"`)
	}
	if p.RequiresTimedWrite {
		perms = append(perms, `"tw"`)
	}
	if p.SupportsAuthorizationData {
		perms = append(perms, `"aa"`)
	}
	if p.IPSupportsWriteResponse {
		perms = append(perms, `"wr"`)
	}
	if p.BLESupportsBroadcastNotify {
		perms = append(perms, `"bn"`)
	}
	return strings.Join(perms, ",")
}

func serviceFieldsJSON(svc *db.Service) string {
	var b strings.Builder
	fmt.Fprintf(&b, `"iid":%d,"type":"%s"`, svc.ID, svc.Type.String())
	if svc.Primary {
		b.WriteString(`,"primary":true`)
	}
	if svc.Hidden {
		b.WriteString(`,"hidden":true`)
	}
	if len(svc.LinkedServiceIDs) > 0 {
		b.WriteString(`,"linked":[`)
		for i, id := range svc.LinkedServiceIDs {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%d", id)
		}
		b.WriteString(`]`)
	}
	b.WriteByte(',')
	return b.String()
}

// supportedOnIP reports whether svc should appear in the IP accessories
// response; every service defined in this database is IP-supported except
// one explicitly marked hidden-and-BLE-only in the future. All services
// are currently eligible; the hook exists for spec.md §4.5's "Services not
// supported on the IP transport are skipped."
func supportedOnIP(svc *db.Service) bool {
	return true
}

func jsonString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}
