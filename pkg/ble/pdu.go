// Package ble implements the BLE GATT procedure engine of spec.md §4.6:
// HAP-PDU fragment assembly and reassembly, characteristic-level request
// dispatch into the attribute access engine, response fragmentation, and
// the Pair-Resume LRU cache. Grounded on the teacher's
// protocol/reassembler.go (buffer-keyed, timeout-swept reassembly)
// generalized from packet payloads to PDU bodies, and handler/router.go's
// handler-table dispatch generalized from pumpX2 message types to HAP
// opcodes.
package ble

import (
	"encoding/binary"
	"errors"
)

// ErrInvalidData is returned on truncated or malformed PDU framing.
var ErrInvalidData = errors.New("ble: invalid pdu framing")

// ErrIncomplete is returned by the Reassembler while more continuation
// fragments are still expected.
var ErrIncomplete = errors.New("ble: pdu fragment incomplete")

// attHeaderOverhead is the ATT protocol's per-write header budget
// subtracted from the negotiated MTU to get the usable payload size
// (spec.md §4.6, scenario 6: "ceil(140/(MTU-3))").
const attHeaderOverhead = 3

// Control byte bits for one PDU fragment.
const (
	ctrlContinuation byte = 1 << 7
	ctrlResponse     byte = 1 << 6
)

// requestHeaderLen is opcode(1) + TID(1) + IID(2 LE) + bodyLen(2 LE).
const requestHeaderLen = 6

// responseHeaderLen is TID(1) + status(1) + bodyLen(2 LE).
const responseHeaderLen = 4

// Request is one decoded HAP-PDU request.
type Request struct {
	Opcode byte
	TID    byte
	IID    uint64
	Body   []byte
}

// Response is one HAP-PDU response, ready for fragmentation.
type Response struct {
	TID    byte
	Status byte
	Body   []byte
}

// EncodeRequest renders req's logical frame (without the per-fragment
// control byte), for use by tests that drive the engine from the
// controller side.
func EncodeRequest(req Request) []byte {
	buf := make([]byte, requestHeaderLen+len(req.Body))
	buf[0] = req.Opcode
	buf[1] = req.TID
	binary.LittleEndian.PutUint16(buf[2:4], uint16(req.IID))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(req.Body)))
	copy(buf[requestHeaderLen:], req.Body)
	return buf
}

// EncodeResponse renders resp's logical frame (without the per-fragment
// control byte).
func EncodeResponse(resp Response) []byte {
	buf := make([]byte, responseHeaderLen+len(resp.Body))
	buf[0] = resp.TID
	buf[1] = resp.Status
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(resp.Body)))
	copy(buf[responseHeaderLen:], resp.Body)
	return buf
}

func decodeRequestFrame(frame []byte) (Request, error) {
	if len(frame) < requestHeaderLen {
		return Request{}, ErrInvalidData
	}
	bodyLen := int(binary.LittleEndian.Uint16(frame[4:6]))
	if requestHeaderLen+bodyLen != len(frame) {
		return Request{}, ErrInvalidData
	}
	return Request{
		Opcode: frame[0],
		TID:    frame[1],
		IID:    uint64(binary.LittleEndian.Uint16(frame[2:4])),
		Body:   frame[requestHeaderLen:],
	}, nil
}

func decodeResponseFrame(frame []byte) (Response, error) {
	if len(frame) < responseHeaderLen {
		return Response{}, ErrInvalidData
	}
	bodyLen := int(binary.LittleEndian.Uint16(frame[2:4]))
	if responseHeaderLen+bodyLen != len(frame) {
		return Response{}, ErrInvalidData
	}
	return Response{
		TID:    frame[0],
		Status: frame[1],
		Body:   frame[responseHeaderLen:],
	}, nil
}

// maxFragmentPayload returns how many frame bytes fit in one ATT write at
// the given MTU, after the 1-byte control prefix and 3-byte ATT overhead.
func maxFragmentPayload(mtu int) int {
	n := mtu - attHeaderOverhead - 1
	if n < 1 {
		n = 1
	}
	return n
}

// FragmentFrame splits a logical frame (as produced by EncodeRequest or
// EncodeResponse) into ATT-MTU-sized fragments, each prefixed by a
// 1-byte control field (spec.md §4.6, scenario 6). isResponse selects the
// ctrlResponse bit carried on every fragment (including continuations),
// letting the Reassembler recover frame type from the first byte alone.
func FragmentFrame(frame []byte, mtu int, isResponse bool) [][]byte {
	payload := maxFragmentPayload(mtu)
	var responseBit byte
	if isResponse {
		responseBit = ctrlResponse
	}

	if len(frame) <= payload {
		return [][]byte{append([]byte{responseBit}, frame...)}
	}

	var fragments [][]byte
	first := true
	for len(frame) > 0 {
		n := payload
		if n > len(frame) {
			n = len(frame)
		}
		ctrl := responseBit
		if !first {
			ctrl |= ctrlContinuation
		}
		frag := append([]byte{ctrl}, frame[:n]...)
		fragments = append(fragments, frag)
		frame = frame[n:]
		first = false
	}
	return fragments
}

// Reassembler accumulates fragments for a single in-flight PDU on one BLE
// link (spec.md §4.6 "the engine assembles before dispatching"). One link
// has exactly one PDU in flight at a time, matching "the engine operates
// on a single bound session per peripheral link".
type Reassembler struct {
	buf        []byte
	isResponse bool
	started    bool
}

// Reset discards any partial PDU, e.g. on disconnect.
func (r *Reassembler) Reset() {
	r.buf = nil
	r.started = false
}

// frameHeaderLen reports the logical header length once the direction is
// known from the first fragment's control byte.
func frameHeaderLen(isResponse bool) int {
	if isResponse {
		return responseHeaderLen
	}
	return requestHeaderLen
}

// bodyLenField returns the byte offset of the 2-byte little-endian body
// length field within the logical frame header.
func bodyLenField(isResponse bool) int {
	if isResponse {
		return 2
	}
	return 4
}

// Feed appends one ATT-write fragment. It returns (frame, true, nil) once
// the full logical frame (header+body, control byte stripped) has been
// reassembled, or (nil, false, ErrIncomplete) while more continuation
// fragments are expected. A malformed leading control byte (continuation
// without a prior first fragment) is ErrInvalidData.
func (r *Reassembler) Feed(fragment []byte) ([]byte, bool, error) {
	if len(fragment) < 1 {
		return nil, false, ErrInvalidData
	}
	ctrl := fragment[0]
	isContinuation := ctrl&ctrlContinuation != 0
	isResponse := ctrl&ctrlResponse != 0

	if !r.started {
		if isContinuation {
			return nil, false, ErrInvalidData
		}
		r.started = true
		r.isResponse = isResponse
		r.buf = append([]byte(nil), fragment[1:]...)
	} else {
		if !isContinuation || isResponse != r.isResponse {
			return nil, false, ErrInvalidData
		}
		r.buf = append(r.buf, fragment[1:]...)
	}

	hdr := frameHeaderLen(r.isResponse)
	if len(r.buf) < hdr {
		return nil, false, ErrIncomplete
	}
	off := bodyLenField(r.isResponse)
	bodyLen := int(binary.LittleEndian.Uint16(r.buf[off : off+2]))
	total := hdr + bodyLen
	if len(r.buf) < total {
		return nil, false, ErrIncomplete
	}
	if len(r.buf) > total {
		return nil, false, ErrInvalidData
	}

	frame := r.buf
	r.Reset()
	return frame, true, nil
}
