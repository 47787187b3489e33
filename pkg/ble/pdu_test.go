package ble

import (
	"bytes"
	"testing"
)

// TestFragmentRoundTripScenario6 reproduces spec.md §4.6 scenario 6: an
// MTU of 23 and a 140-byte response body fragment into
// ceil(140/(23-3)) = 7 fragments, reassembling byte-identical.
func TestFragmentRoundTripScenario6(t *testing.T) {
	body := make([]byte, 140)
	for i := range body {
		body[i] = byte(i)
	}
	resp := Response{TID: 0x42, Status: 0x00, Body: body}
	frame := EncodeResponse(resp)

	fragments := FragmentFrame(frame, 23, true)
	wantFragments := 7
	if len(fragments) != wantFragments {
		t.Fatalf("got %d fragments, want %d", len(fragments), wantFragments)
	}

	var r Reassembler
	var reassembled []byte
	var complete bool
	var err error
	for _, frag := range fragments {
		reassembled, complete, err = r.Feed(frag)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	if !complete {
		t.Fatal("reassembly never completed")
	}
	if !bytes.Equal(reassembled, frame) {
		t.Fatalf("reassembled frame mismatch: got %d bytes, want %d", len(reassembled), len(frame))
	}

	got, err := decodeResponseFrame(reassembled)
	if err != nil {
		t.Fatalf("decodeResponseFrame: %v", err)
	}
	if got.TID != resp.TID || got.Status != resp.Status || !bytes.Equal(got.Body, resp.Body) {
		t.Fatalf("decoded response mismatch: %+v", got)
	}
}

func TestFragmentSingleFragmentWhenSmall(t *testing.T) {
	resp := Response{TID: 1, Status: 0, Body: []byte("short")}
	frame := EncodeResponse(resp)
	fragments := FragmentFrame(frame, 185, true)
	if len(fragments) != 1 {
		t.Fatalf("got %d fragments, want 1", len(fragments))
	}
	if fragments[0][0]&ctrlContinuation != 0 {
		t.Fatal("single fragment must not carry continuation bit")
	}
}

func TestReassemblerRejectsLeadingContinuation(t *testing.T) {
	var r Reassembler
	_, _, err := r.Feed([]byte{ctrlContinuation, 0x01})
	if err != ErrInvalidData {
		t.Fatalf("got %v, want ErrInvalidData", err)
	}
}

func TestReassemblerResetDiscardsPartialPDU(t *testing.T) {
	var r Reassembler
	frag := FragmentFrame(EncodeRequest(Request{Opcode: 3, TID: 1, IID: 9, Body: make([]byte, 100)}), 23, false)
	if len(frag) < 2 {
		t.Fatal("expected a multi-fragment request for this test")
	}
	if _, _, err := r.Feed(frag[0]); err != ErrIncomplete {
		t.Fatalf("got %v, want ErrIncomplete", err)
	}
	r.Reset()
	if _, _, err := r.Feed(frag[0]); err != ErrIncomplete {
		t.Fatalf("after reset, got %v, want ErrIncomplete", err)
	}
}

func TestEncodeDecodeRequestFrame(t *testing.T) {
	req := Request{Opcode: byte(OpCharacteristicWrite), TID: 7, IID: 12, Body: []byte{1, 2, 3}}
	frame := EncodeRequest(req)
	got, err := decodeRequestFrame(frame)
	if err != nil {
		t.Fatalf("decodeRequestFrame: %v", err)
	}
	if got.Opcode != req.Opcode || got.TID != req.TID || got.IID != req.IID || !bytes.Equal(got.Body, req.Body) {
		t.Fatalf("got %+v, want %+v", got, req)
	}
}
