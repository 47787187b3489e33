package ble

import (
	"encoding/binary"

	"github.com/jwoglom/haprt/pkg/db"
	"github.com/jwoglom/haprt/pkg/tlv8"
)

// propsBits packs a characteristic's Properties into the 2-byte
// little-endian bitfield the signature-read response carries in
// tlvCharPropsDesc.
func propsBits(p db.Properties) uint16 {
	var bits uint16
	set := func(mask uint16, cond bool) {
		if cond {
			bits |= mask
		}
	}
	set(1<<0, p.Readable)
	set(1<<1, p.Writable)
	set(1<<2, p.SupportsAuthorizationData)
	set(1<<3, p.RequiresTimedWrite)
	set(1<<4, p.SupportsEventNotification)
	set(1<<5, p.Hidden)
	set(1<<6, p.RequiresAdminToRead || p.RequiresAdminToWrite)
	set(1<<7, p.BLESupportsBroadcastNotify)
	set(1<<8, p.BLESupportsDisconnectedNotify)
	set(1<<9, p.BLEReadableWithoutSecurity)
	set(1<<10, p.BLEWritableWithoutSecurity)
	return bits
}

// characteristicSignature renders one characteristic's signature-read
// descriptor body (spec.md §4.6 "returns descriptors of the item,
// including format, properties, constraints, and linked ids").
func characteristicSignature(ch *db.Characteristic) []byte {
	w := tlv8.NewWriter()
	w.Append(tlv8.Item{Type: tlvCharType, Value: ch.Type.Bytes()})
	iid := make([]byte, 2)
	binary.LittleEndian.PutUint16(iid, uint16(ch.ID))
	w.Append(tlv8.Item{Type: tlvCharIID, Value: iid})

	props := make([]byte, 2)
	binary.LittleEndian.PutUint16(props, propsBits(ch.Properties))
	w.Append(tlv8.Item{Type: tlvCharPropsDesc, Value: props})

	meta := tlv8.NewWriter()
	meta.Append(tlv8.Item{Type: 0x01, Value: []byte{byte(ch.Format)}})
	if ch.Numeric != nil {
		meta.Append(tlv8.Item{Type: 0x02, Value: encodeValue(ch.Numeric.Min)})
		meta.Append(tlv8.Item{Type: 0x03, Value: encodeValue(ch.Numeric.Max)})
		meta.Append(tlv8.Item{Type: 0x04, Value: encodeValue(ch.Numeric.Step)})
	}
	if ch.Length != nil {
		lenBuf := make([]byte, 2)
		binary.LittleEndian.PutUint16(lenBuf, uint16(ch.Length.MaxLength))
		meta.Append(tlv8.Item{Type: 0x05, Value: lenBuf})
	}
	w.Append(tlv8.Item{Type: tlvMetadata, Value: meta.Bytes()})

	if ch.DebugDescription != "" {
		w.Append(tlv8.Item{Type: tlvUserDesc, Value: []byte(ch.DebugDescription)})
	}
	return w.Bytes()
}

// serviceSignature renders one service's signature-read descriptor body,
// including its characteristics' IIDs and any linked service ids.
func serviceSignature(svc *db.Service) []byte {
	w := tlv8.NewWriter()
	w.Append(tlv8.Item{Type: tlvServiceType, Value: svc.Type.Bytes()})
	iid := make([]byte, 2)
	binary.LittleEndian.PutUint16(iid, uint16(svc.ID))
	w.Append(tlv8.Item{Type: tlvServiceIID, Value: iid})
	for _, ch := range svc.Characteristics {
		w.Append(tlv8.Item{Type: tlvCharIID, Value: characteristicSignature(ch)})
	}
	for _, linked := range svc.LinkedServiceIDs {
		lbuf := make([]byte, 2)
		binary.LittleEndian.PutUint16(lbuf, uint16(linked))
		w.Append(tlv8.Item{Type: tlvServiceIID, Value: lbuf})
	}
	return w.Bytes()
}

// accessoryTreeSignature renders the full whole-attribute-tree signature
// body for one accessory, consumed in chunks by repeated
// OpAccessorySignatureRead requests (spec.md §4.6).
func accessoryTreeSignature(acc *db.Accessory) []byte {
	w := tlv8.NewWriter()
	for _, svc := range acc.Services {
		w.Append(tlv8.Item{Type: tlvServiceIID, Value: serviceSignature(svc)})
	}
	return w.Bytes()
}
