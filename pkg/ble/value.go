package ble

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jwoglom/haprt/pkg/db"
)

// decodeValue parses raw little-endian wire bytes into a db.Value tagged
// with ch's format, the inverse of encodeValue.
func decodeValue(ch *db.Characteristic, raw []byte) (db.Value, error) {
	switch ch.Format {
	case db.FormatBool:
		if len(raw) != 1 {
			return db.Value{}, fmt.Errorf("ble: bad bool value length %d", len(raw))
		}
		return db.BoolValue(raw[0] != 0), nil
	case db.FormatUInt8:
		if len(raw) != 1 {
			return db.Value{}, fmt.Errorf("ble: bad uint8 value length %d", len(raw))
		}
		return db.UIntValue(db.FormatUInt8, uint64(raw[0])), nil
	case db.FormatUInt16:
		if len(raw) != 2 {
			return db.Value{}, fmt.Errorf("ble: bad uint16 value length %d", len(raw))
		}
		return db.UIntValue(db.FormatUInt16, uint64(binary.LittleEndian.Uint16(raw))), nil
	case db.FormatUInt32:
		if len(raw) != 4 {
			return db.Value{}, fmt.Errorf("ble: bad uint32 value length %d", len(raw))
		}
		return db.UIntValue(db.FormatUInt32, uint64(binary.LittleEndian.Uint32(raw))), nil
	case db.FormatUInt64:
		if len(raw) != 8 {
			return db.Value{}, fmt.Errorf("ble: bad uint64 value length %d", len(raw))
		}
		return db.UIntValue(db.FormatUInt64, binary.LittleEndian.Uint64(raw)), nil
	case db.FormatInt32:
		if len(raw) != 4 {
			return db.Value{}, fmt.Errorf("ble: bad int32 value length %d", len(raw))
		}
		return db.IntValue(int32(binary.LittleEndian.Uint32(raw))), nil
	case db.FormatFloat32:
		if len(raw) != 4 {
			return db.Value{}, fmt.Errorf("ble: bad float32 value length %d", len(raw))
		}
		bits := binary.LittleEndian.Uint32(raw)
		return db.FloatValue(math.Float32frombits(bits)), nil
	case db.FormatString:
		return db.StringValue(string(raw)), nil
	case db.FormatData, db.FormatTLV8:
		return db.DataValue(append([]byte(nil), raw...)), nil
	default:
		return db.Value{}, fmt.Errorf("ble: unsupported format %v", ch.Format)
	}
}

// encodeValue renders v as little-endian wire bytes, the inverse of
// decodeValue.
func encodeValue(v db.Value) []byte {
	switch v.Format {
	case db.FormatBool:
		if v.Bool {
			return []byte{1}
		}
		return []byte{0}
	case db.FormatUInt8:
		return []byte{byte(v.UInt)}
	case db.FormatUInt16:
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(v.UInt))
		return buf
	case db.FormatUInt32:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(v.UInt))
		return buf
	case db.FormatUInt64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, v.UInt)
		return buf
	case db.FormatInt32:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(v.Int))
		return buf
	case db.FormatFloat32:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v.Float))
		return buf
	case db.FormatString, db.FormatData, db.FormatTLV8:
		return append([]byte(nil), v.Bytes...)
	default:
		return nil
	}
}

func statusFromDB(s db.Status) PDUStatus {
	switch s {
	case db.StatusOK:
		return PDUStatusSuccess
	case db.StatusInvalidData:
		return PDUStatusInvalidRequest
	case db.StatusOutOfResources:
		return PDUStatusInsufficientRes
	case db.StatusNotAuthorized:
		return PDUStatusInsufficientAuth
	case db.StatusBusy:
		return PDUStatusBusy
	case db.StatusInvalidState:
		return PDUStatusInvalidRequest
	default:
		return PDUStatusUnsupportedPDU
	}
}
