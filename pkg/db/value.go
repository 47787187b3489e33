package db

// Value is a characteristic's runtime value, tagged by Format. Exactly one
// field is meaningful for a given Format.
type Value struct {
	Format Format
	Bool   bool
	UInt   uint64
	Int    int32
	Float  float32
	Bytes  []byte // Data, String (UTF-8), TLV8 (pre-encoded)
}

// BoolValue constructs a Bool value.
func BoolValue(b bool) Value { return Value{Format: FormatBool, Bool: b} }

// UIntValue constructs a numeric unsigned value tagged with the given
// integral format.
func UIntValue(f Format, v uint64) Value { return Value{Format: f, UInt: v} }

// IntValue constructs an Int32 value.
func IntValue(v int32) Value { return Value{Format: FormatInt32, Int: v} }

// FloatValue constructs a Float32 value.
func FloatValue(v float32) Value { return Value{Format: FormatFloat32, Float: v} }

// StringValue constructs a String value.
func StringValue(s string) Value { return Value{Format: FormatString, Bytes: []byte(s)} }

// DataValue constructs a Data value.
func DataValue(b []byte) Value { return Value{Format: FormatData, Bytes: b} }

// TLV8Value constructs a TLV8 value from pre-encoded TLV8 bytes.
func TLV8Value(b []byte) Value { return Value{Format: FormatTLV8, Bytes: b} }
