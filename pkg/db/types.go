// Package db implements the accessory attribute database: the static tree
// of accessories, services and characteristics that the access, event,
// ipjson and ble packages all read against (spec.md §3).
package db

import (
	"unicode/utf8"

	"github.com/jwoglom/haprt/pkg/hapuuid"
)

// Properties holds the per-characteristic flag set (spec.md §3/§4.2).
type Properties struct {
	Readable                      bool
	Writable                      bool
	SupportsEventNotification     bool
	Hidden                        bool
	RequiresAdminToRead           bool
	RequiresAdminToWrite          bool
	RequiresTimedWrite            bool
	SupportsAuthorizationData     bool
	IPControlPoint                bool
	IPSupportsWriteResponse       bool
	BLESupportsBroadcastNotify    bool
	BLESupportsDisconnectedNotify bool
	BLEReadableWithoutSecurity    bool
	BLEWritableWithoutSecurity    bool
}

// NumericConstraints applies to every numeric Format (IsNumeric).
type NumericConstraints struct {
	Unit string
	Min  Value
	Max  Value
	Step Value
}

// IntegralConstraints additionally applies to integral formats, and only
// when the characteristic's type UUID is core-defined.
type IntegralConstraints struct {
	ValidValues      []uint64 // strictly ascending
	ValidValueRanges []ValueRange
}

// ValueRange is one entry of an integral valid-value-ranges constraint.
type ValueRange struct {
	Start, End uint64
}

// LengthConstraint applies to Data and String formats.
type LengthConstraint struct {
	MaxLength int
}

// Callbacks is the user-supplied handler set for a characteristic. Presence
// of each field is constrained by Properties (validated at AddCharacteristic
// / server start, see validate.go).
type Callbacks struct {
	Read        func(req ReadRequest) (Value, Status)
	Write       func(req WriteRequest) Status
	Subscribe   func(req SubscribeRequest)
	Unsubscribe func(req SubscribeRequest)
}

// ReadRequest is passed to a characteristic's Read callback.
type ReadRequest struct {
	SessionID      uint64
	AccessoryID    uint64
	CharacteristicID uint64
}

// WriteRequest is passed to a characteristic's Write callback.
type WriteRequest struct {
	SessionID        uint64
	AccessoryID      uint64
	CharacteristicID uint64
	Value            Value
	AuthorizationData []byte
}

// SubscribeRequest is passed to a characteristic's Subscribe/Unsubscribe
// callback.
type SubscribeRequest struct {
	SessionID        uint64
	AccessoryID      uint64
	CharacteristicID uint64
}

// Characteristic is one leaf attribute. Exactly one of NumericConstraints,
// IntegralConstraints or LengthConstraint is meaningful, selected by Format.
type Characteristic struct {
	ID                   uint64
	Type                 hapuuid.UUID
	DebugDescription     string
	ManufacturerDescription string
	Format               Format
	Properties           Properties
	Callbacks            Callbacks
	Numeric              *NumericConstraints
	Integral             *IntegralConstraints
	Length               *LengthConstraint
}

// Service is an ordered group of characteristics under an accessory.
type Service struct {
	ID                  uint64
	Type                hapuuid.UUID
	DebugDescription    string
	Name                string
	Primary             bool
	Hidden              bool
	SupportsConfiguration bool
	LinkedServiceIDs    []uint64
	Characteristics     []*Characteristic
}

// Accessory is the top-level addressable unit: a bridge or a single
// standalone device.
type Accessory struct {
	ID               uint64
	Category         uint32
	Name             string
	Manufacturer     string
	Model            string
	SerialNumber     string
	FirmwareRevision string
	HardwareRevision string
	Services         []*Service
	Identify         func()
}

// Database is the full attribute tree for one accessory server process.
// It is immutable after Validate succeeds; concurrent reads from multiple
// transport goroutines are safe.
type Database struct {
	Accessories []*Accessory
}

// validUTF8 reports whether s is valid UTF-8 and within [min, max] bytes
// (max<=0 means no upper bound).
func validUTF8(s string, min, max int) bool {
	if !utf8.ValidString(s) {
		return false
	}
	n := len(s)
	if n < min {
		return false
	}
	if max > 0 && n > max {
		return false
	}
	return true
}
