package db

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidDatabase wraps every structural invariant violation detected by
// Validate; the concrete message identifies the offending attribute.
var ErrInvalidDatabase = errors.New("db: invalid database")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidDatabase, fmt.Sprintf(format, args...))
}

// Validate checks every structural invariant in spec.md §3/§4.2. It is run
// once at server start; a Database that fails Validate must not be served.
func (d *Database) Validate(bleEnabled bool) error {
	if len(d.Accessories) == 0 {
		return invalid("database has no accessories")
	}

	seenAccessoryIDs := map[uint64]bool{}
	sawPrimary := false
	for _, acc := range d.Accessories {
		if acc.ID == 0 {
			return invalid("accessory id 0 is reserved")
		}
		if seenAccessoryIDs[acc.ID] {
			return invalid("duplicate accessory id %d", acc.ID)
		}
		seenAccessoryIDs[acc.ID] = true

		if acc.ID == 1 {
			sawPrimary = true
		}

		if !validUTF8(acc.Name, 1, 64) {
			return invalid("accessory %d: name must be 1..64 valid UTF-8 bytes", acc.ID)
		}
		if acc.Manufacturer != "" && !validUTF8(acc.Manufacturer, 0, 64) {
			return invalid("accessory %d: manufacturer must be <=64 valid UTF-8 bytes", acc.ID)
		}
		if !validUTF8(acc.Model, 1, 64) {
			return invalid("accessory %d: model must be 1..64 valid UTF-8 bytes", acc.ID)
		}
		if !validUTF8(acc.SerialNumber, 2, 64) {
			return invalid("accessory %d: serial number must be 2..64 valid UTF-8 bytes", acc.ID)
		}
		if acc.FirmwareRevision == "" {
			return invalid("accessory %d: firmware revision is required", acc.ID)
		}
		if !utf8Valid(acc.FirmwareRevision) || !utf8Valid(acc.HardwareRevision) {
			return invalid("accessory %d: firmware/hardware revision must be valid UTF-8", acc.ID)
		}

		if err := validateAccessoryAttrIDs(acc, bleEnabled); err != nil {
			return err
		}
		if err := validateServices(acc, bleEnabled); err != nil {
			return err
		}
	}

	if !sawPrimary {
		return invalid("no accessory with id 1 (primary)")
	}

	return nil
}

func utf8Valid(s string) bool { return validUTF8(s, 0, 0) }

// validateAccessoryAttrIDs checks id uniqueness and (when BLE is enabled)
// the UINT16_MAX ceiling across every service and characteristic id owned
// by acc.
func validateAccessoryAttrIDs(acc *Accessory, bleEnabled bool) error {
	seen := map[uint64]bool{}
	for _, svc := range acc.Services {
		if svc.ID == 0 {
			return invalid("accessory %d: service id 0 is reserved", acc.ID)
		}
		if bleEnabled && svc.ID > math.MaxUint16 {
			return invalid("accessory %d: service id %d exceeds UINT16_MAX with BLE enabled", acc.ID, svc.ID)
		}
		if seen[svc.ID] {
			return invalid("accessory %d: duplicate attribute id %d (service)", acc.ID, svc.ID)
		}
		seen[svc.ID] = true

		for _, ch := range svc.Characteristics {
			if ch.ID == 0 {
				return invalid("accessory %d: characteristic id 0 is reserved", acc.ID)
			}
			if bleEnabled && ch.ID > math.MaxUint16 {
				return invalid("accessory %d: characteristic id %d exceeds UINT16_MAX with BLE enabled", acc.ID, ch.ID)
			}
			if seen[ch.ID] {
				return invalid("accessory %d: duplicate attribute id %d (characteristic)", acc.ID, ch.ID)
			}
			seen[ch.ID] = true
		}
	}
	return nil
}

func validateServices(acc *Accessory, bleEnabled bool) error {
	byID := make(map[uint64]*Service, len(acc.Services))
	for _, svc := range acc.Services {
		byID[svc.ID] = svc
	}

	sawPrimaryService := false
	for _, svc := range acc.Services {
		if svc.Primary {
			if sawPrimaryService {
				return invalid("accessory %d: more than one primary service", acc.ID)
			}
			sawPrimaryService = true
		}

		if svc.SupportsConfiguration && !isProtocolInformationService(svc) {
			return invalid("accessory %d service %d: supports-configuration is only valid on the protocol-information service", acc.ID, svc.ID)
		}

		if len(svc.Characteristics) == 0 {
			return invalid("accessory %d service %d: has no characteristics", acc.ID, svc.ID)
		}
		allHidden := true
		for _, ch := range svc.Characteristics {
			if !ch.Properties.Hidden {
				allHidden = false
			}
			if err := validateCharacteristic(acc.ID, svc.ID, ch); err != nil {
				return err
			}
		}
		if svc.Hidden != allHidden {
			return invalid("accessory %d service %d: hidden flag must equal (every characteristic hidden)", acc.ID, svc.ID)
		}

		seenLinked := map[uint64]bool{}
		for _, linkID := range svc.LinkedServiceIDs {
			if linkID == svc.ID {
				return invalid("accessory %d service %d: linked-service id self-references", acc.ID, svc.ID)
			}
			if seenLinked[linkID] {
				return invalid("accessory %d service %d: duplicate linked-service id %d", acc.ID, svc.ID, linkID)
			}
			seenLinked[linkID] = true
			if _, ok := byID[linkID]; !ok {
				return invalid("accessory %d service %d: linked-service id %d does not exist", acc.ID, svc.ID, linkID)
			}
		}
	}
	return nil
}

// isProtocolInformationService identifies the well-known protocol
// information service by its core-defined type tag.
func isProtocolInformationService(svc *Service) bool {
	return svc.Type.Equal(protocolInformationServiceType) && svc.Type.IsCoreDefined()
}

func validateCharacteristic(accID, svcID uint64, ch *Characteristic) error {
	p := ch.Properties

	if p.Readable && ch.Callbacks.Read == nil {
		return invalid("accessory %d char %d: readable requires a read callback", accID, ch.ID)
	}
	if p.Writable && ch.Callbacks.Write == nil {
		return invalid("accessory %d char %d: writable requires a write callback", accID, ch.ID)
	}
	if p.SupportsEventNotification && ch.Callbacks.Read == nil {
		return invalid("accessory %d char %d: supports-event-notification requires a read callback", accID, ch.ID)
	}
	if p.RequiresAdminToRead && !p.Readable {
		return invalid("accessory %d char %d: requires-admin-to-read requires readable", accID, ch.ID)
	}
	if p.RequiresAdminToWrite && !p.Writable {
		return invalid("accessory %d char %d: requires-admin-to-write requires writable", accID, ch.ID)
	}
	// OQ3: a legacy combined "requires admin" flag is modeled as the union
	// of the split read/write admin flags; the forward-compat rule is the
	// reverse implication guarding against a half-migrated definition: a
	// characteristic readable and writable by a non-admin must not silently
	// gain an admin gate on reads alone without gaining it on writes too.
	if p.RequiresAdminToRead && p.Writable && !p.RequiresAdminToWrite {
		return invalid("accessory %d char %d: requires-admin-to-read with writable requires requires-admin-to-write", accID, ch.ID)
	}
	if p.RequiresTimedWrite && !p.Writable {
		return invalid("accessory %d char %d: requires-timed-write requires writable", accID, ch.ID)
	}
	if p.SupportsAuthorizationData && !p.Writable {
		return invalid("accessory %d char %d: supports-authorization-data requires writable", accID, ch.ID)
	}
	if p.IPSupportsWriteResponse && !(p.Writable && ch.Callbacks.Read != nil && ch.Callbacks.Write != nil) {
		return invalid("accessory %d char %d: IP write-response requires writable, a read callback and a write callback", accID, ch.ID)
	}
	if p.BLESupportsBroadcastNotify && ch.Callbacks.Read == nil {
		return invalid("accessory %d char %d: BLE broadcast-notification requires a read callback", accID, ch.ID)
	}
	if p.BLESupportsDisconnectedNotify {
		if !(p.Readable && p.SupportsEventNotification && p.BLESupportsBroadcastNotify && ch.Callbacks.Read != nil) {
			return invalid("accessory %d char %d: BLE disconnected-notification requires readable, event notification, broadcast notification and a read callback", accID, ch.ID)
		}
	}

	switch {
	case ch.Format.IsNumeric():
		if ch.Numeric == nil {
			return invalid("accessory %d char %d: numeric format requires NumericConstraints", accID, ch.ID)
		}
		if err := validateNumeric(accID, ch); err != nil {
			return err
		}
		if ch.Format.IsIntegral() && ch.Integral != nil {
			if !ch.Type.IsCoreDefined() {
				return invalid("accessory %d char %d: valid-values/valid-value-ranges require a core-defined type", accID, ch.ID)
			}
			if err := validateIntegralLists(accID, ch); err != nil {
				return err
			}
		}
	case ch.Format == FormatData || ch.Format == FormatString:
		if ch.Length == nil || ch.Length.MaxLength <= 0 {
			return invalid("accessory %d char %d: Data/String format requires a positive max length", accID, ch.ID)
		}
	case ch.Format == FormatTLV8, ch.Format == FormatBool:
		// no extra constraints
	}

	return nil
}

func validateNumeric(accID uint64, ch *Characteristic) error {
	n := ch.Numeric
	if ch.Format == FormatFloat32 {
		if n.Step.Float < 0 {
			return invalid("accessory %d char %d: float step must be >= 0", accID, ch.ID)
		}
		if math.IsNaN(float64(n.Min.Float)) || math.IsNaN(float64(n.Max.Float)) {
			return invalid("accessory %d char %d: float min/max must be finite or infinity, not NaN", accID, ch.ID)
		}
		if n.Min.Float > n.Max.Float {
			return invalid("accessory %d char %d: float min must be <= max", accID, ch.ID)
		}
		return nil
	}
	if ch.Format == FormatInt32 {
		if n.Min.Int > n.Max.Int {
			return invalid("accessory %d char %d: integer min must be <= max", accID, ch.ID)
		}
		if n.Step.Int < 0 {
			return invalid("accessory %d char %d: integer step must be >= 0", accID, ch.ID)
		}
		return nil
	}
	if n.Min.UInt > n.Max.UInt {
		return invalid("accessory %d char %d: integer min must be <= max", accID, ch.ID)
	}
	// n.Step.UInt has no sign to check; any value is permitted, 0 meaning
	// no step constraint.
	return nil
}

func validateIntegralLists(accID uint64, ch *Characteristic) error {
	ig := ch.Integral
	for i := 1; i < len(ig.ValidValues); i++ {
		if ig.ValidValues[i] <= ig.ValidValues[i-1] {
			return invalid("accessory %d char %d: valid-values must be strictly ascending", accID, ch.ID)
		}
	}
	for i, r := range ig.ValidValueRanges {
		if r.Start > r.End {
			return invalid("accessory %d char %d: valid-value-range %d has start > end", accID, ch.ID, i)
		}
		if i > 0 && r.Start <= ig.ValidValueRanges[i-1].End {
			return invalid("accessory %d char %d: valid-value-ranges must be ascending and non-overlapping", accID, ch.ID)
		}
	}
	return nil
}
