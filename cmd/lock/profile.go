package main

import (
	"github.com/jwoglom/haprt/internal/gpio"
	"github.com/jwoglom/haprt/internal/sample"
	"github.com/jwoglom/haprt/pkg/db"
	"github.com/jwoglom/haprt/pkg/hapuuid"
)

var (
	lockMechanismServiceType = hapuuid.MustParse("45")
	lockCurrentStateCharType = hapuuid.MustParse("1D")
	lockTargetStateCharType  = hapuuid.MustParse("1E")
)

// Lock current/target state values (spec.md's numeric-enum convention,
// matching the real HAP LockCurrentState/LockTargetState characteristics).
const (
	lockStateUnsecured = 0
	lockStateSecured   = 1
	lockStateJammed    = 2
	lockStateUnknown   = 3
)

const defaultSolenoidPin = 23

// buildDatabase assembles the attribute graph for a door lock: a solenoid
// driven through one GPIO output pin, with LockCurrentState mirroring
// whatever LockTargetState was last written (no separate position sensor
// on this reference wiring). The solenoid pin is read from pins
// (accessory.yaml's "solenoid" key), falling back to defaultSolenoidPin.
func buildDatabase(id sample.Identity, gp gpio.Pins, pins sample.PinConfig) *db.Database {
	solenoidPin := pins.Pin("solenoid", defaultSolenoidPin)
	gp.ConfigureOutput(solenoidPin)

	state := &lockState{gpio: gp, solenoidPin: solenoidPin, current: lockStateSecured}

	currentCh := &db.Characteristic{
		ID:     8,
		Type:   lockCurrentStateCharType,
		Format: db.FormatUInt8,
		Properties: db.Properties{
			Readable:                  true,
			SupportsEventNotification: true,
		},
		Callbacks: db.Callbacks{
			Read: state.readCurrent,
		},
		Numeric: &db.NumericConstraints{
			Min: db.UIntValue(db.FormatUInt8, 0),
			Max: db.UIntValue(db.FormatUInt8, 3),
		},
		Integral: &db.IntegralConstraints{
			ValidValues: []uint64{lockStateUnsecured, lockStateSecured, lockStateJammed, lockStateUnknown},
		},
	}

	targetCh := &db.Characteristic{
		ID:     9,
		Type:   lockTargetStateCharType,
		Format: db.FormatUInt8,
		Properties: db.Properties{
			Readable:                  true,
			Writable:                  true,
			SupportsEventNotification: true,
		},
		Callbacks: db.Callbacks{
			Read:  state.readTarget,
			Write: state.writeTarget,
		},
		Numeric: &db.NumericConstraints{
			Min: db.UIntValue(db.FormatUInt8, 0),
			Max: db.UIntValue(db.FormatUInt8, 1),
		},
		Integral: &db.IntegralConstraints{
			ValidValues: []uint64{lockStateUnsecured, lockStateSecured},
		},
	}

	lockSvc := &db.Service{
		ID:              7,
		Type:            lockMechanismServiceType,
		Primary:         true,
		Name:            id.Name,
		Characteristics: []*db.Characteristic{currentCh, targetCh},
	}

	acc := &db.Accessory{
		ID:               1,
		Category:         6, // Door Lock
		Name:             id.Name,
		Manufacturer:     id.Manufacturer,
		Model:            id.Model,
		SerialNumber:     id.SerialNumber,
		FirmwareRevision: id.FirmwareRevision,
		Services: []*db.Service{
			sample.AccessoryInformationService(1, id, state.identify),
			lockSvc,
		},
		Identify: state.identify,
	}

	return &db.Database{Accessories: []*db.Accessory{acc}}
}

type lockState struct {
	gpio        gpio.Pins
	solenoidPin int
	current     uint64
}

func (s *lockState) readCurrent(db.ReadRequest) (db.Value, db.Status) {
	return db.UIntValue(db.FormatUInt8, s.current), db.StatusOK
}

func (s *lockState) readTarget(db.ReadRequest) (db.Value, db.Status) {
	if s.current == lockStateSecured {
		return db.UIntValue(db.FormatUInt8, lockStateSecured), db.StatusOK
	}
	return db.UIntValue(db.FormatUInt8, lockStateUnsecured), db.StatusOK
}

func (s *lockState) writeTarget(req db.WriteRequest) db.Status {
	target := req.Value.UInt
	high := target == lockStateSecured
	if err := s.gpio.Write(s.solenoidPin, high); err != nil {
		s.current = lockStateJammed
		return db.StatusInvalidState
	}
	if target == lockStateSecured {
		s.current = lockStateSecured
	} else {
		s.current = lockStateUnsecured
	}
	return db.StatusOK
}

func (s *lockState) identify() {
	// Identify has no effect on the lock: it neither pulses the solenoid
	// nor logs anything.
}
