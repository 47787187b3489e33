package main

import (
	"github.com/jwoglom/haprt/internal/gpio"
	"github.com/jwoglom/haprt/internal/sample"
	"github.com/jwoglom/haprt/pkg/db"
	"github.com/jwoglom/haprt/pkg/hapuuid"
)

var (
	garageDoorServiceType       = hapuuid.MustParse("41")
	currentDoorStateCharType    = hapuuid.MustParse("0E")
	targetDoorStateCharType     = hapuuid.MustParse("32")
	obstructionDetectedCharType = hapuuid.MustParse("24")
)

// Current/target door state values, matching the real HAP
// CurrentDoorState/TargetDoorState enumerations.
const (
	doorOpen    = 0
	doorClosed  = 1
	doorOpening = 2
	doorClosing = 3
	doorStopped = 4
)

const (
	defaultOpenRelayPin    = 24
	defaultClosedSensorPin = 25
	defaultObstructionPin  = 26
)

// buildDatabase assembles the attribute graph for a garage door opener: a
// relay pulse to toggle the door motor, a closed-position contact sensor,
// and an obstruction sensor, matching a typical single-relay opener board.
// Pin numbers come from pins (accessory.yaml's "relay"/"closed_sensor"/
// "obstruction" keys), falling back to the default* consts when unset.
func buildDatabase(id sample.Identity, gp gpio.Pins, pins sample.PinConfig) *db.Database {
	openRelayPin := pins.Pin("relay", defaultOpenRelayPin)
	closedSensorPin := pins.Pin("closed_sensor", defaultClosedSensorPin)
	obstructionPin := pins.Pin("obstruction", defaultObstructionPin)

	gp.ConfigureOutput(openRelayPin)
	gp.ConfigureInput(closedSensorPin)
	gp.ConfigureInput(obstructionPin)

	state := &garageDoorState{
		gpio:            gp,
		openRelayPin:    openRelayPin,
		closedSensorPin: closedSensorPin,
		obstructionPin:  obstructionPin,
		current:         doorClosed,
	}

	currentCh := &db.Characteristic{
		ID:     8,
		Type:   currentDoorStateCharType,
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
			Max: db.UIntValue(db.FormatUInt8, 4),
		},
		Integral: &db.IntegralConstraints{
			ValidValues: []uint64{doorOpen, doorClosed, doorOpening, doorClosing, doorStopped},
		},
	}

	targetCh := &db.Characteristic{
		ID:     9,
		Type:   targetDoorStateCharType,
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
			ValidValues: []uint64{doorOpen, doorClosed},
		},
	}

	obstructionCh := &db.Characteristic{
		ID:     10,
		Type:   obstructionDetectedCharType,
		Format: db.FormatBool,
		Properties: db.Properties{
			Readable:                  true,
			SupportsEventNotification: true,
		},
		Callbacks: db.Callbacks{
			Read: state.readObstruction,
		},
	}

	doorSvc := &db.Service{
		ID:              7,
		Type:            garageDoorServiceType,
		Primary:         true,
		Name:            id.Name,
		Characteristics: []*db.Characteristic{currentCh, targetCh, obstructionCh},
	}

	acc := &db.Accessory{
		ID:               1,
		Category:         4, // Garage Door Opener
		Name:             id.Name,
		Manufacturer:     id.Manufacturer,
		Model:            id.Model,
		SerialNumber:     id.SerialNumber,
		FirmwareRevision: id.FirmwareRevision,
		Services: []*db.Service{
			sample.AccessoryInformationService(1, id, state.identify),
			doorSvc,
		},
		Identify: state.identify,
	}

	return &db.Database{Accessories: []*db.Accessory{acc}}
}

type garageDoorState struct {
	gpio            gpio.Pins
	openRelayPin    int
	closedSensorPin int
	obstructionPin  int
	current         uint64
}

func (s *garageDoorState) readCurrent(db.ReadRequest) (db.Value, db.Status) {
	if s.current == doorOpening || s.current == doorClosing {
		closed, err := s.gpio.Read(s.closedSensorPin)
		if err == nil && closed {
			s.current = doorClosed
		}
	}
	return db.UIntValue(db.FormatUInt8, s.current), db.StatusOK
}

func (s *garageDoorState) readTarget(db.ReadRequest) (db.Value, db.Status) {
	if s.current == doorOpen || s.current == doorOpening {
		return db.UIntValue(db.FormatUInt8, doorOpen), db.StatusOK
	}
	return db.UIntValue(db.FormatUInt8, doorClosed), db.StatusOK
}

// writeTarget pulses the relay and reports the door as doorOpening or
// doorClosing. readCurrent moves either state to doorClosed once
// closedSensorPin reads closed; there is no open-position sensor, so
// doorOpening is never resolved to doorOpen.
func (s *garageDoorState) writeTarget(req db.WriteRequest) db.Status {
	wantOpen := req.Value.UInt == doorOpen
	if err := s.gpio.Write(s.openRelayPin, true); err != nil {
		return db.StatusInvalidState
	}
	_ = s.gpio.Write(s.openRelayPin, false)

	if wantOpen {
		s.current = doorOpening
	} else {
		s.current = doorClosing
	}
	return db.StatusOK
}

func (s *garageDoorState) readObstruction(db.ReadRequest) (db.Value, db.Status) {
	detected, err := s.gpio.Read(s.obstructionPin)
	if err != nil {
		return db.Value{}, db.StatusInvalidState
	}
	return db.BoolValue(detected), db.StatusOK
}

func (s *garageDoorState) identify() {
	// No physical identify action on a relay-only opener board; the
	// console/remoteapi identify command still round-trips successfully.
}
