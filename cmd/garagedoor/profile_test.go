package main

import (
	"testing"

	"github.com/jwoglom/haprt/internal/gpio"
	"github.com/jwoglom/haprt/internal/sample"
	"github.com/jwoglom/haprt/pkg/db"
)

func testIdentity() sample.Identity {
	return sample.Identity{
		Name:             "Garage Door",
		Manufacturer:     "haprt",
		Model:            "HAPRT-GD1",
		SerialNumber:     "GD-000-001",
		FirmwareRevision: "1.0.0",
	}
}

func findChar(t *testing.T, d *db.Database, serviceID, charID uint64) *db.Characteristic {
	t.Helper()
	for _, svc := range d.Accessories[0].Services {
		if svc.ID != serviceID {
			continue
		}
		for _, ch := range svc.Characteristics {
			if ch.ID == charID {
				return ch
			}
		}
	}
	t.Fatalf("characteristic %d/%d not found", serviceID, charID)
	return nil
}

func TestGarageDoorDatabaseIsValid(t *testing.T) {
	d := buildDatabase(testIdentity(), gpio.NewMock(), sample.PinConfig{})
	if err := d.Validate(false); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestGarageDoorOpenReportsOpening(t *testing.T) {
	mock := gpio.NewMock()
	d := buildDatabase(testIdentity(), mock, sample.PinConfig{})
	targetCh := findChar(t, d, 7, 9)
	currentCh := findChar(t, d, 7, 8)

	if st := targetCh.Callbacks.Write(db.WriteRequest{Value: db.UIntValue(db.FormatUInt8, doorOpen)}); st != db.StatusOK {
		t.Fatalf("write target: status %v", st)
	}

	// Mid-travel: the relay is a momentary pulse (left low after writeTarget
	// returns) and the closed sensor hasn't tripped yet, so the door is
	// reported opening.
	v, st := currentCh.Callbacks.Read(db.ReadRequest{})
	if st != db.StatusOK || v.UInt != doorOpening {
		t.Fatalf("read current mid-travel = %v/%v, want Opening/StatusOK", v, st)
	}

	// Sensor settles, closed contact opens (door no longer closed).
	mock.SetInput(defaultClosedSensorPin, false)
	v, st = currentCh.Callbacks.Read(db.ReadRequest{})
	if st != db.StatusOK || v.UInt != doorOpening {
		t.Fatalf("read current with sensor open = %v/%v, want Opening/StatusOK", v, st)
	}
}

func TestGarageDoorCloseResolvesOnClosedSensor(t *testing.T) {
	mock := gpio.NewMock()
	d := buildDatabase(testIdentity(), mock, sample.PinConfig{})
	targetCh := findChar(t, d, 7, 9)
	currentCh := findChar(t, d, 7, 8)

	if st := targetCh.Callbacks.Write(db.WriteRequest{Value: db.UIntValue(db.FormatUInt8, doorClosed)}); st != db.StatusOK {
		t.Fatalf("write target: status %v", st)
	}

	mock.SetInput(defaultClosedSensorPin, true)
	v, st := currentCh.Callbacks.Read(db.ReadRequest{})
	if st != db.StatusOK || v.UInt != doorClosed {
		t.Fatalf("read current after sensor trips = %v/%v, want Closed/StatusOK", v, st)
	}
}

func TestGarageDoorObstructionDetected(t *testing.T) {
	mock := gpio.NewMock()
	d := buildDatabase(testIdentity(), mock, sample.PinConfig{})
	obstructionCh := findChar(t, d, 7, 10)

	mock.SetInput(defaultObstructionPin, true)
	v, st := obstructionCh.Callbacks.Read(db.ReadRequest{})
	if st != db.StatusOK || !v.Bool {
		t.Errorf("read obstruction = %v/%v, want true/StatusOK", v, st)
	}
}
