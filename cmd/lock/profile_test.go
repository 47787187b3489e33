package main

import (
	"testing"

	"github.com/jwoglom/haprt/internal/gpio"
	"github.com/jwoglom/haprt/internal/sample"
	"github.com/jwoglom/haprt/pkg/db"
)

func testIdentity() sample.Identity {
	return sample.Identity{
		Name:             "Front Door Lock",
		Manufacturer:     "haprt",
		Model:            "HAPRT-LK1",
		SerialNumber:     "LK-000-001",
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

func TestLockDatabaseIsValid(t *testing.T) {
	d := buildDatabase(testIdentity(), gpio.NewMock(), sample.PinConfig{})
	if err := d.Validate(false); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLockStartsSecured(t *testing.T) {
	d := buildDatabase(testIdentity(), gpio.NewMock(), sample.PinConfig{})
	currentCh := findChar(t, d, 7, 8)

	v, st := currentCh.Callbacks.Read(db.ReadRequest{})
	if st != db.StatusOK || v.UInt != lockStateSecured {
		t.Fatalf("read current = %v/%v, want Secured/StatusOK", v, st)
	}
}

func TestLockUnsecureDrivesSolenoidAndUpdatesCurrent(t *testing.T) {
	mock := gpio.NewMock()
	d := buildDatabase(testIdentity(), mock, sample.PinConfig{})
	targetCh := findChar(t, d, 7, 9)
	currentCh := findChar(t, d, 7, 8)

	st := targetCh.Callbacks.Write(db.WriteRequest{Value: db.UIntValue(db.FormatUInt8, lockStateUnsecured)})
	if st != db.StatusOK {
		t.Fatalf("write target: status %v", st)
	}

	high, err := mock.Read(defaultSolenoidPin)
	if err != nil {
		t.Fatalf("read solenoid pin: %v", err)
	}
	if high {
		t.Errorf("expected solenoid de-energized for unsecured state")
	}

	v, st := currentCh.Callbacks.Read(db.ReadRequest{})
	if st != db.StatusOK || v.UInt != lockStateUnsecured {
		t.Errorf("read current = %v/%v, want Unsecured/StatusOK", v, st)
	}
}

func TestLockSecureEnergizesSolenoid(t *testing.T) {
	mock := gpio.NewMock()
	d := buildDatabase(testIdentity(), mock, sample.PinConfig{})
	targetCh := findChar(t, d, 7, 9)

	_ = targetCh.Callbacks.Write(db.WriteRequest{Value: db.UIntValue(db.FormatUInt8, lockStateUnsecured)})
	if st := targetCh.Callbacks.Write(db.WriteRequest{Value: db.UIntValue(db.FormatUInt8, lockStateSecured)}); st != db.StatusOK {
		t.Fatalf("write target: status %v", st)
	}

	high, err := mock.Read(defaultSolenoidPin)
	if err != nil {
		t.Fatalf("read solenoid pin: %v", err)
	}
	if !high {
		t.Errorf("expected solenoid energized for secured state")
	}
}
