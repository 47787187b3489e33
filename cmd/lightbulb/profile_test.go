package main

import (
	"testing"

	"github.com/jwoglom/haprt/internal/gpio"
	"github.com/jwoglom/haprt/internal/sample"
	"github.com/jwoglom/haprt/pkg/db"
)

func testIdentity() sample.Identity {
	return sample.Identity{
		Name:             "Lightbulb",
		Manufacturer:     "haprt",
		Model:            "HAPRT-LB1",
		SerialNumber:     "LB-000-001",
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

func TestLightbulbDatabaseIsValid(t *testing.T) {
	d := buildDatabase(testIdentity(), gpio.NewMock(), sample.PinConfig{})
	if err := d.Validate(false); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLightbulbOnDrivesDutyCycle(t *testing.T) {
	mock := gpio.NewMock()
	d := buildDatabase(testIdentity(), mock, sample.PinConfig{})

	brightnessCh := findChar(t, d, 7, 9)
	onCh := findChar(t, d, 7, 8)

	if st := brightnessCh.Callbacks.Write(db.WriteRequest{Value: db.IntValue(80)}); st != db.StatusOK {
		t.Fatalf("write brightness: status %v", st)
	}
	if st := onCh.Callbacks.Write(db.WriteRequest{Value: db.BoolValue(true)}); st != db.StatusOK {
		t.Fatalf("write on: status %v", st)
	}

	want := gpio.BrightnessToDutyCycle(80)
	if got := mock.DutyCycle(defaultBrightnessPin); got != want {
		t.Errorf("duty cycle = %d, want %d", got, want)
	}

	v, st := onCh.Callbacks.Read(db.ReadRequest{})
	if st != db.StatusOK || !v.Bool {
		t.Errorf("read on = %v/%v, want true/StatusOK", v, st)
	}

	if st := onCh.Callbacks.Write(db.WriteRequest{Value: db.BoolValue(false)}); st != db.StatusOK {
		t.Fatalf("write off: status %v", st)
	}
	if got := mock.DutyCycle(defaultBrightnessPin); got != 0 {
		t.Errorf("duty cycle after off = %d, want 0", got)
	}
}

func TestLightbulbBrightnessReadBack(t *testing.T) {
	mock := gpio.NewMock()
	d := buildDatabase(testIdentity(), mock, sample.PinConfig{})
	brightnessCh := findChar(t, d, 7, 9)

	if st := brightnessCh.Callbacks.Write(db.WriteRequest{Value: db.IntValue(42)}); st != db.StatusOK {
		t.Fatalf("write: status %v", st)
	}
	v, st := brightnessCh.Callbacks.Read(db.ReadRequest{})
	if st != db.StatusOK || v.Int != 42 {
		t.Errorf("read = %v/%v, want 42/StatusOK", v, st)
	}
}
