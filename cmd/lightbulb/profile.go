package main

import (
	"github.com/jwoglom/haprt/internal/gpio"
	"github.com/jwoglom/haprt/internal/sample"
	"github.com/jwoglom/haprt/pkg/db"
	"github.com/jwoglom/haprt/pkg/hapuuid"
)

var (
	lightbulbServiceType = hapuuid.MustParse("43")
	onCharType           = hapuuid.MustParse("25")
	brightnessCharType   = hapuuid.MustParse("08")
)

const defaultBrightnessPin = 18

// buildDatabase assembles the one-accessory, one-service attribute graph
// for a dimmable lightbulb: AccessoryInformation plus a Lightbulb service
// with On and Brightness, both backed by gpio's software-PWM channel. The
// PWM pin is read from pins (accessory.yaml's "brightness" key), falling
// back to defaultBrightnessPin when unset.
func buildDatabase(id sample.Identity, gp gpio.Pins, pins sample.PinConfig) *db.Database {
	brightnessPin := pins.Pin("brightness", defaultBrightnessPin)
	gp.ConfigurePWM(brightnessPin)

	state := &lightbulbState{gpio: gp, brightnessPin: brightnessPin}

	onChar := &db.Characteristic{
		ID:     8,
		Type:   onCharType,
		Format: db.FormatBool,
		Properties: db.Properties{
			Readable:                  true,
			Writable:                  true,
			SupportsEventNotification: true,
		},
		Callbacks: db.Callbacks{
			Read:  state.readOn,
			Write: state.writeOn,
		},
	}

	brightnessChar := &db.Characteristic{
		ID:     9,
		Type:   brightnessCharType,
		Format: db.FormatInt32,
		Properties: db.Properties{
			Readable:                  true,
			Writable:                  true,
			SupportsEventNotification: true,
		},
		Callbacks: db.Callbacks{
			Read:  state.readBrightness,
			Write: state.writeBrightness,
		},
		Numeric: &db.NumericConstraints{
			Unit: "percentage",
			Min:  db.IntValue(0),
			Max:  db.IntValue(100),
			Step: db.IntValue(1),
		},
	}

	lightbulbSvc := &db.Service{
		ID:              7,
		Type:            lightbulbServiceType,
		Primary:         true,
		Name:            id.Name,
		Characteristics: []*db.Characteristic{onChar, brightnessChar},
	}

	acc := &db.Accessory{
		ID:               1,
		Category:         5, // Lightbulb
		Name:             id.Name,
		Manufacturer:     id.Manufacturer,
		Model:            id.Model,
		SerialNumber:     id.SerialNumber,
		FirmwareRevision: id.FirmwareRevision,
		Services: []*db.Service{
			sample.AccessoryInformationService(1, id, state.identify),
			lightbulbSvc,
		},
		Identify: state.identify,
	}

	return &db.Database{Accessories: []*db.Accessory{acc}}
}

// lightbulbState holds the in-memory on/off + brightness state backing the
// HAP characteristics, translating writes into gpio duty-cycle changes.
type lightbulbState struct {
	gpio          gpio.Pins
	brightnessPin int
	on            bool
	brightness    int
}

func (s *lightbulbState) readOn(db.ReadRequest) (db.Value, db.Status) {
	return db.BoolValue(s.on), db.StatusOK
}

func (s *lightbulbState) writeOn(req db.WriteRequest) db.Status {
	s.on = req.Value.Bool
	duty := 0
	if s.on {
		duty = gpio.BrightnessToDutyCycle(s.brightness)
	}
	if err := s.gpio.WriteDutyCycle(s.brightnessPin, duty); err != nil {
		return db.StatusInvalidState
	}
	return db.StatusOK
}

func (s *lightbulbState) readBrightness(db.ReadRequest) (db.Value, db.Status) {
	return db.IntValue(int32(s.brightness)), db.StatusOK
}

func (s *lightbulbState) writeBrightness(req db.WriteRequest) db.Status {
	s.brightness = int(req.Value.Int)
	if s.on {
		if err := s.gpio.WriteDutyCycle(s.brightnessPin, gpio.BrightnessToDutyCycle(s.brightness)); err != nil {
			return db.StatusInvalidState
		}
	}
	return db.StatusOK
}

func (s *lightbulbState) identify() {
	// Blink at full brightness for a moment so a technician can spot the
	// fixture during bring-up; restores the prior on/off state after.
	wasOn, wasBrightness := s.on, s.brightness
	_ = s.gpio.WriteDutyCycle(s.brightnessPin, 255)
	if !wasOn {
		_ = s.gpio.WriteDutyCycle(s.brightnessPin, 0)
	} else {
		_ = s.gpio.WriteDutyCycle(s.brightnessPin, gpio.BrightnessToDutyCycle(wasBrightness))
	}
}
