// Command garagedoor runs a standalone garage-door-opener accessory: one
// Garage Door Opener service (CurrentDoorState, TargetDoorState,
// ObstructionDetected) driving a relay and reading a closed-position
// contact sensor over GPIO, exposed over the IP transport. Generalized
// from the teacher's root main.go bring-up shape through internal/sample.
package main

import (
	"flag"

	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/internal/gpio"
	"github.com/jwoglom/haprt/internal/sample"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to ./config.yaml or ~/.haprt/config.yaml)")
	accessoryPath := flag.String("accessory", "accessory.yaml", "path to accessory.yaml describing this profile's GPIO pin wiring")
	flag.Parse()

	identity := sample.Identity{
		Name:             "Garage Door",
		Manufacturer:     "haprt",
		Model:            "HAPRT-GD1",
		SerialNumber:     "GD-000-001",
		FirmwareRevision: "1.0.0",
	}

	gp, err := gpio.Open()
	if err != nil {
		log.Fatalf("garagedoor: open gpio: %v", err)
	}
	defer gp.Close()

	pins, err := sample.LoadPinConfig(*accessoryPath)
	if err != nil {
		log.Fatalf("garagedoor: load accessory pin config: %v", err)
	}

	database := buildDatabase(identity, gp, pins)

	acc, err := sample.Bringup(sample.Options{
		ConfigPath:  *configPath,
		Database:    database,
		ServiceName: identity.Name,
		Category:    4,
	})
	if err != nil {
		log.Fatalf("garagedoor: bring-up failed: %v", err)
	}

	log.Info("garagedoor: accessory running, press Ctrl+C to stop")
	sample.WaitForSignal()

	acc.Shutdown()
}
