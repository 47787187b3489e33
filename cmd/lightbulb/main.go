// Command lightbulb runs a standalone dimmable-lightbulb accessory: one
// Lightbulb service (On, Brightness) driven by a GPIO PWM channel, exposed
// over the IP transport. Grounded on the teacher's root main.go bring-up
// shape (flag parsing, logrus setup, construct the platform collaborator,
// block until interrupted), generalized through internal/sample.
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
		Name:             "Lightbulb",
		Manufacturer:     "haprt",
		Model:            "HAPRT-LB1",
		SerialNumber:     "LB-000-001",
		FirmwareRevision: "1.0.0",
	}

	gp, err := gpio.Open()
	if err != nil {
		log.Fatalf("lightbulb: open gpio: %v", err)
	}
	defer gp.Close()

	pins, err := sample.LoadPinConfig(*accessoryPath)
	if err != nil {
		log.Fatalf("lightbulb: load accessory pin config: %v", err)
	}

	database := buildDatabase(identity, gp, pins)

	acc, err := sample.Bringup(sample.Options{
		ConfigPath:  *configPath,
		Database:    database,
		ServiceName: identity.Name,
		Category:    5,
	})
	if err != nil {
		log.Fatalf("lightbulb: bring-up failed: %v", err)
	}

	log.Info("lightbulb: accessory running, press Ctrl+C to stop")
	sample.WaitForSignal()

	acc.Shutdown()
}
