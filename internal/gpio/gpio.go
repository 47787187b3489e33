// Package gpio provides the small set of GPIO actuator/sensor helpers the
// sample accessories (lightbulb, lock, garage door) drive their physical
// outputs through. Grounded on
// EdgxCloud-EdgeFlow/internal/hal/rpi.go (periph.io/x/host/v3.Init()
// before any pin access, rpio.Open()/Pin.Output()/Pin.High()/Pin.Low(),
// software PWM via Pin.Write(rpio.State(dutyCycle))).
// github.com/stianeikeland/go-rpio/v4 for the actual chip access,
// periph.io/x/conn/v3/gpio for the High/Low level vocabulary Write/Read
// translate through, periph.io/x/host/v3 to register the host drivers
// go-rpio's /dev/gpiomem path depends on.
package gpio

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"
	periphgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3"
)

// Pins is the actuator/sensor surface the sample accessories drive their
// profiles through, satisfied by *Controller on real hardware and by Mock
// in tests. Mirrors hal.GPIOProvider's role of letting profile code stay
// hardware-agnostic.
type Pins interface {
	ConfigureOutput(pin int)
	ConfigureInput(pin int)
	ConfigurePWM(pin int)
	Write(pin int, high bool) error
	Read(pin int) (bool, error)
	WriteDutyCycle(pin int, dutyCycle int) error
}

// Controller owns the process-wide rpio handle and every pin it has
// configured, mirroring rpi.go's RaspberryPiHAL (one GPIO chip, opened
// once per process).
type Controller struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
}

var _ Pins = (*Controller)(nil)

// Open initializes periph.io's host drivers and opens /dev/gpiomem via
// go-rpio. Must be called once before any pin is configured.
func Open() (*Controller, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gpio: initialize periph.io host: %w", err)
	}
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("gpio: open gpio chip: %w", err)
	}
	return &Controller{pins: make(map[int]rpio.Pin)}, nil
}

// Close releases the GPIO chip.
func (c *Controller) Close() error {
	return rpio.Close()
}

// ConfigureOutput sets pin as a digital output, for a lock's solenoid
// driver or a garage door's relay.
func (c *Controller) ConfigureOutput(pin int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := rpio.Pin(pin)
	p.Output()
	c.pins[pin] = p
}

// ConfigureInput sets pin as a digital input, for a garage door's
// open/closed contact sensor.
func (c *Controller) ConfigureInput(pin int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := rpio.Pin(pin)
	p.Input()
	c.pins[pin] = p
}

// ConfigurePWM sets pin as a software-PWM output, for a dimmable
// lightbulb's brightness channel.
func (c *Controller) ConfigurePWM(pin int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := rpio.Pin(pin)
	p.Output()
	c.pins[pin] = p
}

// Write drives pin high or low. The requested level is expressed as
// periph.io's periphgpio.Level (the same High/Low vocabulary periph's own
// gpio drivers use) before being translated into the go-rpio call that
// actually reaches the chip.
func (c *Controller) Write(pin int, high bool) error {
	c.mu.Lock()
	p, ok := c.pins[pin]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("gpio: pin %d not configured", pin)
	}
	level := periphgpio.Level(high)
	if level == periphgpio.High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

// Read returns pin's current digital level.
func (c *Controller) Read(pin int) (bool, error) {
	c.mu.Lock()
	p, ok := c.pins[pin]
	c.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("gpio: pin %d not configured", pin)
	}
	level := periphgpio.Level(p.Read() == rpio.High)
	return bool(level), nil
}

// WriteDutyCycle sets a PWM-configured pin's duty cycle, 0-255, the same
// coarse software-PWM register rpi.go's PWMWrite drives.
func (c *Controller) WriteDutyCycle(pin int, dutyCycle int) error {
	c.mu.Lock()
	p, ok := c.pins[pin]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("gpio: pin %d not configured", pin)
	}
	p.Write(rpio.State(dutyCycle & 0xFF))
	return nil
}

// BrightnessToDutyCycle maps a HomeKit 0-100 brightness percentage to an
// 8-bit PWM duty cycle.
func BrightnessToDutyCycle(brightnessPercent int) int {
	if brightnessPercent < 0 {
		brightnessPercent = 0
	}
	if brightnessPercent > 100 {
		brightnessPercent = 100
	}
	return (brightnessPercent * 255) / 100
}
