package gpio

import (
	"fmt"
	"sync"
)

// Mock is an in-memory Pins implementation for exercising profile callback
// logic without a real GPIO chip, grounded on
// EdgxCloud-EdgeFlow/internal/hal/mock.go's MockGPIO.
type Mock struct {
	mu   sync.Mutex
	pins map[int]*mockPin
}

type mockPin struct {
	configured bool
	value      bool
	dutyCycle  int
}

var _ Pins = (*Mock)(nil)

func NewMock() *Mock {
	return &Mock{pins: make(map[int]*mockPin)}
}

func (m *Mock) ConfigureOutput(pin int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[pin] = &mockPin{configured: true}
}

func (m *Mock) ConfigureInput(pin int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[pin] = &mockPin{configured: true}
}

func (m *Mock) ConfigurePWM(pin int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[pin] = &mockPin{configured: true}
}

func (m *Mock) Write(pin int, high bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pins[pin]
	if !ok {
		return fmt.Errorf("gpio: pin %d not configured", pin)
	}
	p.value = high
	return nil
}

func (m *Mock) Read(pin int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pins[pin]
	if !ok {
		return false, fmt.Errorf("gpio: pin %d not configured", pin)
	}
	return p.value, nil
}

func (m *Mock) WriteDutyCycle(pin int, dutyCycle int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pins[pin]
	if !ok {
		return fmt.Errorf("gpio: pin %d not configured", pin)
	}
	p.dutyCycle = dutyCycle & 0xFF
	return nil
}

// DutyCycle returns the last duty cycle written to pin, for test assertions.
func (m *Mock) DutyCycle(pin int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pins[pin]; ok {
		return p.dutyCycle
	}
	return 0
}

// SetInput directly sets pin's level, simulating an external sensor change
// (e.g. a garage door's closed-position contact or obstruction beam).
func (m *Mock) SetInput(pin int, high bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pins[pin]; ok {
		p.value = high
	}
}
