// Package nfcreader drives an NFC tag / keypad peripheral attached over a
// serial UART, surfacing the most recently scanned 8-digit setup code as a
// pairsetup.SetupCodeProvider. Grounded on
// EdgxCloud-EdgeFlow/pkg/nodes/network/serial_in.go (serial.Mode
// construction, a background read loop feeding a channel) and
// pkg/nodes/gpio/nfc_pn532.go's command-framing idiom (adapted here from
// I2C PN532 register reads to the reader's own line-based UART protocol:
// one scan emits "CODE <8 digits>\n"). go.bug.st/serial.
package nfcreader

import (
	"bufio"
	"fmt"
	"strings"
	"sync"

	"go.bug.st/serial"
	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/pairsetup"
)

// Config parameterizes the serial connection to the reader.
type Config struct {
	Port     string
	BaudRate int // default 9600
}

// Reader owns the serial port and the last setup code it scanned.
type Reader struct {
	port serial.Port

	mu      sync.Mutex
	code    string
	scanErr error

	done chan struct{}
}

// Open opens cfg.Port and starts the background scan loop.
func Open(cfg Config) (*Reader, error) {
	baud := cfg.BaudRate
	if baud == 0 {
		baud = 9600
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("nfcreader: open %s: %w", cfg.Port, err)
	}

	r := &Reader{port: port, done: make(chan struct{})}
	go r.readLoop()
	return r, nil
}

func (r *Reader) readLoop() {
	scanner := bufio.NewScanner(r.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		code, ok := parseScanLine(line)
		if !ok {
			continue
		}
		r.mu.Lock()
		r.code = code
		r.mu.Unlock()
		log.Infof("nfcreader: scanned setup code")
	}
	if err := scanner.Err(); err != nil {
		r.mu.Lock()
		r.scanErr = err
		r.mu.Unlock()
		log.Warnf("nfcreader: serial read loop ended: %v", err)
	}
	close(r.done)
}

// parseScanLine extracts the 8-digit setup code from a "CODE 12345678"
// frame, the reader firmware's line protocol.
func parseScanLine(line string) (string, bool) {
	const prefix = "CODE "
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	code := strings.TrimPrefix(line, prefix)
	if len(code) != 8 {
		return "", false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return code, true
}

// SetupCode implements pairsetup.SetupCodeProvider, returning the most
// recently scanned code.
func (r *Reader) SetupCode() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.code == "" {
		return "", fmt.Errorf("nfcreader: no setup code scanned yet")
	}
	return r.code, nil
}

var _ pairsetup.SetupCodeProvider = (*Reader)(nil).SetupCode

// Close releases the serial port.
func (r *Reader) Close() error {
	return r.port.Close()
}
