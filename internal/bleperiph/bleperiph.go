// Package bleperiph implements platform.BLEPeripheralManager over
// github.com/paypal/gatt's single-connection Linux server. Grounded on
// paypal-gatt/server.go (gatt.Server.AddService/AdvertisingPacket/
// AdvertiseAndServe/Connect/Disconnect) and paypal-gatt/characteristic.go
// (Characteristic.HandleReadFunc/HandleWriteFunc/HandleNotifyFunc, the
// Notifier interface).
//
// gatt.Server has no generic "set raw advertising bytes" entry point tied
// to a characteristic write the way a Device's iBeacon helper does, but it
// does expose AdvertisingPacket/ScanResponsePacket as plain []byte fields,
// which is the vehicle StartAdvertising uses to publish bleadv's rendered
// manufacturer-data payload verbatim.
//
// gatt.Server supports only one live central connection at a time, which
// is also the BLE transport model spec.md §6 assumes ("an accessory only
// accepts one BLE connection from a controller at a time").
package bleperiph

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/paypal/gatt"

	"github.com/jwoglom/haprt/pkg/platform"
)

// gatt characteristic property flags, mirrored from paypal-gatt's unexported
// charRead/charWriteNR/charWrite/charNotify bit positions so callers can
// compose platform.BLEPeripheralManager's props argument without reaching
// into the library's internals.
const (
	PropRead    = 1 << 1
	PropWriteNR = 1 << 2
	PropWrite   = 1 << 3
	PropNotify  = 1 << 4
)

// Manager adapts a gatt.Server to platform.BLEPeripheralManager.
type Manager struct {
	mu sync.Mutex

	server *gatt.Server

	svcByUUID  map[string]*gatt.Service
	handleSeq  uint16
	charHandle map[string]platform.CharacteristicHandle

	notifiers map[uint16]gatt.Notifier // valueHandle -> live notifier, set on subscribe

	upcalls platform.BLEUpcalls
	conn    *bleConn // single live connection, nil when disconnected

	deviceName string

	advData      []byte
	scanRespData []byte
	serving      bool
}

// NewManager constructs a Manager with no services registered yet. Call
// AddService/AddCharacteristic/PublishServices before StartAdvertising.
func NewManager() *Manager {
	return &Manager{
		svcByUUID:  make(map[string]*gatt.Service),
		charHandle: make(map[string]platform.CharacteristicHandle),
		notifiers:  make(map[uint16]gatt.Notifier),
	}
}

func (m *Manager) SetDeviceAddress(addr [6]byte) error {
	// gatt.Server derives its advertised address from the host's hci
	// device; paypal/gatt exposes no per-server override.
	return nil
}

func (m *Manager) SetDeviceName(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceName = name
	if m.server != nil {
		m.server.Name = name
	}
	return nil
}

func (m *Manager) RemoveAllServices() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.server = nil
	m.svcByUUID = make(map[string]*gatt.Service)
	m.charHandle = make(map[string]platform.CharacteristicHandle)
	m.notifiers = make(map[uint16]gatt.Notifier)
	m.handleSeq = 0
	return nil
}

func (m *Manager) ensureServerLocked() *gatt.Server {
	if m.server == nil {
		m.server = &gatt.Server{
			Name:       m.deviceName,
			Connect:    m.onConnect,
			Disconnect: m.onDisconnect,
		}
	}
	return m.server
}

func (m *Manager) AddService(uuid string, isPrimary bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := parseUUID(uuid)
	if err != nil {
		return err
	}
	srv := m.ensureServerLocked()
	svc := srv.AddService(u)
	m.svcByUUID[uuid] = svc
	return nil
}

func (m *Manager) AddCharacteristic(serviceUUID, charUUID string, props int) (platform.CharacteristicHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.svcByUUID[serviceUUID]
	if !ok {
		return platform.CharacteristicHandle{}, fmt.Errorf("bleperiph: unknown service %s", serviceUUID)
	}
	u, err := parseUUID(charUUID)
	if err != nil {
		return platform.CharacteristicHandle{}, err
	}
	char := svc.AddCharacteristic(u)

	m.handleSeq++
	valueHandle := m.handleSeq
	cccHandle := uint16(0)
	if props&PropNotify != 0 {
		m.handleSeq++
		cccHandle = m.handleSeq
	}

	key := serviceUUID + "/" + charUUID
	handle := platform.CharacteristicHandle{ValueHandle: valueHandle, CCCHandle: cccHandle}
	m.charHandle[key] = handle

	if props&PropRead != 0 {
		char.HandleReadFunc(func(resp gatt.ReadResponseWriter, req *gatt.ReadRequest) {
			data, err := m.upcalls.OnCharacteristicRead(m.connFor(req.Conn), valueHandle)
			if err != nil {
				resp.SetStatus(gatt.StatusUnexpectedError)
				return
			}
			resp.Write(data)
		})
	}
	if props&(PropWrite|PropWriteNR) != 0 {
		char.HandleWriteFunc(func(r gatt.Request, data []byte) byte {
			if err := m.upcalls.OnCharacteristicWrite(m.connFor(r.Conn), valueHandle, data); err != nil {
				return gatt.StatusUnexpectedError
			}
			return gatt.StatusSuccess
		})
	}
	if props&PropNotify != 0 {
		char.HandleNotifyFunc(func(r gatt.Request, n gatt.Notifier) {
			m.mu.Lock()
			m.notifiers[valueHandle] = n
			m.mu.Unlock()
		})
	}

	return handle, nil
}

func (m *Manager) AddDescriptor(serviceUUID, charUUID, descUUID string, props int) (uint16, error) {
	// paypal/gatt auto-generates the CCCD and the standard descriptors
	// (user description, presentation format) from a characteristic's
	// declared properties; it exposes no API to add arbitrary ones.
	// HAP's only descriptor need, the CCCD, is already covered by the
	// CCCHandle returned from AddCharacteristic.
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.charHandle[serviceUUID+"/"+charUUID]
	if !ok {
		return 0, fmt.Errorf("bleperiph: unknown characteristic %s/%s", serviceUUID, charUUID)
	}
	return handle.CCCHandle, nil
}

func (m *Manager) PublishServices() error {
	// gatt.Server generates its attribute handle table from the
	// registered services at AdvertiseAndServe time; nothing to do
	// before that beyond ensuring the server exists.
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureServerLocked()
	return nil
}

// StartAdvertising buffers advData/scanRespData as the server's
// AdvertisingPacket/ScanResponsePacket. The first call lazily launches the
// (blocking) gatt.Server in its own goroutine via Serve. paypal/gatt's
// Server is single-shot -- "once closed, it cannot be restarted" -- so it
// exposes no way to swap a live server's advertising packet; bleadv's
// periodic regular/notification rotation after the first call is logged,
// not applied, a known limitation of this peripheral's BLE stack.
func (m *Manager) StartAdvertising(interval time.Duration, advData, scanRespData []byte) error {
	m.mu.Lock()
	m.advData = advData
	m.scanRespData = scanRespData
	alreadyServing := m.serving
	m.mu.Unlock()

	if alreadyServing {
		log.Warnf("bleperiph: advertising payload rotated while serving; paypal/gatt cannot republish without a restart")
		return nil
	}

	m.mu.Lock()
	m.serving = true
	srv := m.ensureServerLocked()
	srv.AdvertisingPacket = advData
	srv.ScanResponsePacket = scanRespData
	m.mu.Unlock()

	go func() {
		if err := srv.AdvertiseAndServe(); err != nil {
			log.Warnf("bleperiph: advertise and serve: %v", err)
		}
	}()
	return nil
}

func (m *Manager) StopAdvertising() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == nil || !m.serving {
		return nil
	}
	m.serving = false
	return m.server.Close()
}

func (m *Manager) SendHandleValueIndication(conn platform.BLEConn, handle uint16, data []byte) error {
	m.mu.Lock()
	n, ok := m.notifiers[handle]
	m.mu.Unlock()
	if !ok || n.Done() {
		return fmt.Errorf("bleperiph: no active subscription on handle %d", handle)
	}
	_, err := n.Write(data)
	return err
}

func (m *Manager) CancelCentralConnection(conn platform.BLEConn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bc, ok := conn.(*bleConn); ok {
		return bc.raw.Close()
	}
	return nil
}

func (m *Manager) SetUpcalls(u platform.BLEUpcalls) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upcalls = u
}

func (m *Manager) connFor(raw gatt.Conn) platform.BLEConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil && m.conn.raw == raw {
		return m.conn
	}
	bc := &bleConn{raw: raw}
	m.conn = bc
	return bc
}

func (m *Manager) onConnect(c gatt.Conn) {
	bc := m.connFor(c)
	if m.upcalls != nil {
		m.upcalls.OnConnect(bc)
		m.upcalls.OnMTUChanged(bc, c.MTU())
	}
}

func (m *Manager) onDisconnect(c gatt.Conn) {
	bc := m.connFor(c)
	m.mu.Lock()
	m.conn = nil
	for h := range m.notifiers {
		delete(m.notifiers, h)
	}
	m.mu.Unlock()
	if m.upcalls != nil {
		m.upcalls.OnDisconnect(bc)
	}
}

// bleConn adapts gatt.Conn to platform.BLEConn, identifying a connection by
// its remote (central) address since gatt.Conn has no opaque ID.
type bleConn struct {
	raw gatt.Conn
}

func (c *bleConn) ID() string { return c.raw.RemoteAddr().String() }

func parseUUID(s string) (u gatt.UUID, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bleperiph: invalid uuid %q: %v", s, r)
		}
	}()
	u = gatt.MustParseUUID(s)
	return u, nil
}
