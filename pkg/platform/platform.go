// Package platform declares the capability interfaces the core depends on
// but never implements: persistent storage, socket I/O, the BLE peripheral,
// service discovery, timers, randomness and MFi hardware authentication.
// Concrete adapters live under internal/.
package platform

import (
	"context"
	"time"
)

// KVStore is the persistent key-value store described in spec.md §6.
// Implementations must treat any failure as fatal for the operation in
// progress; there is no partial-failure contract.
type KVStore interface {
	Get(domain, key string) ([]byte, error)
	Set(domain, key string, value []byte) error
	Remove(domain, key string) error
	Enumerate(domain string, fn func(key string, value []byte) error) error
	PurgeDomain(domain string) error
}

// ErrNotFound is returned by KVStore.Get when the key does not exist.
var ErrNotFound = kvNotFoundError{}

type kvNotFoundError struct{}

func (kvNotFoundError) Error() string { return "platform: key not found" }

// StreamEvents are the edge-triggered readiness notifications a TCP stream
// manager delivers.
type StreamEvents struct {
	HasBytesAvailable bool
	HasSpaceAvailable bool
}

// Stream is a single non-blocking, edge-triggered TCP connection.
type Stream interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	CloseOutput() error
	Close() error
	UpdateInterests(events StreamEvents, cb func(StreamEvents)) error
	RemoteAddr() string
}

// TCPStreamManager is the external collaborator described in spec.md §6.
type TCPStreamManager interface {
	OpenListener(addr string) error
	ListenerPort() (int, error)
	Accept(cb func(Stream)) error
	CloseListener() error
}

// CharacteristicHandle identifies a published GATT characteristic/descriptor
// pair returned by AddCharacteristic.
type CharacteristicHandle struct {
	ValueHandle uint16
	CCCHandle   uint16
}

// BLEConn identifies one connected central.
type BLEConn interface {
	ID() string
}

// BLEUpcalls are the callbacks a BLEPeripheralManager drives into the core.
type BLEUpcalls interface {
	OnConnect(conn BLEConn)
	OnDisconnect(conn BLEConn)
	OnCharacteristicWrite(conn BLEConn, handle uint16, data []byte) error
	OnCharacteristicRead(conn BLEConn, handle uint16) ([]byte, error)
	OnMTUChanged(conn BLEConn, mtu int)
}

// BLEPeripheralManager is the external collaborator described in spec.md §6.
type BLEPeripheralManager interface {
	SetDeviceAddress(addr [6]byte) error
	SetDeviceName(name string) error
	RemoveAllServices() error
	AddService(uuid string, isPrimary bool) error
	AddCharacteristic(serviceUUID, charUUID string, props int) (CharacteristicHandle, error)
	AddDescriptor(serviceUUID, charUUID, descUUID string, props int) (uint16, error)
	PublishServices() error
	StartAdvertising(interval time.Duration, advData, scanRespData []byte) error
	StopAdvertising() error
	SendHandleValueIndication(conn BLEConn, handle uint16, data []byte) error
	CancelCentralConnection(conn BLEConn) error
	SetUpcalls(u BLEUpcalls)
}

// TXTRecords is the mDNS TXT record set from spec.md §6.
type TXTRecords struct {
	ConfigNumber int    // c#
	FeatureFlags int    // ff
	DeviceID     string // id
	Model        string // md
	ProtocolVer  string // pv
	StateNumber  string // s#
	StatusFlags  int    // sf
	Category     int    // ci
	SetupHash    string // sh, base64
}

// ServiceDiscovery is the mDNS/Bonjour advertiser external collaborator.
type ServiceDiscovery interface {
	Register(ctx context.Context, name, service string, port int, txt TXTRecords) error
	UpdateTXTRecords(ctx context.Context, txt TXTRecords) error
	Stop(ctx context.Context) error
}

// Clock is the external time/timer collaborator; the core never calls
// time.Now or time.NewTimer directly so tests can fully control time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancelable one-shot timer created by Clock.AfterFunc.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// RNG is the external randomness collaborator.
type RNG interface {
	Read(buf []byte) error
}

// MFiAuthenticator is the optional MFi hardware-authentication chip
// capability; implementations with no hardware may report Present() == false.
type MFiAuthenticator interface {
	Present() bool
	CreateSignature(challenge []byte) ([]byte, error)
}
