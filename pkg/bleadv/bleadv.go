// Package bleadv builds and rotates the BLE advertisement payloads
// (spec.md §4.6 "Disconnected / broadcast notifications", §6 "BLE regular
// advertising format"). It owns no transport I/O: callers feed the
// rendered manufacturer-data bytes into platform.BLEPeripheralManager's
// StartAdvertising. Grounded on the teacher's bluetooth/pairing_state.go
// (a PairingState enum driving the manufacturer-data subtype), generalized
// from the teacher's four ad-hoc pairing states to two HAP advertisement
// formats: the regular format and the notification format, which serves
// both disconnected and broadcast notifications.
package bleadv

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/platform"
)

// companyID is the manufacturer-specific-data company identifier HAP
// reserves for this advertisement (spec.md §6).
const companyID uint16 = 0x004C

// subtype identifies the regular advertising format's manufacturer-data
// body shape.
const subtypeRegular byte = 0x06

// subtypeNotify identifies the disconnected/broadcast notification format.
const subtypeNotify byte = 0x11

// protocolVersion is the CV (characteristic/protocol version) byte carried
// in the regular format, fixed at 2.
const protocolVersion byte = 2

// MinNotificationDuration is the minimum time the advertising controller
// holds the notification format before reverting to regular (spec.md §4.6
// "for at least a configured minimum duration (≥3 s)").
const MinNotificationDuration = 3 * time.Second

// statusFlag bits (SF byte, spec.md §6 TXT "sf" reused for the BLE SF
// byte: bit0 unpaired).
const (
	sfUnpaired byte = 1 << 0
)

// GSNSource reports the accessory's current global state number.
type GSNSource func() (value uint16, epoch byte)

// Identity carries the fixed fields the regular format advertises.
type Identity struct {
	DeviceID       [6]byte
	CategoryID     uint16
	ConfigNumber   byte
	SetupHash      []byte // 4 bytes, optional
}

// PendingNotification describes one disconnected/broadcast event still
// within its minimum advertised window.
type PendingNotification struct {
	IID         uint64
	ValueDigest []byte // truncated hash of the new value
}

// Controller owns the accessory's current advertisement payload and
// switches between the regular and notification formats (spec.md §4.6).
type Controller struct {
	mu sync.Mutex

	identity Identity
	gsn      GSNSource
	unpaired func() bool
	clock    platform.Clock
	peripheral platform.BLEPeripheralManager

	notifyUntil time.Time
	pending     *PendingNotification
	revertTimer platform.Timer

	broadcastKey *BroadcastKey
}

// New creates an advertising controller. unpaired reports whether the
// accessory currently has zero pairings (sets the SF unpaired bit).
func New(identity Identity, gsn GSNSource, unpaired func() bool, clock platform.Clock, peripheral platform.BLEPeripheralManager) *Controller {
	return &Controller{
		identity:   identity,
		gsn:        gsn,
		unpaired:   unpaired,
		clock:      clock,
		peripheral: peripheral,
	}
}

// statusFlags computes the current SF byte.
func (c *Controller) statusFlags() byte {
	var sf byte
	if c.unpaired != nil && c.unpaired() {
		sf |= sfUnpaired
	}
	return sf
}

// RegularPayload renders the steady-state advertisement body (spec.md §6):
// `[SF, deviceId(6), ACID_le(2), GSN_le(2), CN(1), CV(1)=2, SH(4)?]` under
// manufacturer data for companyID, subtype 0x06.
func (c *Controller) RegularPayload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regularPayloadLocked()
}

func (c *Controller) regularPayloadLocked() []byte {
	var gsnValue uint16
	if c.gsn != nil {
		gsnValue, _ = c.gsn()
	}

	body := make([]byte, 0, 13+len(c.identity.SetupHash))
	body = append(body, companyIDBytes()...)
	body = append(body, subtypeRegular)
	body = append(body, c.statusFlags())
	body = append(body, c.identity.DeviceID[:]...)
	acid := make([]byte, 2)
	binary.LittleEndian.PutUint16(acid, c.identity.CategoryID)
	body = append(body, acid...)
	gsnBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(gsnBuf, gsnValue)
	body = append(body, gsnBuf...)
	body = append(body, c.identity.ConfigNumber, protocolVersion)
	if len(c.identity.SetupHash) == 4 {
		body = append(body, c.identity.SetupHash...)
	}
	return body
}

func companyIDBytes() []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, companyID)
	return b
}

// notificationPayloadLocked renders `[SF, IID_le(2), digest, GSN_le(2)]`
// under subtype 0x11, the format switched to while a disconnected/
// broadcast notification is pending (spec.md §4.6).
func (c *Controller) notificationPayloadLocked() []byte {
	var gsnValue uint16
	if c.gsn != nil {
		gsnValue, _ = c.gsn()
	}
	body := make([]byte, 0, 16)
	body = append(body, companyIDBytes()...)
	body = append(body, subtypeNotify)
	body = append(body, c.statusFlags())
	iid := make([]byte, 2)
	binary.LittleEndian.PutUint16(iid, uint16(c.pending.IID))
	body = append(body, iid...)
	body = append(body, c.pending.ValueDigest...)
	gsnBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(gsnBuf, gsnValue)
	body = append(body, gsnBuf...)
	return body
}

// RaiseDisconnected switches advertising to the notification format for at
// least MinNotificationDuration, then reverts to regular (spec.md §4.6).
// Only meaningful while no controller is connected; the IP/BLE connected
// delivery path (GATT indication / long-poll) is unaffected.
func (c *Controller) RaiseDisconnected(iid uint64, valueDigest []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = &PendingNotification{IID: iid, ValueDigest: valueDigest}
	if c.revertTimer != nil {
		c.revertTimer.Stop()
	}
	c.notifyUntil = c.clock.Now().Add(MinNotificationDuration)

	if err := c.applyAdvertisingLocked(c.notificationPayloadLocked()); err != nil {
		return fmt.Errorf("bleadv: start notification advertising: %w", err)
	}
	c.revertTimer = c.clock.AfterFunc(MinNotificationDuration, c.revertToRegular)
	log.Infof("bleadv: disconnected notification for iid %d, reverting in %v", iid, MinNotificationDuration)
	return nil
}

func (c *Controller) revertToRegular() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	if err := c.applyAdvertisingLocked(c.regularPayloadLocked()); err != nil {
		log.Warnf("bleadv: revert to regular advertising: %v", err)
	}
}

// RefreshRegular re-renders and republishes the regular format unless a
// notification is pending. The server calls it once at Start; GSN bumps
// and pairing mutations do not call it.
func (c *Controller) RefreshRegular() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return nil
	}
	return c.applyAdvertisingLocked(c.regularPayloadLocked())
}

func (c *Controller) applyAdvertisingLocked(manufacturerData []byte) error {
	if c.peripheral == nil {
		return nil
	}
	return c.peripheral.StartAdvertising(regularAdvertisingInterval, manufacturerData, nil)
}

// regularAdvertisingInterval is a conservative, spec-silent default; the
// spec only requires the format and minimum notification duration, not a
// specific interval.
const regularAdvertisingInterval = 100 * time.Millisecond

// BroadcastKey is the rotatable root key used to encrypt BLE broadcast
// notifications, persisted alongside its counters (spec.md §6 "Persisted
// state layout"; SPEC_FULL.md §12 "Broadcast encryption key rotation").
type BroadcastKey struct {
	Root        [32]byte
	KeyExpiry   time.Time
	SignCounter uint32
}

const broadcastKeyDomain = "broadcast"
const broadcastKeyKey = "root"

// DefaultBroadcastKeyLifetime bounds how long a derived broadcast key
// remains valid before rotation.
const DefaultBroadcastKeyLifetime = 24 * time.Hour

// LoadOrRotateBroadcastKey loads the persisted broadcast key, generating a
// fresh one if none exists or the persisted one has expired.
func LoadOrRotateBroadcastKey(kv platform.KVStore, clock platform.Clock) (*BroadcastKey, error) {
	raw, err := kv.Get(broadcastKeyDomain, broadcastKeyKey)
	if err == nil && len(raw) == 32+8+4 {
		var k BroadcastKey
		copy(k.Root[:], raw[0:32])
		expiryUnix := int64(binary.LittleEndian.Uint64(raw[32:40]))
		k.KeyExpiry = time.Unix(expiryUnix, 0)
		k.SignCounter = binary.LittleEndian.Uint32(raw[40:44])
		if clock.Now().Before(k.KeyExpiry) {
			return &k, nil
		}
	} else if err != nil && err != platform.ErrNotFound {
		return nil, fmt.Errorf("bleadv: load broadcast key: %w", err)
	}
	return rotateBroadcastKey(kv, clock)
}

// RotateOnPairingMutation discards and regenerates the broadcast key,
// called on a new admin pairing or last-admin removal (SPEC_FULL.md §12).
func RotateOnPairingMutation(kv platform.KVStore, clock platform.Clock) (*BroadcastKey, error) {
	log.Infof("bleadv: rotating broadcast key after pairing mutation")
	return rotateBroadcastKey(kv, clock)
}

func rotateBroadcastKey(kv platform.KVStore, clock platform.Clock) (*BroadcastKey, error) {
	var k BroadcastKey
	if _, err := rand.Read(k.Root[:]); err != nil {
		return nil, fmt.Errorf("bleadv: generate broadcast key: %w", err)
	}
	k.KeyExpiry = clock.Now().Add(DefaultBroadcastKeyLifetime)
	k.SignCounter = 0
	if err := persistBroadcastKey(kv, &k); err != nil {
		return nil, err
	}
	return &k, nil
}

func persistBroadcastKey(kv platform.KVStore, k *BroadcastKey) error {
	buf := make([]byte, 32+8+4)
	copy(buf[0:32], k.Root[:])
	binary.LittleEndian.PutUint64(buf[32:40], uint64(k.KeyExpiry.Unix()))
	binary.LittleEndian.PutUint32(buf[40:44], k.SignCounter)
	if err := kv.Set(broadcastKeyDomain, broadcastKeyKey, buf); err != nil {
		return fmt.Errorf("bleadv: persist broadcast key: %w", err)
	}
	return nil
}
