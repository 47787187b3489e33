package hapserver

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/ble"
	"github.com/jwoglom/haprt/pkg/platform"
	"github.com/jwoglom/haprt/pkg/session"
)

// gattReadProp / gattWriteProp mirror the bit flags a
// platform.BLEPeripheralManager.AddCharacteristic props argument is built
// from; the concrete encoding is adapter-specific (internal/bleperiph maps
// these onto github.com/paypal/gatt's property constants), these are only
// the bits the orchestrator itself needs to set based on db.Properties.
const (
	gattReadProp  = 1 << 0
	gattWriteProp = 1 << 1
	gattNotifyProp = 1 << 2
)

// publishBLE builds the GATT database for the primary accessory's service
// list and hands it to the configured peripheral manager (spec.md §6 "BLE
// peripheral manager"). Every HAP characteristic maps to exactly one value
// handle; all HAP-PDU traffic for that characteristic (including plain
// reads) flows through the control-point-style write-then-read procedure
// the BLE GATT procedure engine implements, matching real HAP-over-BLE
// where there is no characteristic value read outside of a HAP-PDU
// response (spec.md §4.6).
func (s *Server) publishBLE() error {
	if err := s.periph.SetDeviceAddress(s.identity.DeviceID); err != nil {
		return fmt.Errorf("set device address: %w", err)
	}
	if err := s.periph.SetDeviceName(s.cfg.ServiceName); err != nil {
		return fmt.Errorf("set device name: %w", err)
	}
	if err := s.periph.RemoveAllServices(); err != nil {
		return fmt.Errorf("remove existing services: %w", err)
	}

	primaryID := primaryAccessoryID(s.cfg.Database)
	for _, acc := range s.cfg.Database.Accessories {
		if acc.ID != primaryID {
			continue
		}
		for _, svc := range acc.Services {
			if err := s.periph.AddService(svc.Type.String(), svc.Primary); err != nil {
				return fmt.Errorf("add service %s: %w", svc.Type, err)
			}
			for _, ch := range svc.Characteristics {
				props := 0
				if ch.Properties.Readable {
					props |= gattReadProp
				}
				if ch.Properties.Writable {
					props |= gattWriteProp
				}
				if ch.Properties.SupportsEventNotification {
					props |= gattNotifyProp
				}
				if _, err := s.periph.AddCharacteristic(svc.Type.String(), ch.Type.String(), props); err != nil {
					return fmt.Errorf("add characteristic %s: %w", ch.Type, err)
				}
			}
		}
	}

	if err := s.periph.PublishServices(); err != nil {
		return fmt.Errorf("publish services: %w", err)
	}
	s.periph.SetUpcalls(s.bleLinks)
	return nil
}

// bleLinkSet bridges platform.BLEUpcalls (GATT-level connect/disconnect
// and per-handle read/write events) onto the single bound ble.Engine
// session (spec.md §4.6 "operates on a single bound session per peripheral
// link"). It queues one engine response's fragments per connection,
// draining them across the controller's follow-up ATT reads, since a
// GATT central reads a multi-fragment HAP-PDU response one ATT
// transaction at a time.
type bleLinkSet struct {
	mu       sync.Mutex
	sessions *session.Manager
	engine   *ble.Engine

	byConn map[string]*linkState
}

type linkState struct {
	sess    *session.Session
	pending [][]byte
}

func newBLELinkSet(sessions *session.Manager, engine *ble.Engine) *bleLinkSet {
	return &bleLinkSet{sessions: sessions, engine: engine, byConn: make(map[string]*linkState)}
}

func (l *bleLinkSet) OnConnect(conn platform.BLEConn) {
	sess, err := l.sessions.Acquire()
	if err != nil {
		log.Warnf("hapserver: BLE session pool exhausted for connection %s", conn.ID())
		return
	}
	l.mu.Lock()
	l.byConn[conn.ID()] = &linkState{sess: sess}
	l.mu.Unlock()
	log.Infof("hapserver: BLE central %s connected", conn.ID())
}

func (l *bleLinkSet) OnDisconnect(conn platform.BLEConn) {
	l.mu.Lock()
	st, ok := l.byConn[conn.ID()]
	delete(l.byConn, conn.ID())
	l.mu.Unlock()
	if !ok {
		return
	}
	l.engine.OnDisconnect(st.sess)
	l.sessions.Release(st.sess)
	log.Infof("hapserver: BLE central %s disconnected", conn.ID())
}

func (l *bleLinkSet) OnCharacteristicWrite(conn platform.BLEConn, handle uint16, data []byte) error {
	l.mu.Lock()
	st, ok := l.byConn[conn.ID()]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("hapserver: BLE write from unknown connection %s", conn.ID())
	}

	fragments, err := l.engine.HandleFragment(st.sess, data)
	if err != nil {
		return err
	}
	l.mu.Lock()
	st.pending = fragments
	l.mu.Unlock()
	return nil
}

func (l *bleLinkSet) OnCharacteristicRead(conn platform.BLEConn, handle uint16) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.byConn[conn.ID()]
	if !ok {
		return nil, fmt.Errorf("hapserver: BLE read from unknown connection %s", conn.ID())
	}
	if len(st.pending) == 0 {
		return nil, nil
	}
	next := st.pending[0]
	st.pending = st.pending[1:]
	return next, nil
}

func (l *bleLinkSet) OnMTUChanged(conn platform.BLEConn, mtu int) {
	l.engine.SetMTU(mtu)
}
