// Package hapserver implements the accessory-server orchestrator of
// spec.md §2/§3 "Accessory server": the single process-wide object that
// owns the attribute database, the pairing store, both session pools, the
// access/event engines and the IP/BLE transports, and drives them through
// Idle -> Running -> Stopping -> Idle. Grounded on the teacher's root
// main.go bring-up sequence and the Router/Ble composition it wires
// together, generalized from one hard-coded pump profile to an arbitrary
// db.Database plus a set of platform collaborators (Design Note §9
// "Opaque platform handles").
package hapserver

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/access"
	"github.com/jwoglom/haprt/pkg/ble"
	"github.com/jwoglom/haprt/pkg/bleadv"
	"github.com/jwoglom/haprt/pkg/db"
	"github.com/jwoglom/haprt/pkg/event"
	"github.com/jwoglom/haprt/pkg/ipjson"
	"github.com/jwoglom/haprt/pkg/iptransport"
	"github.com/jwoglom/haprt/pkg/pairing"
	"github.com/jwoglom/haprt/pkg/pairingadmin"
	"github.com/jwoglom/haprt/pkg/pairsetup"
	"github.com/jwoglom/haprt/pkg/pairverify"
	"github.com/jwoglom/haprt/pkg/platform"
	"github.com/jwoglom/haprt/pkg/session"
)

// State is one of the three accessory-server lifecycle states (spec.md §3
// "Accessory server").
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ipIdleTimeout is the IP transport's session liveness window;
// bleIdleTimeout is the longer window given to the BLE session manager.
const ipIdleTimeout = 2 * time.Minute
const bleIdleTimeout = 10 * time.Minute

// ErrInvalidTransition is returned when Start or Stop is called from a
// state that does not permit it (spec.md §3 "Idle -> Running -> Stopping").
var ErrInvalidTransition = errors.New("hapserver: invalid state transition")

// UpdatedStateHandler is invoked synchronously on every state change
// (spec.md §3 "A handler is invoked synchronously on every state change").
type UpdatedStateHandler func(prev, next State)

// Config bundles every platform collaborator and static parameter the
// orchestrator needs at construction. Every interface field is required
// except BLE, MDNS and MFi, which may be nil for an IP-only or
// non-MFi-certified deployment.
type Config struct {
	Database *db.Database

	KV    platform.KVStore
	TCP   platform.TCPStreamManager
	BLE   platform.BLEPeripheralManager
	MDNS  platform.ServiceDiscovery
	Clock platform.Clock
	RNG   platform.RNG
	MFi   platform.MFiAuthenticator

	SetupCode pairsetup.SetupCodeProvider

	// ListenAddr is the IP transport's bind address, e.g. ":51826".
	ListenAddr string

	// ServiceName is the mDNS instance name and BLE Local Name AD field.
	ServiceName string

	// Category is the accessory category tag advertised in the mDNS `ci`
	// TXT field and the BLE regular advertisement (spec.md §6).
	Category int

	// IPSessionCount overrides session.DefaultIPSessionCount when > 0.
	IPSessionCount int

	// MaxPairings bounds the pairing store's slot count (spec.md §3
	// "Pairing record").
	MaxPairings int

	// Model is the `md` TXT field.
	Model string

	// ConfigNumber is the mDNS `c#` / BLE CN byte, bumped whenever the
	// accessory's attribute database changes shape across firmware
	// updates.
	ConfigNumber int

	// SetupHash is the optional 4-byte `sh` TXT field / BLE SH field.
	SetupHash []byte
}

// Server is the single process-wide accessory-server object (spec.md §3).
// Exactly one instance exists per process; it is parameterized entirely at
// construction via Config, per Design Note §9 "Global state".
type Server struct {
	mu    sync.Mutex
	state State

	cfg Config

	identity pairing.DeviceIdentity
	pairings *pairing.Store
	gsn      *pairing.GSNStore

	ipSessions  *session.Manager
	bleSessions *session.Manager

	events    *event.Engine
	accessEng *access.Engine
	admin     *pairingadmin.Admin

	ip        *iptransport.Transport
	bt        *ble.Engine
	adv       *bleadv.Controller
	ipDeps    *iptransport.Deps
	periph    platform.BLEPeripheralManager
	bleLinks  *bleLinkSet

	handlers []UpdatedStateHandler
}

// New constructs a Server from cfg, loading (or creating on first run) the
// device identity, pairing store and GSN from cfg.KV, then wiring every
// core collaborator. The returned Server is in StateIdle; call Start to
// bring it up.
func New(cfg Config) (*Server, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("hapserver: Config.Database is required")
	}
	if cfg.KV == nil || cfg.Clock == nil || cfg.RNG == nil {
		return nil, fmt.Errorf("hapserver: Config.KV, Clock and RNG are required")
	}

	maxPairings := cfg.MaxPairings
	if maxPairings <= 0 {
		maxPairings = 16
	}
	ipCount := cfg.IPSessionCount
	if ipCount <= 0 {
		ipCount = session.DefaultIPSessionCount
	}

	var freshDeviceID [6]byte
	if err := cfg.RNG.Read(freshDeviceID[:]); err != nil {
		return nil, fmt.Errorf("hapserver: generate fresh device id: %w", err)
	}
	identity, err := pairing.LoadOrCreateIdentity(cfg.KV, cfg.RNG, freshDeviceID)
	if err != nil {
		return nil, fmt.Errorf("hapserver: load device identity: %w", err)
	}

	gsn, err := pairing.LoadGSNStore(cfg.KV)
	if err != nil {
		return nil, fmt.Errorf("hapserver: load GSN: %w", err)
	}

	pairings, err := pairing.NewStore(cfg.KV, maxPairings)
	if err != nil {
		return nil, fmt.Errorf("hapserver: load pairing store: %w", err)
	}
	pairings.SetGSN(gsn)

	ipSessions := session.NewManager(cfg.Clock, session.TransportIP, ipCount, ipIdleTimeout)
	var bleSessions *session.Manager
	if cfg.BLE != nil {
		bleSessions = session.NewManager(cfg.Clock, session.TransportBLE, session.BLESessionCount, bleIdleTimeout)
	}

	s := &Server{
		cfg:         cfg,
		state:       StateIdle,
		identity:    identity,
		pairings:    pairings,
		gsn:         gsn,
		ipSessions:  ipSessions,
		bleSessions: bleSessions,
		periph:      cfg.BLE,
	}

	s.events = event.NewEngine(cfg.Clock, nil, 0)
	s.events.SetIPSessions(ipSessions)
	if bleSessions != nil {
		s.events.SetBLESessions(bleSessions)
	}
	s.events.SetGSN(gsn)

	s.accessEng = access.NewEngine(cfg.Database, s.events, cfg.Clock, pairings.HasAnyPairing)
	s.events.SetReadFunc(s.accessEng.ReadValue)

	s.admin = pairingadmin.New(pairings, ipSessions, bleSessions)

	verifyIdentity := pairverify.Identity{Public: identity.Public, Private: identity.Private}
	setupIdentity := pairsetup.Identity{Public: identity.Public, Private: identity.Private}
	attempts := &pairsetup.AttemptCounter{}

	deps := &iptransport.Deps{
		Access:    s.accessEng,
		Pairings:  pairings,
		Admin:     s.admin,
		Sessions:  ipSessions,
		Identity:  verifyIdentity,
		SetupID:   setupIdentity,
		DeviceID:  identity.DeviceID[:],
		SetupCode: cfg.SetupCode,
		Attempts:  attempts,
		Clock:     cfg.Clock,
	}
	if cfg.BLE != nil {
		deps.BroadcastKV = cfg.KV
	}
	s.ipDeps = deps
	s.ip = iptransport.NewTransport(deps, cfg.TCP, ipSessions, s.events)

	if cfg.BLE != nil {
		if _, err := bleadv.LoadOrRotateBroadcastKey(cfg.KV, cfg.Clock); err != nil {
			return nil, fmt.Errorf("hapserver: load broadcast key: %w", err)
		}

		primaryID := primaryAccessoryID(cfg.Database)
		setupCh, _ := cfg.Database.FindCharacteristicByType(primaryID, db.PairSetupCharType)
		verifyCh, _ := cfg.Database.FindCharacteristicByType(primaryID, db.PairVerifyCharType)

		resumeCache := ble.NewPairResumeCache(cfg.Clock, ble.DefaultPairResumeCapacity, ble.DefaultPairResumeLifetime)
		s.bt = ble.NewEngine(ble.Config{
			AccessEngine:  s.accessEng,
			AccessoryID:   primaryID,
			Pairings:      pairings,
			Clock:         cfg.Clock,
			PairSetupIID:  charID(setupCh),
			PairVerifyIID: charID(verifyCh),
			Identity:      verifyIdentity,
			DeviceID:      identity.DeviceID[:],
			SetupCode:     cfg.SetupCode,
			Attempts:      attempts,
			ResumeCache:   resumeCache,
		})

		s.adv = bleadv.New(
			bleadv.Identity{DeviceID: identity.DeviceID, CategoryID: uint16(cfg.Category), ConfigNumber: byte(cfg.ConfigNumber), SetupHash: cfg.SetupHash},
			gsn.Value,
			s.admin.Unpaired,
			cfg.Clock,
			cfg.BLE,
		)
		s.events.SetBroadcastSink(bleBroadcastAdapter{s.adv})
		s.bleLinks = newBLELinkSet(bleSessions, s.bt)
	}

	return s, nil
}

// charID returns ch's instance id, or 0 if ch is nil (no such
// characteristic in this accessory's profile -- BLE pairing opcodes for
// that characteristic simply never match).
func charID(ch *db.Characteristic) uint64 {
	if ch == nil {
		return 0
	}
	return ch.ID
}

// primaryAccessoryID returns the id of the database's primary accessory
// (always 1, spec.md §3 "Accessory" invariant), defaulting to 1 if the
// database is empty.
func primaryAccessoryID(database *db.Database) uint64 {
	for _, acc := range database.Accessories {
		if acc.ID == 1 {
			return 1
		}
	}
	return 1
}

// bleBroadcastAdapter adapts *bleadv.Controller to event.BroadcastSink,
// digesting the raised value into the 8-byte truncated hash the
// notification advertisement format carries instead of the value itself
// (spec.md §4.6 "IID, new value digest, GSN").
type bleBroadcastAdapter struct{ adv *bleadv.Controller }

func (a bleBroadcastAdapter) DeliverBroadcast(accessoryID, characteristicID uint64, value db.Value) {
	digest := sha256.Sum256([]byte(ipjson.EncodeValue(value)))
	if err := a.adv.RaiseDisconnected(characteristicID, digest[:8]); err != nil {
		log.Warnf("hapserver: disconnected notification for characteristic %d: %v", characteristicID, err)
	}
}

// State returns the orchestrator's current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers a handler invoked synchronously on every
// transition (spec.md §3).
func (s *Server) OnStateChange(h UpdatedStateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *Server) transition(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	handlers := append([]UpdatedStateHandler(nil), s.handlers...)
	s.mu.Unlock()

	log.Infof("hapserver: %s -> %s", prev, next)
	for _, h := range handlers {
		h(prev, next)
	}
}

// Start validates the attribute database, publishes it over BLE (if
// configured), opens the IP listener and begins mDNS advertising,
// transitioning Idle -> Running. Validation failure is fatal: the server
// never enters Running (spec.md §7 "validation failures during Start are
// fatal").
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: Start from %s", ErrInvalidTransition, s.state)
	}
	s.mu.Unlock()

	if err := s.cfg.Database.Validate(s.cfg.BLE != nil); err != nil {
		return fmt.Errorf("hapserver: attribute database validation failed: %w", err)
	}

	ff := 0
	if s.cfg.MFi != nil && s.cfg.MFi.Present() {
		ff |= 1 << 0
	}
	if s.admin.Unpaired() {
		// software-token-auth bit; this implementation has no MFi
		// hardware auth path of its own, only the capability hook above.
		ff |= 1 << 1
	}

	if s.cfg.TCP != nil {
		if err := s.ip.Start(s.cfg.ListenAddr); err != nil {
			return fmt.Errorf("hapserver: start IP transport: %w", err)
		}
	}

	if s.periph != nil {
		if err := s.publishBLE(); err != nil {
			return fmt.Errorf("hapserver: publish BLE services: %w", err)
		}
		if err := s.adv.RefreshRegular(); err != nil {
			return fmt.Errorf("hapserver: start BLE advertising: %w", err)
		}
	}

	if s.cfg.MDNS != nil {
		txt := s.txtRecords(ff)
		port := 0
		if s.cfg.TCP != nil {
			if p, err := s.cfg.TCP.ListenerPort(); err == nil {
				port = p
			}
		}
		if err := s.cfg.MDNS.Register(ctx, s.cfg.ServiceName, "_hap._tcp", port, txt); err != nil {
			return fmt.Errorf("hapserver: register mDNS service: %w", err)
		}
	}

	s.transition(StateRunning)
	return nil
}

// txtRecords assembles the mDNS TXT record set (spec.md §6).
func (s *Server) txtRecords(featureFlags int) platform.TXTRecords {
	sf := 0
	if s.admin.Unpaired() {
		sf |= 1 << 0
	}
	return platform.TXTRecords{
		ConfigNumber: s.cfg.ConfigNumber,
		FeatureFlags: featureFlags,
		DeviceID:     formatDeviceID(s.identity.DeviceID),
		Model:        s.cfg.Model,
		ProtocolVer:  "1.0",
		StateNumber:  "1",
		StatusFlags:  sf,
		Category:     s.cfg.Category,
		SetupHash:    string(s.cfg.SetupHash),
	}
}

func formatDeviceID(id [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", id[0], id[1], id[2], id[3], id[4], id[5])
}

// UpdateMDNS re-registers the TXT record set. It is called by the periodic
// maintenance heartbeat; pairing mutations and GSN bumps do not call it.
func (s *Server) UpdateMDNS(ctx context.Context) error {
	if s.cfg.MDNS == nil {
		return nil
	}
	ff := 0
	if s.cfg.MFi != nil && s.cfg.MFi.Present() {
		ff |= 1 << 0
	}
	return s.cfg.MDNS.UpdateTXTRecords(ctx, s.txtRecords(ff))
}

// Stop drains in-flight work and tears every transport down, transitioning
// Running -> Stopping -> Idle (spec.md §3, §5 "Stop drains in-flight
// work").
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("%w: Stop from %s", ErrInvalidTransition, s.state)
	}
	s.mu.Unlock()

	s.transition(StateStopping)

	if s.cfg.MDNS != nil {
		if err := s.cfg.MDNS.Stop(ctx); err != nil {
			log.Warnf("hapserver: stop mDNS: %v", err)
		}
	}
	if s.ip != nil {
		s.ip.Stop()
	}
	s.ipSessions.ReleaseAll()
	if s.bleSessions != nil {
		s.bleSessions.ReleaseAll()
	}
	if s.periph != nil {
		if err := s.periph.StopAdvertising(); err != nil {
			log.Warnf("hapserver: stop BLE advertising: %v", err)
		}
	}

	s.transition(StateIdle)
	return nil
}

// FactoryReset purges every persisted domain (spec.md §8 "Factory
// reset"), returning the accessory to the unpaired state. Must be called
// while Idle; the caller is responsible for a subsequent Start.
func (s *Server) FactoryReset() error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: FactoryReset requires Idle, currently %s", ErrInvalidTransition, s.state)
	}
	s.mu.Unlock()

	for _, domain := range []string{"pairings", "gsn", "identity", "broadcast"} {
		if err := s.cfg.KV.PurgeDomain(domain); err != nil {
			return fmt.Errorf("hapserver: purge domain %s: %w", domain, err)
		}
	}
	log.Infof("hapserver: factory reset complete, accessory reverted to unpaired")
	return nil
}

// Database returns the accessory's attribute database, for a sample
// accessory's own bring-up code to build callbacks against.
func (s *Server) Database() *db.Database { return s.cfg.Database }

// AccessEngine exposes the access engine, for an application-level
// component (e.g. a console) that wants to drive a read/write directly.
func (s *Server) AccessEngine() *access.Engine { return s.accessEng }

// Pairings exposes the pairing store, for an out-of-band administration
// surface (e.g. internal/remoteapi).
func (s *Server) Pairings() *pairing.Store { return s.pairings }

// Admin exposes the pairings administration surface.
func (s *Server) Admin() *pairingadmin.Admin { return s.admin }

// GSN exposes the GSN store for observability sinks.
func (s *Server) GSN() *pairing.GSNStore { return s.gsn }
