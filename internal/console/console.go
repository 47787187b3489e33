// Package console implements the on-device operator websocket console: a
// small HTTP surface a technician can open during bring-up or field
// diagnostics to watch the accessory-server's lifecycle and pairing state
// and issue a handful of maintenance commands. Grounded on the teacher's
// pkg/api/server.go (Server.SendEvent/reader/handleCommand/sendState
// shape), with BleEvent's pump-characteristic events swapped for
// hapserver.State transitions and pairing-store mutations, and
// "commandHandler" generalized from pump settings to accessory admin
// operations. github.com/gorilla/websocket, github.com/google/uuid for the
// correlation IDs tagging each pushed event and its log line.
package console

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/hapserver"
)

// Server is an http.Handler exposing one websocket endpoint that streams
// accessory lifecycle/pairing events and accepts a small command set.
type Server struct {
	srv *hapserver.Server

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// New wraps srv, registering a state-change handler that fans state
// transitions out to every connected client.
func New(srv *hapserver.Server) *Server {
	s := &Server{
		srv:   srv,
		conns: make(map[*websocket.Conn]struct{}),
	}
	srv.OnStateChange(s.handleStateChange)
	return s
}

// Event is a console websocket push/response message. Only the fields
// relevant to Type are populated. CorrelationID ties a client-visible event
// to the server log line(s) that produced it, assigned by sendTo/Broadcast
// when left blank.
type Event struct {
	Type          string           `json:"type"`
	State         string           `json:"state,omitempty"`
	Pairings      []PairingSummary `json:"pairings,omitempty"`
	GSN           uint16           `json:"gsn,omitempty"`
	Message       string           `json:"message,omitempty"`
	Error         string           `json:"error,omitempty"`
	CorrelationID string           `json:"correlationId,omitempty"`
}

// PairingSummary is the console's redacted view of a pairing.Record: only
// the controller id and the admin flag are shown; the long-term public key
// is left out.
type PairingSummary struct {
	ControllerID string `json:"controllerId"`
	Admin        bool   `json:"admin"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("console: websocket upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	s.conns[ws] = struct{}{}
	s.mu.Unlock()

	s.sendTo(ws, s.stateEvent())
	s.reader(ws)
}

func (s *Server) reader(ws *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, ws)
		s.mu.Unlock()
		if err := ws.Close(); err != nil {
			log.Debugf("console: error closing websocket: %v", err)
		}
	}()

	for {
		_, p, err := ws.ReadMessage()
		if err != nil {
			log.Debugf("console: websocket read error: %v", err)
			return
		}
		s.handleCommand(ws, p)
	}
}

func (s *Server) handleCommand(ws *websocket.Conn, data []byte) {
	var msg struct {
		Command      string `json:"command"`
		ControllerID string `json:"controllerId"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendTo(ws, Event{Type: "error", Error: "malformed command"})
		return
	}

	switch msg.Command {
	case "getState":
		s.sendTo(ws, s.stateEvent())
	case "listPairings":
		s.sendTo(ws, s.pairingsEvent())
	case "removePairing":
		s.handleRemovePairing(ws, msg.ControllerID)
	case "identify":
		s.handleIdentify(ws)
	default:
		s.sendTo(ws, Event{Type: "error", Error: "unknown command: " + msg.Command})
	}
}

func (s *Server) handleRemovePairing(ws *websocket.Conn, controllerID string) {
	if controllerID == "" {
		s.sendTo(ws, Event{Type: "error", Error: "controllerId is required"})
		return
	}
	if _, err := s.srv.Pairings().Remove(controllerID); err != nil {
		s.sendTo(ws, Event{Type: "error", Error: err.Error()})
		return
	}
	s.Broadcast(s.pairingsEvent())
}

func (s *Server) handleIdentify(ws *websocket.Conn) {
	database := s.srv.Database()
	for _, acc := range database.Accessories {
		if err := s.srv.AccessEngine().Identify(acc.ID); err != nil {
			s.sendTo(ws, Event{Type: "error", Error: err.Error()})
			return
		}
		break
	}
	s.sendTo(ws, Event{Type: "identify", Message: "identify routine triggered"})
}

func (s *Server) handleStateChange(prev, next hapserver.State) {
	s.Broadcast(Event{Type: "stateChange", State: next.String()})
}

func (s *Server) stateEvent() Event {
	value, _ := s.srv.GSN().Value()
	return Event{Type: "state", State: s.srv.State().String(), GSN: value}
}

func (s *Server) pairingsEvent() Event {
	records := s.srv.Pairings().List()
	summaries := make([]PairingSummary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, PairingSummary{ControllerID: rec.ControllerID, Admin: rec.Admin})
	}
	return Event{Type: "pairings", Pairings: summaries}
}

// Broadcast sends event to every connected console client, tagging it with
// one correlation ID shared by every recipient so the resulting log lines
// can be tied back to the single logical event that produced them.
func (s *Server) Broadcast(event Event) {
	if event.CorrelationID == "" {
		event.CorrelationID = uuid.New().String()
	}

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	log.Infof("console: broadcasting %s event [%s] to %d client(s)", event.Type, event.CorrelationID, len(conns))
	for _, c := range conns {
		s.sendTo(c, event)
	}
}

func (s *Server) sendTo(ws *websocket.Conn, event Event) {
	if event.CorrelationID == "" {
		event.CorrelationID = uuid.New().String()
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Errorf("console: [%s] failed to marshal event: %v", event.CorrelationID, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debugf("console: [%s] failed to send event: %v", event.CorrelationID, err)
	}
}
