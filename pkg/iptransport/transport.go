package iptransport

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/event"
	"github.com/jwoglom/haprt/pkg/platform"
	"github.com/jwoglom/haprt/pkg/session"
)

// Transport owns the IP listener and the live set of bound connections; it
// is the event engine's Sink, routing a coalesced delivery to whichever
// Conn currently holds the target session (spec.md §4.7).
type Transport struct {
	deps      *Deps
	router    *Router
	streamMgr platform.TCPStreamManager
	sessions  *session.Manager
	events    *event.Engine

	mu    sync.Mutex
	conns map[*session.Session]*Conn
}

// NewTransport wires a Transport over deps, registering itself as the
// event engine's IP sink and session pool.
func NewTransport(deps *Deps, streamMgr platform.TCPStreamManager, sessions *session.Manager, events *event.Engine) *Transport {
	t := &Transport{
		deps:      deps,
		router:    NewRouter(deps),
		streamMgr: streamMgr,
		sessions:  sessions,
		events:    events,
		conns:     make(map[*session.Session]*Conn),
	}
	if events != nil {
		events.SetSink(t)
		events.SetIPSessions(sessions)
	}
	return t
}

// Start opens the TCP listener at addr and begins accepting connections.
func (t *Transport) Start(addr string) error {
	if err := t.streamMgr.OpenListener(addr); err != nil {
		return fmt.Errorf("iptransport: open listener: %w", err)
	}
	return t.streamMgr.Accept(t.onAccept)
}

// Stop closes the listener and every live connection.
func (t *Transport) Stop() {
	_ = t.streamMgr.CloseListener()
	t.mu.Lock()
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (t *Transport) onAccept(stream platform.Stream) {
	sess, err := t.sessions.Acquire()
	if err != nil {
		log.Warnf("iptransport: session pool exhausted, rejecting %s", stream.RemoteAddr())
		_ = stream.Close()
		return
	}
	conn := newConn(stream, sess, t.router, t)
	t.mu.Lock()
	t.conns[sess] = conn
	t.mu.Unlock()
	log.Infof("iptransport: accepted connection from %s on slot %d", stream.RemoteAddr(), sess.Slot())
}

// forget releases sess back to the pool and drops its Conn registration,
// called once a connection's stream has closed.
func (t *Transport) forget(sess *session.Session) {
	t.mu.Lock()
	delete(t.conns, sess)
	t.mu.Unlock()

	if t.deps.Access != nil {
		t.deps.Access.CancelSession(sess)
	}
	if t.events != nil {
		t.events.CancelSession(sess)
	}
	t.sessions.Release(sess)
}

// DeliverEvents implements event.Sink, routing a coalesced batch to the
// connection currently bound to sess, if still live.
func (t *Transport) DeliverEvents(sess *session.Session, deliveries []event.Delivery) {
	t.mu.Lock()
	conn := t.conns[sess]
	t.mu.Unlock()
	if conn == nil {
		return
	}
	conn.deliverEvents(deliveries)
}
