package iptransport

import (
	"fmt"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/event"
	"github.com/jwoglom/haprt/pkg/ipjson"
	"github.com/jwoglom/haprt/pkg/platform"
	"github.com/jwoglom/haprt/pkg/session"
)

// Conn is one bound TCP stream's request/response loop. It never blocks:
// every method runs from a platform.Stream readiness callback, matching
// the single-threaded run-loop model of spec.md §5.
type Conn struct {
	mu sync.Mutex

	stream platform.Stream
	sess   *session.Session
	router *Router
	owner  *Transport

	inbound      []byte
	plaintextBuf []byte
	outbound     []byte
	closed       bool

	// afterWrite, when set by a handler, runs once the response that
	// handler produced has been written — used by /pairings remove-self
	// and remove-last-admin teardown, which must not tear down the
	// session until its own response has left the wire (spec.md §4.8).
	afterWrite func()
}

func newConn(stream platform.Stream, sess *session.Session, router *Router, owner *Transport) *Conn {
	c := &Conn{stream: stream, sess: sess, router: router, owner: owner}
	if err := stream.UpdateInterests(platform.StreamEvents{HasBytesAvailable: true}, c.onEvents); err != nil {
		log.Warnf("iptransport: register interests for %s: %v", stream.RemoteAddr(), err)
	}
	return c
}

func (c *Conn) onEvents(ev platform.StreamEvents) {
	if ev.HasBytesAvailable {
		c.readLoop()
	}
	if ev.HasSpaceAvailable {
		c.flushOutbound()
	}
	c.rearm()
}

func (c *Conn) rearm() {
	c.mu.Lock()
	closed := c.closed
	wantSpace := len(c.outbound) > 0
	c.mu.Unlock()
	if closed {
		return
	}
	want := platform.StreamEvents{HasBytesAvailable: true, HasSpaceAvailable: wantSpace}
	if err := c.stream.UpdateInterests(want, c.onEvents); err != nil {
		log.Warnf("iptransport: re-arm interests for %s: %v", c.stream.RemoteAddr(), err)
	}
}

func (c *Conn) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := c.stream.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.inbound = append(c.inbound, buf[:n]...)
			c.mu.Unlock()
		}
		if err != nil {
			if err != io.EOF {
				log.Debugf("iptransport: read from %s: %v", c.stream.RemoteAddr(), err)
			}
			if err == io.EOF {
				c.processInbound()
				c.Close()
				return
			}
			break
		}
		if n == 0 {
			break
		}
	}
	c.processInbound()
}

// processInbound decrypts whatever ciphertext has arrived (once the
// session is bound) and parses as many complete request frames as are
// present, dispatching each in turn.
func (c *Conn) processInbound() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if c.sess.Ready() {
			plaintext, consumed, err := decryptStream(c.sess, c.inbound)
			if err != nil {
				c.mu.Unlock()
				log.Warnf("iptransport: decrypt %s: %v", c.stream.RemoteAddr(), err)
				c.Close()
				return
			}
			c.inbound = c.inbound[consumed:]
			c.plaintextBuf = append(c.plaintextBuf, plaintext...)
		} else if len(c.inbound) > 0 {
			c.plaintextBuf = append(c.plaintextBuf, c.inbound...)
			c.inbound = nil
		}
		pending := c.plaintextBuf
		c.mu.Unlock()

		req, n, err := ParseRequest(pending)
		if err == ErrIncomplete {
			return
		}
		if err != nil {
			log.Warnf("iptransport: parse %s: %v", c.stream.RemoteAddr(), err)
			c.Close()
			return
		}

		c.mu.Lock()
		c.plaintextBuf = c.plaintextBuf[n:]
		c.mu.Unlock()

		c.handleRequest(req)
	}
}

func (c *Conn) handleRequest(req *RequestFrame) {
	wasReady := c.sess.Ready()
	status, contentType, body := c.router.Dispatch(c, req)
	c.writeFrame(WriteResponse(status, contentType, body), wasReady)

	c.mu.Lock()
	fn := c.afterWrite
	c.afterWrite = nil
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// deliverEvents renders and writes a coalesced EVENT/1.0 frame, called by
// the owning Transport on behalf of the event engine (spec.md §4.7).
func (c *Conn) deliverEvents(deliveries []event.Delivery) {
	var b strings.Builder
	b.WriteString(`{"characteristics":[`)
	for i, d := range deliveries {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"aid":%d,"iid":%d,"value":%s}`, d.AccessoryID, d.CharacteristicID, ipjson.EncodeValue(d.Value))
	}
	b.WriteString(`]}`)
	c.writeFrame(WriteEventFrame([]byte(b.String())), true)
}

// writeFrame queues frame for the stream, encrypting it first when
// encrypt is true (the session was already bound before this response was
// produced; a Pair-Verify M4 response itself is always sent in the
// clear).
func (c *Conn) writeFrame(frame []byte, encrypt bool) {
	if encrypt {
		sealed, err := encryptFrame(c.sess, frame)
		if err != nil {
			log.Warnf("iptransport: encrypt response for %s: %v", c.stream.RemoteAddr(), err)
			c.Close()
			return
		}
		frame = sealed
	}
	c.mu.Lock()
	c.outbound = append(c.outbound, frame...)
	c.mu.Unlock()
	c.flushOutbound()
}

func (c *Conn) flushOutbound() {
	for {
		c.mu.Lock()
		if len(c.outbound) == 0 {
			c.mu.Unlock()
			return
		}
		chunk := c.outbound
		c.mu.Unlock()

		n, err := c.stream.Write(chunk)
		if n > 0 {
			c.mu.Lock()
			c.outbound = c.outbound[n:]
			c.mu.Unlock()
		}
		if err != nil {
			log.Debugf("iptransport: write to %s: %v", c.stream.RemoteAddr(), err)
			return
		}
		if n == 0 {
			return
		}
	}
}

// Close tears down the connection: the underlying stream, its session and
// its registration with the owning Transport.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.stream.Close()
	if c.owner != nil {
		c.owner.forget(c.sess)
	}
}
