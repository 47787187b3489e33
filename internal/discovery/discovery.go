// Package discovery implements platform.ServiceDiscovery as a minimal
// mDNS/_hap._tcp advertiser over stdlib net. No mDNS/Bonjour library
// appears anywhere in the retrieved corpus, so this is handwritten over
// raw UDP multicast rather than grounded on a pack dependency -- the
// wire format (DNS message framing, PTR/SRV/TXT records) is RFC 6762/6763,
// not a concern any example repo's stack addresses.
//
// Rather than implement a full query/response responder, this advertiser
// periodically multicasts unsolicited announcements carrying the PTR, SRV
// and TXT records for the registered service, which is sufficient for a
// local-network controller doing a passive mDNS-SD browse and keeps the
// implementation inside the scope of "sample glue", not a production
// resolver.
package discovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jwoglom/haprt/pkg/platform"
)

var mdnsAddr = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// Advertiser periodically announces one _hap._tcp service instance.
type Advertiser struct {
	mu   sync.Mutex
	conn *net.UDPConn

	instance string
	service  string
	port     int
	txt      platform.TXTRecords
	host     string

	cancel context.CancelFunc
}

// New constructs an Advertiser bound to a fresh multicast UDP socket.
func New() (*Advertiser, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 5353})
	if err != nil {
		// Fall back to an ephemeral port; some hosts already have a real
		// mDNS responder bound to 5353.
		conn, err = net.ListenUDP("udp4", nil)
		if err != nil {
			return nil, fmt.Errorf("discovery: open multicast socket: %w", err)
		}
	}
	hostname, _ := os.Hostname()
	return &Advertiser{conn: conn, host: hostname}, nil
}

// Register starts periodic announcement of name._hap._tcp.local on port,
// satisfying platform.ServiceDiscovery.
func (a *Advertiser) Register(ctx context.Context, name, service string, port int, txt platform.TXTRecords) error {
	a.mu.Lock()
	a.instance = name
	a.service = service
	a.port = port
	a.txt = txt
	if a.cancel != nil {
		a.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	go a.announceLoop(loopCtx)
	return a.announceOnce()
}

// UpdateTXTRecords replaces the advertised TXT set and immediately
// re-announces (spec.md §6 "update_txt_records").
func (a *Advertiser) UpdateTXTRecords(ctx context.Context, txt platform.TXTRecords) error {
	a.mu.Lock()
	a.txt = txt
	a.mu.Unlock()
	return a.announceOnce()
}

// Stop halts the announce loop and closes the socket.
func (a *Advertiser) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return a.conn.Close()
}

func (a *Advertiser) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(75 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.announceOnce(); err != nil {
				log.Warnf("discovery: announce: %v", err)
			}
		}
	}
}

func (a *Advertiser) announceOnce() error {
	a.mu.Lock()
	msg := buildAnnouncement(a.instance, a.service, a.host, a.port, a.txt)
	a.mu.Unlock()
	_, err := a.conn.WriteToUDP(msg, mdnsAddr)
	return err
}

// buildAnnouncement assembles a minimal DNS response message carrying
// PTR/SRV/TXT/A records for one service instance (RFC 6762 §6).
func buildAnnouncement(instance, service, host string, port int, txt platform.TXTRecords) []byte {
	fqdn := fmt.Sprintf("%s.%s.local.", instance, service)
	svc := fmt.Sprintf("%s.local.", service)
	hostFqdn := fmt.Sprintf("%s.local.", host)

	var buf []byte
	// Header: id=0, flags=response+authoritative, 0 questions, 4 answers.
	buf = append(buf, 0, 0, 0x84, 0x00, 0, 0, 0, 4, 0, 0, 0, 0)

	buf = append(buf, encodeRR(svc, 12, fqdn)...)        // PTR
	buf = append(buf, encodeSRV(fqdn, hostFqdn, port)...) // SRV
	buf = append(buf, encodeTXT(fqdn, txt)...)            // TXT
	buf = append(buf, encodeA(hostFqdn)...)               // A (best-effort, 0.0.0.0 if unknown)
	return buf
}

func encodeName(name string) []byte {
	var out []byte
	for _, label := range strings.Split(strings.TrimSuffix(name, "."), ".") {
		if label == "" {
			continue
		}
		out = append(out, byte(len(label)))
		out = append(out, label...)
	}
	return append(out, 0)
}

func encodeRR(name string, rrtype uint16, target string) []byte {
	data := encodeName(target)
	var rr []byte
	rr = append(rr, encodeName(name)...)
	rr = appendU16(rr, rrtype)
	rr = appendU16(rr, 1) // class IN
	rr = appendU32(rr, 120)
	rr = appendU16(rr, uint16(len(data)))
	rr = append(rr, data...)
	return rr
}

func encodeSRV(name, target string, port int) []byte {
	targetEnc := encodeName(target)
	var data []byte
	data = appendU16(data, 0) // priority
	data = appendU16(data, 0) // weight
	data = appendU16(data, uint16(port))
	data = append(data, targetEnc...)

	var rr []byte
	rr = append(rr, encodeName(name)...)
	rr = appendU16(rr, 33) // SRV
	rr = appendU16(rr, 1)
	rr = appendU32(rr, 120)
	rr = appendU16(rr, uint16(len(data)))
	rr = append(rr, data...)
	return rr
}

func encodeTXT(name string, txt platform.TXTRecords) []byte {
	pairs := []string{
		fmt.Sprintf("c#=%d", txt.ConfigNumber),
		fmt.Sprintf("ff=%d", txt.FeatureFlags),
		fmt.Sprintf("id=%s", txt.DeviceID),
		fmt.Sprintf("md=%s", txt.Model),
		fmt.Sprintf("pv=%s", txt.ProtocolVer),
		fmt.Sprintf("s#=%s", txt.StateNumber),
		fmt.Sprintf("sf=%d", txt.StatusFlags),
		fmt.Sprintf("ci=%d", txt.Category),
	}
	if txt.SetupHash != "" {
		pairs = append(pairs, fmt.Sprintf("sh=%s", txt.SetupHash))
	}

	var data []byte
	for _, p := range pairs {
		data = append(data, byte(len(p)))
		data = append(data, p...)
	}

	var rr []byte
	rr = append(rr, encodeName(name)...)
	rr = appendU16(rr, 16) // TXT
	rr = appendU16(rr, 1)
	rr = appendU32(rr, 120)
	rr = appendU16(rr, uint16(len(data)))
	rr = append(rr, data...)
	return rr
}

func encodeA(name string) []byte {
	ip := localIPv4()
	var rr []byte
	rr = append(rr, encodeName(name)...)
	rr = appendU16(rr, 1) // A
	rr = appendU16(rr, 1)
	rr = appendU32(rr, 120)
	rr = appendU16(rr, 4)
	rr = append(rr, ip...)
	return rr
}

func localIPv4() []byte {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if v4 := ipnet.IP.To4(); v4 != nil {
					return v4
				}
			}
		}
	}
	return []byte{0, 0, 0, 0}
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
