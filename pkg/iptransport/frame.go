// Package iptransport implements the IP session loop of spec.md §4.7: a
// pre-framed HTTP-like request/response protocol carried over a bound TCP
// stream, transport-encrypted once a session is ready, dispatching to the
// pairing, attribute and administration endpoints and delivering coalesced
// event notifications as EVENT/1.0 frames. Grounded on the teacher's
// handler/router.go (map-of-handlers dispatch shape) generalized from a
// BLE message router to an HTTP-like path router, and on
// pkg/ble.Reassembler's explicit incremental-parse-state idiom applied to
// request framing instead of GATT fragmentation.
package iptransport

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrIncomplete is returned by ParseRequest when buf does not yet contain a
// full request frame; the caller must read more bytes and retry.
var ErrIncomplete = errors.New("iptransport: incomplete frame")

// ErrMalformed is returned when buf's head could never become a valid
// frame regardless of how many more bytes arrive.
var ErrMalformed = errors.New("iptransport: malformed frame")

// RequestFrame is one parsed HTTP-like request.
type RequestFrame struct {
	Method  string
	Path    string
	Query   map[string]string
	Headers map[string]string
	Body    []byte
}

// ParseRequest parses the first complete request out of buf, returning the
// frame and the number of bytes it consumed. On ErrIncomplete, consumed is
// always 0 and the caller must wait for more bytes.
func ParseRequest(buf []byte) (*RequestFrame, int, error) {
	headEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headEnd < 0 {
		return nil, 0, ErrIncomplete
	}
	head := string(buf[:headEnd])
	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 {
		return nil, 0, ErrMalformed
	}

	requestLine := strings.SplitN(lines[0], " ", 3)
	if len(requestLine) < 2 {
		return nil, 0, ErrMalformed
	}
	method := requestLine[0]
	rawPath := requestLine[1]

	headers := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:colon]))
		headers[key] = strings.TrimSpace(line[colon+1:])
	}

	contentLength := 0
	if cl, ok := headers["content-length"]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, 0, fmt.Errorf("%w: bad content-length %q", ErrMalformed, cl)
		}
		contentLength = n
	}

	bodyStart := headEnd + 4
	frameEnd := bodyStart + contentLength
	if len(buf) < frameEnd {
		return nil, 0, ErrIncomplete
	}

	path, query := splitQuery(rawPath)
	frame := &RequestFrame{
		Method:  method,
		Path:    path,
		Query:   query,
		Headers: headers,
		Body:    append([]byte(nil), buf[bodyStart:frameEnd]...),
	}
	return frame, frameEnd, nil
}

// splitQuery separates a raw "/path?a=1&b=2" target into its path and a
// flat key/value query map (spec.md §4.7's batch endpoints encode their
// selection as query parameters, e.g. "id=1.2,1.3").
func splitQuery(raw string) (string, map[string]string) {
	q := make(map[string]string)
	idx := strings.IndexByte(raw, '?')
	if idx < 0 {
		return raw, q
	}
	path := raw[:idx]
	for _, pair := range strings.Split(raw[idx+1:], "&") {
		if pair == "" {
			continue
		}
		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			q[pair] = ""
			continue
		}
		q[pair[:eq]] = pair[eq+1:]
	}
	return path, q
}

// statusText is the minimal subset of HTTP status phrases this protocol
// emits.
func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 207:
		return "Multi-Status"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 404:
		return "Not Found"
	case 470:
		return "Connection Authorization Required"
	default:
		return "Internal Server Error"
	}
}

// WriteResponse renders a complete HTTP-like response frame.
func WriteResponse(status int, contentType string, body []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, statusText(status))
	if contentType != "" {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.Write(body)
	return b.Bytes()
}

// WriteEventFrame renders an EVENT/1.0 frame carrying a JSON body shaped
// identically to a characteristics read response (spec.md §4.7).
func WriteEventFrame(body []byte) []byte {
	var b bytes.Buffer
	b.WriteString("EVENT/1.0 200 OK\r\n")
	b.WriteString("Content-Type: application/hap+json\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.Write(body)
	return b.Bytes()
}
