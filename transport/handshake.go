// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Subprotocol is the WebSocket subprotocol token announced by SCMP clients.
const Subprotocol = "scmp"

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Limits on the upgrade response. A broker explains a rejection in a short
// text body; anything larger is not a response we asked for.
const (
	MaxResponseLine = 8 << 10
	MaxResponseBody = 64 << 10
)

// Handshake errors.
var (
	ErrInvalidResponse = errors.New("invalid HTTP response")
	ErrAcceptMismatch  = errors.New("websocket accept key mismatch")
)

// HandshakeError reports an upgrade that was answered with a status other
// than 101. Body carries the broker's explanation.
type HandshakeError struct {
	StatusCode int
	Body       string
}

func (e *HandshakeError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("websocket upgrade rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("websocket upgrade rejected with status %d: %s", e.StatusCode, e.Body)
}

// Request describes the HTTP upgrade request.
type Request struct {
	Host     string
	Path     string
	Username string
	Password string
	// Credentials enables the Authorization header even when both user and
	// password are empty.
	Credentials bool
	Key         string
}

// NewKey returns a fresh Sec-WebSocket-Key.
func NewKey() string {
	id := uuid.New()
	return base64.StdEncoding.EncodeToString(id[:])
}

// AcceptKey computes the expected Sec-WebSocket-Accept for a key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Bytes renders the request.
func (r Request) Bytes() []byte {
	path := r.Path
	if path == "" {
		path = "/"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", r.Host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Protocol: %s\r\n", Subprotocol)
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", r.Key)
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	if r.Credentials || r.Username != "" || r.Password != "" {
		token := base64.StdEncoding.EncodeToString([]byte(r.Username + ":" + r.Password))
		fmt.Fprintf(&b, "Authorization: Basic %s\r\n", token)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

type responseState uint8

const (
	respStatusLine responseState = iota
	respHeaders
	respBody
	respDone
)

// ResponseParser incrementally decodes an HTTP/1.x response head and body.
type ResponseParser struct {
	StatusCode int
	Reason     string
	Header     http.Header
	Body       []byte

	state         responseState
	line          []byte
	contentLength int
}

// NewResponseParser returns a parser waiting for the status line.
func NewResponseParser() *ResponseParser {
	return &ResponseParser{Header: make(http.Header)}
}

// Finished reports whether the complete response has been consumed.
func (p *ResponseParser) Finished() bool {
	return p.state == respDone
}

// Feed consumes bytes from data and returns how many belong to the
// response. Bytes past the end of the response are left untouched.
func (p *ResponseParser) Feed(data []byte) (int, error) {
	n := 0
	for n < len(data) && p.state != respDone {
		if p.state == respBody {
			want := p.contentLength - len(p.Body)
			chunk := data[n:]
			if len(chunk) > want {
				chunk = chunk[:want]
			}
			p.Body = append(p.Body, chunk...)
			n += len(chunk)
			if len(p.Body) == p.contentLength {
				p.state = respDone
			}
			continue
		}

		i := bytes.IndexByte(data[n:], '\n')
		if i < 0 {
			if len(p.line)+len(data)-n > MaxResponseLine {
				return n, ErrInvalidResponse
			}
			p.line = append(p.line, data[n:]...)
			n = len(data)
			break
		}
		if len(p.line)+i > MaxResponseLine {
			return n, ErrInvalidResponse
		}
		p.line = append(p.line, data[n:n+i]...)
		n += i + 1
		line := strings.TrimSuffix(string(p.line), "\r")
		p.line = p.line[:0]

		if err := p.handleLine(line); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (p *ResponseParser) handleLine(line string) error {
	switch p.state {
	case respStatusLine:
		proto, rest, ok := strings.Cut(line, " ")
		if !ok || !strings.HasPrefix(proto, "HTTP/") {
			return ErrInvalidResponse
		}
		code, reason, _ := strings.Cut(rest, " ")
		status, err := strconv.Atoi(code)
		if err != nil || status < 100 || status > 999 {
			return ErrInvalidResponse
		}
		p.StatusCode = status
		p.Reason = reason
		p.state = respHeaders

	case respHeaders:
		if line == "" {
			if p.contentLength > 0 {
				p.Body = make([]byte, 0, p.contentLength)
				p.state = respBody
			} else {
				p.state = respDone
			}
			return nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return ErrInvalidResponse
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		p.Header.Add(name, value)
		if strings.EqualFold(name, "Content-Length") {
			cl, err := strconv.Atoi(value)
			if err != nil || cl < 0 || cl > MaxResponseBody {
				return ErrInvalidResponse
			}
			p.contentLength = cl
		}
	}
	return nil
}

// Negotiate writes the upgrade request to rw and reads the response through
// buf. On success it returns the bytes read past the response, which are the
// beginning of the WebSocket stream.
func Negotiate(rw io.ReadWriter, req Request, buf []byte) (leftover []byte, stats Counters, err error) {
	raw := req.Bytes()
	if _, err := rw.Write(raw); err != nil {
		return nil, stats, err
	}
	stats.WriteCalls++
	stats.BytesSent += uint64(len(raw))

	resp := NewResponseParser()
	for !resp.Finished() {
		n, err := rw.Read(buf)
		stats.ReadCalls++
		stats.BytesReceived += uint64(n)
		if n > 0 {
			used, perr := resp.Feed(buf[:n])
			if perr != nil {
				return nil, stats, perr
			}
			if resp.Finished() {
				leftover = append([]byte(nil), buf[used:n]...)
				break
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, stats, io.ErrUnexpectedEOF
			}
			return nil, stats, err
		}
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, stats, &HandshakeError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(resp.Body))}
	}
	if accept := resp.Header.Get("Sec-WebSocket-Accept"); accept != "" && accept != AcceptKey(req.Key) {
		return nil, stats, ErrAcceptMismatch
	}

	return leftover, stats, nil
}
