// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides an in-process SCMP broker for tests.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/absmach/scmp/codec"
	"github.com/gorilla/websocket"
)

// Broker error codes.
const (
	CodeDuplicateUsername = 408
	CodeGroupDoesNotExist = 411
)

// BrokerConfig configures a test broker.
type BrokerConfig struct {
	Queue         string   // Accepted queue, default "production"
	Groups        []string // Groups announced in CONNECTED
	AckWindow     uint64   // Broker side ack window, 0 accepts the client's
	SchemaVersion string
	Version       string
	DBAccess      string
	Username      string // Required basic auth user, empty disables auth
	Password      string

	// ManualMembership leaves SUBSCRIBE and UNSUBSCRIBE unanswered so tests
	// can script the ENTER and LEAVE frames.
	ManualMembership bool
}

// Received is a SEND or STATE frame accepted by the broker.
type Received struct {
	Sender    string
	Group     string
	Payload   []byte
	Transient bool
	Status    bool
	Headers   map[string]string
	// Count is the per connection number of the regular message, zero for
	// transient and status messages.
	Count uint64
}

// Broker emulates the SCMP side of a SeisComP messaging broker.
type Broker struct {
	URL string

	cfg      BrokerConfig
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	connects []*codec.Block
	received []Received
	reject   *rejection
	autoAck  bool
	seq      uint64
	nextID   int
}

type rejection struct {
	code int
	msg  string
}

// Session is one connected client.
type Session struct {
	Name        string
	Membership  bool
	SelfDiscard bool

	conn   *websocket.Conn
	window uint64

	writeMu sync.Mutex

	mu     sync.Mutex
	groups map[string]struct{}
	count  uint64
}

// NewBroker starts a broker on a loopback address. It is stopped by
// t.Cleanup.
func NewBroker(t testing.TB, cfg BrokerConfig) *Broker {
	t.Helper()

	if cfg.Queue == "" {
		cfg.Queue = "production"
	}
	if cfg.Groups == nil {
		cfg.Groups = []string{"AMPLITUDE", "EVENT", "PICK", "STATUS_GROUP"}
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = "0.13"
	}
	if cfg.Version == "" {
		cfg.Version = "test"
	}

	b := &Broker{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		autoAck:  true,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"scmp"},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.Close)

	u, err := url.Parse(b.server.URL)
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	b.URL = "scmp://" + u.Host + "/" + cfg.Queue
	return b
}

// Close stops the broker and drops every session.
func (b *Broker) Close() {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.kill()
	}
	b.server.CloseClientConnections()
	b.server.Close()
}

// Addr returns host:port of the broker.
func (b *Broker) Addr() string {
	return strings.TrimPrefix(b.server.URL, "http://")
}

// SetAutoAck enables or disables automatic ACKs after every window of
// regular messages.
func (b *Broker) SetAutoAck(enable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoAck = enable
}

// RejectNext answers the next CONNECT with an ERROR carrying code and msg.
func (b *Broker) RejectNext(code int, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reject = &rejection{code: code, msg: msg}
}

// Connects returns the CONNECT blocks seen so far.
func (b *Broker) Connects() []*codec.Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.connects)
}

// Received returns the messages published so far.
func (b *Broker) Received() []Received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.received)
}

// Session returns the connected session named name.
func (b *Broker) Session(name string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[name]
	return s, ok
}

// Sessions returns the names of connected clients.
func (b *Broker) Sessions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.sessions))
	for n := range b.sessions {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Publish delivers a RECV from sender to every member of group.
func (b *Broker) Publish(group, sender string, payload []byte, headers map[string]string) {
	b.mu.Lock()
	b.seq++
	seq := b.seq
	b.mu.Unlock()

	frame := recvFrame(group, sender, seq, payload, headers)
	for _, s := range b.members(group) {
		_ = s.Write(frame)
	}
}

func (b *Broker) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/"+b.cfg.Queue {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}
	if b.cfg.Username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != b.cfg.Username || pass != b.cfg.Password {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.serve(conn)
}

func (b *Broker) serve(conn *websocket.Conn) {
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	block, err := codec.Parse(data)
	if err != nil || block.Command != codec.CmdConnect {
		_ = conn.WriteMessage(websocket.TextMessage, errorFrame(400, "expected CONNECT"))
		return
	}

	s, err := b.register(conn, block)
	if err != nil {
		return
	}
	defer b.unregister(s)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		block, err := codec.Parse(data)
		if err != nil {
			_ = s.Write(errorFrame(400, err.Error()))
			return
		}
		if !b.handleCommand(s, block) {
			return
		}
	}
}

func (b *Broker) register(conn *websocket.Conn, block *codec.Block) (*Session, error) {
	b.mu.Lock()
	b.connects = append(b.connects, block)
	rej := b.reject
	b.reject = nil

	name, _ := block.Get(codec.HeaderClientName)
	if rej == nil && name != "" {
		if _, taken := b.sessions[name]; taken {
			rej = &rejection{code: CodeDuplicateUsername, msg: "duplicate username " + name}
		}
	}
	if name == "" {
		b.nextID++
		name = fmt.Sprintf("client-%d", b.nextID)
	}
	b.mu.Unlock()

	if rej != nil {
		_ = conn.WriteMessage(websocket.TextMessage, errorFrame(rej.code, rej.msg))
		return nil, fmt.Errorf("rejected with %d", rej.code)
	}

	var window uint64
	if v, ok := block.Get(codec.HeaderAckWindow); ok {
		window, _ = strconv.ParseUint(v, 10, 64)
	}
	if b.cfg.AckWindow > 0 && (window == 0 || b.cfg.AckWindow < window) {
		window = b.cfg.AckWindow
	}

	mi, _ := block.Get(codec.HeaderMembershipInfo)
	sd, _ := block.Get(codec.HeaderSelfDiscard)
	s := &Session{
		Name:        name,
		Membership:  mi != "0",
		SelfDiscard: sd == "1",
		conn:        conn,
		window:      window,
		groups:      make(map[string]struct{}),
	}

	var subs []string
	if v, ok := block.Get(codec.HeaderSubscriptions); ok && v != "" {
		subs = strings.Split(v, ",")
	}
	for _, g := range subs {
		if !slices.Contains(b.cfg.Groups, g) {
			_ = s.Write(errorFrame(CodeGroupDoesNotExist, "group does not exist: "+g))
			return nil, fmt.Errorf("unknown group %s", g)
		}
	}

	reply := codec.NewBuilder(codec.ReplyConnected).
		Header(codec.HeaderVersion, b.cfg.Version).
		Header(codec.HeaderSchemaVersion, b.cfg.SchemaVersion).
		Header(codec.HeaderClientName, name).
		Header(codec.HeaderGroups, strings.Join(b.cfg.Groups, ","))
	if b.cfg.AckWindow > 0 {
		reply.HeaderUint(codec.HeaderAckWindow, b.cfg.AckWindow)
	}
	reply.Header(codec.HeaderQueue, b.cfg.Queue)
	if b.cfg.DBAccess != "" {
		reply.Header(codec.HeaderDBAccess, b.cfg.DBAccess)
	}
	if err := s.Write(reply.Bytes()); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.sessions[name] = s
	b.mu.Unlock()

	for _, g := range subs {
		b.join(s, g)
	}
	return s, nil
}

func (b *Broker) unregister(s *Session) {
	b.mu.Lock()
	if cur, ok := b.sessions[s.Name]; ok && cur == s {
		delete(b.sessions, s.Name)
	}
	b.mu.Unlock()

	s.mu.Lock()
	groups := make([]string, 0, len(s.groups))
	for g := range s.groups {
		groups = append(groups, g)
	}
	s.groups = make(map[string]struct{})
	s.mu.Unlock()

	for _, g := range groups {
		frame := codec.NewBuilder(codec.ReplyLeave).
			Header(codec.HeaderGroup, g).
			Header(codec.HeaderMember, s.Name).
			Bytes()
		for _, m := range b.members(g) {
			if m.Membership {
				_ = m.Write(frame)
			}
		}
	}
}

// handleCommand processes one client command and reports whether the
// session continues.
func (b *Broker) handleCommand(s *Session, block *codec.Block) bool {
	switch block.Command {
	case codec.CmdSubscribe, codec.CmdUnsubscribe:
		groups, _ := block.Get(codec.HeaderGroups)
		for _, g := range strings.Split(groups, ",") {
			if !slices.Contains(b.cfg.Groups, g) {
				_ = s.Write(errorFrame(CodeGroupDoesNotExist, "group does not exist: "+g))
				return false
			}
			if b.cfg.ManualMembership {
				continue
			}
			if block.Command == codec.CmdSubscribe {
				b.join(s, g)
			} else {
				b.leave(s, g)
			}
		}
	case codec.CmdSend:
		b.publish(s, block, false)
	case codec.CmdState:
		b.publish(s, block, true)
	case codec.CmdDisconnect:
		id, _ := block.Get(codec.HeaderReceipt)
		_ = s.Write(codec.NewBuilder(codec.ReplyReceipt).Header(codec.HeaderReceiptID, id).Bytes())
		return false
	default:
		_ = s.Write(errorFrame(400, "unknown command "+block.Command))
		return false
	}
	return true
}

func (b *Broker) join(s *Session, group string) {
	s.mu.Lock()
	s.groups[group] = struct{}{}
	s.mu.Unlock()

	members := b.members(group)
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Name)
	}
	slices.Sort(names)

	frame := codec.NewBuilder(codec.ReplyEnter).
		Header(codec.HeaderGroup, group).
		Header(codec.HeaderMember, s.Name).
		Body([]byte(strings.Join(names, ","))).
		Bytes()
	for _, m := range members {
		if m == s || m.Membership {
			_ = m.Write(frame)
		}
	}
}

func (b *Broker) leave(s *Session, group string) {
	members := b.members(group)

	s.mu.Lock()
	delete(s.groups, group)
	s.mu.Unlock()

	frame := codec.NewBuilder(codec.ReplyLeave).
		Header(codec.HeaderGroup, group).
		Header(codec.HeaderMember, s.Name).
		Bytes()
	for _, m := range members {
		if m == s || m.Membership {
			_ = m.Write(frame)
		}
	}
}

func (b *Broker) publish(s *Session, block *codec.Block, status bool) {
	group, _ := block.Get(codec.HeaderDestination)
	transient := block.Has(codec.HeaderTransient)

	rec := Received{
		Sender:    s.Name,
		Group:     group,
		Payload:   block.Body,
		Transient: transient,
		Status:    status,
		Headers:   make(map[string]string, len(block.Headers)),
	}
	for _, h := range block.Headers {
		rec.Headers[h.Name] = h.Value
	}

	var ack uint64
	regular := !status && !transient
	if regular {
		s.mu.Lock()
		s.count++
		rec.Count = s.count
		if s.window > 0 && s.count%s.window == 0 {
			ack = s.count
		}
		s.mu.Unlock()
	}

	b.mu.Lock()
	b.received = append(b.received, rec)
	autoAck := b.autoAck
	b.seq++
	seq := b.seq
	b.mu.Unlock()

	var frame []byte
	if status {
		frame = codec.NewBuilder(codec.ReplyState).
			Header(codec.HeaderDestination, group).
			Header(codec.HeaderClient, s.Name).
			HeaderInt(codec.HeaderContentLength, int64(len(block.Body))).
			Body(block.Body).
			Bytes()
	} else {
		headers := map[string]string{}
		if v, ok := block.Get(codec.HeaderEncoding); ok {
			headers[codec.HeaderEncoding] = v
		}
		if v, ok := block.Get(codec.HeaderMimetype); ok {
			headers[codec.HeaderMimetype] = v
		}
		frame = recvFrame(group, s.Name, seq, block.Body, headers)
	}

	for _, m := range b.members(group) {
		if m == s && s.SelfDiscard {
			continue
		}
		_ = m.Write(frame)
	}

	if ack > 0 && autoAck {
		s.Ack(ack)
	}
}

// members returns the sessions subscribed to group.
func (b *Broker) members(group string) []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Session
	for _, s := range b.sessions {
		s.mu.Lock()
		_, ok := s.groups[group]
		s.mu.Unlock()
		if ok {
			out = append(out, s)
		}
	}
	return out
}

// Write sends a raw frame to the client.
func (s *Session) Write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Ack acknowledges the first n regular messages of the connection.
func (s *Session) Ack(n uint64) {
	_ = s.Write(codec.NewBuilder(codec.ReplyAck).HeaderUint(codec.HeaderSequenceNumber, n).Bytes())
}

// Count returns the number of regular messages received on the connection.
func (s *Session) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Window returns the negotiated ack window.
func (s *Session) Window() uint64 {
	return s.window
}

// Fail sends an ERROR frame and closes the connection.
func (s *Session) Fail(code int, msg string, seq *uint64) {
	b := codec.NewBuilder(codec.ReplyError)
	if seq != nil {
		b.HeaderUint(codec.HeaderSequenceNumber, *seq)
	}
	_ = s.Write(b.Body([]byte(strconv.Itoa(code) + " " + msg)).Bytes())
	s.kill()
}

// Drop closes the TCP connection without a WebSocket close handshake.
func (s *Session) Drop() {
	s.kill()
}

// CloseFrame sends a WebSocket close frame.
func (s *Session) CloseFrame() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
}

func (s *Session) kill() {
	_ = s.conn.UnderlyingConn().Close()
}

func recvFrame(group, sender string, seq uint64, payload []byte, headers map[string]string) []byte {
	b := codec.NewBuilder(codec.ReplyRecv).
		Header(codec.HeaderSender, sender).
		Header(codec.HeaderDestination, group).
		HeaderUint(codec.HeaderSequenceNumber, seq).
		HeaderInt(codec.HeaderContentLength, int64(len(payload)))
	for _, name := range []string{codec.HeaderEncoding, codec.HeaderMimetype} {
		if v, ok := headers[name]; ok {
			b.Header(name, v)
		}
	}
	return b.Body(payload).Bytes()
}

func errorFrame(code int, msg string) []byte {
	return codec.NewBuilder(codec.ReplyError).Body([]byte(strconv.Itoa(code) + " " + msg)).Bytes()
}
