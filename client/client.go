// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/scmp/codec"
	"github.com/absmach/scmp/pkg/content"
	"github.com/absmach/scmp/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Client is a thread-safe SCMP session.
//
// Exactly one goroutine reads the transport and dispatches frames. Callers
// never touch the socket for reading; they wait on channels completed by the
// dispatcher.
type Client struct {
	opts    *Options
	logger  *slog.Logger
	state   *stateManager
	pending *pendingStore
	rel     *reliability
	store   MessageStore
	metrics *metrics

	timeout atomic.Int64

	// opMu serializes Connect, Disconnect and Close.
	opMu sync.Mutex

	// Connection
	connMu   sync.RWMutex
	conn     *transport.Conn
	connDone chan struct{}
	lastErr  error
	endpoint Endpoint
	counters transport.Counters // totals of closed connections

	// writeMu orders every frame written to the transport.
	writeMu sync.Mutex

	// readMu guards the session data updated by the dispatcher.
	readMu        sync.Mutex
	name          string
	subscriptions groupSet
	groups        groupSet
	inbox         *inbox
	seqNo         *uint64
	received      uint64
	schema        SchemaVersion
	version       string
}

// New creates a new SCMP client with the given options.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}

	c := &Client{
		opts:          opts,
		logger:        opts.Logger,
		state:         newStateManager(),
		pending:       newPendingStore(),
		rel:           newReliability(opts.AckWindow, store, opts.Logger),
		store:         store,
		subscriptions: newGroupSet(),
		groups:        newGroupSet(),
		inbox:         newInbox(),
	}
	c.timeout.Store(int64(opts.Timeout))

	if err := c.rel.restore(); err != nil {
		return nil, fmt.Errorf("failed to restore outbound messages: %w", err)
	}

	m, err := newMetrics(opts.MeterProvider, opts.TracerProvider, c.SessionState)
	if err != nil {
		return nil, err
	}
	c.metrics = m

	return c, nil
}

// Connect establishes a session with the broker at address. An empty
// clientName uses Options.ClientName; if both are empty the broker assigns a
// name. A non-nil error guarantees that no transport is held.
func (c *Client) Connect(ctx context.Context, address, clientName string) (err error) {
	if c.state.isClosed() {
		return newError(ErrClientClosed, nil)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.state.transitionFrom(StateConnecting, StateDisconnected, StateFailed) {
		if c.state.isClosed() {
			return newError(ErrClientClosed, nil)
		}
		return newError(ErrAlreadyConnected, nil)
	}

	ctx, span := c.metrics.tracer.Start(ctx, "scmp.connect",
		trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.metrics.recordError(err)
		}
		c.metrics.recordConnect(err)
		span.End()
	}()

	ep, err := ParseURL(address)
	if err != nil {
		c.state.set(StateDisconnected)
		return err
	}
	span.SetAttributes(attribute.String("scmp.endpoint", ep.String()))

	if clientName == "" {
		clientName = c.opts.ClientName
	}
	if len(clientName) > 128 {
		c.state.set(StateDisconnected)
		return &Error{Result: ErrGeneric, Message: "client name exceeds 128 characters"}
	}

	window := c.opts.AckWindow
	if ep.AckWindow != nil {
		window = uint64(*ep.AckWindow)
	}
	c.rel.setWindow(window)

	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	conn, err := transport.Open(ctx, ep.target(), transport.DialOptions{
		TLSConfig:      c.opts.TLSConfig,
		Proxy:          c.opts.Proxy,
		ReadBufferSize: c.opts.ReadBufferSize,
		MaxMessageSize: c.opts.MaxMessageSize,
	})
	if err != nil {
		c.state.set(StateDisconnected)
		return dialError(err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connDone = make(chan struct{})
	c.endpoint = ep
	c.lastErr = nil
	c.connMu.Unlock()

	c.state.set(StateAwaitingConnectReply)

	fail := func(err error) error {
		c.drop(conn, err)
		c.state.set(StateDisconnected)
		c.logger.Warn("scmp_connect_failed",
			slog.String("endpoint", ep.String()),
			slog.String("error", err.Error()))
		return err
	}

	if err := c.sendConnect(ctx, conn, clientName, window); err != nil {
		return fail(err)
	}

	reply, err := c.readConnectReply(ctx, conn)
	if err != nil {
		return fail(err)
	}
	if err := c.applyConnected(reply, clientName); err != nil {
		return fail(err)
	}

	c.rel.begin()

	c.connMu.RLock()
	done := c.connDone
	current := c.conn
	c.connMu.RUnlock()
	if current != conn {
		return fail(c.lostCause())
	}

	go c.readLoop(conn, done)

	c.writeMu.Lock()
	rest, err := c.flushBacklog(conn)
	if err != nil {
		// Replayed messages already in the outbox go back ahead of the rest.
		c.rel.lost()
		c.rel.returnBacklog(rest)
	}
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn, err)
		c.state.set(StateDisconnected)
		return err
	}

	// The reader may have lost the connection already, in which case the
	// state is no longer AwaitingConnectReply.
	if !c.state.transition(StateAwaitingConnectReply, StateConnected) {
		return fail(c.lostCause())
	}

	c.logger.Info("scmp_connected",
		slog.String("endpoint", ep.String()),
		slog.String("client", c.ClientName()),
		slog.Uint64("ack_window", c.rel.ackWindow()),
		slog.String("schema", c.SchemaVersion().String()))

	if c.opts.OnConnect != nil {
		go c.opts.OnConnect()
	}

	return nil
}

func (c *Client) sendConnect(ctx context.Context, conn *transport.Conn, name string, window uint64) error {
	b := codec.NewBuilder(codec.CmdConnect).HeaderUint(codec.HeaderAckWindow, window)

	c.readMu.Lock()
	if c.seqNo != nil {
		b.HeaderUint(codec.HeaderSeqNo, *c.seqNo)
	}
	subs := c.subscriptions.join()
	c.readMu.Unlock()

	if name != "" {
		b.Header(codec.HeaderClientName, name)
	}
	if subs != "" {
		b.Header(codec.HeaderSubscriptions, subs)
	}
	if c.opts.MembershipInfo {
		b.Header(codec.HeaderMembershipInfo, "1")
	} else {
		b.Header(codec.HeaderMembershipInfo, "0")
	}
	b.Header(codec.HeaderSelfDiscard, "1")

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(transport.OpText, b.Bytes()); err != nil {
		return transportError(err)
	}
	return nil
}

// readConnectReply reads the single frame answering CONNECT. The reader
// goroutine is not running yet.
func (c *Client) readConnectReply(ctx context.Context, conn *transport.Conn) (*codec.Block, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxError(ctx)
		}
		return nil, transportError(err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	block, err := codec.Parse(data)
	if err != nil {
		return nil, newError(ErrNetworkProtocolError, err)
	}

	switch block.Command {
	case codec.ReplyConnected:
	case codec.ReplyError:
		return nil, brokerError(block.Body, ErrNetworkProtocolError)
	default:
		return nil, &Error{
			Result:  ErrNetworkProtocolError,
			Message: fmt.Sprintf("expected %s, got %s", codec.ReplyConnected, block.Command),
		}
	}
	if !block.Terminated {
		return nil, newError(ErrNetworkProtocolError, codec.ErrUnterminatedHeaders)
	}
	return block, nil
}

// applyConnected records the session parameters announced by the broker.
func (c *Client) applyConnected(block *codec.Block, requested string) error {
	name := requested
	groups := newGroupSet()
	var (
		schema   SchemaVersion
		version  string
		dbAccess string
	)

	for _, h := range block.Headers {
		switch h.Name {
		case codec.HeaderClientName:
			name = h.Value
		case codec.HeaderGroups:
			groups = parseGroupList(h.Value)
		case codec.HeaderSchemaVersion:
			v, err := ParseSchemaVersion(h.Value)
			if err != nil {
				c.logger.Warn("scmp_invalid_schema_version", slog.String("value", h.Value))
				continue
			}
			schema = v
		case codec.HeaderAckWindow:
			n, err := parseUint(h.Value)
			if err != nil {
				c.logger.Warn("scmp_invalid_ack_window", slog.String("value", h.Value))
				continue
			}
			if n < c.rel.ackWindow() {
				c.rel.setWindow(n)
			}
		case codec.HeaderVersion:
			version = h.Value
		case codec.HeaderQueue:
			c.logger.Debug("scmp_queue", slog.String("queue", h.Value))
		case codec.HeaderDBAccess:
			dbAccess = h.Value
		}
	}

	if c.opts.MaxSchemaVersion.Less(schema) {
		schema = c.opts.MaxSchemaVersion
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	c.name = name
	c.groups = groups
	c.schema = schema
	c.version = version

	if dbAccess != "" {
		if _, _, ok := splitDBAccess(dbAccess); ok {
			c.inbox.push(&Packet{
				Kind:        PacketData,
				Sender:      MasterSender,
				Payload:     []byte(dbAccess),
				ContentType: content.Text.String(),
				Received:    time.Now(),
			})
		} else {
			c.logger.Warn("scmp_invalid_db_access", slog.String("value", dbAccess))
		}
	}

	return nil
}

// Disconnect ends the session gracefully. It waits for the broker receipt,
// then forgets subscriptions, queued packets, sequence state and every
// unacknowledged message.
func (c *Client) Disconnect(ctx context.Context) (err error) {
	if c.state.isClosed() {
		return newError(ErrClientClosed, nil)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.state.transition(StateConnected, StateDisconnecting) {
		return newError(ErrNotConnected, nil)
	}

	ctx, span := c.metrics.tracer.Start(ctx, "scmp.disconnect",
		trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	conn := c.currentConn()

	c.readMu.Lock()
	c.subscriptions.clear()
	name := c.name
	c.readMu.Unlock()

	// A failed DISCONNECT write still clears the session; the error is
	// returned once that is done.
	var writeErr error
	if conn != nil {
		op := c.pending.add(pendingReceipt, name)
		msg := codec.NewBuilder(codec.CmdDisconnect).Header(codec.HeaderReceipt, name).Bytes()
		if werr := c.writeFrame(conn, transport.OpText, msg); werr != nil {
			c.pending.remove(op)
			writeErr = werr
		} else if werr := op.wait(ctx, c.Timeout()); werr != nil && ResultOf(werr) == ErrTimeout {
			c.logger.Warn("scmp_receipt_timeout", slog.String("client", name))
		}
		c.drop(conn, nil)
	} else {
		writeErr = c.lostCause()
	}

	c.readMu.Lock()
	c.inbox.clear()
	c.groups.clear()
	c.name = ""
	c.seqNo = nil
	c.schema = SchemaVersion{}
	c.version = ""
	c.readMu.Unlock()

	c.rel.clear()

	c.connMu.Lock()
	c.lastErr = nil
	c.connMu.Unlock()

	c.state.set(StateDisconnected)
	c.metrics.recordDisconnect("graceful")
	if writeErr != nil {
		c.logger.Warn("scmp_disconnect_write_failed",
			slog.String("client", name),
			slog.String("error", writeErr.Error()))
		return writeErr
	}
	c.logger.Info("scmp_disconnected", slog.String("client", name))

	return nil
}

// Close tears the session down without a goodbye and releases the client.
// Unacknowledged messages stay in the backlog and in the store.
func (c *Client) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.state.get() == StateClosed {
		return nil
	}
	c.state.set(StateClosed)

	if conn := c.currentConn(); conn != nil {
		c.drop(conn, newError(ErrClientClosed, nil))
		c.metrics.recordDisconnect("closed")
	}
	c.metrics.close()
	return nil
}

// Abort closes the transport immediately. Unacknowledged messages move to the
// backlog and the client can connect again. Calls blocked on the session
// return with ErrNotConnected.
func (c *Client) Abort() {
	conn := c.currentConn()
	if conn == nil {
		return
	}
	if c.drop(conn, &Error{Result: ErrNotConnected, Message: "aborted"}) {
		c.state.transitionFrom(StateDisconnected, StateConnected, StateAwaitingConnectReply, StateConnecting)
		c.metrics.recordDisconnect("aborted")
		c.logger.Info("scmp_aborted")
	}
}

// drop detaches conn from the session and releases everything waiting on it.
// It reports whether this call did the work; later calls for the same
// connection are no-ops.
func (c *Client) drop(conn *transport.Conn, cause error) bool {
	c.connMu.Lock()
	if c.conn != conn || conn == nil {
		c.connMu.Unlock()
		return false
	}
	c.conn = nil
	s := conn.Stats()
	c.counters.BytesSent += s.BytesSent
	c.counters.BytesReceived += s.BytesReceived
	c.counters.ReadCalls += s.ReadCalls
	c.counters.WriteCalls += s.WriteCalls
	c.lastErr = cause
	close(c.connDone)
	c.connMu.Unlock()

	_ = conn.Close()

	// Senders push under writeMu, so none can add to the outbox of the
	// dropped connection after it moved to the backlog.
	c.writeMu.Lock()
	c.rel.lost()
	c.writeMu.Unlock()

	c.readMu.Lock()
	c.name = ""
	c.readMu.Unlock()

	if cause == nil {
		cause = newError(ErrNotConnected, nil)
	}
	c.pending.clear(cause)
	return true
}

// connectionLost handles a transport or protocol failure detected while the
// session was established.
func (c *Client) connectionLost(conn *transport.Conn, cause error) {
	if !c.drop(conn, cause) {
		return
	}
	if c.state.transition(StateAwaitingConnectReply, StateFailed) {
		// Connect is still running and reports the failure to its caller.
		return
	}
	if !c.state.transition(StateConnected, StateFailed) {
		return
	}

	c.metrics.recordError(cause)
	c.metrics.recordDisconnect(ResultOf(cause).Error())
	c.logger.Warn("scmp_connection_lost",
		slog.String("result", ResultOf(cause).Error()),
		slog.String("error", cause.Error()),
		slog.Int("backlog", c.rel.backlogLen()))

	if c.opts.OnConnectionLost != nil {
		go c.opts.OnConnectionLost(cause)
	}
}

// lostCause returns why the last connection ended.
func (c *Client) lostCause() error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.lastErr != nil {
		return c.lastErr
	}
	return newError(ErrNotConnected, errors.New("connection aborted"))
}

func (c *Client) currentConn() *transport.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// session returns the live connection and the channel closed when it ends.
func (c *Client) session() (*transport.Conn, <-chan struct{}, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.conn == nil {
		if c.lastErr != nil {
			return nil, nil, c.lastErr
		}
		return nil, nil, newError(ErrNotConnected, nil)
	}
	return c.conn, c.connDone, nil
}

// IsConnected returns true if the session is established.
func (c *Client) IsConnected() bool {
	return c.state.isConnected()
}

// State returns the current session state.
func (c *Client) State() State {
	return c.state.get()
}

// SetTimeout sets the bound applied to every blocking call. Zero waits
// until the context is done.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout.Store(int64(d))
}

// Timeout returns the bound applied to blocking calls.
func (c *Client) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// ClientName returns the name registered with the broker, empty when no
// session is established.
func (c *Client) ClientName() string {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.name
}

// Groups returns the groups announced by the broker, sorted.
func (c *Client) Groups() []string {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.groups.sorted()
}

// Subscriptions returns the subscribed groups, sorted.
func (c *Client) Subscriptions() []string {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.subscriptions.sorted()
}

// SchemaVersion returns the negotiated data model schema version.
func (c *Client) SchemaVersion() SchemaVersion {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.schema
}

// BrokerVersion returns the version announced by the broker.
func (c *Client) BrokerVersion() string {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.version
}

// Endpoint returns the address of the last connection attempt.
func (c *Client) Endpoint() Endpoint {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.endpoint
}

// InboxSize returns the number of packets waiting for Recv.
func (c *Client) InboxSize() int {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.inbox.len()
}

// OutboxSize returns the number of unacknowledged regular messages.
func (c *Client) OutboxSize() int {
	return c.rel.outboxLen()
}

// SessionState returns a snapshot of the session counters.
func (c *Client) SessionState() SessionState {
	var s SessionState
	c.rel.fill(&s)

	c.readMu.Lock()
	if c.seqNo != nil {
		n := *c.seqNo
		s.SequenceNumber = &n
	}
	s.ReceivedMessages = c.received
	s.InboxSize = c.inbox.len()
	s.MaxInboxSize = c.inbox.maxSize
	c.readMu.Unlock()

	c.connMu.RLock()
	t := c.counters
	if c.conn != nil {
		cur := c.conn.Stats()
		t.BytesSent += cur.BytesSent
		t.BytesReceived += cur.BytesReceived
		t.ReadCalls += cur.ReadCalls
		t.WriteCalls += cur.WriteCalls
	}
	c.connMu.RUnlock()

	s.BytesSent = t.BytesSent
	s.BytesReceived = t.BytesReceived
	s.SystemReadCalls = t.ReadCalls
	s.SystemWriteCalls = t.WriteCalls
	return s
}

// dialError maps a failure of transport.Open.
func dialError(err error) error {
	var he *transport.HandshakeError
	if errors.As(err, &he) {
		return &Error{Result: ErrNetworkProtocolError, Code: he.StatusCode, Message: he.Body, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(ErrNetworkError, err)
	}
	return transportError(err)
}
