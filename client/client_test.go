// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/scmp/codec"
	"github.com/absmach/scmp/pkg/content"
	"github.com/absmach/scmp/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func testOptions() *Options {
	return NewOptions().
		SetTimeout(waitFor).
		SetConnectTimeout(waitFor).
		SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestClient(t *testing.T, opts *Options) *Client {
	t.Helper()
	if opts == nil {
		opts = testOptions()
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func connectClient(t *testing.T, b *testutil.Broker, name string, opts *Options) *Client {
	t.Helper()
	c := newTestClient(t, opts)
	require.NoError(t, c.Connect(context.Background(), b.URL, name))
	require.True(t, c.IsConnected())
	return c
}

func waitSession(t *testing.T, b *testutil.Broker, name string) *testutil.Session {
	t.Helper()
	var s *testutil.Session
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = b.Session(name)
		return ok
	}, waitFor, 5*time.Millisecond)
	return s
}

func waitGone(t *testing.T, b *testutil.Broker, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := b.Session(name)
		return !ok
	}, waitFor, 5*time.Millisecond)
}

func payloads(recs []testutil.Received) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = string(r.Payload)
	}
	return out
}

func TestConnect(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{SchemaVersion: "0.11", Version: "6.0.0"})
	c := connectClient(t, b, "alice", nil)

	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, "alice", c.ClientName())
	assert.Equal(t, []string{"AMPLITUDE", "EVENT", "PICK", "STATUS_GROUP"}, c.Groups())
	assert.Equal(t, SchemaVersion{Major: 0, Minor: 11}, c.SchemaVersion())
	assert.Equal(t, "6.0.0", c.BrokerVersion())
	assert.Equal(t, "production", c.Endpoint().Queue)

	connects := b.Connects()
	require.Len(t, connects, 1)
	hdr := func(name string) string {
		v, _ := connects[0].Get(name)
		return v
	}
	assert.Equal(t, "20", hdr(codec.HeaderAckWindow))
	assert.Equal(t, "alice", hdr(codec.HeaderClientName))
	assert.Equal(t, "1", hdr(codec.HeaderMembershipInfo))
	assert.Equal(t, "1", hdr(codec.HeaderSelfDiscard))
	assert.False(t, connects[0].Has(codec.HeaderSeqNo))
	assert.False(t, connects[0].Has(codec.HeaderSubscriptions))

	err := c.Connect(context.Background(), b.URL, "alice")
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectBrokerAssignsName(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	c := connectClient(t, b, "", nil)
	assert.Equal(t, "client-1", c.ClientName())
}

func TestConnectNegotiation(t *testing.T) {
	cases := []struct {
		name       string
		cfg        testutil.BrokerConfig
		url        string
		ackWindow  uint64
		wantWindow uint64
		wantSchema SchemaVersion
	}{
		{
			name:       "broker window is smaller",
			cfg:        testutil.BrokerConfig{AckWindow: 5},
			ackWindow:  20,
			wantWindow: 5,
			wantSchema: SchemaVersion{Major: 0, Minor: 13},
		},
		{
			name:       "client window is smaller",
			cfg:        testutil.BrokerConfig{AckWindow: 50},
			ackWindow:  10,
			wantWindow: 10,
			wantSchema: SchemaVersion{Major: 0, Minor: 13},
		},
		{
			name:       "URL overrides window",
			cfg:        testutil.BrokerConfig{},
			url:        "?ack=3",
			ackWindow:  20,
			wantWindow: 3,
			wantSchema: SchemaVersion{Major: 0, Minor: 13},
		},
		{
			name:       "schema clamped",
			cfg:        testutil.BrokerConfig{SchemaVersion: "1.4"},
			ackWindow:  20,
			wantWindow: 20,
			wantSchema: DefaultMaxSchemaVersion,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := testutil.NewBroker(t, tc.cfg)
			c := newTestClient(t, testOptions().SetAckWindow(tc.ackWindow))
			require.NoError(t, c.Connect(context.Background(), b.URL+tc.url, "n"))

			assert.Equal(t, tc.wantWindow, c.rel.ackWindow())
			assert.Equal(t, tc.wantSchema, c.SchemaVersion())
		})
	}
}

func TestConnectErrors(t *testing.T) {
	cases := []struct {
		name     string
		setup    func(b *testutil.Broker)
		address  func(b *testutil.Broker) string
		want     Result
		wantCode int
	}{
		{
			name:     "duplicate username",
			setup:    func(b *testutil.Broker) { b.RejectNext(testutil.CodeDuplicateUsername, "name taken") },
			want:     ErrDuplicateUsername,
			wantCode: 408,
		},
		{
			name:     "group does not exist",
			setup:    func(b *testutil.Broker) { b.RejectNext(testutil.CodeGroupDoesNotExist, "no such group") },
			want:     ErrGroupDoesNotExist,
			wantCode: 411,
		},
		{
			name:     "other broker error",
			setup:    func(b *testutil.Broker) { b.RejectNext(500, "internal") },
			want:     ErrNetworkProtocolError,
			wantCode: 500,
		},
		{
			name:     "unknown queue",
			address:  func(b *testutil.Broker) string { return "scmp://" + b.Addr() + "/nowhere" },
			want:     ErrNetworkProtocolError,
			wantCode: 404,
		},
		{
			name:    "invalid scheme",
			address: func(*testutil.Broker) string { return "http://localhost/production" },
			want:    ErrInvalidURL,
		},
		{
			name:    "invalid ack parameter",
			address: func(b *testutil.Broker) string { return b.URL + "?ack=x" },
			want:    ErrInvalidURLParameters,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := testutil.NewBroker(t, testutil.BrokerConfig{})
			if tc.setup != nil {
				tc.setup(b)
			}
			address := b.URL
			if tc.address != nil {
				address = tc.address(b)
			}

			c := newTestClient(t, nil)
			err := c.Connect(context.Background(), address, "bob")
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			if tc.wantCode != 0 {
				var ce *Error
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, tc.wantCode, ce.Code)
			}
			assert.Equal(t, StateDisconnected, c.State())
			assert.Nil(t, c.currentConn())

			// The session is reusable after a failed attempt.
			require.NoError(t, c.Connect(context.Background(), b.URL, "bob"))
		})
	}
}

func TestConnectRefused(t *testing.T) {
	c := newTestClient(t, nil)
	err := c.Connect(context.Background(), "scmp://127.0.0.1:1/production", "x")
	require.Error(t, err)
	assert.Equal(t, CategoryTransport, ResultOf(err).Category())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestDatabaseAccessPacket(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{DBAccess: "postgresql://sysop:pw@db/seiscomp"})
	c := connectClient(t, b, "", nil)

	p, err := c.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PacketData, p.Kind)
	assert.Equal(t, MasterSender, p.Sender)

	service, params, ok := p.DatabaseAccess()
	require.True(t, ok)
	assert.Equal(t, "postgresql", service)
	assert.Equal(t, "sysop:pw@db/seiscomp", params)
}

func TestSubscribeIdempotence(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	c := connectClient(t, b, "sub", nil)
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, "PICK"))
	assert.ErrorIs(t, c.Subscribe(ctx, "PICK"), ErrAlreadySubscribed)
	assert.Equal(t, []string{"PICK"}, c.Subscriptions())

	require.NoError(t, c.Unsubscribe(ctx, "PICK"))
	assert.ErrorIs(t, c.Unsubscribe(ctx, "PICK"), ErrNotSubscribed)
	assert.Empty(t, c.Subscriptions())

	assert.ErrorIs(t, c.Subscribe(ctx, "NOPE"), ErrGroupDoesNotExist)
	assert.Zero(t, c.pending.count())
}

func TestSubscribeOffline(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	c := newTestClient(t, nil)
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, "PICK"))
	require.NoError(t, c.Subscribe(ctx, "EVENT"))
	require.NoError(t, c.Subscribe(ctx, "AMPLITUDE"))
	require.NoError(t, c.Unsubscribe(ctx, "AMPLITUDE"))
	assert.ErrorIs(t, c.Unsubscribe(ctx, "AMPLITUDE"), ErrNotSubscribed)

	require.NoError(t, c.Connect(ctx, b.URL, "offline"))

	connects := b.Connects()
	require.Len(t, connects, 1)
	subs, _ := connects[0].Get(codec.HeaderSubscriptions)
	assert.Equal(t, "EVENT,PICK", subs)
	assert.Equal(t, []string{"EVENT", "PICK"}, c.Subscriptions())

	// The broker confirms both joins with ENTER packets.
	for range 2 {
		p, err := c.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, PacketEnter, p.Kind)
		assert.Equal(t, "offline", p.Sender)
	}
}

func TestDeliveryOrderWhileSubscribing(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{ManualMembership: true})
	c := connectClient(t, b, "bob", nil)
	s := waitSession(t, b, "bob")
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Subscribe(ctx, "PICK") }()
	require.Eventually(t, func() bool { return c.pending.count() == 1 }, waitFor, time.Millisecond)

	frames := [][]byte{
		codec.NewBuilder(codec.ReplyEnter).Header(codec.HeaderGroup, "PICK").Header(codec.HeaderMember, "alice").Bytes(),
		codec.NewBuilder(codec.ReplyRecv).
			Header(codec.HeaderSender, "alice").
			Header(codec.HeaderDestination, "PICK").
			HeaderUint(codec.HeaderSequenceNumber, 7).
			HeaderInt(codec.HeaderContentLength, 5).
			Body([]byte("hello")).
			Bytes(),
		codec.NewBuilder(codec.ReplyLeave).Header(codec.HeaderGroup, "PICK").Header(codec.HeaderMember, "alice").Bytes(),
	}
	for _, f := range frames {
		require.NoError(t, s.Write(f))
	}

	select {
	case err := <-errCh:
		t.Fatalf("subscribe returned before its own ENTER: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.Write(codec.NewBuilder(codec.ReplyEnter).
		Header(codec.HeaderGroup, "PICK").
		Header(codec.HeaderMember, "bob").
		Body([]byte("alice,bob")).
		Bytes()))
	require.NoError(t, <-errCh)

	want := []struct {
		kind   PacketKind
		sender string
	}{
		{PacketEnter, "alice"},
		{PacketData, "alice"},
		{PacketLeave, "alice"},
		{PacketEnter, "bob"},
	}
	for i, w := range want {
		p, err := c.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, w.kind, p.Kind, "packet %d", i)
		assert.Equal(t, w.sender, p.Sender, "packet %d", i)
		assert.Equal(t, "PICK", p.Target, "packet %d", i)
	}

	st := c.SessionState()
	require.NotNil(t, st.SequenceNumber)
	assert.Equal(t, uint64(7), *st.SequenceNumber)
	assert.Equal(t, uint64(1), st.ReceivedMessages)
}

func TestPublishAndReceive(t *testing.T) {
	type pick struct {
		Station string  `json:"station"`
		Time    float64 `json:"time"`
	}

	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	sub := connectClient(t, b, "sub", nil)
	pub := connectClient(t, b, "pub", nil)
	ctx := context.Background()

	require.NoError(t, sub.Subscribe(ctx, "PICK"))
	p, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, PacketEnter, p.Kind)
	assert.Equal(t, []string{"sub"}, p.Members())

	in := pick{Station: "GE.UGM", Time: 1234.5}
	require.NoError(t, pub.SendMessage(ctx, "PICK", in, Regular, content.GZip, content.JSON))
	require.NoError(t, pub.SendData(ctx, "PICK", []byte("ping"), Transient, content.EncodingUnset, content.Text))
	require.NoError(t, pub.SendData(ctx, "PICK", []byte("up"), Status, content.EncodingUnset, content.TypeUnset))

	p, err = sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, PacketData, p.Kind)
	assert.Equal(t, "pub", p.Sender)
	assert.Equal(t, "gzip", p.ContentEncoding)
	assert.Equal(t, "text/json", p.ContentType)
	require.NotNil(t, p.SequenceNumber)
	var out pick
	require.NoError(t, p.Decode(&out))
	assert.Equal(t, in, out)

	p, err = sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(p.Payload))

	p, err = sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, PacketStatus, p.Kind)
	assert.Equal(t, "pub", p.Sender)
	assert.Equal(t, "up", string(p.Payload))

	recs := b.Received()
	require.Len(t, recs, 3)
	assert.False(t, recs[0].Transient)
	assert.True(t, recs[1].Transient)
	assert.True(t, recs[2].Status)
	assert.NotContains(t, recs[1].Headers, codec.HeaderEncoding)

	st := pub.SessionState()
	assert.Equal(t, uint64(1), st.LocalSequenceNumber)
	assert.Equal(t, uint64(1), st.SentMessages)
	assert.NotZero(t, st.BytesSent)
	assert.NotZero(t, st.SystemWriteCalls)
}

func TestSendValidation(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	c := connectClient(t, b, "v", testOptions().SetMaxMessageSize(1024))
	offline := newTestClient(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		send func() error
		want Result
	}{
		{
			name: "missing group",
			send: func() error { return c.SendData(ctx, "", []byte("x"), Regular, content.Identity, content.Text) },
			want: ErrMissingGroup,
		},
		{
			name: "unknown group",
			send: func() error { return c.SendData(ctx, "NOPE", []byte("x"), Regular, content.Identity, content.Text) },
			want: ErrGroupDoesNotExist,
		},
		{
			name: "invalid type",
			send: func() error { return c.SendData(ctx, "PICK", []byte("x"), MessageType(9), content.Identity, content.Text) },
			want: ErrInvalidMessageType,
		},
		{
			name: "too large",
			send: func() error { return c.SendData(ctx, "PICK", make([]byte, 2048), Regular, content.Identity, content.Binary) },
			want: ErrMessageTooLarge,
		},
		{
			name: "content type required",
			send: func() error { return c.SendMessage(ctx, "PICK", "x", Regular, content.Identity, content.TypeUnset) },
			want: ErrContentTypeRequired,
		},
		{
			name: "content encoding required",
			send: func() error { return c.SendMessage(ctx, "PICK", "x", Regular, content.EncodingUnset, content.Text) },
			want: ErrContentEncodingRequired,
		},
		{
			name: "encoding error",
			send: func() error { return c.SendMessage(ctx, "PICK", make(chan int), Regular, content.Identity, content.JSON) },
			want: ErrEncodingError,
		},
		{
			name: "not connected",
			send: func() error { return offline.SendData(ctx, "PICK", []byte("x"), Regular, content.Identity, content.Text) },
			want: ErrNotConnected,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.send(), tc.want)
		})
	}
	assert.Empty(t, b.Received())
	assert.Zero(t, c.SessionState().LocalSequenceNumber)
}

func TestAckWindowBlocksSender(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	b.SetAutoAck(false)
	c := connectClient(t, b, "w", testOptions().SetAckWindow(2))
	s := waitSession(t, b, "w")
	ctx := context.Background()

	require.NoError(t, c.SendData(ctx, "PICK", []byte("1"), Regular, content.Identity, content.Text))

	var returned atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- c.SendData(ctx, "PICK", []byte("2"), Regular, content.Identity, content.Text)
		returned.Store(true)
	}()

	require.Eventually(t, func() bool { return len(b.Received()) == 2 }, waitFor, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, returned.Load())
	assert.Equal(t, 2, c.OutboxSize())

	s.Ack(2)
	require.NoError(t, <-done)
	assert.Equal(t, 0, c.OutboxSize())
	require.NoError(t, c.SyncOutbox(ctx))
}

func TestAckWindowWaitTimesOut(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	b.SetAutoAck(false)
	c := connectClient(t, b, "w", testOptions().SetAckWindow(1))
	c.SetTimeout(30 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.SendData(ctx, "PICK", []byte("1"), Regular, content.Identity, content.Text))
	assert.Equal(t, 1, c.OutboxSize())
	assert.ErrorIs(t, c.SyncOutbox(ctx), ErrTimeout)
}

func TestBacklogReplayOrder(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	b.SetAutoAck(false)
	lost := make(chan error, 1)
	opts := testOptions().SetOnConnectionLost(func(err error) { lost <- err })
	c := connectClient(t, b, "replay", opts)
	s := waitSession(t, b, "replay")
	ctx := context.Background()

	send := func(body string) {
		require.NoError(t, c.SendData(ctx, "PICK", []byte(body), Regular, content.Identity, content.Text))
	}
	for _, m := range []string{"1", "2", "3", "4"} {
		send(m)
	}
	s.Ack(4)
	require.NoError(t, c.SyncOutbox(ctx))

	for _, m := range []string{"5", "6", "7"} {
		send(m)
	}
	assert.Equal(t, []uint64{5, 6, 7}, c.rel.outboxSeqs())
	require.Eventually(t, func() bool { return len(b.Received()) == 7 }, waitFor, time.Millisecond)

	s.Drop()
	select {
	case err := <-lost:
		assert.Equal(t, CategoryTransport, ResultOf(err).Category())
	case <-time.After(waitFor):
		t.Fatal("connection loss not reported")
	}
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 3, c.SessionState().BacklogSize)
	assert.ErrorIs(t, c.SendData(ctx, "PICK", []byte("x"), Regular, content.Identity, content.Text), ErrNotConnected)

	waitGone(t, b, "replay")
	require.NoError(t, c.Connect(ctx, b.URL, "replay"))
	send("8")

	require.Eventually(t, func() bool { return len(b.Received()) == 11 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"5", "6", "7", "8"}, payloads(b.Received()[7:]))
	assert.Equal(t, []uint64{8, 9, 10, 11}, c.rel.outboxSeqs())
	assert.Zero(t, c.SessionState().BacklogSize)

	// The broker counts per connection; ACK 4 covers everything replayed.
	s = waitSession(t, b, "replay")
	s.Ack(4)
	require.NoError(t, c.SyncOutbox(ctx))
}

func TestBrokerErrorTrimsAndTearsDown(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	b.SetAutoAck(false)
	lost := make(chan error, 1)
	c := connectClient(t, b, "err", testOptions().SetOnConnectionLost(func(err error) { lost <- err }))
	s := waitSession(t, b, "err")
	ctx := context.Background()

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, c.SendData(ctx, "PICK", []byte(m), Regular, content.Identity, content.Text))
	}
	require.Eventually(t, func() bool { return s.Count() == 3 }, waitFor, time.Millisecond)

	seq := uint64(2)
	s.Fail(500, "storage failure", &seq)

	var err error
	select {
	case err = <-lost:
	case <-time.After(waitFor):
		t.Fatal("connection loss not reported")
	}
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrConnectionClosedByPeer, ce.Result)
	assert.Equal(t, 500, ce.Code)
	assert.Equal(t, "storage failure", ce.Message)

	assert.Equal(t, 1, c.SessionState().BacklogSize)
	assert.Empty(t, c.ClientName())
}

func TestErrorAheadOfLocalSequenceIsIgnored(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	b.SetAutoAck(false)
	c := connectClient(t, b, "ahead", nil)
	s := waitSession(t, b, "ahead")
	ctx := context.Background()

	require.NoError(t, c.SendData(ctx, "PICK", []byte("a"), Regular, content.Identity, content.Text))
	s.Ack(9)
	require.Eventually(t, func() bool { return s.Count() == 1 }, waitFor, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.OutboxSize())
	assert.True(t, c.IsConnected())
}

func TestRecv(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	c := connectClient(t, b, "r", nil)
	s := waitSession(t, b, "r")
	ctx := context.Background()

	t.Run("timeout", func(t *testing.T) {
		c.SetTimeout(20 * time.Millisecond)
		defer c.SetTimeout(waitFor)
		_, err := c.Recv(ctx)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := c.Recv(cctx)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("fetch and clear", func(t *testing.T) {
		require.NoError(t, s.Write(codec.NewBuilder(codec.ReplyDisconnected).Header(codec.HeaderClient, "gone").Bytes()))
		require.NoError(t, c.FetchInbox(ctx))
		assert.Equal(t, 1, c.InboxSize())
		c.ClearInbox()
		assert.Zero(t, c.InboxSize())
	})

	t.Run("queued packets before loss", func(t *testing.T) {
		require.NoError(t, s.Write(codec.NewBuilder(codec.ReplyDisconnected).Header(codec.HeaderClient, "gone").Bytes()))
		require.NoError(t, c.FetchInbox(ctx))
		s.Drop()
		require.Eventually(t, func() bool { return c.State() == StateFailed }, waitFor, time.Millisecond)

		p, err := c.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, PacketDisconnected, p.Kind)
		assert.Equal(t, "gone", p.Subject)

		_, err = c.Recv(ctx)
		require.Error(t, err)
		assert.Equal(t, CategoryTransport, ResultOf(err).Category())
	})
}

func TestRecvWokenByLoss(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	c := connectClient(t, b, "r", nil)
	s := waitSession(t, b, "r")

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Recv(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.CloseFrame()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionClosedByPeer)
	case <-time.After(waitFor):
		t.Fatal("Recv not woken by connection loss")
	}
}

func TestDisconnectFinality(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	b.SetAutoAck(false)
	c := connectClient(t, b, "final", nil)
	s := waitSession(t, b, "final")
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, "PICK"))
	require.NoError(t, c.SendData(ctx, "EVENT", []byte("1"), Regular, content.Identity, content.Text))
	require.NoError(t, c.SendData(ctx, "EVENT", []byte("2"), Regular, content.Identity, content.Text))
	b.Publish("PICK", "other", []byte("x"), nil)
	require.Eventually(t, func() bool { return s.Count() == 2 && c.SessionState().SequenceNumber != nil }, waitFor, time.Millisecond)

	require.NoError(t, c.Disconnect(ctx))

	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, c.Subscriptions())
	assert.Empty(t, c.Groups())
	assert.Empty(t, c.ClientName())
	assert.Zero(t, c.OutboxSize())
	assert.Zero(t, c.InboxSize())
	st := c.SessionState()
	assert.Zero(t, st.BacklogSize)
	assert.Nil(t, st.SequenceNumber)
	assert.True(t, c.SchemaVersion().IsZero())

	bufs, err := c.store.GetAllOutbound()
	require.NoError(t, err)
	assert.Empty(t, bufs)

	assert.ErrorIs(t, c.Disconnect(ctx), ErrNotConnected)

	waitGone(t, b, "final")
	require.NoError(t, c.Connect(ctx, b.URL, "final"))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, b.Received(), 2)

	connects := b.Connects()
	require.Len(t, connects, 2)
	assert.False(t, connects[1].Has(codec.HeaderSeqNo))
	assert.False(t, connects[1].Has(codec.HeaderSubscriptions))
}

func TestReconnectCarriesSequenceNumber(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	c := connectClient(t, b, "seq", nil)
	s := waitSession(t, b, "seq")
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, "PICK"))
	b.Publish("PICK", "other", []byte("x"), nil)
	b.Publish("PICK", "other", []byte("y"), nil)
	require.Eventually(t, func() bool {
		n := c.SessionState().SequenceNumber
		return n != nil && *n == 2
	}, waitFor, time.Millisecond)

	s.Drop()
	require.Eventually(t, func() bool { return c.State() == StateFailed }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"PICK"}, c.Subscriptions())
	waitGone(t, b, "seq")

	require.NoError(t, c.Connect(ctx, b.URL, "seq"))
	connects := b.Connects()
	require.Len(t, connects, 2)
	seqNo, _ := connects[1].Get(codec.HeaderSeqNo)
	assert.Equal(t, "2", seqNo)
	subs, _ := connects[1].Get(codec.HeaderSubscriptions)
	assert.Equal(t, "PICK", subs)
}

func TestAbort(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	b.SetAutoAck(false)
	c := connectClient(t, b, "abort", nil)
	ctx := context.Background()

	require.NoError(t, c.SendData(ctx, "PICK", []byte("1"), Regular, content.Identity, content.Text))
	c.Abort()

	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 1, c.SessionState().BacklogSize)
	_, err := c.Recv(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)

	waitGone(t, b, "abort")
	require.NoError(t, c.Connect(ctx, b.URL, "abort"))
	require.Eventually(t, func() bool { return len(b.Received()) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"1", "1"}, payloads(b.Received()))
}

func TestAbortRacingSenders(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	b.SetAutoAck(false)
	ctx := context.Background()

	for iter := range 20 {
		c := connectClient(t, b, "", testOptions().SetAckWindow(1000))

		var (
			wg   sync.WaitGroup
			sent atomic.Int64
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 50 {
					if err := c.SendData(ctx, "PICK", []byte("x"), Regular, content.Identity, content.Text); err != nil {
						return
					}
					sent.Add(1)
				}
			}()
		}
		time.Sleep(time.Duration(iter%4) * time.Millisecond)
		c.Abort()
		wg.Wait()

		// Every sequenced message is in the backlog and none is left behind
		// in the outbox of the aborted connection.
		st := c.SessionState()
		require.Zero(t, st.OutboxSize, "iteration %d", iter)
		require.Equal(t, st.LocalSequenceNumber, uint64(st.BacklogSize), "iteration %d", iter)
		require.GreaterOrEqual(t, int64(st.BacklogSize), sent.Load(), "iteration %d", iter)

		backlog := st.BacklogSize
		require.NoError(t, c.Connect(ctx, b.URL, ""))
		st = c.SessionState()
		assert.Zero(t, st.BacklogSize, "iteration %d", iter)
		assert.Equal(t, backlog, st.OutboxSize, "iteration %d", iter)
		require.NoError(t, c.Close())
	}
}

func TestLossBeforeConnectedIsLeftToConnect(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	var lost atomic.Int32
	c := connectClient(t, b, "early", testOptions().SetOnConnectionLost(func(error) { lost.Add(1) }))

	// Reenter the window between the CONNECTED reply and the end of Connect.
	require.True(t, c.state.transition(StateConnected, StateAwaitingConnectReply))
	c.connectionLost(c.currentConn(), newError(ErrNetworkError, errors.New("connection reset")))

	assert.Equal(t, StateFailed, c.State())
	assert.Nil(t, c.currentConn())
	assert.Equal(t, ErrNetworkError, ResultOf(c.lostCause()))
	assert.False(t, c.state.transition(StateAwaitingConnectReply, StateConnected))

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, lost.Load())

	waitGone(t, b, "early")
	require.NoError(t, c.Connect(context.Background(), b.URL, "early"))
	assert.True(t, c.IsConnected())
}

func TestDisconnectReportsWriteFailure(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	c := connectClient(t, b, "broken", nil)
	ctx := context.Background()

	require.NoError(t, c.currentConn().Close())

	require.Error(t, c.Disconnect(ctx))
	assert.False(t, c.IsConnected())
	assert.Nil(t, c.currentConn())

	waitGone(t, b, "broken")
	require.NoError(t, c.Connect(ctx, b.URL, "broken"))
	assert.True(t, c.IsConnected())
}

func TestClose(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	var lost atomic.Int32
	c := connectClient(t, b, "close", testOptions().SetOnConnectionLost(func(error) { lost.Add(1) }))
	ctx := context.Background()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())

	assert.ErrorIs(t, c.Connect(ctx, b.URL, "close"), ErrClientClosed)
	assert.ErrorIs(t, c.Subscribe(ctx, "PICK"), ErrClientClosed)
	assert.ErrorIs(t, c.SendData(ctx, "PICK", []byte("x"), Regular, content.Identity, content.Text), ErrClientClosed)
	assert.ErrorIs(t, c.Disconnect(ctx), ErrClientClosed)
	waitGone(t, b, "close")
	assert.Zero(t, lost.Load())
}

func TestOnConnectCallback(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	called := make(chan struct{})
	connectClient(t, b, "cb", testOptions().SetOnConnect(func() { close(called) }))

	select {
	case <-called:
	case <-time.After(waitFor):
		t.Fatal("OnConnect not called")
	}
}

func TestPersistentStoreRestoresBacklog(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.StoreOutbound(41, &OutboundBuffer{
		Seq:   41,
		Group: "PICK",
		Data: codec.NewBuilder(codec.CmdSend).
			Header(codec.HeaderDestination, "PICK").
			HeaderInt(codec.HeaderContentLength, 3).
			Body([]byte("old")).
			Bytes(),
	}))

	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	c := newTestClient(t, testOptions().SetStore(store))
	assert.Equal(t, 1, c.SessionState().BacklogSize)

	require.NoError(t, c.Connect(context.Background(), b.URL, "restored"))
	require.Eventually(t, func() bool { return len(b.Received()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, "old", string(b.Received()[0].Payload))

	bufs, err := store.GetAllOutbound()
	require.NoError(t, err)
	require.Len(t, bufs, 1)
	assert.Equal(t, uint64(1), bufs[0].Seq)
}

func TestTransportErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Result
	}{
		{"foreign", errors.New("boom"), ErrNetworkError},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"already mapped", newError(ErrDuplicateUsername, nil), ErrDuplicateUsername},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ResultOf(dialError(tc.err)))
		})
	}
}
