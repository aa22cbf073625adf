// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/scmp/client"
	"github.com/absmach/scmp/pkg/content"
	"github.com/absmach/scmp/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type amplitude struct {
	Station string  `json:"station"`
	Value   float64 `json:"value"`
}

func TestFanOut(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	ctx := context.Background()

	subs := make([]*client.Client, 2)
	for i := range subs {
		subs[i] = newClient(t, nil)
		require.NoError(t, subs[i].Subscribe(ctx, "AMPLITUDE"))
		require.NoError(t, subs[i].Connect(ctx, b.URL, ""))
		recvKind(t, subs[i], client.PacketEnter)
	}

	pub := newClient(t, client.NewOptions().SetAckWindow(10))
	require.NoError(t, pub.Connect(ctx, b.URL, "amp-pub"))

	want := amplitude{Station: "GE.UGM", Value: 1.25}
	for _, enc := range []content.Encoding{content.Identity, content.GZip, content.LZ4} {
		require.NoError(t, pub.SendMessage(ctx, "AMPLITUDE", want, client.Regular, enc, content.JSON))
	}

	for _, sub := range subs {
		for range 3 {
			p := recvKind(t, sub, client.PacketData)
			assert.Equal(t, "amp-pub", p.Sender)
			assert.Equal(t, "AMPLITUDE", p.Target)
			require.NotNil(t, p.SequenceNumber)

			var got amplitude
			require.NoError(t, p.Decode(&got))
			assert.Equal(t, want, got)
		}
	}

	// The publisher is not subscribed and never sees its own messages.
	assert.Zero(t, pub.InboxSize())
}

func TestSelfDiscard(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	ctx := context.Background()

	c := newClient(t, nil)
	require.NoError(t, c.Subscribe(ctx, "PICK"))
	require.NoError(t, c.Connect(ctx, b.URL, "echo"))
	recvKind(t, c, client.PacketEnter)

	require.NoError(t, c.SendData(ctx, "PICK", []byte("mine"), client.Regular, content.Identity, content.Text))
	b.Publish("PICK", "other", []byte("theirs"), nil)

	p := recvKind(t, c, client.PacketData)
	assert.Equal(t, "other", p.Sender)
	assert.Equal(t, []byte("theirs"), p.Payload)
}

func TestMembershipNotifications(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	ctx := context.Background()

	watcher := newClient(t, client.NewOptions().SetMembershipInfo(true))
	require.NoError(t, watcher.Subscribe(ctx, "EVENT"))
	require.NoError(t, watcher.Connect(ctx, b.URL, "watcher"))

	enter := recvKind(t, watcher, client.PacketEnter)
	assert.Equal(t, "watcher", enter.Subject)

	joiner := newClient(t, nil)
	require.NoError(t, joiner.Connect(ctx, b.URL, "joiner"))
	require.NoError(t, joiner.Subscribe(ctx, "EVENT"))

	enter = recvKind(t, watcher, client.PacketEnter)
	assert.Equal(t, "EVENT", enter.Target)
	assert.Equal(t, "joiner", enter.Subject)

	require.NoError(t, joiner.Unsubscribe(ctx, "EVENT"))
	leave := recvKind(t, watcher, client.PacketLeave)
	assert.Equal(t, "joiner", leave.Subject)
	assert.Empty(t, joiner.Subscriptions())
}

func TestStatusReports(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	ctx := context.Background()

	monitor := newClient(t, nil)
	require.NoError(t, monitor.Subscribe(ctx, client.StatusGroup))
	require.NoError(t, monitor.Connect(ctx, b.URL, "monitor"))
	recvKind(t, monitor, client.PacketEnter)

	worker := newClient(t, nil)
	require.NoError(t, worker.Connect(ctx, b.URL, "worker"))
	require.NoError(t, worker.SendData(ctx, client.StatusGroup, []byte("cpuusage=3"), client.Status, content.EncodingUnset, content.TypeUnset))

	p := recvKind(t, monitor, client.PacketStatus)
	assert.Equal(t, "worker", p.Sender)
	assert.Equal(t, []byte("cpuusage=3"), p.Payload)

	// Status reports are not sequenced.
	assert.Zero(t, worker.OutboxSize())
	received := b.Received()
	require.Len(t, received, 1)
	assert.True(t, received[0].Status)
}

func TestNameReusableAfterDisconnect(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	ctx := context.Background()

	first := newClient(t, nil)
	require.NoError(t, first.Connect(ctx, b.URL, "unique"))

	second := newClient(t, nil)
	err := second.Connect(ctx, b.URL, "unique")
	assert.Equal(t, client.ErrDuplicateUsername, client.ResultOf(err))
	assert.False(t, second.IsConnected())

	require.NoError(t, first.Disconnect(ctx))
	require.Eventually(t, func() bool { return len(b.Sessions()) == 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, second.Connect(ctx, b.URL, "unique"))
	assert.Equal(t, "unique", second.ClientName())
}
