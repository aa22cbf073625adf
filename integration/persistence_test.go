// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/absmach/scmp/client"
	"github.com/absmach/scmp/pkg/content"
	"github.com/absmach/scmp/storage/badger"
	"github.com/absmach/scmp/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOutboxReplayedAfterRestart checks that unacknowledged messages written
// by one process are sent again by the next process using the same store.
func TestOutboxReplayedAfterRestart(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	b.SetAutoAck(false)
	ctx := context.Background()
	cfg := badger.Config{Dir: t.TempDir()}

	store, err := badger.Open(cfg, "pub")
	require.NoError(t, err)

	first := newClient(t, client.NewOptions().SetAckWindow(100).SetStore(store))
	require.NoError(t, first.Connect(ctx, b.URL, "pub"))
	for i := range 3 {
		data := []byte(fmt.Sprintf("pick-%d", i))
		require.NoError(t, first.SendData(ctx, "PICK", data, client.Regular, content.Identity, content.Text))
	}
	require.Eventually(t, func() bool { return len(b.Received()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, first.OutboxSize())

	// Crash without a graceful disconnect.
	first.Abort()
	require.NoError(t, first.Close())
	require.NoError(t, store.Close())
	require.Eventually(t, func() bool { return len(b.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)

	store, err = badger.Open(cfg, "pub")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	second := newClient(t, client.NewOptions().SetAckWindow(100).SetStore(store))
	require.NoError(t, second.Connect(ctx, b.URL, "pub"))

	require.Eventually(t, func() bool { return len(b.Received()) == 6 }, 2*time.Second, 10*time.Millisecond)
	received := b.Received()
	for i, r := range received[3:] {
		assert.Equal(t, fmt.Sprintf("pick-%d", i), string(r.Payload))
		assert.Equal(t, uint64(i+1), r.Count)
	}

	sess, ok := b.Session("pub")
	require.True(t, ok)
	sess.Ack(3)
	require.NoError(t, second.SyncOutbox(ctx))

	left, err := store.GetAllOutbound()
	require.NoError(t, err)
	assert.Empty(t, left)
}

// TestGracefulDisconnectDropsOutbox checks that a confirmed DISCONNECT
// forgets buffered messages along with their persisted copies.
func TestGracefulDisconnectDropsOutbox(t *testing.T) {
	b := testutil.NewBroker(t, testutil.BrokerConfig{})
	b.SetAutoAck(false)
	ctx := context.Background()

	store, err := badger.Open(badger.Config{InMemory: true}, "pub")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := newClient(t, client.NewOptions().SetAckWindow(50).SetStore(store))
	require.NoError(t, c.Connect(ctx, b.URL, "pub"))
	require.NoError(t, c.SendData(ctx, "PICK", []byte("x"), client.Regular, content.Identity, content.Text))
	assert.Equal(t, 1, c.OutboxSize())

	require.NoError(t, c.Disconnect(ctx))
	assert.Zero(t, c.OutboxSize())

	left, err := store.GetAllOutbound()
	require.NoError(t, err)
	assert.Empty(t, left)
}
