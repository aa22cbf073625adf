// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/scmp/client"
	"github.com/stretchr/testify/require"
)

var nullLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// newClient creates a client with test defaults and registers its cleanup.
func newClient(t *testing.T, opts *client.Options) *client.Client {
	t.Helper()

	if opts == nil {
		opts = client.NewOptions()
	}
	opts.SetLogger(nullLogger).SetTimeout(2 * time.Second)

	c, err := client.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// recvKind reads packets until one of the given kind arrives.
func recvKind(t *testing.T, c *client.Client, kind client.PacketKind) *client.Packet {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		p, err := c.Recv(ctx)
		require.NoError(t, err)
		if p.Kind == kind {
			return p
		}
	}
}
